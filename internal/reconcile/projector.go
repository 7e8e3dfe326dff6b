package reconcile

import (
	"fmt"
	"strings"

	"github.com/flowsync-dev/flowsync/internal/model"
	"github.com/flowsync-dev/flowsync/internal/workspace"
)

// BuildOverview projects the entity tree and the local metadata files into
// one consolidated Markdown document for human review. The output is
// deterministic for a given tree and set of metadata files. It is
// regenerated whenever metadata changes, never merged, and never meant to
// be edited by hand; hand edits surface as drift in status because the
// document is ledger-tracked like any other file.
func BuildOverview(ws *workspace.Workspace, tree *model.Tree) (string, error) {
	var b strings.Builder

	projDir := workspace.ProjectDir(tree.Project.Idn)
	proj, err := ws.ReadProject(projDir)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "# %s (%s)\n", proj.Title, proj.Idn)
	if proj.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", proj.Description)
	}

	for _, anode := range tree.Agents {
		agentDir := workspace.AgentDir(tree.Project.Idn, anode.Idn)
		agent, err := ws.ReadAgent(agentDir)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\n## Agent: %s (%s)\n", agent.Title, agent.Idn)
		if agent.Description != "" {
			fmt.Fprintf(&b, "\n%s\n", agent.Description)
		}

		for _, fnode := range anode.Flows {
			flowDir := workspace.FlowDir(tree.Project.Idn, anode.Idn, fnode.Idn)
			flow, err := ws.ReadFlow(flowDir)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "\n### Flow: %s (%s)\n\n", flow.Title, flow.Idn)
			fmt.Fprintf(&b, "- runner: %s\n", flow.Runner)
			if flow.Model != "" {
				fmt.Fprintf(&b, "- model: %s\n", flow.Model)
			}
			writeEvents(&b, flow.Events)
			writeStates(&b, flow.StateFields)

			for _, ref := range fnode.Skills {
				skillDir := workspace.SkillDir(tree.Project.Idn, anode.Idn, fnode.Idn, ref.Idn)
				skill, err := ws.ReadSkill(skillDir)
				if err != nil {
					return "", err
				}
				fmt.Fprintf(&b, "\n#### Skill: %s (%s)\n\n", skill.Title, skill.Idn)
				fmt.Fprintf(&b, "- runner: %s\n", skill.Runner)
				if skill.Model != "" {
					fmt.Fprintf(&b, "- model: %s\n", skill.Model)
				}
				if len(skill.Params) > 0 {
					fmt.Fprintf(&b, "- params:\n")
					for _, param := range skill.Params {
						fmt.Fprintf(&b, "    - %s = %q\n", param.Name, param.Default)
					}
				}
			}
		}
	}
	return b.String(), nil
}

func writeEvents(b *strings.Builder, events []model.Event) {
	if len(events) == 0 {
		return
	}
	fmt.Fprintf(b, "- events:\n")
	for _, e := range events {
		if e.Title != "" {
			fmt.Fprintf(b, "    - %s (%s)\n", e.Idn, e.Title)
		} else {
			fmt.Fprintf(b, "    - %s\n", e.Idn)
		}
	}
}

func writeStates(b *strings.Builder, states []model.State) {
	if len(states) == 0 {
		return
	}
	fmt.Fprintf(b, "- state fields:\n")
	for _, s := range states {
		if s.Type != "" {
			fmt.Fprintf(b, "    - %s: %s\n", s.Idn, s.Type)
		} else {
			fmt.Fprintf(b, "    - %s\n", s.Idn)
		}
	}
}
