package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"

	"github.com/fatih/color"

	"github.com/flowsync-dev/flowsync/internal/ledger"
	"github.com/flowsync-dev/flowsync/internal/workspace"
	"github.com/flowsync-dev/flowsync/pkg/storage"
)

// Change classifies one path's drift against the ledger.
type Change struct {
	Path string
	Code byte // 'A' added, 'M' modified, 'D' deleted
}

type StatusReport struct {
	Changes []Change
}

func (r *StatusReport) Clean() bool {
	return len(r.Changes) == 0
}

// Render prints the report in short form, one change per line, followed
// by a count line ("Clean." when nothing changed).
func (r *StatusReport) Render(w io.Writer) {
	for _, c := range r.Changes {
		var paint *color.Color
		switch c.Code {
		case 'A':
			paint = color.New(color.FgGreen)
		case 'D':
			paint = color.New(color.FgRed)
		default:
			paint = color.New(color.FgYellow)
		}
		paint.Fprintf(w, "%c", c.Code)
		fmt.Fprintf(w, " %s\n", c.Path)
	}
	if r.Clean() {
		fmt.Fprintln(w, "Clean.")
		return
	}
	fmt.Fprintf(w, "%d change(s).\n", len(r.Changes))
}

// StatusReporter performs the pull-time diff walk with no side effects:
// tracked paths are classified against the ledger, untracked local
// entities are reported as added.
type StatusReporter struct {
	WS    *workspace.Workspace
	Store storage.Storage
	Log   *slog.Logger
}

func (s *StatusReporter) Run(ctx context.Context) (*StatusReport, error) {
	led, err := ledger.Load(ctx, s.Store)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{}

	for _, p := range led.Paths() {
		want, _ := led.Get(p)
		if !s.WS.Exists(p) {
			report.Changes = append(report.Changes, Change{Path: p, Code: 'D'})
			continue
		}
		data, err := s.WS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if ledger.Digest(data) != want {
			report.Changes = append(report.Changes, Change{Path: p, Code: 'M'})
		}
	}

	untracked, err := s.untrackedPaths(led)
	if err != nil {
		return nil, err
	}
	for _, p := range untracked {
		report.Changes = append(report.Changes, Change{Path: p, Code: 'A'})
	}

	sort.Slice(report.Changes, func(i, j int) bool {
		return report.Changes[i].Path < report.Changes[j].Path
	})
	return report, nil
}

// untrackedPaths walks the local entity tree and collects metadata and
// script files the ledger has never seen.
func (s *StatusReporter) untrackedPaths(led *ledger.Ledger) ([]string, error) {
	var out []string
	add := func(p string) {
		if _, ok := led.Get(p); !ok {
			out = append(out, p)
		}
	}

	projects, err := s.WS.Projects()
	if err != nil {
		return nil, err
	}
	for _, project := range projects {
		add(workspace.MetaPath(workspace.ProjectDir(project)))
		agents, err := s.WS.Agents(project)
		if err != nil {
			return nil, err
		}
		for _, agent := range agents {
			add(workspace.MetaPath(workspace.AgentDir(project, agent)))
			flows, err := s.WS.Flows(project, agent)
			if err != nil {
				return nil, err
			}
			for _, flow := range flows {
				add(workspace.MetaPath(workspace.FlowDir(project, agent, flow)))
				skills, err := s.WS.Skills(project, agent, flow)
				if err != nil {
					return nil, err
				}
				for _, skill := range skills {
					skillDir := workspace.SkillDir(project, agent, flow, skill)
					add(workspace.MetaPath(skillDir))
					candidates, err := s.WS.ScriptCandidates(skillDir)
					if err != nil {
						return nil, err
					}
					for _, name := range candidates {
						add(path.Join(skillDir, name))
					}
				}
			}
		}
	}
	return out, nil
}
