package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"path"

	"github.com/sourcegraph/conc/pool"

	"github.com/flowsync-dev/flowsync/internal/ledger"
	"github.com/flowsync-dev/flowsync/internal/model"
	"github.com/flowsync-dev/flowsync/internal/remote"
	"github.com/flowsync-dev/flowsync/internal/workspace"
	"github.com/flowsync-dev/flowsync/pkg/cerr"
	"github.com/flowsync-dev/flowsync/pkg/clog"
	"github.com/flowsync-dev/flowsync/pkg/panicerr"
	"github.com/flowsync-dev/flowsync/pkg/storage"
)

// ErrAborted is returned when the operator answers "quit" at a prompt.
// Work already persisted stays persisted; nothing is rolled back.
var ErrAborted = errors.New("aborted by operator")

// DefaultConcurrency bounds in-flight leaf-level requests.
const DefaultConcurrency = 5

// Puller materializes the remote tree into the local workspace. Metadata
// is remote-authoritative and written unconditionally; skill content is
// digest-compared and conflicting files go through the Confirmer.
type Puller struct {
	Gateway     remote.Gateway
	WS          *workspace.Workspace
	Store       storage.Storage
	Confirm     Confirmer
	Log         *slog.Logger
	Force       bool
	Concurrency int
}

type PullReport struct {
	Written int // files written or refreshed
	Kept    int // conflicting files left untouched on operator's "no"
	Deleted int // local entity directories removed
	Skipped int // entities skipped on per-entity errors
}

// run-scoped state shared by the pull phases.
type pullRun struct {
	led          *ledger.Ledger
	tree         *model.Tree
	report       PullReport
	overwriteAll bool
	deleteAll    bool
}

func (p *Puller) concurrency() int {
	if p.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return p.Concurrency
}

// Run fetches the project tree, reconciles it into the workspace, prunes
// remotely deleted entities (with confirmation) and persists ledger, map
// and the overview document.
func (p *Puller) Run(ctx context.Context, projectID string) (*PullReport, error) {
	led, err := ledger.Load(ctx, p.Store)
	if err != nil {
		return nil, err
	}
	run := &pullRun{led: led, tree: &model.Tree{}, overwriteAll: p.Force}

	if err := p.fetchTree(ctx, run, projectID); err != nil {
		if errors.Is(err, ErrAborted) {
			// Keep ledger entries for entities settled before the quit.
			// The previous map stays untouched: a partial map would make
			// push re-create entities that already exist remotely.
			if serr := run.led.Save(ctx, p.Store); serr != nil {
				p.Log.Error("failed to persist ledger after abort", clog.Err(serr))
			}
		}
		return &run.report, err
	}

	if err := p.pruneDeleted(ctx, run); err != nil {
		if errors.Is(err, ErrAborted) {
			// The remote snapshot is complete at this point, so both
			// ledger and map are safe to persist.
			p.persist(ctx, run)
		}
		return &run.report, err
	}

	if err := p.writeOverview(ctx, run); err != nil {
		return &run.report, err
	}
	if err := p.persistErr(ctx, run); err != nil {
		return &run.report, err
	}
	return &run.report, nil
}

func (p *Puller) persist(ctx context.Context, run *pullRun) {
	if err := p.persistErr(ctx, run); err != nil {
		p.Log.Error("failed to persist sync state", clog.Err(err))
	}
}

func (p *Puller) persistErr(ctx context.Context, run *pullRun) error {
	if err := run.led.Save(ctx, p.Store); err != nil {
		return err
	}
	return run.tree.Save(ctx, p.Store)
}

func (p *Puller) writeOverview(ctx context.Context, run *pullRun) error {
	doc, err := BuildOverview(p.WS, run.tree)
	if err != nil {
		return err
	}
	if err := p.WS.WriteFile(workspace.OverviewFile, []byte(doc)); err != nil {
		return err
	}
	run.led.Set(workspace.OverviewFile, ledger.Digest([]byte(doc)))
	return nil
}

// fetchTree walks project, agents, flows and skills in dependency order:
// parents land on disk before children so child lookups never miss.
func (p *Puller) fetchTree(ctx context.Context, run *pullRun, projectID string) error {
	proj, err := p.Gateway.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	projDir := workspace.ProjectDir(proj.Idn)
	if err := p.writeMeta(run, projDir, func() ([]byte, error) { return p.WS.WriteProject(projDir, proj) }); err != nil {
		return err
	}
	run.tree.Project = model.Ref{ID: proj.ID, Idn: proj.Idn}

	agents, err := p.Gateway.ListAgents(ctx, proj.ID)
	if err != nil {
		return err
	}
	for _, aw := range agents {
		agent := aw.Agent
		agentDir := workspace.AgentDir(proj.Idn, agent.Idn)
		if err := p.writeMeta(run, agentDir, func() ([]byte, error) { return p.WS.WriteAgent(agentDir, &agent) }); err != nil {
			return err
		}
		anode := run.tree.AddAgent(agent.ID, agent.Idn)

		for _, flow := range aw.Flows {
			if err := p.fetchFlow(ctx, run, proj.Idn, agent.Idn, anode, flow); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Puller) fetchFlow(ctx context.Context, run *pullRun, projectIdn, agentIdn string, anode *model.AgentNode, flow *model.Flow) error {
	events, err := p.Gateway.ListEvents(ctx, flow.ID)
	if err != nil {
		return err
	}
	states, err := p.Gateway.ListStates(ctx, flow.ID)
	if err != nil {
		return err
	}
	flow.Events = flow.Events[:0]
	for _, e := range events {
		flow.Events = append(flow.Events, *e)
	}
	flow.StateFields = flow.StateFields[:0]
	for _, s := range states {
		flow.StateFields = append(flow.StateFields, *s)
	}

	flowDir := workspace.FlowDir(projectIdn, agentIdn, flow.Idn)
	if err := p.writeMeta(run, flowDir, func() ([]byte, error) { return p.WS.WriteFlow(flowDir, flow) }); err != nil {
		return err
	}
	fnode := anode.AddFlow(flow.ID, flow.Idn)
	for _, e := range events {
		fnode.AddEvent(e.ID, e.Idn)
	}
	for _, s := range states {
		fnode.AddState(s.ID, s.Idn)
	}

	refs, err := p.Gateway.ListSkills(ctx, flow.ID)
	if err != nil {
		return err
	}

	// Contents are fetched through a bounded pool, then applied strictly
	// in order so prompts serialize and each entity's writes follow its
	// own fetch.
	type fetched struct {
		skill *model.Skill
		err   error
	}
	results := make([]fetched, len(refs))
	fetchPool := pool.New().WithMaxGoroutines(p.concurrency()).WithContext(ctx)
	for i, ref := range refs {
		fetchPool.Go(panicerr.SafeContext(func(ctx context.Context) error {
			s, err := p.Gateway.GetSkill(ctx, ref.ID)
			results[i] = fetched{skill: s, err: err}
			return nil
		}))
	}
	if err := fetchPool.Wait(); err != nil {
		return err
	}

	for i, ref := range refs {
		if results[i].err != nil {
			p.Log.Warn("skipping skill, fetch failed", "skill", ref.Idn, clog.Err(results[i].err))
			run.report.Skipped++
			continue
		}
		if err := p.applySkill(ctx, run, projectIdn, agentIdn, flow.Idn, fnode, results[i].skill); err != nil {
			return err
		}
	}
	return nil
}

// applySkill writes the skill's metadata unconditionally, then reconciles
// its content file by digest. A conflicting local file is only replaced on
// confirmation (or in global-overwrite mode).
func (p *Puller) applySkill(ctx context.Context, run *pullRun, projectIdn, agentIdn, flowIdn string, fnode *model.FlowNode, s *model.Skill) error {
	skillDir := workspace.SkillDir(projectIdn, agentIdn, flowIdn, s.Idn)
	hadDir := p.WS.Exists(skillDir)
	var existing string
	var verr error
	if hadDir {
		existing, verr = p.WS.ScriptFile(skillDir)
	}

	if err := p.writeMeta(run, skillDir, func() ([]byte, error) { return p.WS.WriteSkill(skillDir, s) }); err != nil {
		return err
	}
	fnode.AddSkill(s.ID, s.Idn)

	canonical := workspace.ScriptPath(skillDir, s.Idn, s.Runner)
	incoming := []byte(s.Content)
	incomingDigest := ledger.Digest(incoming)

	if !hadDir || cerr.IsCode(verr, cerr.NotFound) {
		// Fresh materialization, no local file to conflict with.
		if err := p.WS.WriteFile(canonical, incoming); err != nil {
			return err
		}
		run.led.Set(canonical, incomingDigest)
		run.report.Written++
		return nil
	}
	if verr != nil {
		// Ambiguous folder: refuse to guess which file to replace.
		p.Log.Warn("skipping skill content", "skill", s.Idn, clog.Err(verr))
		run.report.Skipped++
		return nil
	}

	existingPath := path.Join(skillDir, existing)
	local, err := p.WS.ReadFile(existingPath)
	if err != nil {
		return err
	}
	if ledger.Digest(local) == incomingDigest {
		// Same content; at most the file name is stale.
		if existingPath != canonical {
			if err := p.WS.Rename(existingPath, canonical); err != nil {
				return err
			}
			run.led.Delete(existingPath)
		}
		run.led.Set(canonical, incomingDigest)
		return nil
	}

	if !run.overwriteAll {
		answer, err := p.Confirm.Confirm(ctx, Prompt{
			Kind:   PromptOverwrite,
			Slug:   path.Join(agentIdn, flowIdn, s.Idn),
			Path:   canonical,
			Local:  string(local),
			Remote: s.Content,
		})
		if err != nil {
			return err
		}
		switch answer {
		case AnswerQuit:
			return ErrAborted
		case AnswerNo:
			// Leave the file and its ledger entry alone so status keeps
			// reporting the local modification.
			run.report.Kept++
			return nil
		case AnswerAll:
			run.overwriteAll = true
		}
	}

	if err := p.WS.WriteFile(canonical, incoming); err != nil {
		return err
	}
	if existingPath != canonical {
		if err := p.WS.Remove(existingPath); err != nil {
			return err
		}
		run.led.Delete(existingPath)
	}
	run.led.Set(canonical, incomingDigest)
	run.report.Written++
	return nil
}

func (p *Puller) writeMeta(run *pullRun, dir string, write func() ([]byte, error)) error {
	data, err := write()
	if err != nil {
		return err
	}
	run.led.Set(workspace.MetaPath(dir), ledger.Digest(data))
	run.report.Written++
	return nil
}

// pruneDeleted scans the local tree for bound entities missing from the
// fresh remote snapshot and asks before removing each. It runs only after
// the full fetch so a partially known tree can never be mistaken for a
// deletion. Local-only entities (empty id) are push material, never
// deletion candidates.
func (p *Puller) pruneDeleted(ctx context.Context, run *pullRun) error {
	projectIdn := run.tree.Project.Idn

	agentIdns, err := p.WS.Agents(projectIdn)
	if err != nil {
		return err
	}
	for _, agentIdn := range agentIdns {
		agentDir := workspace.AgentDir(projectIdn, agentIdn)
		anode := run.tree.Agent(agentIdn)
		if anode == nil {
			meta, err := p.WS.ReadAgent(agentDir)
			if err != nil {
				p.Log.Warn("skipping unreadable agent metadata", "agent", agentIdn, clog.Err(err))
				run.report.Skipped++
				continue
			}
			if meta.ID != "" {
				if err := p.confirmDelete(ctx, run, agentIdn, agentDir); err != nil {
					return err
				}
			}
			continue
		}

		flowIdns, err := p.WS.Flows(projectIdn, agentIdn)
		if err != nil {
			return err
		}
		for _, flowIdn := range flowIdns {
			flowDir := workspace.FlowDir(projectIdn, agentIdn, flowIdn)
			fnode := anode.Flow(flowIdn)
			if fnode == nil {
				meta, err := p.WS.ReadFlow(flowDir)
				if err != nil {
					p.Log.Warn("skipping unreadable flow metadata", "flow", flowIdn, clog.Err(err))
					run.report.Skipped++
					continue
				}
				if meta.ID != "" {
					if err := p.confirmDelete(ctx, run, path.Join(agentIdn, flowIdn), flowDir); err != nil {
						return err
					}
				}
				continue
			}

			skillIdns, err := p.WS.Skills(projectIdn, agentIdn, flowIdn)
			if err != nil {
				return err
			}
			for _, skillIdn := range skillIdns {
				if fnode.Skill(skillIdn) != nil {
					continue
				}
				skillDir := workspace.SkillDir(projectIdn, agentIdn, flowIdn, skillIdn)
				meta, err := p.WS.ReadSkill(skillDir)
				if err != nil {
					p.Log.Warn("skipping unreadable skill metadata", "skill", skillIdn, clog.Err(err))
					run.report.Skipped++
					continue
				}
				if meta.ID != "" {
					if err := p.confirmDelete(ctx, run, path.Join(agentIdn, flowIdn, skillIdn), skillDir); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (p *Puller) confirmDelete(ctx context.Context, run *pullRun, slug, dir string) error {
	if !run.deleteAll {
		answer, err := p.Confirm.Confirm(ctx, Prompt{Kind: PromptDelete, Slug: slug, Path: dir})
		if err != nil {
			return err
		}
		switch answer {
		case AnswerQuit:
			return ErrAborted
		case AnswerNo:
			// Declined: the directory stays, and it is not re-added to
			// the map, so the next pull asks again.
			return nil
		case AnswerAll:
			run.deleteAll = true
		}
	}
	if err := p.WS.RemoveAll(dir); err != nil {
		return err
	}
	run.led.DeletePrefix(dir)
	run.report.Deleted++
	p.Log.Info("removed local entity deleted remotely", "path", dir)
	return nil
}
