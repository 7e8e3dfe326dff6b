package reconcile

import (
	"context"
	"log/slog"
	"path"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/flowsync-dev/flowsync/internal/ledger"
	"github.com/flowsync-dev/flowsync/internal/model"
	"github.com/flowsync-dev/flowsync/internal/remote"
	"github.com/flowsync-dev/flowsync/internal/workspace"
	"github.com/flowsync-dev/flowsync/pkg/clog"
	"github.com/flowsync-dev/flowsync/pkg/panicerr"
	"github.com/flowsync-dev/flowsync/pkg/storage"
)

// Pusher propagates local edits to the platform. Phase A creates
// local-only entities remotely in dependency order and backfills their
// ids; phase B pushes content and metadata drift for bound skills; touched
// flows are then published unless disabled.
type Pusher struct {
	Gateway     remote.Gateway
	WS          *workspace.Workspace
	Store       storage.Storage
	Log         *slog.Logger
	Publish     bool
	Concurrency int
}

type PushReport struct {
	Created       int
	Updated       int
	Failed        int
	Published     int
	PublishFailed int
}

type pushRun struct {
	mu              sync.Mutex
	led             *ledger.Ledger
	tree            *model.Tree
	report          PushReport
	touchedFlows    []string // flow ids in first-touch order
	touchedSet      map[string]bool
	metadataChanged bool
}

func (r *pushRun) touch(flowID string) {
	if r.touchedSet == nil {
		r.touchedSet = map[string]bool{}
	}
	if !r.touchedSet[flowID] {
		r.touchedSet[flowID] = true
		r.touchedFlows = append(r.touchedFlows, flowID)
	}
}

func (p *Pusher) concurrency() int {
	if p.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return p.Concurrency
}

// Run executes both push phases and the publish step. Per-entity failures
// are logged and skipped; only a missing or unreadable map aborts.
func (p *Pusher) Run(ctx context.Context) (*PushReport, error) {
	tree, err := model.LoadTree(ctx, p.Store)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Load(ctx, p.Store)
	if err != nil {
		return nil, err
	}
	run := &pushRun{led: led, tree: tree}

	p.createAgents(ctx, run)
	p.createFlows(ctx, run)
	for _, anode := range run.tree.Agents {
		for _, fnode := range anode.Flows {
			if !fnode.Bound() {
				continue
			}
			p.createFlowChildren(ctx, run, anode.Idn, fnode)
			p.createSkills(ctx, run, anode.Idn, fnode)
		}
	}

	p.pushDrift(ctx, run)

	if run.metadataChanged {
		if err := p.refreshOverview(run); err != nil {
			p.Log.Error("failed to regenerate overview", clog.Err(err))
		}
	}
	if err := run.led.Save(ctx, p.Store); err != nil {
		return &run.report, err
	}
	if err := run.tree.Save(ctx, p.Store); err != nil {
		return &run.report, err
	}

	if p.Publish {
		p.publishFlows(ctx, run)
	}
	p.Log.Info("push finished",
		"created", run.report.Created,
		"updated", run.report.Updated,
		"failed", run.report.Failed,
		"published", run.report.Published,
		"publish_failed", run.report.PublishFailed,
	)
	return &run.report, nil
}

func (p *Pusher) refreshOverview(run *pushRun) error {
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

// createAgents handles local agent directories whose slug is unknown to
// the tree. A failed create skips the whole subtree: its flows and skills
// would have no parent id to attach to.
func (p *Pusher) createAgents(ctx context.Context, run *pushRun) {
	projectIdn := run.tree.Project.Idn
	agentIdns, err := p.WS.Agents(projectIdn)
	if err != nil {
		p.Log.Error("failed to scan agents", clog.Err(err))
		return
	}
	for _, idn := range agentIdns {
		if run.tree.Agent(idn) != nil {
			continue
		}
		dir := workspace.AgentDir(projectIdn, idn)
		meta, err := p.WS.ReadAgent(dir)
		if err != nil {
			p.Log.Warn("skipping agent, unreadable metadata", "agent", idn, clog.Err(err))
			run.report.Failed++
			continue
		}
		if meta.ID != "" {
			// Already bound remotely; the map just never recorded it (an
			// aborted pull writes metadata before the map). Restore the
			// binding instead of creating a duplicate.
			run.tree.AddAgent(meta.ID, idn)
			run.metadataChanged = true
			p.Log.Info("restored map binding", "agent", idn, "id", meta.ID)
			continue
		}
		id, err := p.Gateway.CreateAgent(ctx, run.tree.Project.ID, meta)
		if err != nil {
			p.Log.Warn("failed to create agent", "agent", idn, clog.Err(err))
			run.report.Failed++
			continue
		}
		meta.ID = id
		data, err := p.WS.WriteAgent(dir, meta)
		if err != nil {
			p.Log.Error("created agent but failed to backfill id", "agent", idn, clog.Err(err))
			run.report.Failed++
			continue
		}
		run.led.Set(workspace.MetaPath(dir), ledger.Digest(data))
		run.tree.AddAgent(id, idn)
		run.report.Created++
		run.metadataChanged = true
		p.Log.Info("created agent", "agent", idn, "id", id)
	}
}

// createFlows handles local-only flows under bound agents.
func (p *Pusher) createFlows(ctx context.Context, run *pushRun) {
	projectIdn := run.tree.Project.Idn
	for _, anode := range run.tree.Agents {
		if !anode.Bound() {
			continue
		}
		flowIdns, err := p.WS.Flows(projectIdn, anode.Idn)
		if err != nil {
			p.Log.Error("failed to scan flows", "agent", anode.Idn, clog.Err(err))
			continue
		}
		for _, idn := range flowIdns {
			if anode.Flow(idn) != nil {
				continue
			}
			dir := workspace.FlowDir(projectIdn, anode.Idn, idn)
			meta, err := p.WS.ReadFlow(dir)
			if err != nil {
				p.Log.Warn("skipping flow, unreadable metadata", "flow", idn, clog.Err(err))
				run.report.Failed++
				continue
			}
			if meta.ID != "" {
				anode.AddFlow(meta.ID, idn)
				run.metadataChanged = true
				p.Log.Info("restored map binding", "flow", idn, "id", meta.ID)
				continue
			}
			id, err := p.Gateway.CreateFlow(ctx, anode.ID, meta)
			if err != nil {
				p.Log.Warn("failed to create flow", "flow", idn, clog.Err(err))
				run.report.Failed++
				continue
			}
			meta.ID = id
			data, err := p.WS.WriteFlow(dir, meta)
			if err != nil {
				p.Log.Error("created flow but failed to backfill id", "flow", idn, clog.Err(err))
				run.report.Failed++
				continue
			}
			run.led.Set(workspace.MetaPath(dir), ledger.Digest(data))
			anode.AddFlow(id, idn)
			run.touch(id)
			run.report.Created++
			run.metadataChanged = true
			p.Log.Info("created flow", "flow", idn, "id", id)
		}
	}
}

// createFlowChildren creates events and state fields listed in a bound
// flow's metadata that carry no id yet, backfilling ids in place.
func (p *Pusher) createFlowChildren(ctx context.Context, run *pushRun, agentIdn string, fnode *model.FlowNode) {
	projectIdn := run.tree.Project.Idn
	dir := workspace.FlowDir(projectIdn, agentIdn, fnode.Idn)
	meta, err := p.WS.ReadFlow(dir)
	if err != nil {
		p.Log.Warn("skipping flow children, unreadable metadata", "flow", fnode.Idn, clog.Err(err))
		run.report.Failed++
		return
	}
	backfilled := false
	for i := range meta.Events {
		e := &meta.Events[i]
		if e.ID != "" {
			if fnode.Event(e.Idn) == nil {
				fnode.AddEvent(e.ID, e.Idn)
			}
			continue
		}
		id, err := p.Gateway.CreateEvent(ctx, fnode.ID, e)
		if err != nil {
			p.Log.Warn("failed to create event", "flow", fnode.Idn, "event", e.Idn, clog.Err(err))
			run.report.Failed++
			continue
		}
		e.ID = id
		fnode.AddEvent(id, e.Idn)
		backfilled = true
		run.report.Created++
	}
	for i := range meta.StateFields {
		s := &meta.StateFields[i]
		if s.ID != "" {
			if fnode.State(s.Idn) == nil {
				fnode.AddState(s.ID, s.Idn)
			}
			continue
		}
		id, err := p.Gateway.CreateState(ctx, fnode.ID, s)
		if err != nil {
			p.Log.Warn("failed to create state field", "flow", fnode.Idn, "state", s.Idn, clog.Err(err))
			run.report.Failed++
			continue
		}
		s.ID = id
		fnode.AddState(id, s.Idn)
		backfilled = true
		run.report.Created++
	}
	if backfilled {
		data, err := p.WS.WriteFlow(dir, meta)
		if err != nil {
			p.Log.Error("failed to backfill flow children ids", "flow", fnode.Idn, clog.Err(err))
			run.report.Failed++
			return
		}
		run.led.Set(workspace.MetaPath(dir), ledger.Digest(data))
		run.touch(fnode.ID)
		run.metadataChanged = true
	}
}

// createSkills creates local-only skills under a bound flow through the
// bounded pool; each successful create backfills the id and records both
// files in the ledger so the new skill reads clean in status.
func (p *Pusher) createSkills(ctx context.Context, run *pushRun, agentIdn string, fnode *model.FlowNode) {
	projectIdn := run.tree.Project.Idn
	skillIdns, err := p.WS.Skills(projectIdn, agentIdn, fnode.Idn)
	if err != nil {
		p.Log.Error("failed to scan skills", "flow", fnode.Idn, clog.Err(err))
		return
	}
	createPool := pool.New().WithMaxGoroutines(p.concurrency()).WithContext(ctx)
	for _, idn := range skillIdns {
		if fnode.Skill(idn) != nil {
			continue
		}
		createPool.Go(panicerr.SafeContext(func(ctx context.Context) error {
			p.createSkill(ctx, run, agentIdn, fnode, idn)
			return nil
		}))
	}
	if err := createPool.Wait(); err != nil {
		p.Log.Error("skill creation pool failed", "flow", fnode.Idn, clog.Err(err))
	}
}

func (p *Pusher) createSkill(ctx context.Context, run *pushRun, agentIdn string, fnode *model.FlowNode, idn string) {
	projectIdn := run.tree.Project.Idn
	dir := workspace.SkillDir(projectIdn, agentIdn, fnode.Idn, idn)
	fail := func(msg string, err error) {
		p.Log.Warn(msg, "skill", idn, clog.Err(err))
		run.mu.Lock()
		run.report.Failed++
		run.mu.Unlock()
	}

	meta, err := p.WS.ReadSkill(dir)
	if err != nil {
		fail("skipping skill, unreadable metadata", err)
		return
	}
	if meta.ID != "" {
		run.mu.Lock()
		fnode.AddSkill(meta.ID, idn)
		run.metadataChanged = true
		run.mu.Unlock()
		p.Log.Info("restored map binding", "skill", idn, "id", meta.ID)
		return
	}
	scriptName, err := p.WS.ScriptFile(dir)
	if err != nil {
		fail("skipping skill, invalid folder", err)
		return
	}
	scriptPath := path.Join(dir, scriptName)
	content, err := p.WS.ReadFile(scriptPath)
	if err != nil {
		fail("skipping skill, unreadable script", err)
		return
	}
	meta.Content = string(content)

	id, err := p.Gateway.CreateSkill(ctx, fnode.ID, meta)
	if err != nil {
		fail("failed to create skill", err)
		return
	}
	meta.ID = id
	meta.Content = ""
	data, err := p.WS.WriteSkill(dir, meta)
	if err != nil {
		fail("created skill but failed to backfill id", err)
		return
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	run.led.Set(workspace.MetaPath(dir), ledger.Digest(data))
	run.led.Set(scriptPath, ledger.Digest(content))
	fnode.AddSkill(id, idn)
	run.touch(fnode.ID)
	run.report.Created++
	run.metadataChanged = true
	p.Log.Info("created skill", "skill", idn, "id", id)
}

// pushDrift walks every bound skill, validates its folder and pushes
// content and metadata changes detected against the ledger.
func (p *Pusher) pushDrift(ctx context.Context, run *pushRun) {
	for _, anode := range run.tree.Agents {
		for _, fnode := range anode.Flows {
			if !fnode.Bound() {
				continue
			}
			for _, ref := range fnode.Skills {
				if !ref.Bound() {
					continue
				}
				p.pushSkillDrift(ctx, run, anode.Idn, fnode, ref)
			}
		}
	}
}

func (p *Pusher) pushSkillDrift(ctx context.Context, run *pushRun, agentIdn string, fnode *model.FlowNode, ref *model.Ref) {
	projectIdn := run.tree.Project.Idn
	dir := workspace.SkillDir(projectIdn, agentIdn, fnode.Idn, ref.Idn)
	if !p.WS.Exists(dir) {
		// Locally retired entity; deletion never propagates on push.
		return
	}

	scriptName, err := p.WS.ScriptFile(dir)
	if err != nil {
		p.Log.Warn("skipping skill, invalid folder", "skill", ref.Idn, clog.Err(err))
		run.report.Failed++
		return
	}
	scriptPath := path.Join(dir, scriptName)
	content, err := p.WS.ReadFile(scriptPath)
	if err != nil {
		p.Log.Warn("skipping skill, unreadable script", "skill", ref.Idn, clog.Err(err))
		run.report.Failed++
		return
	}
	metaPath := workspace.MetaPath(dir)
	metaData, err := p.WS.ReadFile(metaPath)
	if err != nil {
		p.Log.Warn("skipping skill, unreadable metadata", "skill", ref.Idn, clog.Err(err))
		run.report.Failed++
		return
	}

	contentDigest := ledger.Digest(content)
	metaDigest := ledger.Digest(metaData)
	prevContent, _ := run.led.Get(scriptPath)
	prevMeta, _ := run.led.Get(metaPath)
	contentChanged := prevContent != contentDigest
	metaChanged := prevMeta != metaDigest
	if !contentChanged && !metaChanged {
		return
	}

	meta, err := p.WS.ReadSkill(dir)
	if err != nil {
		p.Log.Warn("skipping skill, unreadable metadata", "skill", ref.Idn, clog.Err(err))
		run.report.Failed++
		return
	}
	if meta.ID == "" {
		meta.ID = ref.ID
	}
	// The update always carries the current on-disk script so a
	// metadata-only change cannot revert content.
	meta.Content = string(content)
	if err := p.Gateway.UpdateSkill(ctx, meta); err != nil {
		p.Log.Warn("failed to update skill", "skill", ref.Idn, clog.Err(err))
		run.report.Failed++
		return
	}
	run.led.Set(scriptPath, contentDigest)
	run.led.Set(metaPath, metaDigest)
	run.touch(fnode.ID)
	run.report.Updated++
	if metaChanged {
		run.metadataChanged = true
	}
	p.Log.Info("updated skill", "skill", ref.Idn, "content_changed", contentChanged, "metadata_changed", metaChanged)
}

// publishFlows publishes every flow touched during the run. Failures are
// reported per flow and never abort the remaining publishes.
func (p *Pusher) publishFlows(ctx context.Context, run *pushRun) {
	for _, flowID := range run.touchedFlows {
		res, err := p.Gateway.PublishFlow(ctx, flowID)
		if err != nil {
			p.Log.Warn("failed to publish flow", "flow_id", flowID, clog.Err(err))
			run.report.PublishFailed++
			continue
		}
		if !res.OK {
			p.Log.Warn("flow publish rejected", "flow_id", flowID, "reasons", res.Reasons)
			run.report.PublishFailed++
			continue
		}
		run.report.Published++
		p.Log.Info("published flow", "flow_id", flowID)
	}
}
