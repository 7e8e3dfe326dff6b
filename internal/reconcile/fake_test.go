package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowsync-dev/flowsync/internal/model"
	"github.com/flowsync-dev/flowsync/internal/remote"
	"github.com/flowsync-dev/flowsync/internal/workspace"
	"github.com/flowsync-dev/flowsync/pkg/storage"
)

// fakeGateway is an in-memory remote platform. Creates assign sequential
// ids and mutate the fixture state, so a later pull sees what an earlier
// push created. Call order and counts are recorded for assertions.
type fakeGateway struct {
	mu      sync.Mutex
	project *model.Project
	agents  []*model.Agent
	flows   map[string][]*model.Flow  // agent id -> flows
	skills  map[string][]*model.Skill // flow id -> skills, content included
	events  map[string][]*model.Event // flow id -> events
	states  map[string][]*model.State // flow id -> state fields

	nextID    int
	created   []string // "kind:slug" in call order
	updated   []*model.Skill
	published []string
	rejects   map[string][]string // flow id -> publish rejection reasons
	failures  map[string]error    // "kind:slug" -> forced create/update error
}

func newFakeGateway() *fakeGateway {
	g := &fakeGateway{
		project:  &model.Project{ID: "p1", Idn: "acme", Title: "Acme"},
		flows:    map[string][]*model.Flow{},
		skills:   map[string][]*model.Skill{},
		events:   map[string][]*model.Event{},
		states:   map[string][]*model.State{},
		rejects:  map[string][]string{},
		failures: map[string]error{},
	}
	g.agents = []*model.Agent{{ID: "a1", Idn: "support", Title: "Support"}}
	g.flows["a1"] = []*model.Flow{{ID: "f1", Idn: "greeting", Title: "Greeting", Runner: model.RunnerGuidance}}
	g.events["f1"] = []*model.Event{{ID: "e1", Idn: "started", Title: "Started"}}
	g.states["f1"] = []*model.State{{ID: "st1", Idn: "visitor_name", Type: "string"}}
	g.skills["f1"] = []*model.Skill{{ID: "s1", Idn: "hello", Title: "Hello", Runner: model.RunnerGuidance, Content: "Say hello.\n"}}
	return g
}

func (g *fakeGateway) genID(kind string) string {
	g.nextID++
	return fmt.Sprintf("%s-%d", kind, g.nextID)
}

func (g *fakeGateway) setSkillContent(skillID, content string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, list := range g.skills {
		for _, s := range list {
			if s.ID == skillID {
				s.Content = content
			}
		}
	}
}

func (g *fakeGateway) dropSkill(skillID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for flowID, list := range g.skills {
		var kept []*model.Skill
		for _, s := range list {
			if s.ID != skillID {
				kept = append(kept, s)
			}
		}
		g.skills[flowID] = kept
	}
}

func (g *fakeGateway) GetProject(_ context.Context, projectID string) (*model.Project, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if projectID != g.project.ID {
		return nil, fmt.Errorf("unknown project %s", projectID)
	}
	cp := *g.project
	return &cp, nil
}

func (g *fakeGateway) ListAgents(_ context.Context, projectID string) ([]*remote.AgentWithFlows, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*remote.AgentWithFlows
	for _, a := range g.agents {
		aw := &remote.AgentWithFlows{Agent: *a}
		for _, f := range g.flows[a.ID] {
			cp := *f
			aw.Flows = append(aw.Flows, &cp)
		}
		out = append(out, aw)
	}
	return out, nil
}

func (g *fakeGateway) ListSkills(_ context.Context, flowID string) ([]*model.Skill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*model.Skill
	for _, s := range g.skills[flowID] {
		cp := *s
		cp.Content = ""
		out = append(out, &cp)
	}
	return out, nil
}

func (g *fakeGateway) ListEvents(_ context.Context, flowID string) ([]*model.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*model.Event
	for _, e := range g.events[flowID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (g *fakeGateway) ListStates(_ context.Context, flowID string) ([]*model.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*model.State
	for _, s := range g.states[flowID] {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (g *fakeGateway) GetSkill(_ context.Context, skillID string) (*model.Skill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, list := range g.skills {
		for _, s := range list {
			if s.ID == skillID {
				cp := *s
				return &cp, nil
			}
		}
	}
	return nil, fmt.Errorf("unknown skill %s", skillID)
}

func (g *fakeGateway) CreateAgent(_ context.Context, projectID string, a *model.Agent) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failures["agent:"+a.Idn]; err != nil {
		return "", err
	}
	cp := *a
	cp.ID = g.genID("agent")
	g.agents = append(g.agents, &cp)
	g.created = append(g.created, "agent:"+a.Idn)
	return cp.ID, nil
}

func (g *fakeGateway) CreateFlow(_ context.Context, agentID string, f *model.Flow) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failures["flow:"+f.Idn]; err != nil {
		return "", err
	}
	cp := *f
	cp.ID = g.genID("flow")
	g.flows[agentID] = append(g.flows[agentID], &cp)
	g.created = append(g.created, "flow:"+f.Idn)
	return cp.ID, nil
}

func (g *fakeGateway) CreateSkill(_ context.Context, flowID string, s *model.Skill) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failures["skill:"+s.Idn]; err != nil {
		return "", err
	}
	cp := *s
	cp.ID = g.genID("skill")
	g.skills[flowID] = append(g.skills[flowID], &cp)
	g.created = append(g.created, "skill:"+s.Idn)
	return cp.ID, nil
}

func (g *fakeGateway) CreateEvent(_ context.Context, flowID string, e *model.Event) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *e
	cp.ID = g.genID("event")
	g.events[flowID] = append(g.events[flowID], &cp)
	g.created = append(g.created, "event:"+e.Idn)
	return cp.ID, nil
}

func (g *fakeGateway) CreateState(_ context.Context, flowID string, s *model.State) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *s
	cp.ID = g.genID("state")
	g.states[flowID] = append(g.states[flowID], &cp)
	g.created = append(g.created, "state:"+s.Idn)
	return cp.ID, nil
}

func (g *fakeGateway) UpdateSkill(_ context.Context, s *model.Skill) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failures["skill:"+s.Idn]; err != nil {
		return err
	}
	cp := *s
	g.updated = append(g.updated, &cp)
	for _, list := range g.skills {
		for _, existing := range list {
			if existing.ID == s.ID {
				*existing = cp
			}
		}
	}
	return nil
}

func (g *fakeGateway) PublishFlow(_ context.Context, flowID string) (*remote.PublishResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.published = append(g.published, flowID)
	if reasons, ok := g.rejects[flowID]; ok {
		return &remote.PublishResult{OK: false, Reasons: reasons}, nil
	}
	return &remote.PublishResult{OK: true}, nil
}

// syncEnv bundles the workspace, state store and fake gateway one
// reconciler run needs. The store shares the workspace root, matching how
// the command wires a customer namespace.
type syncEnv struct {
	ws    *workspace.Workspace
	store storage.Storage
	gw    *fakeGateway
	log   *slog.Logger
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	root := t.TempDir()
	st, err := storage.NewLocal(root)
	require.NoError(t, err)
	return &syncEnv{
		ws:    workspace.New(root),
		store: st,
		gw:    newFakeGateway(),
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (e *syncEnv) puller(confirm Confirmer, force bool) *Puller {
	return &Puller{Gateway: e.gw, WS: e.ws, Store: e.store, Confirm: confirm, Log: e.log, Force: force}
}

func (e *syncEnv) pusher(publish bool) *Pusher {
	return &Pusher{Gateway: e.gw, WS: e.ws, Store: e.store, Log: e.log, Publish: publish}
}

func (e *syncEnv) statusReporter() *StatusReporter {
	return &StatusReporter{WS: e.ws, Store: e.store, Log: e.log}
}

// pull runs one pull with scripted answers and requires it to succeed.
func (e *syncEnv) pull(t *testing.T, answers ...Answer) *PullReport {
	t.Helper()
	rep, err := e.puller(&ScriptConfirmer{Answers: answers}, false).Run(context.Background(), "p1")
	require.NoError(t, err)
	return rep
}
