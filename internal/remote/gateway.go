package remote

import (
	"context"

	"github.com/flowsync-dev/flowsync/internal/model"
)

// AgentWithFlows is the nested shape the platform returns when listing a
// project's agents.
type AgentWithFlows struct {
	Agent model.Agent   `json:"agent"`
	Flows []*model.Flow `json:"flows"`
}

// PublishResult reports the outcome of publishing one flow. Reasons carries
// the platform's structured validation messages when the publish is
// rejected.
type PublishResult struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons,omitempty"`
}

// Gateway is the remote platform surface the reconcilers depend on.
// Transport, authentication and token refresh live behind it.
type Gateway interface {
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
	ListAgents(ctx context.Context, projectID string) ([]*AgentWithFlows, error)
	ListSkills(ctx context.Context, flowID string) ([]*model.Skill, error)
	ListEvents(ctx context.Context, flowID string) ([]*model.Event, error)
	ListStates(ctx context.Context, flowID string) ([]*model.State, error)
	GetSkill(ctx context.Context, skillID string) (*model.Skill, error)
	CreateAgent(ctx context.Context, projectID string, a *model.Agent) (string, error)
	CreateFlow(ctx context.Context, agentID string, f *model.Flow) (string, error)
	CreateSkill(ctx context.Context, flowID string, s *model.Skill) (string, error)
	CreateEvent(ctx context.Context, flowID string, e *model.Event) (string, error)
	CreateState(ctx context.Context, flowID string, s *model.State) (string, error)
	UpdateSkill(ctx context.Context, s *model.Skill) error
	PublishFlow(ctx context.Context, flowID string) (*PublishResult, error)
}
