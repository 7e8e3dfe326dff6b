package model

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flowsync-dev/flowsync/pkg/cerr"
	"github.com/flowsync-dev/flowsync/pkg/storage"
)

// MapPath is the storage path of the persisted tree within a customer
// namespace.
const MapPath = ".flowsync/map.yaml"

// Ref binds a slug to its remote id. ID is empty for entities authored
// locally and not yet pushed.
type Ref struct {
	ID  string `yaml:"id"`
	Idn string `yaml:"idn"`
}

// Bound reports whether the entity has a remote id.
func (r Ref) Bound() bool {
	return r.ID != ""
}

type FlowNode struct {
	Ref         `yaml:",inline"`
	Skills      []*Ref `yaml:"skills"`
	Events      []*Ref `yaml:"events"`
	StateFields []*Ref `yaml:"state_fields"`
}

type AgentNode struct {
	Ref   `yaml:",inline"`
	Flows []*FlowNode `yaml:"flows"`
}

// Tree is the Entity Tree Model: the authoritative join between remote ids
// and local slugs. Containment only, no parent back-references; parents are
// found by walking down from the root.
type Tree struct {
	Project Ref          `yaml:"project"`
	Agents  []*AgentNode `yaml:"agents"`
}

func (t *Tree) Agent(idn string) *AgentNode {
	for _, a := range t.Agents {
		if a.Idn == idn {
			return a
		}
	}
	return nil
}

func (t *Tree) AddAgent(id, idn string) *AgentNode {
	a := &AgentNode{Ref: Ref{ID: id, Idn: idn}}
	t.Agents = append(t.Agents, a)
	return a
}

func (a *AgentNode) Flow(idn string) *FlowNode {
	for _, f := range a.Flows {
		if f.Idn == idn {
			return f
		}
	}
	return nil
}

func (a *AgentNode) AddFlow(id, idn string) *FlowNode {
	f := &FlowNode{Ref: Ref{ID: id, Idn: idn}}
	a.Flows = append(a.Flows, f)
	return f
}

func findRef(refs []*Ref, idn string) *Ref {
	for _, r := range refs {
		if r.Idn == idn {
			return r
		}
	}
	return nil
}

func (f *FlowNode) Skill(idn string) *Ref { return findRef(f.Skills, idn) }
func (f *FlowNode) Event(idn string) *Ref { return findRef(f.Events, idn) }
func (f *FlowNode) State(idn string) *Ref { return findRef(f.StateFields, idn) }

func (f *FlowNode) AddSkill(id, idn string) *Ref {
	r := &Ref{ID: id, Idn: idn}
	f.Skills = append(f.Skills, r)
	return r
}

func (f *FlowNode) AddEvent(id, idn string) *Ref {
	r := &Ref{ID: id, Idn: idn}
	f.Events = append(f.Events, r)
	return r
}

func (f *FlowNode) AddState(id, idn string) *Ref {
	r := &Ref{ID: id, Idn: idn}
	f.StateFields = append(f.StateFields, r)
	return r
}

// LoadTree reads the persisted tree. A missing map file yields
// cerr.FailedPrecondition; push treats that as fatal since it means no
// pull ever completed for the namespace.
func LoadTree(ctx context.Context, st storage.Storage) (*Tree, error) {
	data, err := st.Read(ctx, MapPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, cerr.NewError(cerr.FailedPrecondition, "no entity map found, run pull first", err)
		}
		return nil, fmt.Errorf("failed to read entity map: %w", err)
	}
	var t Tree
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, cerr.NewError(cerr.DataLoss, "entity map is malformed", err)
	}
	return &t, nil
}

// Save persists the tree. The storage backend writes atomically, so the
// map either round-trips whole or keeps its previous content.
func (t *Tree) Save(ctx context.Context, st storage.Storage) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal entity map: %w", err)
	}
	if err := st.Write(ctx, MapPath, data); err != nil {
		return fmt.Errorf("failed to write entity map: %w", err)
	}
	return nil
}
