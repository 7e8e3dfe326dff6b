package model

import "time"

// RunnerKind is the script dialect a flow or skill runs with. It alone
// determines the file extension of the skill's content file.
type RunnerKind string

const (
	RunnerGuidance RunnerKind = "guidance"
	RunnerJinja    RunnerKind = "jinja"
)

// Ext returns the content-file extension for the kind, without the dot.
func (k RunnerKind) Ext() string {
	switch k {
	case RunnerJinja:
		return "jinja"
	default:
		return "guidance"
	}
}

func (k RunnerKind) Valid() bool {
	return k == RunnerGuidance || k == RunnerJinja
}

// ScriptExts lists the recognized content-file extensions in a fixed order.
func ScriptExts() []string {
	return []string{RunnerGuidance.Ext(), RunnerJinja.Ext()}
}

// Param is a named skill parameter with a default value.
type Param struct {
	Name    string `yaml:"name" json:"name"`
	Default string `yaml:"default" json:"default"`
}

type Project struct {
	ID          string    `yaml:"id" json:"id"`
	Idn         string    `yaml:"idn" json:"idn"`
	Title       string    `yaml:"title" json:"title"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	CreatedAt   time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt   time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

type Agent struct {
	ID          string `yaml:"id" json:"id"`
	Idn         string `yaml:"idn" json:"idn"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Event is a flow-scoped event descriptor.
type Event struct {
	ID    string `yaml:"id" json:"id"`
	Idn   string `yaml:"idn" json:"idn"`
	Title string `yaml:"title,omitempty" json:"title,omitempty"`
}

// State is a flow-scoped state field descriptor.
type State struct {
	ID      string `yaml:"id" json:"id"`
	Idn     string `yaml:"idn" json:"idn"`
	Type    string `yaml:"type,omitempty" json:"type,omitempty"`
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
}

type Flow struct {
	ID          string     `yaml:"id" json:"id"`
	Idn         string     `yaml:"idn" json:"idn"`
	Title       string     `yaml:"title" json:"title"`
	Runner      RunnerKind `yaml:"runner" json:"runner"`
	Model       string     `yaml:"model,omitempty" json:"model,omitempty"`
	Events      []Event    `yaml:"events" json:"events"`
	StateFields []State    `yaml:"state_fields" json:"state_fields"`
}

type Skill struct {
	ID     string     `yaml:"id" json:"id"`
	Idn    string     `yaml:"idn" json:"idn"`
	Title  string     `yaml:"title" json:"title"`
	Runner RunnerKind `yaml:"runner" json:"runner"`
	Model  string     `yaml:"model,omitempty" json:"model,omitempty"`
	Params []Param    `yaml:"params" json:"params"`
	// Content is the script body. It lives in its own file next to the
	// metadata, never inside metadata.yaml.
	Content string `yaml:"-" json:"content,omitempty"`
}
