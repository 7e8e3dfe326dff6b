package workspace

import (
	"path"
	"path/filepath"

	"github.com/flowsync-dev/flowsync/internal/model"
)

const (
	// MetadataFile is the per-entity metadata file name.
	MetadataFile = "metadata.yaml"
	// OverviewFile is the consolidated projection document at the
	// customer root.
	OverviewFile = "overview.md"

	projectsDir = "projects"
)

// Workspace is the local file tree of one customer namespace. All paths
// exchanged with callers are canonical: slash-separated and relative to
// the customer root, which is also the form the hash ledger keys on.
type Workspace struct {
	Root string
}

func New(root string) *Workspace {
	return &Workspace{Root: root}
}

// Abs converts a canonical path to an absolute filesystem path.
func (w *Workspace) Abs(rel string) string {
	return filepath.Join(w.Root, filepath.FromSlash(rel))
}

func ProjectDir(project string) string {
	return path.Join(projectsDir, project)
}

func AgentDir(project, agent string) string {
	return path.Join(projectsDir, project, agent)
}

func FlowDir(project, agent, flow string) string {
	return path.Join(projectsDir, project, agent, flow)
}

func SkillDir(project, agent, flow, skill string) string {
	return path.Join(projectsDir, project, agent, flow, skill)
}

// MetaPath is the metadata file within an entity directory.
func MetaPath(dir string) string {
	return path.Join(dir, MetadataFile)
}

// ScriptPath is the canonical content file for a skill: named after the
// skill's slug, extension determined solely by the runner kind.
func ScriptPath(skillDir, skillIdn string, kind model.RunnerKind) string {
	return path.Join(skillDir, skillIdn+"."+kind.Ext())
}
