package workspace

import (
	"fmt"
	"os"
	"sort"
)

// entityDirs lists subdirectories of dir that carry a metadata file,
// sorted by name. Directories without metadata (editor droppings, partial
// checkouts) are ignored.
func (w *Workspace) entityDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(w.Abs(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if w.Exists(MetaPath(dir + "/" + entry.Name())) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Projects lists project slugs present in the tree.
func (w *Workspace) Projects() ([]string, error) {
	return w.entityDirs(projectsDir)
}

// Agents lists agent slugs under a project.
func (w *Workspace) Agents(project string) ([]string, error) {
	return w.entityDirs(ProjectDir(project))
}

// Flows lists flow slugs under an agent.
func (w *Workspace) Flows(project, agent string) ([]string, error) {
	return w.entityDirs(AgentDir(project, agent))
}

// Skills lists skill slugs under a flow.
func (w *Workspace) Skills(project, agent, flow string) ([]string, error) {
	return w.entityDirs(FlowDir(project, agent, flow))
}
