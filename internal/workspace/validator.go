package workspace

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/flowsync-dev/flowsync/internal/model"
	"github.com/flowsync-dev/flowsync/pkg/cerr"
)

// ScriptFile returns the name of the single recognized script file in a
// skill directory. Exactly one file with a recognized extension must
// exist; zero or several is a hard validation error. Both pull and push go
// through here before touching skill content, so a duplicate file can
// never be silently clobbered.
func (w *Workspace) ScriptFile(skillDir string) (string, error) {
	candidates, err := w.ScriptCandidates(skillDir)
	if err != nil {
		return "", err
	}
	switch len(candidates) {
	case 0:
		return "", cerr.NewError(cerr.NotFound, fmt.Sprintf("no script file in %s", skillDir), nil)
	case 1:
		return candidates[0], nil
	default:
		return "", cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("ambiguous script file in %s: %s", skillDir, strings.Join(candidates, ", ")), nil)
	}
}

// ScriptCandidates lists the files in a skill directory carrying a
// recognized script extension, sorted by name.
func (w *Workspace) ScriptCandidates(skillDir string) ([]string, error) {
	entries, err := os.ReadDir(w.Abs(skillDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", skillDir, err)
	}
	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		for _, ext := range model.ScriptExts() {
			if strings.HasSuffix(entry.Name(), "."+ext) {
				candidates = append(candidates, entry.Name())
				break
			}
		}
	}
	sort.Strings(candidates)
	return candidates, nil
}
