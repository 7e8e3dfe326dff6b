package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/flowsync-dev/flowsync/internal/model"
)

// ReadFile reads a canonical path from the tree.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	data, err := os.ReadFile(w.Abs(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return data, nil
}

// WriteFile writes a canonical path atomically (temp file + rename), so an
// interrupted run never leaves partial content behind.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	full := w.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file for %s: %w", rel, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file for %s: %w", rel, err)
	}
	return nil
}

// Rename moves a file within the tree. Used to move a content file stored
// under a stale name back to its canonical slug-based name.
func (w *Workspace) Rename(oldRel, newRel string) error {
	if err := os.Rename(w.Abs(oldRel), w.Abs(newRel)); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", oldRel, newRel, err)
	}
	return nil
}

// Remove deletes a single file.
func (w *Workspace) Remove(rel string) error {
	if err := os.Remove(w.Abs(rel)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", rel, err)
	}
	return nil
}

// RemoveAll deletes an entity directory tree.
func (w *Workspace) RemoveAll(rel string) error {
	if err := os.RemoveAll(w.Abs(rel)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", rel, err)
	}
	return nil
}

// Exists reports whether a canonical path exists.
func (w *Workspace) Exists(rel string) bool {
	_, err := os.Stat(w.Abs(rel))
	return err == nil
}

func (w *Workspace) readMeta(dir string, v any) error {
	data, err := w.ReadFile(MetaPath(dir))
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", MetaPath(dir), err)
	}
	return nil
}

// writeMeta marshals v into dir's metadata file and returns the written
// bytes so the caller can record their digest in the ledger.
func (w *Workspace) writeMeta(dir string, v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", MetaPath(dir), err)
	}
	if err := w.WriteFile(MetaPath(dir), data); err != nil {
		return nil, err
	}
	return data, nil
}

func (w *Workspace) ReadProject(dir string) (*model.Project, error) {
	var p model.Project
	if err := w.readMeta(dir, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (w *Workspace) WriteProject(dir string, p *model.Project) ([]byte, error) {
	return w.writeMeta(dir, p)
}

func (w *Workspace) ReadAgent(dir string) (*model.Agent, error) {
	var a model.Agent
	if err := w.readMeta(dir, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (w *Workspace) WriteAgent(dir string, a *model.Agent) ([]byte, error) {
	return w.writeMeta(dir, a)
}

func (w *Workspace) ReadFlow(dir string) (*model.Flow, error) {
	var f model.Flow
	if err := w.readMeta(dir, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (w *Workspace) WriteFlow(dir string, f *model.Flow) ([]byte, error) {
	return w.writeMeta(dir, f)
}

func (w *Workspace) ReadSkill(dir string) (*model.Skill, error) {
	var s model.Skill
	if err := w.readMeta(dir, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (w *Workspace) WriteSkill(dir string, s *model.Skill) ([]byte, error) {
	return w.writeMeta(dir, s)
}
