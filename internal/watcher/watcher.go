package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flowsync-dev/flowsync/pkg/clog"
)

// DebounceInterval is the quiet period after the last filesystem event
// before fn runs. Editors fire bursts of events per save.
const DebounceInterval = 300 * time.Millisecond

// Watch observes a customer tree and invokes fn after each debounced burst
// of changes. The .flowsync state directory is ignored so fn's own state
// writes do not retrigger it. Blocks until ctx is done.
func Watch(ctx context.Context, root string, log *slog.Logger, fn func(context.Context) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	addTree := func(dir string) {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if ignored(root, path) {
				return filepath.SkipDir
			}
			if werr := w.Add(path); werr != nil {
				log.Warn("failed to watch directory", "dir", path, clog.Err(werr))
			}
			return nil
		})
	}
	addTree(root)

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ignored(root, event.Name) {
				continue
			}
			// New directories must be added explicitly; fsnotify does
			// not watch recursively.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					addTree(event.Name)
				}
			}
			if timer == nil {
				timer = time.AfterFunc(DebounceInterval, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(DebounceInterval)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", clog.Err(err))
		case <-fire:
			timer = nil
			if err := fn(ctx); err != nil {
				log.Error("watch handler failed", clog.Err(err))
			}
		}
	}
}

func ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel == ".flowsync" || strings.HasPrefix(rel, ".flowsync/") || strings.HasSuffix(rel, ".tmp")
}
