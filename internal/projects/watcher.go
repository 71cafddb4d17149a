package projects

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher rescans project roots when directories appear or disappear.
type Watcher struct {
	registry *Registry
	roots    []string
	maxDepth int
	debounce time.Duration
}

// NewWatcher creates a watcher that keeps registry in sync with roots.
func NewWatcher(registry *Registry, roots []string, maxDepth int) *Watcher {
	return &Watcher{
		registry: registry,
		roots:    roots,
		maxDepth: maxDepth,
		debounce: defaultDebounce,
	}
}

// Rescan runs discovery once and syncs the registry.
func (w *Watcher) Rescan() {
	added, removed := Sync(w.registry, Discover(w.roots, w.maxDepth))
	if added > 0 || removed > 0 {
		slog.Info("projects.rescanned", "added", added, "removed", removed, "total", w.registry.Len())
	}
}

// Run performs an initial scan and then blocks, rescanning on filesystem
// changes under the roots until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	for _, root := range w.roots {
		if err := fw.Add(root); err != nil {
			slog.Warn("projects.watch_failed", "root", root, "error", err)
			continue
		}
		// Projects nested one level down (root/group/project) need their parent watched too.
		if w.maxDepth > 1 {
			entries, _ := os.ReadDir(root)
			for _, e := range entries {
				if e.IsDir() {
					_ = fw.Add(filepath.Join(root, e.Name()))
				}
			}
		}
	}

	w.Rescan()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = fw.Add(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.Rescan()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("projects.watch_error", "error", err)
		}
	}
}
