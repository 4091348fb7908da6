package policy

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/felixgeelhaar/memtrigger/internal/observe"
)

// Watcher reloads an Engine whenever its policy file changes on disk. A
// document that fails to load is logged and the previous set stays active.
type Watcher struct {
	engine   *Engine
	path     string
	observe  *observe.Observer
	onReload func(*Set, error)
}

// NewWatcher creates a watcher for path. onReload may be nil.
func NewWatcher(engine *Engine, path string, o *observe.Observer, onReload func(*Set, error)) *Watcher {
	if o == nil {
		o = observe.Discard()
	}
	return &Watcher{engine: engine, path: filepath.Clean(path), observe: o, onReload: onReload}
}

// Run blocks until ctx is done. The containing directory is watched so that
// editors that replace the file atomically are handled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.observe.Log().Warn().Err(err).Str("path", w.path).Msg("policy watcher error")
		}
	}
}

func (w *Watcher) reload() {
	set, err := LoadFile(w.path)
	if err == nil {
		err = w.engine.Reload(set)
	}
	if err != nil {
		w.observe.Log().Error().Err(err).Str("path", w.path).Msg("policy reload rejected, keeping previous rules")
	} else {
		w.observe.Log().Info().Str("path", w.path).Str("version", set.Version).Int("rules", len(set.Rules)).Msg("policy reloaded")
	}
	if w.onReload != nil {
		w.onReload(set, err)
	}
}
