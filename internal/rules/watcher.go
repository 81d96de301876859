package rules

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a rule file into an Engine whenever the file changes.
// Invalid files are logged and the previous rule set stays active.
type Watcher struct {
	engine   *Engine
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher for the rule file at path.
func NewWatcher(engine *Engine, path string, logger *slog.Logger) *Watcher {
	return &Watcher{
		engine:   engine,
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		logger:   logger,
	}
}

// Reload loads the rule file and installs it.
func (w *Watcher) Reload() error {
	set, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	w.engine.Swap(set)
	return nil
}

// Run watches the rule file until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot create file watcher: %w", err)
	}
	defer fw.Close()

	// Editors and config management often replace files by rename, so the
	// directory is watched instead of the file.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("cannot watch %q: %w", w.path, err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)

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
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.logger.ErrorContext(
					ctx,
					"cannot reload rule set; keeping previous",
					slog.String("path", w.path),
					slog.String("error", err.Error()),
				)
				continue
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnContext(ctx, "rule file watcher error", slog.String("error", err.Error()))
		}
	}
}
