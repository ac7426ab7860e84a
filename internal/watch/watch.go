// Package watch triggers rebuilds when source files change.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const DefaultDebounce = 200 * time.Millisecond

// Watcher watches Dirs recursively. Bursts of events are coalesced: OnChange
// runs once Debounce has passed without a new event, and never concurrently
// with itself.
type Watcher struct {
	Dirs []string

	// Ignore lists directories that are never watched, such as the output
	// and cache directories.
	Ignore []string

	Debounce time.Duration
	Log      zerolog.Logger

	OnChange func(ctx context.Context, changed []string)
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.Dirs {
		if err := w.addTree(fw, dir); err != nil {
			return err
		}
	}
	w.Log.Info().Strs("dirs", w.Dirs).Msg("watching for changes")
	return w.loop(ctx, fw)
}

func (w *Watcher) ignored(path string) bool {
	clean := filepath.Clean(path)
	for _, ig := range w.Ignore {
		if ig != "" && clean == filepath.Clean(ig) {
			return true
		}
	}
	return filepath.Base(clean) == ".git"
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(p) {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) error {
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	pending := map[string]bool{}

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.ignored(filepath.Dir(event.Name)) || w.ignored(event.Name) {
				continue
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if err := w.addTree(fw, event.Name); err != nil {
					// Usually the path vanished before the walk.
					w.Log.Debug().Err(err).Str("path", event.Name).Msg("watch new path")
				}
			}
			w.Log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("source changed")
			pending[event.Name] = true
			timer.Reset(debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Log.Error().Err(err).Msg("file watcher error")

		case <-timer.C:
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			clear(pending)
			if w.OnChange != nil {
				w.OnChange(ctx, changed)
			}

		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}
