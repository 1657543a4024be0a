package pricing

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads a pricing table file into a Store whenever it changes.
// Invalid files are logged and the previous table stays in effect.
type Watcher struct {
	path    string
	store   *Store
	watcher *fsnotify.Watcher
}

// NewWatcher watches the directory containing path so that editors which
// replace the file by rename are picked up.
func NewWatcher(path string, store *Store) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create pricing watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch pricing directory: %w", err)
	}
	return &Watcher{path: filepath.Clean(path), store: store, watcher: w}, nil
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	log.Info().Str("path", w.path).Msg("Watching pricing table for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Wait for the writer to finish.
			time.Sleep(reloadDebounce)
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", w.path).Msg("Pricing watcher error")
		}
	}
}

func (w *Watcher) reload() {
	t, err := LoadTable(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Pricing table reload rejected; keeping previous table")
		return
	}
	previous := w.store.Table()
	if err := w.store.Replace(t); err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Pricing table reload rejected; keeping previous table")
		return
	}
	log.Info().
		Str("previous_version", previous.Version).
		Str("version", t.Version).
		Int("tiers", len(t.Tiers)).
		Msg("Pricing table reloaded")
}
