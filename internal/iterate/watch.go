package iterate

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the state file's directory and invokes onRemove when
// the record disappears underneath an active loop (someone deleted the
// file out-of-band). It blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context, onRemove func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("state watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if evt.Name != s.path {
				continue
			}
			if evt.Op.Has(fsnotify.Remove) || evt.Op.Has(fsnotify.Rename) {
				onRemove()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("state watcher: %v", err)
		}
	}
}
