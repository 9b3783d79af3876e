package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the store when the config file is edited outside the API
// (an editor, rsync, a dotfiles manager). onChange receives the mutated
// top-level section pointers so the hot-swap coordinator can react exactly as
// it would to a PATCH. Returns a stop function.
//
// Writes through the store itself also touch the file; those are filtered out
// by comparing revisions before and after the reload.
func (s *Store) Watch(onChange func(changed []string), logger *zap.Logger) (func(), error) {
	if logger == nil {
		logger = s.logger
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: atomic renames replace the file inode, and
	// watching the file directly would go stale after the first write.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		// Debounce: editors fire bursts of events per save.
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(s.path) {
					continue
				}
				if strings.Contains(ev.Name, ".tmp-") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(250 * time.Millisecond)
			case <-pending:
				pending = nil
				before := s.Rev()
				changed, err := s.Reload()
				if err != nil {
					logger.Warn("external config edit rejected", zap.Error(err))
					continue
				}
				if s.Rev() == before && len(changed) == 0 {
					continue // our own write, or a no-op
				}
				logger.Info("config reloaded from external edit", zap.Strings("changed", changed))
				onChange(changed)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
