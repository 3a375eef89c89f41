package agentcache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoSources is returned by Watch when the cache has nothing to watch.
var ErrNoSources = errors.New("agentcache: no sources to watch")

const watchDebounce = 100 * time.Millisecond

// Watch checks the sources whenever one of them changes on disk, until
// ctx is done. It blocks; run it in its own goroutine.
func (c *Cache) Watch(ctx context.Context) error {
	if len(c.sources) == 0 {
		return ErrNoSources
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]bool, len(c.sources))
	dirs := make(map[string]bool)
	for _, src := range c.sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			return fmt.Errorf("resolve source %s: %w", src, err)
		}
		watched[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(event.Name)] {
				continue
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				c.CheckSources()
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("cache watcher error", "error", err)
		}
	}
}
