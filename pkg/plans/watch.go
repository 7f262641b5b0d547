package plans

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Watch reloads the catalog whenever a plan file under its directory is
// written, created, removed or renamed. It returns once the watcher is set
// up; watching stops when ctx is done.
func (c *Catalog) Watch(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		delay = DefaultReloadDelay
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(c.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch plan directory %s: %w", c.dir, err)
	}

	go c.processEvents(ctx, watcher, delay)

	c.logger.Info().Str("dir", c.dir).Msg("Started watching plan directory")
	return nil
}

func (c *Catalog) processEvents(ctx context.Context, watcher *fsnotify.Watcher, delay time.Duration) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						c.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPlanFile(event.Name) {
				continue
			}

			c.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Plan file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(delay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := c.Reload(); err != nil {
					c.logger.Error().Err(err).Msg("Plan reload finished with errors")
					return
				}
				c.logger.Info().Msg("Plans reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("Plan watcher error")
		}
	}
}
