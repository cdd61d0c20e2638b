package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces bursts of file events (a model copy touches
// dozens of files) into one rescan.
const DefaultDebounce = 300 * time.Millisecond

// Catalog keeps the latest scan of a model directory.
type Catalog struct {
	dir      string
	logger   zerolog.Logger
	debounce time.Duration

	mu     sync.RWMutex
	models []Info
}

// NewCatalog creates a catalog for dir. Call Rescan or Watch to populate it.
func NewCatalog(dir string, logger zerolog.Logger) *Catalog {
	return &Catalog{dir: dir, logger: logger, debounce: DefaultDebounce}
}

// Models returns a copy of the last scan.
func (c *Catalog) Models() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, len(c.models))
	copy(out, c.models)
	return out
}

// Find returns the model whose folder matches name.
func (c *Catalog) Find(folder string) (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if m.Folder == folder {
			return m, true
		}
	}
	return Info{}, false
}

// Rescan reads the directory again. A missing directory yields an empty
// catalog.
func (c *Catalog) Rescan() error {
	if _, err := os.Stat(c.dir); os.IsNotExist(err) {
		c.set(nil)
		return nil
	}
	models, err := Scan(os.DirFS(c.dir))
	if err != nil {
		return err
	}
	c.set(models)
	c.logger.Debug().Int("count", len(models)).Str("dir", c.dir).Msg("model scan complete")
	return nil
}

func (c *Catalog) set(models []Info) {
	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
}

// Watch rescans once, then keeps the catalog fresh until ctx is done.
// onChange, if non-nil, runs after every rescan triggered by a file event.
func (c *Catalog) Watch(ctx context.Context, onChange func([]Info)) error {
	if err := c.Rescan(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := c.addTree(watcher); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}

	c.logger.Info().Str("dir", c.dir).Msg("watching model directory")

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create == fsnotify.Create {
					if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
						c.addDir(watcher, event.Name, depthOf(c.dir, event.Name))
					}
				}
				if timer == nil {
					timer = time.NewTimer(c.debounce)
				} else {
					timer.Reset(c.debounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				if err := c.Rescan(); err != nil {
					c.logger.Error().Err(err).Msg("model rescan failed")
					continue
				}
				if onChange != nil {
					onChange(c.Models())
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Error().Err(err).Msg("model watch error")
			}
		}
	}()

	return nil
}

// addTree watches the root and every directory a scan could look into.
func (c *Catalog) addTree(w *fsnotify.Watcher) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	if err := w.Add(c.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			c.addDir(w, filepath.Join(c.dir, e.Name()), 1)
		}
	}
	return nil
}

// addDir watches dir and its subdirectories down to the scan depth. The
// model folder itself is depth 1.
func (c *Catalog) addDir(w *fsnotify.Watcher, dir string, depth int) {
	if depth < 1 || depth > maxDepth+1 {
		return
	}
	if err := w.Add(dir); err != nil {
		c.logger.Warn().Err(err).Str("dir", dir).Msg("cannot watch model folder")
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			c.addDir(w, filepath.Join(dir, e.Name()), depth+1)
		}
	}
}

func depthOf(root, dir string) int {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}
