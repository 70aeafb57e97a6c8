// Package file serves rule sets from a local JSON or YAML document and
// pushes a new set whenever the file is rewritten.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/tollgate/internal/configcenter"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/rules"
	"go.uber.org/zap"
)

// Center watches a rules file for changes
type Center struct {
	path     string
	debounce time.Duration

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	listeners []configcenter.Listener
	last      []*rules.Rule
}

// New creates a file config center. The file must exist and parse.
func New(path string) (*Center, error) {
	c := &Center{
		path:     path,
		debounce: 500 * time.Millisecond,
	}
	list, err := c.load()
	if err != nil {
		return nil, err
	}
	c.last = list
	return c, nil
}

// SetDebounce overrides the quiet period between a write and the reload.
func (c *Center) SetDebounce(d time.Duration) {
	c.mu.Lock()
	c.debounce = d
	c.mu.Unlock()
}

func (c *Center) load() ([]*rules.Rule, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return rules.Parse(data)
}

// SubscribeRulesChange pushes the current rules and starts the watcher on
// first use.
func (c *Center) SubscribeRulesChange(ctx context.Context, l configcenter.Listener) error {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	current := c.last
	start := c.watcher == nil
	c.mu.Unlock()

	l.OnRulesChange(current)

	if start {
		if err := c.start(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		for i, existing := range c.listeners {
			if existing == l {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}()
	return nil
}

// start begins watching the directory containing the rules file.
func (c *Center) start() error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(filepath.Dir(c.path)); err != nil {
		fsWatcher.Close()
		return err
	}

	c.mu.Lock()
	c.watcher = fsWatcher
	c.mu.Unlock()

	go c.watch(fsWatcher)
	return nil
}

// watch monitors for file changes
func (c *Center) watch(w *fsnotify.Watcher) {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}

			// Only react to our rules file
			if filepath.Base(event.Name) != filepath.Base(c.path) {
				continue
			}

			// Only react to write/create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Debounce rapid events
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			c.mu.Lock()
			d := c.debounce
			c.mu.Unlock()
			debounceTimer = time.AfterFunc(d, c.reload)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logging.Error("rules watcher error", zap.Error(err))
		}
	}
}

// reload parses the file and notifies listeners. A broken file keeps the
// previous rule set.
func (c *Center) reload() {
	list, err := c.load()
	if err != nil {
		logging.Error("failed to reload rules", zap.String("path", c.path), zap.Error(err))
		return
	}

	c.mu.Lock()
	c.last = list
	listeners := make([]configcenter.Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	logging.Info("rules reloaded", zap.String("path", c.path), zap.Int("rules", len(list)))

	for _, l := range listeners {
		l.OnRulesChange(list)
	}
}

// Rules returns the last successfully loaded rule set.
func (c *Center) Rules() []*rules.Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Close stops the watcher.
func (c *Center) Close() error {
	c.mu.Lock()
	w := c.watcher
	c.watcher = nil
	c.listeners = nil
	c.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}
