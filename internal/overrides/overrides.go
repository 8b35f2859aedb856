// Package overrides provides hot-reloadable label and selector overrides
// for the target resolver and label synthesizer (OVERRIDES_PATH /
// OVERRIDES_HOT_RELOAD): an atomically-swapped table, reloaded on an
// fsnotify event after a short debounce, so an operator can edit the file
// on disk without restarting the daemon.
package overrides

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Table is the on-disk override document. Labels maps a CSS selector to a
// label that always wins over synthesized aria/title/text labels (useful
// when a page's own markup is unlabeled or misleading). Aliases maps a
// short operator-chosen name to a CSS selector, so recipes and agents can
// address an element by a stable name instead of a brittle selector.
type Table struct {
	Labels  map[string]string `yaml:"labels"`
	Aliases map[string]string `yaml:"aliases"`
}

// Manager holds the active override Table behind a lock-free atomic swap,
// optionally refreshed by an fsnotify watcher on the backing file.
type Manager struct {
	path    string
	current atomic.Value // Table

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New builds a Manager. An empty path yields a Manager that always returns
// an empty Table (overrides are optional). hotReload starts an fsnotify
// watcher on path; a missing file is not an error, it just means there are
// currently no overrides, matching OVERRIDES_PATH's documented behavior in
// config.Validate.
func New(path string, hotReload bool) (*Manager, error) {
	m := &Manager{path: path, stopCh: make(chan struct{})}
	m.current.Store(Table{})

	if path == "" {
		return m, nil
	}

	if err := m.reload(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to load overrides file, starting empty")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to start overrides watcher, hot-reload disabled")
		}
	}

	return m, nil
}

// Get returns the currently active override table. Safe for concurrent use.
func (m *Manager) Get() Table {
	return m.current.Load().(Table)
}

// Close stops the file watcher, if any. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) reload() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.current.Store(Table{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("read overrides file: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("parse overrides file: %w", err)
	}
	if t.Labels == nil {
		t.Labels = map[string]string{}
	}
	if t.Aliases == nil {
		t.Aliases = map[string]string{}
	}

	m.current.Store(t)
	log.Info().
		Str("path", m.path).
		Int("labels", len(t.Labels)).
		Int("aliases", len(t.Aliases)).
		Msg("overrides loaded")
	return nil
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch file: %w", err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watch()
	return nil
}

func (m *Manager) watch() {
	defer m.wg.Done()

	const debounce = 150 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := m.reload(); err != nil {
					log.Warn().Err(err).Str("path", m.path).Msg("overrides reload failed, keeping previous table")
				}
			})
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("overrides watcher error")
		case <-m.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
