// Package listener owns the inbound sockets. It parses requests into
// pooled Inbound values and hands them to a Sink together with the
// connection the response must go back on.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/logging"
)

// Listener represents a network listener that can accept connections
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Protocol returns the protocol type
	Protocol() string

	// Start starts the listener and begins accepting connections
	Start(ctx context.Context) error

	// Stop gracefully stops the listener
	Stop(ctx context.Context) error

	// Addr returns the address the listener is bound to
	Addr() string
}

// Manager manages multiple listeners
type Manager struct {
	listeners map[string]Listener
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewManager creates a new listener manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = logging.Global()
	}
	return &Manager{
		listeners: make(map[string]Listener),
		logger:    logger,
	}
}

// Add adds a listener to the manager
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[l.ID()]; exists {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}

	m.listeners[l.ID()] = l
	return nil
}

// Get returns a listener by ID
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[id]
	return l, ok
}

// StartAll starts every listener. The first failure stops the ones
// already started and is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	started := make([]Listener, 0, len(m.listeners))
	for _, id := range m.ids() {
		l := m.listeners[id]
		m.logger.Info("starting listener",
			zap.String("id", l.ID()),
			zap.String("protocol", l.Protocol()),
			zap.String("addr", l.Addr()))
		if err := l.Start(ctx); err != nil {
			for _, s := range started {
				s.Stop(ctx)
			}
			return fmt.Errorf("listener %s: %w", l.ID(), err)
		}
		started = append(started, l)
	}
	return nil
}

// StopAll gracefully stops all listeners
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(m.listeners))

	for _, l := range m.listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.logger.Info("stopping listener", zap.String("id", l.ID()))
			if err := l.Stop(ctx); err != nil {
				errCh <- fmt.Errorf("listener %s: %w", l.ID(), err)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns all listener IDs, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ids()
}

func (m *Manager) ids() []string {
	ids := make([]string, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
