package circuitbreaker

import (
	"sync"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/rules"
)

// Key identifies the breaker of one backend path.
func Key(uniqueID, path string) string {
	return uniqueID + path
}

// Manager lazily creates one Breaker per (service, path). A breaker is
// rebuilt when the rule's settings for its path change.
type Manager struct {
	defaults config.BreakerConfig
	onChange StateChangeFunc

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates a manager. onChange may be nil.
func NewManager(defaults config.BreakerConfig, onChange StateChangeFunc) *Manager {
	return &Manager{
		defaults: defaults,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key configured from bc.
func (m *Manager) Get(key string, bc rules.BreakerConfig) *Breaker {
	want := SettingsFrom(m.defaults, bc)

	m.mu.RLock()
	b, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok && b.settings == want {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[key]; ok && b.settings == want {
		return b
	}
	b = NewBreaker(key, want, m.onChange)
	m.breakers[key] = b
	return b
}

// Lookup returns an existing breaker without creating one.
func (m *Manager) Lookup(key string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[key]
	return b, ok
}

// Snapshots returns snapshots of all circuit breakers
func (m *Manager) Snapshots() map[string]BreakerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]BreakerSnapshot, len(m.breakers))
	for id, b := range m.breakers {
		result[id] = b.Snapshot()
	}
	return result
}
