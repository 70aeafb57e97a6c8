// Package filter runs the ordered per-request policy chain.
package filter

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/rules"
)

// Declared orders. Lower runs first; the router always runs last.
const (
	OrderGray        = -300
	OrderMonitor     = -200
	OrderMonitorEnd  = -100
	OrderUserAuth    = 1
	OrderFlowCtl     = 50
	OrderLoadBalance = 100
	OrderRouter      = math.MaxInt
)

// Filter is one step of request processing. DoFilter returns an error to
// abort the rest of the chain.
type Filter interface {
	ID() string
	Order() int
	DoFilter(ctx *gwcontext.Context) error
}

// Factory builds a filter instance. It is called at most once per registry.
type Factory func() (Filter, error)

// ErrUnknownFilter is returned by Lookup for an unregistered id.
var ErrUnknownFilter = errors.New("filter: unknown filter id")

type entry struct {
	factory Factory
	once    sync.Once
	filter  Filter
	err     error
}

// Registry maps filter ids to factories. Ids compare case-insensitively.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a factory under id. Registering an id twice is an error.
func (r *Registry) Register(id string, f Factory) error {
	if id == "" || f == nil {
		return fmt.Errorf("filter: id and factory are required")
	}
	key := strings.ToLower(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[key]; dup {
		return fmt.Errorf("filter: %s already registered", id)
	}
	r.entries[key] = &entry{factory: f}
	return nil
}

// RegisterFilter registers an already built filter under its own id.
func (r *Registry) RegisterFilter(f Filter) error {
	return r.Register(f.ID(), func() (Filter, error) { return f, nil })
}

// Lookup returns the filter for id, building it on first use.
func (r *Registry) Lookup(id string) (Filter, error) {
	r.mu.RLock()
	e, ok := r.entries[strings.ToLower(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, id)
	}
	e.once.Do(func() {
		e.filter, e.err = e.factory()
		if e.err == nil && e.filter == nil {
			e.err = fmt.Errorf("filter: factory for %s returned nil", id)
		}
	})
	return e.filter, e.err
}

// IDs lists registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// alwaysOn run for every request regardless of the rule.
var alwaysOn = []string{rules.FilterGray, rules.FilterMonitor, rules.FilterMonitorEnd}
