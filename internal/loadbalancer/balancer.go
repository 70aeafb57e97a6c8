// Package loadbalancer picks one backend instance of a service per request.
package loadbalancer

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/registry"
)

// Strategy names as they appear in a rule's load_balance_filter config.
const (
	StrategyRandom     = "random"
	StrategyRoundRobin = "round_robin"
	StrategyWeighted   = "weighted"
)

// ErrNoInstance is returned when a service has no usable instance.
var ErrNoInstance = errors.New("loadbalancer: no available instance")

// InstanceSource lists the live instances of a service. The store
// implements it; results are ordered and must not be modified.
type InstanceSource interface {
	ServiceInstances(uniqueID string, gray bool) []*registry.ServiceInstance
}

// Selector picks one instance of a service.
type Selector interface {
	Choose(uniqueID string, gray bool) (*registry.ServiceInstance, error)
}

// enabledInstances drops disabled instances. It returns the input slice
// when all are enabled (zero allocations).
func enabledInstances(list []*registry.ServiceInstance) []*registry.ServiceInstance {
	for _, inst := range list {
		if !inst.Enabled() {
			out := make([]*registry.ServiceInstance, 0, len(list))
			for _, in := range list {
				if in.Enabled() {
					out = append(out, in)
				}
			}
			return out
		}
	}
	return list
}

type registryKey struct {
	strategy string
	uniqueID string
}

// Registry caches one selector per (strategy, service) so round-robin
// state survives across requests.
type Registry struct {
	source InstanceSource
	logger *zap.Logger

	mu        sync.RWMutex
	selectors map[registryKey]Selector
}

// NewRegistry creates a selector registry reading instances from source.
func NewRegistry(source InstanceSource, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = logging.Global()
	}
	return &Registry{
		source:    source,
		logger:    logger,
		selectors: make(map[registryKey]Selector),
	}
}

// Get returns the selector for strategy and uniqueID. An unknown strategy
// falls back to random.
func (r *Registry) Get(strategy, uniqueID string) Selector {
	switch strategy {
	case StrategyRandom, StrategyRoundRobin, StrategyWeighted:
	default:
		r.logger.Warn("unknown load balance strategy, using random",
			zap.String("strategy", strategy),
			zap.String("unique_id", uniqueID))
		strategy = StrategyRandom
	}

	key := registryKey{strategy: strategy, uniqueID: uniqueID}
	r.mu.RLock()
	sel, ok := r.selectors[key]
	r.mu.RUnlock()
	if ok {
		return sel
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sel, ok = r.selectors[key]; ok {
		return sel
	}
	switch strategy {
	case StrategyRoundRobin:
		sel = NewRoundRobin(r.source)
	case StrategyWeighted:
		sel = NewWeighted(r.source)
	default:
		sel = NewRandom(r.source)
	}
	r.selectors[key] = sel
	return sel
}

// Forget drops cached selectors of a service, e.g. when it is removed.
func (r *Registry) Forget(uniqueID string) {
	r.mu.Lock()
	for k := range r.selectors {
		if k.uniqueID == uniqueID {
			delete(r.selectors, k)
		}
	}
	r.mu.Unlock()
}
