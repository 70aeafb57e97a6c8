package loadbalancer

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/wudi/tollgate/internal/registry"
)

// RoundRobin cycles through the instances. The position is taken modulo
// the live instance count at selection time, so membership changes never
// index out of range.
type RoundRobin struct {
	source  InstanceSource
	current atomic.Uint64
}

// NewRoundRobin creates a round-robin selector.
func NewRoundRobin(source InstanceSource) *RoundRobin {
	return &RoundRobin{source: source}
}

// Choose returns the next instance in order.
func (rr *RoundRobin) Choose(uniqueID string, gray bool) (*registry.ServiceInstance, error) {
	list := enabledInstances(rr.source.ServiceInstances(uniqueID, gray))
	if len(list) == 0 {
		return nil, ErrNoInstance
	}
	idx := rr.current.Add(1) - 1
	return list[idx%uint64(len(list))], nil
}

// Random picks a uniformly random instance.
type Random struct {
	source InstanceSource
}

// NewRandom creates a random selector.
func NewRandom(source InstanceSource) *Random {
	return &Random{source: source}
}

// Choose returns a random instance.
func (r *Random) Choose(uniqueID string, gray bool) (*registry.ServiceInstance, error) {
	list := enabledInstances(r.source.ServiceInstances(uniqueID, gray))
	if len(list) == 0 {
		return nil, ErrNoInstance
	}
	return list[rand.IntN(len(list))], nil
}
