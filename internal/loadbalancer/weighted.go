package loadbalancer

import (
	"math/rand/v2"

	"github.com/wudi/tollgate/internal/registry"
)

// Weighted picks an instance with probability proportional to its
// registered weight. Non-positive weights count as 1.
type Weighted struct {
	source InstanceSource
}

// NewWeighted creates a weighted random selector.
func NewWeighted(source InstanceSource) *Weighted {
	return &Weighted{source: source}
}

// Choose rolls against the cumulative weights.
func (w *Weighted) Choose(uniqueID string, gray bool) (*registry.ServiceInstance, error) {
	list := enabledInstances(w.source.ServiceInstances(uniqueID, gray))
	if len(list) == 0 {
		return nil, ErrNoInstance
	}

	total := 0
	for _, inst := range list {
		total += weightOf(inst)
	}
	roll := rand.IntN(total)
	cumulative := 0
	for _, inst := range list {
		cumulative += weightOf(inst)
		if roll < cumulative {
			return inst, nil
		}
	}
	return list[len(list)-1], nil
}

func weightOf(inst *registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
