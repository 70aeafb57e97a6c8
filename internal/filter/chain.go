package filter

import (
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"go.uber.org/zap"

	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/rules"
)

// Chain is the ordered filter list built for one request.
type Chain struct {
	filters []Filter
	logger  *zap.Logger
}

// Filters returns the chain in execution order.
func (c *Chain) Filters() []Filter {
	return c.filters
}

// Do runs the filters in order. The first error stops the chain and is
// stored as the context throwable. A filter that moves the context out of
// Running (a fallback write) also ends the chain, without error.
func (c *Chain) Do(ctx *gwcontext.Context) error {
	for _, f := range c.filters {
		if err := c.run(f, ctx); err != nil {
			ctx.SetThrowable(err)
			return err
		}
		if !ctx.IsRunning() {
			return nil
		}
	}
	return nil
}

func (c *Chain) run(f Filter, ctx *gwcontext.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("filter panic recovered",
				zap.String("filter", f.ID()),
				zap.String("request_id", ctx.RequestID()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = gwerrors.Wrap(fmt.Errorf("filter %s panic: %v", f.ID(), r), gwerrors.ErrInternal)
		}
	}()
	return f.DoFilter(ctx)
}

// ChainFactory assembles chains from the always-on filters, the filters a
// rule names and the router.
type ChainFactory struct {
	registry *Registry
	logger   *zap.Logger
}

// NewChainFactory creates a factory resolving ids against registry.
func NewChainFactory(registry *Registry, logger *zap.Logger) *ChainFactory {
	if logger == nil {
		logger = logging.Global()
	}
	return &ChainFactory{registry: registry, logger: logger}
}

// Build resolves the filters for ctx and sorts them by order, keeping
// encounter order for ties. Unknown ids are logged and skipped.
func (f *ChainFactory) Build(ctx *gwcontext.Context) *Chain {
	ids := make([]string, 0, len(alwaysOn)+4)
	ids = append(ids, alwaysOn...)
	if rule := ctx.Rule(); rule != nil {
		for _, fc := range rule.FilterConfigs {
			if fc.ID == "" || isImplicit(fc.ID) {
				continue
			}
			ids = append(ids, rules.CanonicalFilterID(fc.ID))
		}
	}
	ids = append(ids, rules.FilterRouter)

	filters := make([]Filter, 0, len(ids))
	for _, id := range ids {
		flt, err := f.registry.Lookup(id)
		if err != nil {
			f.logger.Warn("skipping unresolved filter",
				zap.String("filter", id),
				zap.String("request_id", ctx.RequestID()),
				zap.Error(err),
			)
			continue
		}
		filters = append(filters, flt)
	}
	sort.SliceStable(filters, func(a, b int) bool {
		return filters[a].Order() < filters[b].Order()
	})
	return &Chain{filters: filters, logger: f.logger}
}

func isImplicit(id string) bool {
	if strings.EqualFold(id, rules.FilterRouter) {
		return true
	}
	for _, a := range alwaysOn {
		if strings.EqualFold(id, a) {
			return true
		}
	}
	return false
}
