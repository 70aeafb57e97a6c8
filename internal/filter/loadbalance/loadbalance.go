// Package loadbalance picks the backend instance for a request.
package loadbalance

import (
	"errors"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/filter"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/loadbalancer"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/rules"
)

// Filter rewrites the outbound host to the chosen instance address.
type Filter struct {
	balancers *loadbalancer.Registry
	logger    *zap.Logger
}

// New creates the load balance filter over balancers.
func New(balancers *loadbalancer.Registry, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = logging.Global()
	}
	return &Filter{balancers: balancers, logger: logger}
}

func (*Filter) ID() string { return rules.FilterLoadBalance }
func (*Filter) Order() int { return filter.OrderLoadBalance }

func (f *Filter) DoFilter(ctx *gwcontext.Context) error {
	strategy := Strategy(ctx.Rule())
	inst, err := f.balancers.Get(strategy, ctx.UniqueID()).Choose(ctx.UniqueID(), ctx.Gray())
	if err != nil {
		if errors.Is(err, loadbalancer.ErrNoInstance) {
			return gwerrors.Wrap(err, gwerrors.ErrNotFound)
		}
		return err
	}
	ctx.Request().SetModifyHost(inst.Address())
	f.logger.Debug("instance selected",
		zap.String("request_id", ctx.RequestID()),
		zap.String("unique_id", ctx.UniqueID()),
		zap.String("instance", inst.InstanceID),
		zap.String("strategy", strategy),
	)
	return nil
}

// Strategy reads load_balance (or the older load_balancer key) from the
// rule's filter config, defaulting to random.
func Strategy(rule *rules.Rule) string {
	if rule == nil {
		return rules.LoadBalanceRandom
	}
	fc, ok := rule.FilterConfig(rules.FilterLoadBalance)
	if !ok || fc.Config == "" {
		return rules.LoadBalanceRandom
	}
	for _, key := range []string{rules.LoadBalanceKey, rules.LoadBalanceKeyLegacy} {
		if s := gjson.Get(string(fc.Config), key).String(); s != "" {
			return s
		}
	}
	return rules.LoadBalanceRandom
}
