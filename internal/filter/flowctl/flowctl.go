// Package flowctl enforces the rule's flow control entries.
package flowctl

import (
	"math"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/filter"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/metrics"
	"github.com/wudi/tollgate/internal/ratelimit"
	"github.com/wudi/tollgate/internal/rules"
)

// Separator joins the service id and the limited target into a key.
const Separator = "."

// Filter rejects requests over a path or service limit.
type Filter struct {
	local       *ratelimit.LocalRegistry
	distributed *ratelimit.Distributed
	collector   *metrics.Collector
	logger      *zap.Logger
}

// New creates the flow control filter. A nil distributed limiter rejects
// every distributed entry.
func New(local *ratelimit.LocalRegistry, distributed *ratelimit.Distributed, collector *metrics.Collector, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = logging.Global()
	}
	if local == nil {
		local = ratelimit.NewLocalRegistry()
	}
	if distributed == nil {
		distributed = ratelimit.NewDistributed(nil, ratelimit.FailClosed, logger)
	}
	return &Filter{local: local, distributed: distributed, collector: collector, logger: logger}
}

func (*Filter) ID() string { return rules.FilterFlowCtl }
func (*Filter) Order() int { return filter.OrderFlowCtl }

func (f *Filter) DoFilter(ctx *gwcontext.Context) error {
	rule := ctx.Rule()
	if rule == nil {
		return nil
	}
	path := ctx.Request().Path()
	for _, fc := range rule.FlowCtlConfigs {
		target, ok := targetOf(fc, rule.ServiceID, path)
		if !ok {
			continue
		}
		permits, duration, ok := Limits(string(fc.Config))
		if !ok {
			continue
		}
		key := rule.ServiceID + Separator + target

		allowed, err := f.allow(ctx, fc.Model, key, permits, duration)
		if err != nil {
			f.logger.Error("flow control store failed",
				zap.String("key", key),
				zap.String("request_id", ctx.RequestID()),
				zap.Error(err),
			)
			f.collector.RecordRateLimited(ctx.UniqueID(), modelName(fc.Model))
			return gwerrors.Wrap(err, gwerrors.ErrRateLimited)
		}
		if !allowed {
			f.collector.RecordRateLimited(ctx.UniqueID(), modelName(fc.Model))
			return gwerrors.ErrRateLimited
		}
	}
	return nil
}

func (f *Filter) allow(ctx *gwcontext.Context, model, key string, permits, duration float64) (bool, error) {
	if strings.EqualFold(model, rules.FlowModelDistributed) {
		return f.distributed.Allow(ctx.Ctx(), key, int(math.Ceil(permits)), int(math.Ceil(duration)))
	}
	perSecond, ok := ratelimit.PerSecond(permits, duration)
	if !ok {
		return true, nil
	}
	return f.local.Get(key, perSecond).Acquire(1), nil
}

// targetOf resolves what an entry limits. Path entries only apply to
// their own path; service entries apply to every request of the rule.
func targetOf(fc rules.FlowCtlConfig, serviceID, path string) (string, bool) {
	switch {
	case strings.EqualFold(fc.Type, rules.FlowTypePath):
		return path, fc.Value == path
	case strings.EqualFold(fc.Type, rules.FlowTypeService):
		return serviceID, true
	}
	return "", false
}

// Limits reads positive duration and permits from an entry config.
func Limits(cfg string) (permits, duration float64, ok bool) {
	if cfg == "" || !gjson.Valid(cfg) {
		return 0, 0, false
	}
	d := gjson.Get(cfg, rules.FlowKeyDuration)
	p := gjson.Get(cfg, rules.FlowKeyPermits)
	if d.Type != gjson.Number || p.Type != gjson.Number {
		return 0, 0, false
	}
	if d.Float() <= 0 || p.Float() <= 0 {
		return 0, 0, false
	}
	return p.Float(), d.Float(), true
}

func modelName(model string) string {
	if strings.EqualFold(model, rules.FlowModelDistributed) {
		return rules.FlowModelDistributed
	}
	return rules.FlowModelSingleton
}
