// Package router is the terminal filter: it calls the backend, retries
// transient failures and resolves the context with the outcome.
package router

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/circuitbreaker"
	"github.com/wudi/tollgate/internal/config"
	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/filter"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/metrics"
	"github.com/wudi/tollgate/internal/proxy"
	"github.com/wudi/tollgate/internal/retry"
	"github.com/wudi/tollgate/internal/rules"
	"github.com/wudi/tollgate/internal/tracing"
)

// Responder writes the response held by a Written context back to the
// caller. It must tolerate being called more than once per context.
type Responder interface {
	Respond(ctx *gwcontext.Context)
}

// Executor runs a task on another goroutine. It reports false when the
// task was refused, e.g. during shutdown.
type Executor interface {
	Execute(task func()) bool
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(task func()) bool

func (f ExecutorFunc) Execute(task func()) bool { return f(task) }

// Inline runs tasks on the calling goroutine.
var Inline Executor = ExecutorFunc(func(task func()) bool {
	task()
	return true
})

// Options wires the router's collaborators. Client, Responder and Retry
// are required.
type Options struct {
	Client    proxy.Client
	Breakers  *circuitbreaker.Manager
	Retry     *retry.Policy
	Responder Responder
	// Dispatch runs retry attempts. Defaults to Inline.
	Dispatch Executor
	// Completion runs continuations in double async mode.
	Completion Executor
	AsyncMode  string
	Collector  *metrics.Collector
	Tracer     *tracing.Tracer
	Logger     *zap.Logger
}

// Filter dispatches the request to the instance chosen upstream.
type Filter struct {
	opts Options
}

// New creates the router filter.
func New(opts Options) (*Filter, error) {
	if opts.Client == nil || opts.Responder == nil || opts.Retry == nil {
		return nil, errors.New("router: client, responder and retry policy are required")
	}
	if opts.Dispatch == nil {
		opts.Dispatch = Inline
	}
	if opts.AsyncMode == config.AsyncDouble && opts.Completion == nil {
		return nil, errors.New("router: double async mode needs a completion executor")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	return &Filter{opts: opts}, nil
}

func (*Filter) ID() string { return rules.FilterRouter }
func (*Filter) Order() int { return filter.OrderRouter }

// DoFilter starts the first attempt and returns without waiting for it.
// Every outcome is written through the Responder.
func (f *Filter) DoFilter(ctx *gwcontext.Context) error {
	f.opts.Retry.RecordRequest()

	var breaker *circuitbreaker.Breaker
	if rule := ctx.Rule(); rule != nil && f.opts.Breakers != nil {
		path := ctx.Request().Path()
		if bc, ok := rule.BreakerConfig(path); ok {
			breaker = f.opts.Breakers.Get(circuitbreaker.Key(ctx.UniqueID(), path), bc)
		}
	}
	if breaker != nil {
		f.routeWithBreaker(ctx, breaker)
		return nil
	}
	f.route(ctx)
	return nil
}

// route runs one attempt without a breaker.
func (f *Filter) route(ctx *gwcontext.Context) {
	if !ctx.IsRunning() {
		return
	}
	req, err := ctx.Request().Build(ctx.Ctx())
	if err != nil {
		f.finish(ctx, proxy.Result{Err: gwerrors.Wrap(err, gwerrors.ErrBadRequest)})
		return
	}
	f.opts.Tracer.Inject(ctx.Ctx(), req.Header)

	callCtx, cancel := f.callContext(ctx, 0)
	results := f.opts.Client.Execute(callCtx, req)
	go func() {
		res := <-results
		cancel()
		f.continueWith(func() { f.complete(ctx, res) })
	}()
}

// routeWithBreaker runs the single attempt allowed under a breaker. Any
// rejection or failure resolves to the breaker fallback.
func (f *Filter) routeWithBreaker(ctx *gwcontext.Context, b *circuitbreaker.Breaker) {
	done, err := b.Allow()
	if err != nil {
		f.fallback(ctx, b, gwerrors.Wrap(err, gwerrors.ErrCircuitOpen))
		return
	}
	req, err := ctx.Request().Build(ctx.Ctx())
	if err != nil {
		done(nil)
		f.finish(ctx, proxy.Result{Err: gwerrors.Wrap(err, gwerrors.ErrBadRequest)})
		return
	}
	f.opts.Tracer.Inject(ctx.Ctx(), req.Header)

	callCtx, cancel := f.callContext(ctx, b.Timeout())
	results := f.opts.Client.Execute(callCtx, req)
	go func() {
		res := <-results
		cancel()
		callErr := res.Err
		if callErr == nil && res.Response != nil && res.Response.StatusCode >= http.StatusInternalServerError {
			callErr = errors.New(res.Response.Status)
		}
		done(callErr)
		f.continueWith(func() {
			if res.Err != nil {
				f.fallback(ctx, b, classify(res.Err))
				return
			}
			f.finish(ctx, res)
		})
	}()
}

func (f *Filter) callContext(ctx *gwcontext.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if t := ctx.Request().Timeout(); t > 0 && (limit <= 0 || t < limit) {
		limit = t
	}
	if limit <= 0 {
		return context.WithCancel(ctx.Ctx())
	}
	return context.WithTimeout(ctx.Ctx(), limit)
}

func (f *Filter) continueWith(task func()) {
	if f.opts.AsyncMode == config.AsyncDouble {
		if f.opts.Completion.Execute(task) {
			return
		}
	}
	task()
}

// complete handles an attempt made without a breaker: retry transient
// failures while the policy allows it, else finish.
func (f *Filter) complete(ctx *gwcontext.Context, res proxy.Result) {
	if res.Err != nil && proxy.Retryable(res.Err) {
		times := 0
		if rule := ctx.Rule(); rule != nil {
			times = rule.RetryConfig.Times
		}
		decision := f.opts.Retry.Allow(ctx.CurrentRetryTimes(), times, ctx.BeginTime(), false)
		if decision == retry.Retry {
			f.scheduleRetry(ctx, res)
			return
		}
		if decision != retry.Exhausted {
			f.opts.Logger.Debug("retry denied",
				zap.String("request_id", ctx.RequestID()),
				zap.Int("decision", int(decision)),
			)
		}
	}
	f.finish(ctx, res)
}

func (f *Filter) scheduleRetry(ctx *gwcontext.Context, last proxy.Result) {
	attempt := ctx.IncrementRetry()
	f.opts.Collector.RecordRetry(ctx.UniqueID())
	f.opts.Logger.Debug("retrying backend call",
		zap.String("request_id", ctx.RequestID()),
		zap.String("unique_id", ctx.UniqueID()),
		zap.Int("attempt", attempt),
		zap.Error(last.Err),
	)
	time.AfterFunc(f.opts.Retry.Delay(attempt), func() {
		if !f.opts.Dispatch.Execute(func() { f.route(ctx) }) {
			f.finish(ctx, proxy.Result{Err: gwerrors.Wrap(last.Err, gwerrors.ErrQueueClosed)})
		}
	})
}

// fallback resolves ctx with the breaker's configured response.
func (f *Filter) fallback(ctx *gwcontext.Context, b *circuitbreaker.Breaker, cause *gwerrors.GatewayError) {
	ctx.SetThrowable(cause)
	if !ctx.SetResponse(gwcontext.FromFallback(b.Fallback(), cause.WithRequestID(ctx.RequestID()))) {
		return
	}
	f.opts.Logger.Warn("breaker fallback",
		zap.String("request_id", ctx.RequestID()),
		zap.String("breaker", b.Name()),
		zap.Error(cause),
	)
	f.write(ctx)
}

// finish translates res into the final response and writes it.
func (f *Filter) finish(ctx *gwcontext.Context, res proxy.Result) {
	var resp *gwcontext.Response
	if res.Err != nil {
		ge := classify(res.Err)
		ctx.SetThrowable(ge)
		resp = gwcontext.FromError(ge.WithRequestID(ctx.RequestID()))
		f.opts.Logger.Warn("backend call failed",
			zap.String("request_id", ctx.RequestID()),
			zap.String("unique_id", ctx.UniqueID()),
			zap.String("url", ctx.Request().FinalURL()),
			zap.Int("retries", ctx.CurrentRetryTimes()),
			zap.Error(res.Err),
		)
	} else {
		resp = gwcontext.FromBackend(res.Response, res.Body)
	}
	if !ctx.SetResponse(resp) {
		return
	}
	f.write(ctx)
}

func (f *Filter) write(ctx *gwcontext.Context) {
	ctx.ReleaseRequest()
	if ctx.MarkWritten() {
		f.opts.Responder.Respond(ctx)
	}
}

// classify maps a client error onto the gateway taxonomy.
func classify(err error) *gwerrors.GatewayError {
	if ge, ok := gwerrors.As(err); ok {
		return ge
	}
	switch proxy.Classify(err) {
	case gwerrors.KindTimeout:
		return gwerrors.Wrap(err, gwerrors.ErrTimeout)
	case gwerrors.KindConnect:
		return gwerrors.Wrap(err, gwerrors.ErrConnect)
	}
	return gwerrors.Classify(err)
}
