// Package monitor measures each request: the start filter opens a span
// and the end filter records metrics once the response is written.
package monitor

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/filter"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/metrics"
	"github.com/wudi/tollgate/internal/rules"
	"github.com/wudi/tollgate/internal/tracing"
)

const spanAttr = "monitor.span"

// Start opens the request span and counts the request in flight.
type Start struct {
	collector *metrics.Collector
	tracer    *tracing.Tracer
}

// NewStart creates the monitor start filter. Both dependencies may be nil.
func NewStart(collector *metrics.Collector, tracer *tracing.Tracer) *Start {
	return &Start{collector: collector, tracer: tracer}
}

func (*Start) ID() string { return rules.FilterMonitor }
func (*Start) Order() int { return filter.OrderMonitor }

func (s *Start) DoFilter(ctx *gwcontext.Context) error {
	s.collector.RequestStarted()
	req := ctx.Request()
	spanCtx, span := s.tracer.StartRequest(ctx.Ctx(), req.Header(), req.Method(), req.Path(), ctx.UniqueID())
	ctx.SetCtx(spanCtx)
	ctx.SetAttribute(spanAttr, span)
	return nil
}

// End registers a completion callback that records the request outcome.
type End struct {
	collector *metrics.Collector
}

// NewEnd creates the monitor end filter.
func NewEnd(collector *metrics.Collector) *End {
	return &End{collector: collector}
}

func (*End) ID() string { return rules.FilterMonitorEnd }
func (*End) Order() int { return filter.OrderMonitorEnd }

func (e *End) DoFilter(ctx *gwcontext.Context) error {
	ctx.AddCompletedCallback(e.record)
	return nil
}

func (e *End) record(ctx *gwcontext.Context) {
	status := Status(ctx)
	e.collector.RecordRequest(ctx.UniqueID(), ctx.Request().Path(), status, time.Since(ctx.BeginTime()))
	e.collector.RequestFinished()
	if err := ctx.Throwable(); err != nil {
		e.collector.RecordError(gwerrors.KindOf(err).String())
	}
	if v, ok := ctx.Attribute(spanAttr); ok {
		if span, ok := v.(trace.Span); ok {
			tracing.EndSpan(span, status, ctx.Throwable())
		}
	}
}

// Status is the status code written for ctx, derived from the throwable
// when no response was set.
func Status(ctx *gwcontext.Context) int {
	if resp := ctx.Response(); resp != nil {
		return resp.Status
	}
	if err := ctx.Throwable(); err != nil {
		return gwerrors.Classify(err).Status
	}
	return 0
}
