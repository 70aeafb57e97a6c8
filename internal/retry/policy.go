package retry

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wudi/tollgate/internal/config"
)

// Policy decides whether a failed outbound call is attempted again and
// how long to wait first. A rule's retry count is capped by the process
// wide maximum and by a wall-clock budget measured from request start.
type Policy struct {
	MaxRetries int
	Budget     time.Duration
	Backoff    config.BackoffConfig
	Ratio      *RatioBudget // nil disables the ratio check
	Metrics    *RetryMetrics
}

// RetryMetrics tracks retry decisions across all routes.
type RetryMetrics struct {
	Retries        atomic.Int64
	Exhausted      atomic.Int64
	BudgetDenied   atomic.Int64
	RatioDenied    atomic.Int64
	BreakerSkipped atomic.Int64
}

// Snapshot returns a point-in-time copy of the metrics
func (m *RetryMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Retries:        m.Retries.Load(),
		Exhausted:      m.Exhausted.Load(),
		BudgetDenied:   m.BudgetDenied.Load(),
		RatioDenied:    m.RatioDenied.Load(),
		BreakerSkipped: m.BreakerSkipped.Load(),
	}
}

// MetricsSnapshot is a point-in-time copy of retry metrics
type MetricsSnapshot struct {
	Retries        int64 `json:"retries"`
	Exhausted      int64 `json:"exhausted"`
	BudgetDenied   int64 `json:"budget_denied"`
	RatioDenied    int64 `json:"ratio_denied"`
	BreakerSkipped int64 `json:"breaker_skipped"`
}

// NewPolicy creates a retry policy from the client config section.
func NewPolicy(cfg config.ClientConfig) *Policy {
	p := &Policy{
		MaxRetries: cfg.MaxRetries,
		Budget:     cfg.RetryBudget,
		Backoff:    cfg.RetryBackoff,
		Metrics:    &RetryMetrics{},
	}
	if p.Backoff.InitialInterval <= 0 {
		p.Backoff.InitialInterval = 10 * time.Millisecond
	}
	if p.Backoff.MaxInterval <= 0 {
		p.Backoff.MaxInterval = time.Second
	}
	if p.Backoff.Multiplier < 1 {
		p.Backoff.Multiplier = 2
	}
	if cfg.RetryRatio > 0 {
		p.Ratio = NewRatioBudget(cfg.RetryRatio, cfg.RetryMinPerSecond, 0)
	}
	return p
}

// Limit is the effective retry count for a rule asking for ruleTimes.
func (p *Policy) Limit(ruleTimes int) int {
	if ruleTimes < 0 {
		return 0
	}
	return min(ruleTimes, p.MaxRetries)
}

// Decision is the outcome of Allow.
type Decision int

const (
	Retry Decision = iota
	Exhausted
	OverBudget
	OverRatio
	BreakerActive
)

// Allow decides on another attempt after a retryable failure. done is
// how many retries have already run for the request.
func (p *Policy) Allow(done, ruleTimes int, begin time.Time, breaker bool) Decision {
	switch {
	case breaker:
		p.Metrics.BreakerSkipped.Add(1)
		return BreakerActive
	case done >= p.Limit(ruleTimes):
		p.Metrics.Exhausted.Add(1)
		return Exhausted
	case p.Budget > 0 && time.Since(begin) >= p.Budget:
		p.Metrics.BudgetDenied.Add(1)
		return OverBudget
	case p.Ratio != nil && !p.Ratio.TryRetry():
		p.Metrics.RatioDenied.Add(1)
		return OverRatio
	}
	p.Metrics.Retries.Add(1)
	return Retry
}

// RecordRequest feeds the ratio budget with a first attempt.
func (p *Policy) RecordRequest() {
	if p.Ratio != nil {
		p.Ratio.RecordRequest()
	}
}

// Delay is the wait before retry number attempt (1-based), following an
// exponential backoff without jitter so tests stay deterministic.
func (p *Policy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.Backoff.InitialInterval),
		backoff.WithMaxInterval(p.Backoff.MaxInterval),
		backoff.WithMultiplier(p.Backoff.Multiplier),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}
