// Package circuitbreaker isolates calls to one backend path behind a
// breaker, a concurrency bulkhead and an execution timeout.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/rules"
)

var (
	// ErrOpen is returned while the breaker refuses calls.
	ErrOpen = errors.New("circuitbreaker: open")
	// ErrBulkheadFull is returned when all isolation slots are busy.
	ErrBulkheadFull = errors.New("circuitbreaker: bulkhead full")
)

const defaultTimeout = time.Second

// Settings configures one Breaker.
type Settings struct {
	config.BreakerConfig
	Timeout       time.Duration // per call
	MaxConcurrent int           // bulkhead slots, 0 means unbounded
	Fallback      string
}

// SettingsFrom merges a rule's per-path config over the process defaults.
func SettingsFrom(defaults config.BreakerConfig, bc rules.BreakerConfig) Settings {
	s := Settings{
		BreakerConfig: defaults,
		Timeout:       time.Duration(bc.TimeoutInMilliseconds) * time.Millisecond,
		MaxConcurrent: bc.ThreadCoreSize,
		Fallback:      bc.FallbackResponse,
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 5 * time.Second
	}
	return s
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to gobreaker.State)

// Breaker wraps a gobreaker two-step breaker with a semaphore bulkhead.
type Breaker struct {
	name     string
	settings Settings
	cb       *gobreaker.TwoStepCircuitBreaker[struct{}]
	sem      *semaphore.Weighted

	inFlight       atomic.Int64
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a closed breaker. onChange may be nil.
func NewBreaker(name string, s Settings, onChange StateChangeFunc) *Breaker {
	threshold := s.FailureThreshold
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenRequests,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
	}
	if onChange != nil {
		st.OnStateChange = onChange
	}
	b := &Breaker{
		name:     name,
		settings: s,
		cb:       gobreaker.NewTwoStepCircuitBreaker[struct{}](st),
	}
	if s.MaxConcurrent > 0 {
		b.sem = semaphore.NewWeighted(int64(s.MaxConcurrent))
	}
	return b
}

// Name is the breaker key.
func (b *Breaker) Name() string { return b.name }

// Timeout is the per-call execution timeout.
func (b *Breaker) Timeout() time.Duration { return b.settings.Timeout }

// Fallback is the configured fallback payload, possibly empty.
func (b *Breaker) Fallback() string { return b.settings.Fallback }

// Settings returns the settings the breaker was built with.
func (b *Breaker) Settings() Settings { return b.settings }

// Allow admits one call. On success the caller must invoke done exactly
// once with the call's outcome. On rejection err wraps ErrOpen or
// ErrBulkheadFull and no slot is held.
func (b *Breaker) Allow() (done func(err error), err error) {
	b.totalRequests.Add(1)
	if b.sem != nil && !b.sem.TryAcquire(1) {
		b.totalRejected.Add(1)
		return nil, fmt.Errorf("%s: %w", b.name, ErrBulkheadFull)
	}
	cbDone, err := b.cb.Allow()
	if err != nil {
		if b.sem != nil {
			b.sem.Release(1)
		}
		b.totalRejected.Add(1)
		return nil, fmt.Errorf("%s: %w: %w", b.name, ErrOpen, err)
	}
	b.inFlight.Add(1)

	var once sync.Once
	return func(callErr error) {
		once.Do(func() {
			b.inFlight.Add(-1)
			if b.sem != nil {
				b.sem.Release(1)
			}
			if callErr != nil {
				b.totalFailures.Add(1)
			} else {
				b.totalSuccesses.Add(1)
			}
			cbDone(callErr)
		})
	}, nil
}

// State is the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() BreakerSnapshot {
	counts := b.cb.Counts()
	return BreakerSnapshot{
		State:               b.cb.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		FailureThreshold:    b.settings.FailureThreshold,
		MaxRequests:         b.settings.HalfOpenRequests,
		MaxConcurrent:       b.settings.MaxConcurrent,
		TimeoutMs:           b.settings.Timeout.Milliseconds(),
		InFlight:            b.inFlight.Load(),
		TotalRequests:       b.totalRequests.Load(),
		TotalFailures:       b.totalFailures.Load(),
		TotalSuccesses:      b.totalSuccesses.Load(),
		TotalRejected:       b.totalRejected.Load(),
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	FailureThreshold    uint32 `json:"failure_threshold"`
	MaxRequests         uint32 `json:"max_requests"`
	MaxConcurrent       int    `json:"max_concurrent"`
	TimeoutMs           int64  `json:"timeout_ms"`
	InFlight            int64  `json:"in_flight"`
	TotalRequests       int64  `json:"total_requests"`
	TotalFailures       int64  `json:"total_failures"`
	TotalSuccesses      int64  `json:"total_successes"`
	TotalRejected       int64  `json:"total_rejected"`
}
