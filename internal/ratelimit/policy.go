package ratelimit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/logging"
)

// FailurePolicy decides what a store error means for the request.
type FailurePolicy int

const (
	// FailClosed rejects the request when the store cannot answer.
	FailClosed FailurePolicy = iota
	// FailOpen lets the request through and logs the error.
	FailOpen
)

// ParseFailurePolicy maps fail_closed and fail_open; empty is fail_closed.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", config.FailClosed:
		return FailClosed, nil
	case config.FailOpen:
		return FailOpen, nil
	}
	return FailClosed, fmt.Errorf("ratelimit: unknown failure policy %q", s)
}

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return config.FailOpen
	}
	return config.FailClosed
}

// Distributed applies a FailurePolicy on top of a Store.
type Distributed struct {
	store  Store
	policy FailurePolicy
	logger *zap.Logger
}

// NewDistributed wraps store. A nil store makes every check fail per policy.
func NewDistributed(store Store, policy FailurePolicy, logger *zap.Logger) *Distributed {
	if logger == nil {
		logger = logging.Global()
	}
	return &Distributed{store: store, policy: policy, logger: logger}
}

// Allow reports whether the request may pass. err is non-nil only when
// the store failed and the policy is fail-closed.
func (d *Distributed) Allow(ctx context.Context, key string, limit, windowSeconds int) (bool, error) {
	if d.store == nil {
		return d.onError(key, ErrStoreUnavailable)
	}
	ok, err := d.store.IncrementAndCheck(ctx, key, limit, windowSeconds)
	if err != nil {
		return d.onError(key, err)
	}
	return ok, nil
}

func (d *Distributed) onError(key string, err error) (bool, error) {
	if d.policy == FailOpen {
		d.logger.Warn("distributed flow control unavailable, failing open",
			zap.String("key", key),
			zap.Error(err))
		return true, nil
	}
	return false, err
}
