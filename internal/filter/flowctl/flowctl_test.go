package flowctl

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/gwcontext/gwcontexttest"
	"github.com/wudi/tollgate/internal/ratelimit"
	"github.com/wudi/tollgate/internal/rules"
)

type countingStore struct {
	counts map[string]int
	err    error
}

func (s *countingStore) IncrementAndCheck(_ context.Context, key string, limit, _ int) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.counts[key]++
	return s.counts[key] <= limit, nil
}

func pathRule(model, config string) *rules.Rule {
	return &rules.Rule{
		ID:        "r1",
		ServiceID: "backend",
		Paths:     []string{"/http-server/ping"},
		FlowCtlConfigs: []rules.FlowCtlConfig{{
			Type:   rules.FlowTypePath,
			Value:  "/http-server/ping",
			Model:  model,
			Config: rules.JSONText(config),
		}},
	}
}

func run(f *Filter, rule *rules.Rule, path string, n int) (passed, limited int) {
	for i := 0; i < n; i++ {
		err := f.DoFilter(gwcontexttest.NewContext("backend:1", path, rule))
		switch {
		case err == nil:
			passed++
		case errors.Is(err, gwerrors.ErrRateLimited):
			limited++
		}
	}
	return passed, limited
}

func TestLocalPathLimit(t *testing.T) {
	f := New(ratelimit.NewLocalRegistry(), nil, nil, zap.NewNop())
	rule := pathRule(rules.FlowModelSingleton, `{"duration": 1, "permits": 2}`)

	passed, limited := run(f, rule, "/http-server/ping", 5)
	if passed != 2 || limited != 3 {
		t.Errorf("passed=%d limited=%d, want 2/3", passed, limited)
	}
}

func TestPathEntryIgnoresOtherPaths(t *testing.T) {
	f := New(ratelimit.NewLocalRegistry(), nil, nil, zap.NewNop())
	rule := pathRule(rules.FlowModelSingleton, `{"duration": 1, "permits": 1}`)

	passed, _ := run(f, rule, "/http-server/other", 5)
	if passed != 5 {
		t.Errorf("passed = %d", passed)
	}
}

func TestServiceLimitSharesKey(t *testing.T) {
	store := &countingStore{counts: map[string]int{}}
	f := New(nil, ratelimit.NewDistributed(store, ratelimit.FailClosed, zap.NewNop()), nil, zap.NewNop())
	rule := &rules.Rule{
		ID:        "r1",
		ServiceID: "backend",
		Prefix:    "/",
		FlowCtlConfigs: []rules.FlowCtlConfig{{
			Type:   rules.FlowTypeService,
			Model:  rules.FlowModelDistributed,
			Config: `{"duration": 60, "permits": 3}`,
		}},
	}

	p1, _ := run(f, rule, "/a", 2)
	p2, l2 := run(f, rule, "/b", 2)
	if p1+p2 != 3 || l2 != 1 {
		t.Errorf("passed=%d limited=%d", p1+p2, l2)
	}
	if store.counts["backend.backend"] != 4 {
		t.Errorf("counts = %v", store.counts)
	}
}

func TestDistributedStoreFailure(t *testing.T) {
	store := &countingStore{err: errors.New("connection refused")}
	rule := pathRule(rules.FlowModelDistributed, `{"duration": 1, "permits": 2}`)

	closed := New(nil, ratelimit.NewDistributed(store, ratelimit.FailClosed, zap.NewNop()), nil, zap.NewNop())
	if _, limited := run(closed, rule, "/http-server/ping", 1); limited != 1 {
		t.Error("fail_closed let the request through")
	}

	open := New(nil, ratelimit.NewDistributed(store, ratelimit.FailOpen, zap.NewNop()), nil, zap.NewNop())
	if passed, _ := run(open, rule, "/http-server/ping", 1); passed != 1 {
		t.Error("fail_open rejected the request")
	}
}

func TestLimits(t *testing.T) {
	tests := []struct {
		cfg string
		ok  bool
	}{
		{`{"duration": 1, "permits": 2}`, true},
		{`{"duration": 1}`, false},
		{`{"permits": 2}`, false},
		{`{"duration": "1", "permits": 2}`, false},
		{`{"duration": 0, "permits": 2}`, false},
		{`not json`, false},
		{``, false},
	}
	for _, tt := range tests {
		t.Run(tt.cfg, func(t *testing.T) {
			if _, _, ok := Limits(tt.cfg); ok != tt.ok {
				t.Errorf("ok = %v, want %v", ok, tt.ok)
			}
		})
	}
}

func TestMalformedEntryDisablesLimit(t *testing.T) {
	f := New(ratelimit.NewLocalRegistry(), nil, nil, zap.NewNop())
	rule := pathRule(rules.FlowModelSingleton, `{"permits": 1}`)
	if passed, _ := run(f, rule, "/http-server/ping", 10); passed != 10 {
		t.Errorf("passed = %d", passed)
	}
}
