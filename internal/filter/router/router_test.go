package router

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/circuitbreaker"
	"github.com/wudi/tollgate/internal/config"
	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/gwcontext/gwcontexttest"
	"github.com/wudi/tollgate/internal/proxy"
	"github.com/wudi/tollgate/internal/retry"
	"github.com/wudi/tollgate/internal/rules"
)

type fakeClient struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req *http.Request, n int) proxy.Result
}

func (c *fakeClient) Execute(ctx context.Context, req *http.Request) <-chan proxy.Result {
	ch := make(chan proxy.Result, 1)
	n := int(c.calls.Add(1))
	go func() { ch <- c.fn(ctx, req, n) }()
	return ch
}

type recorder struct {
	ch    chan *gwcontext.Context
	count atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *gwcontext.Context, 16)}
}

func (r *recorder) Respond(ctx *gwcontext.Context) {
	r.count.Add(1)
	r.ch <- ctx
}

func (r *recorder) wait(t *testing.T) *gwcontext.Context {
	t.Helper()
	select {
	case ctx := <-r.ch:
		return ctx
	case <-time.After(5 * time.Second):
		t.Fatal("no response written")
		return nil
	}
}

func okResult(body string) proxy.Result {
	return proxy.Result{
		Response: &http.Response{StatusCode: 200, Status: "200 OK", Header: http.Header{"Content-Type": {"text/plain"}}},
		Body:     []byte(body),
	}
}

func testPolicy() *retry.Policy {
	return retry.NewPolicy(config.ClientConfig{
		MaxRetries:   5,
		RetryBackoff: config.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2},
	})
}

func newRouter(t *testing.T, client proxy.Client, rec Responder, mutate func(*Options)) *Filter {
	t.Helper()
	opts := Options{
		Client:    client,
		Breakers:  circuitbreaker.NewManager(config.BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute, HalfOpenRequests: 1}, nil),
		Retry:     testPolicy(),
		Responder: rec,
		Logger:    zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func pingRule(times int) *rules.Rule {
	return &rules.Rule{
		ID:          "r1",
		ServiceID:   "backend-http-server",
		Paths:       []string{"/http-server/ping"},
		RetryConfig: rules.RetryConfig{Times: times},
	}
}

func TestRouteToBackend(t *testing.T) {
	var gotUser atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser.Store(r.Header.Get(gwcontext.HeaderUserID))
		w.Write([]byte("pong"))
	}))
	defer backend.Close()

	rec := newRecorder()
	f := newRouter(t, proxy.NewHTTPClient(config.ClientConfig{RequestTimeout: 2 * time.Second}), rec, nil)

	ctx := gwcontexttest.NewContext("backend-http-server:1.0.0", "/http-server/ping", pingRule(0))
	ctx.Request().SetModifyHost(strings.TrimPrefix(backend.URL, "http://"))
	ctx.Request().SetUserID("42")

	if err := f.DoFilter(ctx); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)
	if got.Response().Status != 200 || string(got.Response().Body) != "pong" {
		t.Errorf("response = %d %q", got.Response().Status, got.Response().Body)
	}
	if !got.Released() || !got.IsWritten() {
		t.Errorf("released=%v state=%v", got.Released(), got.State())
	}
	if gotUser.Load() != "42" {
		t.Errorf("userId header = %v", gotUser.Load())
	}
}

func TestRetryExhaustsThenTimeout(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, *http.Request, int) proxy.Result {
		return proxy.Result{Err: context.DeadlineExceeded}
	}}
	rec := newRecorder()
	f := newRouter(t, client, rec, nil)

	ctx := gwcontexttest.NewContext("backend-http-server:1.0.0", "/http-server/ping", pingRule(2))
	f.DoFilter(ctx)
	got := rec.wait(t)

	if n := client.calls.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if got.Response().Status != http.StatusGatewayTimeout {
		t.Errorf("status = %d", got.Response().Status)
	}
	if !errors.Is(got.Throwable(), gwerrors.ErrTimeout) {
		t.Errorf("throwable = %v", got.Throwable())
	}
	if got.CurrentRetryTimes() != 2 {
		t.Errorf("retries = %d", got.CurrentRetryTimes())
	}
	time.Sleep(20 * time.Millisecond)
	if rec.count.Load() != 1 {
		t.Errorf("responses = %d", rec.count.Load())
	}
}

func TestRetryCappedByClientMax(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, *http.Request, int) proxy.Result {
		return proxy.Result{Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}
	}}
	rec := newRecorder()
	f := newRouter(t, client, rec, func(o *Options) {
		o.Retry = retry.NewPolicy(config.ClientConfig{MaxRetries: 1, RetryBackoff: config.BackoffConfig{InitialInterval: time.Millisecond}})
	})

	f.DoFilter(gwcontexttest.NewContext("s:1", "/http-server/ping", pingRule(100)))
	got := rec.wait(t)
	if n := client.calls.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
	if got.Response().Status != http.StatusBadGateway {
		t.Errorf("status = %d", got.Response().Status)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	client := &fakeClient{fn: func(_ context.Context, _ *http.Request, n int) proxy.Result {
		if n == 1 {
			return proxy.Result{Err: context.DeadlineExceeded}
		}
		return okResult("pong")
	}}
	rec := newRecorder()
	f := newRouter(t, client, rec, nil)

	f.DoFilter(gwcontexttest.NewContext("s:1", "/http-server/ping", pingRule(2)))
	got := rec.wait(t)
	if got.Response().Status != 200 || client.calls.Load() != 2 {
		t.Errorf("status=%d calls=%d", got.Response().Status, client.calls.Load())
	}
}

func TestNonRetryableErrorIsNotRetried(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, *http.Request, int) proxy.Result {
		return proxy.Result{Err: errors.New("malformed response")}
	}}
	rec := newRecorder()
	f := newRouter(t, client, rec, nil)

	f.DoFilter(gwcontexttest.NewContext("s:1", "/http-server/ping", pingRule(3)))
	got := rec.wait(t)
	if client.calls.Load() != 1 || got.Response().Status != 500 {
		t.Errorf("calls=%d status=%d", client.calls.Load(), got.Response().Status)
	}
}

func breakerRule(timeoutMs int, fallback string) *rules.Rule {
	r := pingRule(2)
	r.BreakerConfigs = []rules.BreakerConfig{{
		Path:                  "/http-server/ping",
		TimeoutInMilliseconds: timeoutMs,
		ThreadCoreSize:        2,
		FallbackResponse:      fallback,
	}}
	return r
}

func TestBreakerTimeoutFallsBack(t *testing.T) {
	client := &fakeClient{fn: func(ctx context.Context, _ *http.Request, _ int) proxy.Result {
		<-ctx.Done()
		return proxy.Result{Err: ctx.Err()}
	}}
	rec := newRecorder()
	f := newRouter(t, client, rec, nil)

	f.DoFilter(gwcontexttest.NewContext("s:1", "/http-server/ping", breakerRule(20, `{"msg":"busy"}`)))
	got := rec.wait(t)

	if client.calls.Load() != 1 {
		t.Errorf("retried under a breaker: %d calls", client.calls.Load())
	}
	if got.Response().Status != 200 || string(got.Response().Body) != `{"msg":"busy"}` {
		t.Errorf("fallback = %d %s", got.Response().Status, got.Response().Body)
	}
	if !errors.Is(got.Throwable(), gwerrors.ErrTimeout) {
		t.Errorf("throwable = %v", got.Throwable())
	}
}

func TestOpenBreakerSkipsBackend(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, *http.Request, int) proxy.Result {
		return proxy.Result{Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}
	}}
	rec := newRecorder()
	f := newRouter(t, client, rec, nil)
	rule := breakerRule(100, "")

	f.DoFilter(gwcontexttest.NewContext("s:1", "/http-server/ping", rule))
	first := rec.wait(t)
	if first.Response().Status != http.StatusBadGateway {
		t.Errorf("first status = %d", first.Response().Status)
	}

	f.DoFilter(gwcontexttest.NewContext("s:1", "/http-server/ping", rule))
	second := rec.wait(t)
	if client.calls.Load() != 1 {
		t.Errorf("open breaker called backend: %d calls", client.calls.Load())
	}
	if second.Response().Status != http.StatusServiceUnavailable || !errors.Is(second.Throwable(), gwerrors.ErrCircuitOpen) {
		t.Errorf("second = %d %v", second.Response().Status, second.Throwable())
	}
}

func TestDoubleAsyncCompletion(t *testing.T) {
	var ran atomic.Int32
	completion := ExecutorFunc(func(task func()) bool {
		ran.Add(1)
		go task()
		return true
	})
	client := &fakeClient{fn: func(context.Context, *http.Request, int) proxy.Result { return okResult("pong") }}
	rec := newRecorder()
	f := newRouter(t, client, rec, func(o *Options) {
		o.AsyncMode = config.AsyncDouble
		o.Completion = completion
	})

	f.DoFilter(gwcontexttest.NewContext("s:1", "/http-server/ping", pingRule(0)))
	rec.wait(t)
	if ran.Load() != 1 {
		t.Errorf("completion executor ran %d tasks", ran.Load())
	}
}

func TestRefusedRetryStillResponds(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, *http.Request, int) proxy.Result {
		return proxy.Result{Err: context.DeadlineExceeded}
	}}
	rec := newRecorder()
	f := newRouter(t, client, rec, func(o *Options) {
		o.Dispatch = ExecutorFunc(func(func()) bool { return false })
	})

	f.DoFilter(gwcontexttest.NewContext("s:1", "/http-server/ping", pingRule(2)))
	got := rec.wait(t)
	if !errors.Is(got.Throwable(), gwerrors.ErrQueueClosed) {
		t.Errorf("throwable = %v", got.Throwable())
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("empty options accepted")
	}
	_, err := New(Options{Client: &fakeClient{}, Responder: newRecorder(), Retry: testPolicy(), AsyncMode: config.AsyncDouble})
	if err == nil {
		t.Error("double async without completion executor accepted")
	}
}
