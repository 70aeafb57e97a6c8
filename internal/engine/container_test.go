package engine

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/registry"
	"github.com/wudi/tollgate/internal/registry/memory"
	"github.com/wudi/tollgate/internal/rules"
)

const pingPath = "/http-server/ping"

type countingStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *countingStore) IncrementAndCheck(_ context.Context, key string, limit, _ int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	if s.counts[key] >= limit {
		return false, nil
	}
	s.counts[key]++
	return true, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Queue.BufferSize = 1024
	cfg.Admin.Enabled = false
	cfg.Logging.Access.Enabled = false
	cfg.Client.RetryBackoff.InitialInterval = time.Millisecond
	return cfg
}

func backendDef() registry.ServiceDefinition {
	return registry.ServiceDefinition{
		ServiceID:   "backend-http-server",
		Version:     "1.0.0",
		Protocol:    "http",
		PatternPath: "/http-server/**",
	}
}

func instanceOf(t *testing.T, srv *httptest.Server) *registry.ServiceInstance {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return &registry.ServiceInstance{IP: host, Port: port, Weight: 100}
}

func pingRule(mutate func(r *rules.Rule)) *rules.Rule {
	r := &rules.Rule{
		ID:        "1",
		Name:      "ping",
		Protocol:  "http",
		ServiceID: "backend-http-server",
		Paths:     []string{pingPath},
		FilterConfigs: []rules.FilterConfig{
			{ID: rules.FilterLoadBalance, Config: `{"load_balance":"round_robin"}`},
		},
	}
	if mutate != nil {
		mutate(r)
	}
	return r
}

func startContainer(t *testing.T, cfg *config.Config, deps Deps) *Container {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.RateStore == nil {
		deps.RateStore = &countingStore{}
	}
	c, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

func gatewayURL(t *testing.T, c *Container, path string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(c.Addr())
	if err != nil {
		t.Fatal(err)
	}
	return "http://127.0.0.1:" + port + path
}

func call(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func waitReleased(t *testing.T, c *Container) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Outstanding() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("outstanding request buffers = %d", c.Outstanding())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func namedBackend(name string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, name)
	}))
}

func TestRoundRobinAcrossInstances(t *testing.T) {
	a, b := namedBackend("A"), namedBackend("B")
	defer a.Close()
	defer b.Close()

	instA, instB := instanceOf(t, a), instanceOf(t, b)
	cfg := testConfig()
	cfg.Services = []config.ServiceBootstrap{{Definition: backendDef(), Instances: []*registry.ServiceInstance{instA, instB}}}
	cfg.Rules = []*rules.Rule{pingRule(nil)}
	c := startContainer(t, cfg, Deps{})

	// instances are ordered by instance id
	first, second := "A", "B"
	if registry.InstanceID(instB.IP, instB.Port) < registry.InstanceID(instA.IP, instA.Port) {
		first, second = "B", "A"
	}
	want := []string{first, second, first}
	for i, w := range want {
		status, body := call(t, gatewayURL(t, c, pingPath))
		if status != http.StatusOK || body != w {
			t.Errorf("request %d = %d %q, want 200 %q", i, status, body, w)
		}
	}
	waitReleased(t, c)
}

func TestDistributedFlowControl(t *testing.T) {
	backend := namedBackend("pong")
	defer backend.Close()

	cfg := testConfig()
	cfg.Services = []config.ServiceBootstrap{{Definition: backendDef(), Instances: []*registry.ServiceInstance{instanceOf(t, backend)}}}
	cfg.Rules = []*rules.Rule{pingRule(func(r *rules.Rule) {
		r.FilterConfigs = append(r.FilterConfigs, rules.FilterConfig{ID: rules.FilterFlowCtl})
		r.FlowCtlConfigs = []rules.FlowCtlConfig{{
			Type:   rules.FlowTypePath,
			Value:  pingPath,
			Model:  rules.FlowModelDistributed,
			Config: `{"duration":60,"permits":2}`,
		}}
	})}
	store := &countingStore{}
	c := startContainer(t, cfg, Deps{RateStore: store})

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		if status, _ := call(t, gatewayURL(t, c, pingPath)); status != want {
			t.Errorf("request %d status = %d, want %d", i, status, want)
		}
	}
	if got := store.counts["backend-http-server."+pingPath]; got != 2 {
		t.Errorf("counter = %d, want 2", got)
	}
	waitReleased(t, c)
}

func TestRetriesThenTimeout(t *testing.T) {
	var hits atomic.Int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	cfg := testConfig()
	cfg.Client.RequestTimeout = 50 * time.Millisecond
	cfg.Services = []config.ServiceBootstrap{{Definition: backendDef(), Instances: []*registry.ServiceInstance{instanceOf(t, slow)}}}
	cfg.Rules = []*rules.Rule{pingRule(func(r *rules.Rule) { r.RetryConfig.Times = 2 })}
	c := startContainer(t, cfg, Deps{})

	status, _ := call(t, gatewayURL(t, c, pingPath))
	if status != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", status)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("backend hits = %d, want 3", n)
	}
	waitReleased(t, c)
}

func TestRuleTimeoutBoundsAttempt(t *testing.T) {
	var hits atomic.Int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	cfg := testConfig()
	cfg.Services = []config.ServiceBootstrap{{Definition: backendDef(), Instances: []*registry.ServiceInstance{instanceOf(t, slow)}}}
	cfg.Rules = []*rules.Rule{pingRule(func(r *rules.Rule) { r.TimeoutInMilliseconds = 50 })}
	c := startContainer(t, cfg, Deps{})

	start := time.Now()
	status, _ := call(t, gatewayURL(t, c, pingPath))
	if status != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("rule timeout not applied, request took %v", elapsed)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("backend hits = %d, want 1", n)
	}
	waitReleased(t, c)
}

func TestLookupFailures(t *testing.T) {
	backend := namedBackend("pong")
	defer backend.Close()

	cfg := testConfig()
	cfg.Services = []config.ServiceBootstrap{{Definition: backendDef(), Instances: []*registry.ServiceInstance{instanceOf(t, backend)}}}
	cfg.Rules = []*rules.Rule{pingRule(nil)}
	c := startContainer(t, cfg, Deps{})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown service", "/unknown/ping", http.StatusNotFound},
		{"no rule for path", "/http-server/other", http.StatusNotFound},
		{"matched", pingPath, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, _ := call(t, gatewayURL(t, c, tt.path)); status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
		})
	}
	waitReleased(t, c)
}

func TestRegistryPushReachesRouting(t *testing.T) {
	backend := namedBackend("pong")
	defer backend.Close()

	reg := memory.New(registry.DefaultEnv)
	cfg := testConfig()
	cfg.Queue.BufferType = config.BufferDirect
	cfg.Client.AsyncMode = config.AsyncDouble
	cfg.Rules = []*rules.Rule{pingRule(nil)}
	c := startContainer(t, cfg, Deps{Registry: reg})

	if status, _ := call(t, gatewayURL(t, c, pingPath)); status != http.StatusNotFound {
		t.Fatalf("before registration status = %d, want 404", status)
	}

	def := backendDef()
	inst := instanceOf(t, backend)
	if err := reg.Register(context.Background(), &def, inst); err != nil {
		t.Fatal(err)
	}
	if status, body := call(t, gatewayURL(t, c, pingPath)); status != http.StatusOK || body != "pong" {
		t.Errorf("after registration = %d %q", status, body)
	}

	if err := reg.Deregister(context.Background(), &def, inst); err != nil {
		t.Fatal(err)
	}
	if status, _ := call(t, gatewayURL(t, c, pingPath)); status != http.StatusNotFound {
		t.Errorf("after deregistration status = %d, want 404", status)
	}
	waitReleased(t, c)
}

func TestSelfRegistration(t *testing.T) {
	reg := memory.New(registry.DefaultEnv)
	cfg := testConfig()
	cfg.Self.Register = true
	cfg.Self.AdvertiseIP = "127.0.0.1"
	c := startContainer(t, cfg, Deps{Registry: reg})

	services := reg.Services()
	if len(services) != 1 || services[0].Definition.ServiceID != cfg.Self.ApplicationName {
		t.Fatalf("registry = %+v", services)
	}
	if _, ok := c.Store().ServiceDefinition(services[0].Definition.UniqueID); !ok {
		t.Error("own registration should reach the store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(reg.Services()[0].Instances); n != 0 {
		t.Errorf("instances after shutdown = %d, want 0", n)
	}
}
