package loadbalance

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/gwcontext/gwcontexttest"
	"github.com/wudi/tollgate/internal/loadbalancer"
	"github.com/wudi/tollgate/internal/registry"
	"github.com/wudi/tollgate/internal/rules"
	"github.com/wudi/tollgate/internal/store"
)

const uniqueID = "backend-http-server:1.0.0"

func instance(ip string, port int, gray bool) *registry.ServiceInstance {
	return &registry.ServiceInstance{
		InstanceID: registry.InstanceID(ip, port),
		UniqueID:   uniqueID,
		IP:         ip,
		Port:       port,
		Weight:     100,
		Gray:       gray,
	}
}

func lbRule(config string) *rules.Rule {
	return &rules.Rule{
		ID:            "r1",
		ServiceID:     "backend-http-server",
		Paths:         []string{"/http-server/ping"},
		FilterConfigs: []rules.FilterConfig{{ID: rules.FilterLoadBalance, Config: rules.JSONText(config)}},
	}
}

func TestRoundRobinAcrossRequests(t *testing.T) {
	s := store.New()
	s.AddServiceInstance(uniqueID, instance("10.0.0.1", 8080, false))
	s.AddServiceInstance(uniqueID, instance("10.0.0.2", 8080, false))
	f := New(loadbalancer.NewRegistry(s, zap.NewNop()), zap.NewNop())
	rule := lbRule(`{"load_balance": "round_robin"}`)

	var hosts []string
	for i := 0; i < 3; i++ {
		ctx := gwcontexttest.NewContext(uniqueID, "/http-server/ping", rule)
		if err := f.DoFilter(ctx); err != nil {
			t.Fatal(err)
		}
		hosts = append(hosts, ctx.Request().ModifyHost())
	}
	if hosts[0] == hosts[1] || hosts[0] != hosts[2] {
		t.Errorf("hosts = %v, want A,B,A", hosts)
	}
}

func TestGrayRequestsUseGrayInstances(t *testing.T) {
	s := store.New()
	s.AddServiceInstance(uniqueID, instance("10.0.0.1", 8080, false))
	s.AddServiceInstance(uniqueID, instance("10.0.0.9", 8080, true))
	f := New(loadbalancer.NewRegistry(s, zap.NewNop()), zap.NewNop())

	for i := 0; i < 5; i++ {
		ctx := gwcontexttest.NewContext(uniqueID, "/http-server/ping", lbRule(`{"load_balance": "random"}`))
		ctx.SetGray(true)
		if err := f.DoFilter(ctx); err != nil {
			t.Fatal(err)
		}
		if got := ctx.Request().ModifyHost(); got != "10.0.0.9:8080" {
			t.Fatalf("gray request routed to %s", got)
		}
	}
}

func TestNoInstanceIsNotFound(t *testing.T) {
	f := New(loadbalancer.NewRegistry(store.New(), zap.NewNop()), zap.NewNop())
	ctx := gwcontexttest.NewContext(uniqueID, "/http-server/ping", lbRule(""))
	err := f.DoFilter(ctx)
	if !errors.Is(err, gwerrors.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if gwerrors.Classify(err).Status != 404 {
		t.Errorf("status = %d", gwerrors.Classify(err).Status)
	}
}

func TestStrategy(t *testing.T) {
	tests := []struct {
		name string
		rule *rules.Rule
		want string
	}{
		{"nil rule", nil, rules.LoadBalanceRandom},
		{"no config", &rules.Rule{ID: "r"}, rules.LoadBalanceRandom},
		{"empty config", lbRule(""), rules.LoadBalanceRandom},
		{"round robin", lbRule(`{"load_balance":"round_robin"}`), rules.LoadBalanceRoundRobin},
		{"unknown passes through", lbRule(`{"load_balance":"least_conn"}`), "least_conn"},
		{"legacy key", lbRule(`{"load_balancer":"round_robin"}`), rules.LoadBalanceRoundRobin},
		{"current key wins", lbRule(`{"load_balance":"random","load_balancer":"round_robin"}`), rules.LoadBalanceRandom},
		{"legacy filter id", &rules.Rule{ID: "r", FilterConfigs: []rules.FilterConfig{
			{ID: "load_balancer_filter", Config: `{"load_balancer":"round_robin"}`},
		}}, rules.LoadBalanceRoundRobin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Strategy(tt.rule); got != tt.want {
				t.Errorf("Strategy = %q, want %q", got, tt.want)
			}
		})
	}
}
