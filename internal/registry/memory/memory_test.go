package memory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/wudi/tollgate/internal/registry"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string][]*registry.ServiceInstance
	n     int
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string][]*registry.ServiceInstance)}
}

func (r *recorder) OnServiceChange(def *registry.ServiceDefinition, insts []*registry.ServiceInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[def.UniqueID] = insts
	r.n++
}

func (r *recorder) instances(id string) []*registry.ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func testDef() *registry.ServiceDefinition {
	return &registry.ServiceDefinition{ServiceID: "user-service", Version: "1.0.0", Protocol: "http", PatternPath: "/user/**"}
}

func TestMemoryRegistryRegister(t *testing.T) {
	r := New("")
	ctx := context.Background()
	rec := newRecorder()

	if err := r.SubscribeAllServices(ctx, rec); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := r.Register(ctx, testDef(), &registry.ServiceInstance{IP: "127.0.0.1", Port: 8081}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(ctx, testDef(), &registry.ServiceInstance{IP: "127.0.0.1", Port: 8082}); err != nil {
		t.Fatalf("register: %v", err)
	}

	insts := rec.instances("user-service:1.0.0")
	if len(insts) != 2 {
		t.Fatalf("expected 2 instances pushed, got %d", len(insts))
	}
	if insts[0].InstanceID != "127.0.0.1:8081" || insts[1].InstanceID != "127.0.0.1:8082" {
		t.Errorf("unexpected instance order: %s, %s", insts[0].InstanceID, insts[1].InstanceID)
	}
	if r.Env() != registry.DefaultEnv {
		t.Errorf("Env() = %q", r.Env())
	}
}

func TestMemoryRegistryDeregister(t *testing.T) {
	r := New("test")
	ctx := context.Background()
	inst := &registry.ServiceInstance{IP: "127.0.0.1", Port: 8081}
	r.Register(ctx, testDef(), inst)

	rec := newRecorder()
	r.SubscribeAllServices(ctx, rec)
	if got := len(rec.instances("user-service:1.0.0")); got != 1 {
		t.Fatalf("initial snapshot should carry 1 instance, got %d", got)
	}

	if err := r.Deregister(ctx, testDef(), inst); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if got := len(rec.instances("user-service:1.0.0")); got != 0 {
		t.Errorf("expected empty instance set after deregister, got %d", got)
	}

	if err := r.Deregister(ctx, testDef(), inst); err != registry.ErrServiceNotFound {
		t.Errorf("second deregister err = %v, want ErrServiceNotFound", err)
	}
}

func TestMemoryRegistryUnsubscribe(t *testing.T) {
	r := New("test")
	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	r.SubscribeAllServices(ctx, rec)
	cancel()

	// the removal goroutine races with Register; Close clears listeners deterministically
	r.Close()
	r.Register(context.Background(), testDef(), &registry.ServiceInstance{IP: "127.0.0.1", Port: 1})
	if rec.n != 0 {
		t.Errorf("closed registry should not notify, got %d calls", rec.n)
	}
}

func TestMemoryRegistryAPI(t *testing.T) {
	r := New("test")
	h := r.Handler()

	body := `{"definition":{"serviceId":"order","version":"v1","patternPath":"/order/**"},"instance":{"ip":"10.0.0.1","port":9000}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/registry/services", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/registry/services", nil))
	if !strings.Contains(rec.Body.String(), `"uniqueId":"order:v1"`) {
		t.Errorf("GET body missing service: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/registry/services/order:v1/instances/10.0.0.1:9000", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("DELETE status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/registry/services", strings.NewReader(`{"definition":{}}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid POST status = %d", rec.Code)
	}
}
