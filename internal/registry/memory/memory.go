package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/wudi/tollgate/internal/registry"
)

type entry struct {
	def       *registry.ServiceDefinition
	instances map[string]*registry.ServiceInstance
}

// Registry implements an in-process service registry. It backs tests,
// single-node deployments and the registration API served on the admin port.
type Registry struct {
	env       string
	services  map[string]*entry
	listeners map[string]registry.Listener
	mu        sync.RWMutex
}

// New creates a new in-memory registry
func New(env string) *Registry {
	if env == "" {
		env = registry.DefaultEnv
	}
	return &Registry{
		env:       env,
		services:  make(map[string]*entry),
		listeners: make(map[string]registry.Listener),
	}
}

// Env returns the namespace this registry serves.
func (r *Registry) Env() string {
	return r.env
}

// Register registers a service instance
func (r *Registry) Register(ctx context.Context, def *registry.ServiceDefinition, inst *registry.ServiceInstance) error {
	registry.Normalize(def, inst)

	r.mu.Lock()
	e, ok := r.services[def.UniqueID]
	if !ok {
		e = &entry{instances: make(map[string]*registry.ServiceInstance)}
		r.services[def.UniqueID] = e
	}
	d := *def
	e.def = &d
	if inst != nil {
		i := *inst
		e.instances[inst.InstanceID] = &i
	}
	def2, insts := snapshot(e)
	listeners := r.listenersLocked()
	r.mu.Unlock()

	notify(listeners, def2, insts)
	return nil
}

// Deregister removes a service instance
func (r *Registry) Deregister(ctx context.Context, def *registry.ServiceDefinition, inst *registry.ServiceInstance) error {
	registry.Normalize(def, inst)

	r.mu.Lock()
	e, ok := r.services[def.UniqueID]
	if !ok || inst == nil {
		r.mu.Unlock()
		return registry.ErrServiceNotFound
	}
	if _, ok := e.instances[inst.InstanceID]; !ok {
		r.mu.Unlock()
		return registry.ErrServiceNotFound
	}
	delete(e.instances, inst.InstanceID)
	def2, insts := snapshot(e)
	listeners := r.listenersLocked()
	r.mu.Unlock()

	notify(listeners, def2, insts)
	return nil
}

// SubscribeAllServices delivers the current state of every service and
// then each subsequent change until ctx is done.
func (r *Registry) SubscribeAllServices(ctx context.Context, l registry.Listener) error {
	id := uuid.NewString()

	r.mu.Lock()
	r.listeners[id] = l
	current := make([]*entry, 0, len(r.services))
	for _, e := range r.services {
		current = append(current, e)
	}
	type snap struct {
		def   *registry.ServiceDefinition
		insts []*registry.ServiceInstance
	}
	snaps := make([]snap, 0, len(current))
	for _, e := range current {
		d, i := snapshot(e)
		snaps = append(snaps, snap{d, i})
	}
	r.mu.Unlock()

	for _, s := range snaps {
		l.OnServiceChange(s.def, s.insts)
	}

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}()
	return nil
}

// Services returns a snapshot of every service and its instances.
func (r *Registry) Services() []ServiceView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServiceView, 0, len(r.services))
	for _, e := range r.services {
		d, i := snapshot(e)
		out = append(out, ServiceView{Definition: d, Instances: i})
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].Definition.UniqueID < out[b].Definition.UniqueID
	})
	return out
}

// Close closes the registry
func (r *Registry) Close() error {
	r.mu.Lock()
	r.listeners = make(map[string]registry.Listener)
	r.mu.Unlock()
	return nil
}

func (r *Registry) listenersLocked() []registry.Listener {
	out := make([]registry.Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

// snapshot copies an entry so listeners never share the registry's maps.
func snapshot(e *entry) (*registry.ServiceDefinition, []*registry.ServiceInstance) {
	d := *e.def
	insts := make([]*registry.ServiceInstance, 0, len(e.instances))
	for _, inst := range e.instances {
		i := *inst
		insts = append(insts, &i)
	}
	sort.Slice(insts, func(a, b int) bool { return insts[a].InstanceID < insts[b].InstanceID })
	return &d, insts
}

func notify(listeners []registry.Listener, def *registry.ServiceDefinition, insts []*registry.ServiceInstance) {
	for _, l := range listeners {
		l.OnServiceChange(def, insts)
	}
}

// ServiceView is the JSON shape of one service in the registration API.
type ServiceView struct {
	Definition *registry.ServiceDefinition `json:"definition"`
	Instances  []*registry.ServiceInstance `json:"instances"`
}

type registration struct {
	Definition *registry.ServiceDefinition `json:"definition"`
	Instance   *registry.ServiceInstance   `json:"instance"`
}

// Handler returns the registration REST API:
//
//	GET    /registry/services
//	POST   /registry/services
//	DELETE /registry/services/:uniqueId/instances/:instanceId
func (r *Registry) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/registry/services", r.handleList)
	router.POST("/registry/services", r.handleRegister)
	router.DELETE("/registry/services/:uniqueId/instances/:instanceId", r.handleDeregister)
	return router
}

func (r *Registry) handleList(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(r.Services())
}

func (r *Registry) handleRegister(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")

	var reg registration
	if err := json.NewDecoder(req.Body).Decode(&reg); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if reg.Definition == nil || reg.Definition.ServiceID == "" {
		http.Error(w, `{"error":"definition.serviceId is required"}`, http.StatusBadRequest)
		return
	}
	if reg.Instance == nil || reg.Instance.IP == "" || reg.Instance.Port == 0 {
		http.Error(w, `{"error":"instance ip and port are required"}`, http.StatusBadRequest)
		return
	}

	if err := r.Register(req.Context(), reg.Definition, reg.Instance); err != nil {
		http.Error(w, `{"error":"register failed"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(reg)
}

func (r *Registry) handleDeregister(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	def := &registry.ServiceDefinition{UniqueID: ps.ByName("uniqueId")}
	inst := &registry.ServiceInstance{InstanceID: ps.ByName("instanceId"), UniqueID: def.UniqueID}

	if err := r.Deregister(req.Context(), def, inst); err != nil {
		if err == registry.ErrServiceNotFound {
			http.Error(w, `{"error":"service not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error":"deregister failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
