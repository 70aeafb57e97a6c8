package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/registry"
	"go.uber.org/zap"
)

const (
	metaEnv        = "tollgate-env"
	metaDefinition = "tollgate-definition"
	metaInstance   = "tollgate-instance"
)

// Registry implements service registry using Consul. Each tollgate
// instance is a Consul service named after its ServiceID, tagged with the
// environment and carrying its definition and instance as metadata.
type Registry struct {
	client     *consulapi.Client
	datacenter string
	env        string
	check      config.ConsulCheckConfig

	ctx    context.Context
	cancel context.CancelFunc

	watcherMu sync.Mutex
	watchers  map[string]context.CancelFunc
}

// New creates a new Consul registry
func New(cfg config.ConsulConfig, env string) (*Registry, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	consulCfg.Scheme = cfg.Scheme
	consulCfg.Datacenter = cfg.Datacenter

	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	// Test connection
	_, err = client.Agent().Self()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Consul: %w", err)
	}

	if env == "" {
		env = registry.DefaultEnv
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		client:     client,
		datacenter: cfg.Datacenter,
		env:        env,
		check:      cfg.Check,
		ctx:        ctx,
		cancel:     cancel,
		watchers:   make(map[string]context.CancelFunc),
	}, nil
}

// Register registers a service instance with Consul
func (r *Registry) Register(ctx context.Context, def *registry.ServiceDefinition, inst *registry.ServiceInstance) error {
	if inst == nil {
		return fmt.Errorf("consul registry: instance is required")
	}
	registration, err := buildRegistration(r.env, def, inst, r.check)
	if err != nil {
		return err
	}

	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	return nil
}

// Deregister removes a service instance from Consul
func (r *Registry) Deregister(ctx context.Context, def *registry.ServiceDefinition, inst *registry.ServiceInstance) error {
	if inst == nil {
		return registry.ErrServiceNotFound
	}
	registry.Normalize(def, inst)
	if err := r.client.Agent().ServiceDeregister(serviceID(def, inst)); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	return nil
}

// SubscribeAllServices performs one synchronous catalog pass so the caller
// starts with a populated view, then follows the catalog and every service
// in the environment with blocking queries.
func (r *Registry) SubscribeAllServices(ctx context.Context, l registry.Listener) error {
	names, index, err := r.catalog(ctx, 0)
	if err != nil {
		return err
	}
	for _, name := range names {
		r.startWatch(ctx, name, l)
	}

	go r.watchCatalog(ctx, index, l)
	return nil
}

// catalog lists service names tagged with this registry's environment.
func (r *Registry) catalog(ctx context.Context, waitIndex uint64) ([]string, uint64, error) {
	q := &consulapi.QueryOptions{
		Datacenter: r.datacenter,
		WaitIndex:  waitIndex,
		WaitTime:   30 * time.Second,
	}
	services, meta, err := r.client.Catalog().Services(q.WithContext(ctx))
	if err != nil {
		return nil, waitIndex, fmt.Errorf("failed to list services: %w", err)
	}

	names := make([]string, 0, len(services))
	for name, tags := range services {
		for _, tag := range tags {
			if tag == r.env {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names, meta.LastIndex, nil
}

func (r *Registry) watchCatalog(ctx context.Context, lastIndex uint64, l registry.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		default:
		}

		names, index, err := r.catalog(ctx, lastIndex)
		if err != nil {
			logging.Warn("consul catalog query failed", zap.Error(err))
			r.sleep(ctx, 5*time.Second)
			continue
		}
		if index == lastIndex {
			continue
		}
		lastIndex = index

		for _, name := range names {
			r.startWatch(ctx, name, l)
		}
	}
}

// startWatch launches one blocking-query loop per service name.
func (r *Registry) startWatch(ctx context.Context, name string, l registry.Listener) {
	r.watcherMu.Lock()
	defer r.watcherMu.Unlock()
	if _, ok := r.watchers[name]; ok {
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	r.watchers[name] = cancel

	// First pass inline so SubscribeAllServices returns with data.
	index, known := r.refresh(watchCtx, name, 0, nil, l)
	go r.watchService(watchCtx, name, index, known, l)
}

// watchService performs blocking queries to watch for changes
func (r *Registry) watchService(ctx context.Context, name string, lastIndex uint64, known map[string]*registry.ServiceDefinition, l registry.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		default:
		}
		lastIndex, known = r.refresh(ctx, name, lastIndex, known, l)
	}
}

// refresh runs one health query and pushes every version of name. Versions
// that vanished since the previous pass are pushed with an empty set.
func (r *Registry) refresh(ctx context.Context, name string, lastIndex uint64, known map[string]*registry.ServiceDefinition, l registry.Listener) (uint64, map[string]*registry.ServiceDefinition) {
	q := &consulapi.QueryOptions{
		Datacenter: r.datacenter,
		WaitIndex:  lastIndex,
		WaitTime:   30 * time.Second,
	}
	entries, meta, err := r.client.Health().Service(name, r.env, true, q.WithContext(ctx))
	if err != nil {
		if ctx.Err() == nil {
			logging.Warn("consul health query failed", zap.String("service", name), zap.Error(err))
			r.sleep(ctx, 5*time.Second)
		}
		return lastIndex, known
	}
	if lastIndex != 0 && meta.LastIndex == lastIndex {
		return lastIndex, known
	}

	snaps := groupEntries(entries)
	next := make(map[string]*registry.ServiceDefinition, len(snaps))
	for _, s := range snaps {
		next[s.def.UniqueID] = s.def
		l.OnServiceChange(s.def, s.instances)
	}
	for id, def := range known {
		if _, ok := next[id]; !ok {
			l.OnServiceChange(def, []*registry.ServiceInstance{})
		}
	}
	return meta.LastIndex, next
}

func (r *Registry) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-r.ctx.Done():
	}
}

// Close closes the registry and cancels all watchers
func (r *Registry) Close() error {
	r.cancel()

	r.watcherMu.Lock()
	defer r.watcherMu.Unlock()

	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)

	return nil
}

func serviceID(def *registry.ServiceDefinition, inst *registry.ServiceInstance) string {
	return def.UniqueID + "@" + inst.InstanceID
}

func buildRegistration(env string, def *registry.ServiceDefinition, inst *registry.ServiceInstance, check config.ConsulCheckConfig) (*consulapi.AgentServiceRegistration, error) {
	registry.Normalize(def, inst)

	defData, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition: %w", err)
	}
	instData, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal instance: %w", err)
	}

	tags := []string{env, "version=" + def.Version}
	if inst.Gray {
		tags = append(tags, "gray")
	}

	registration := &consulapi.AgentServiceRegistration{
		ID:      serviceID(def, inst),
		Name:    def.ServiceID,
		Address: inst.IP,
		Port:    inst.Port,
		Tags:    tags,
		Meta: map[string]string{
			metaEnv:        env,
			metaDefinition: string(defData),
			metaInstance:   string(instData),
		},
	}

	if check.Interval > 0 {
		registration.Check = &consulapi.AgentServiceCheck{
			TCP:                            inst.Address(),
			Interval:                       check.Interval.String(),
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: check.DeregisterAfter.String(),
		}
	}
	return registration, nil
}

type serviceSnapshot struct {
	def       *registry.ServiceDefinition
	instances []*registry.ServiceInstance
}

// groupEntries splits health entries of one Consul service into tollgate
// services keyed by unique id. Entries without a definition are skipped.
func groupEntries(entries []*consulapi.ServiceEntry) []serviceSnapshot {
	byID := make(map[string]*serviceSnapshot)
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		var def registry.ServiceDefinition
		if err := json.Unmarshal([]byte(entry.Service.Meta[metaDefinition]), &def); err != nil || def.UniqueID == "" {
			continue
		}

		var inst registry.ServiceInstance
		if raw, ok := entry.Service.Meta[metaInstance]; ok {
			json.Unmarshal([]byte(raw), &inst)
		}
		if inst.IP == "" {
			inst.IP = entry.Service.Address
			// Use node address if service address is empty
			if inst.IP == "" && entry.Node != nil {
				inst.IP = entry.Node.Address
			}
			inst.Port = entry.Service.Port
			inst.Enable = registry.Flag(true)
		}
		registry.Normalize(&def, &inst)

		s, ok := byID[def.UniqueID]
		if !ok {
			d := def
			s = &serviceSnapshot{def: &d, instances: []*registry.ServiceInstance{}}
			byID[def.UniqueID] = s
		}
		s.instances = append(s.instances, &inst)
	}

	out := make([]serviceSnapshot, 0, len(byID))
	for _, s := range byID {
		sort.Slice(s.instances, func(a, b int) bool { return s.instances[a].InstanceID < s.instances[b].InstanceID })
		out = append(out, *s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].def.UniqueID < out[b].def.UniqueID })
	return out
}
