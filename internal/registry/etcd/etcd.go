package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/registry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	leaseTTL = 30 // seconds

	kindDefinition = "definition"
	kindInstances  = "instances"
)

// Registry implements service registry using etcd. Keys live under
// /tollgate/<env>/services/<uniqueId>/{definition,instances/<instanceId>}.
type Registry struct {
	client *clientv3.Client
	prefix string

	ctx    context.Context
	cancel context.CancelFunc

	leasesMu sync.Mutex
	leases   map[string]clientv3.LeaseID
}

// New creates a new etcd registry
func New(cfg config.EtcdConfig, env string) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd registry: no endpoints configured")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}

	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	_, err = client.Status(ctx, cfg.Endpoints[0])
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return NewWithClient(client, env), nil
}

// NewWithClient wraps an already connected client.
func NewWithClient(client *clientv3.Client, env string) *Registry {
	if env == "" {
		env = registry.DefaultEnv
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		client: client,
		prefix: servicesPrefix(env),
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}
}

// Register stores the definition and a leased instance key.
func (r *Registry) Register(ctx context.Context, def *registry.ServiceDefinition, inst *registry.ServiceInstance) error {
	registry.Normalize(def, inst)

	defData, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	if _, err := r.client.Put(ctx, r.definitionKey(def.UniqueID), string(defData)); err != nil {
		return fmt.Errorf("failed to register definition: %w", err)
	}
	if inst == nil {
		return nil
	}

	lease, err := r.client.Grant(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	key := r.instanceKey(def.UniqueID, inst.InstanceID)
	if _, err := r.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}

	r.leasesMu.Lock()
	r.leases[key] = lease.ID
	r.leasesMu.Unlock()

	// Keepalive outlives the caller's context; it ends with the registry.
	go r.keepAlive(lease.ID)
	return nil
}

// keepAlive maintains the lease
func (r *Registry) keepAlive(leaseID clientv3.LeaseID) {
	keepAliveCh, err := r.client.KeepAlive(r.ctx, leaseID)
	if err != nil {
		logging.Warn("etcd lease keepalive failed", zap.Int64("lease", int64(leaseID)), zap.Error(err))
		return
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case resp, ok := <-keepAliveCh:
			if !ok || resp == nil {
				return
			}
		}
	}
}

// Deregister deletes the instance key and revokes its lease.
func (r *Registry) Deregister(ctx context.Context, def *registry.ServiceDefinition, inst *registry.ServiceInstance) error {
	registry.Normalize(def, inst)
	if inst == nil {
		return registry.ErrServiceNotFound
	}

	key := r.instanceKey(def.UniqueID, inst.InstanceID)
	resp, err := r.client.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to deregister instance: %w", err)
	}

	r.leasesMu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.leasesMu.Unlock()
	if ok {
		r.client.Revoke(ctx, leaseID)
	}

	if resp.Deleted == 0 {
		return registry.ErrServiceNotFound
	}
	return nil
}

// SubscribeAllServices pushes the current state of every service, then
// watches the services prefix and re-pushes each service that changes.
func (r *Registry) SubscribeAllServices(ctx context.Context, l registry.Listener) error {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	kvs := make([]keyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, keyValue{key: string(kv.Key), value: kv.Value})
	}
	for _, snap := range r.group(kvs) {
		l.OnServiceChange(snap.def, snap.instances)
	}

	watchCh := r.client.Watch(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go r.watch(ctx, watchCh, l)
	return nil
}

func (r *Registry) watch(ctx context.Context, watchCh clientv3.WatchChan, l registry.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			if err := resp.Err(); err != nil {
				logging.Warn("etcd registry watch error", zap.Error(err))
				continue
			}

			changed := make(map[string]struct{})
			for _, ev := range resp.Events {
				uniqueID, _, _ := r.parseKey(string(ev.Kv.Key))
				if uniqueID != "" {
					changed[uniqueID] = struct{}{}
				}
			}
			for uniqueID := range changed {
				def, insts, err := r.fetchService(ctx, uniqueID)
				if err != nil {
					logging.Warn("etcd registry refresh failed", zap.String("unique_id", uniqueID), zap.Error(err))
					continue
				}
				if def == nil {
					continue
				}
				l.OnServiceChange(def, insts)
			}
		}
	}
}

// fetchService reads one service's definition and instance set.
func (r *Registry) fetchService(ctx context.Context, uniqueID string) (*registry.ServiceDefinition, []*registry.ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.prefix+uniqueID+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, nil, err
	}
	kvs := make([]keyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, keyValue{key: string(kv.Key), value: kv.Value})
	}
	snaps := r.group(kvs)
	if len(snaps) == 0 {
		return nil, nil, nil
	}
	return snaps[0].def, snaps[0].instances, nil
}

// Close closes the registry
func (r *Registry) Close() error {
	r.cancel()
	return r.client.Close()
}

type keyValue struct {
	key   string
	value []byte
}

type serviceSnapshot struct {
	def       *registry.ServiceDefinition
	instances []*registry.ServiceInstance
}

// group folds raw keys into per-service snapshots. Services without a
// definition key are dropped; undecodable values are skipped.
func (r *Registry) group(kvs []keyValue) []serviceSnapshot {
	byID := make(map[string]*serviceSnapshot)
	get := func(id string) *serviceSnapshot {
		s, ok := byID[id]
		if !ok {
			s = &serviceSnapshot{instances: []*registry.ServiceInstance{}}
			byID[id] = s
		}
		return s
	}

	for _, kv := range kvs {
		uniqueID, kind, _ := r.parseKey(kv.key)
		switch kind {
		case kindDefinition:
			var def registry.ServiceDefinition
			if err := json.Unmarshal(kv.value, &def); err != nil {
				continue
			}
			get(uniqueID).def = &def
		case kindInstances:
			var inst registry.ServiceInstance
			if err := json.Unmarshal(kv.value, &inst); err != nil {
				continue
			}
			s := get(uniqueID)
			s.instances = append(s.instances, &inst)
		}
	}

	out := make([]serviceSnapshot, 0, len(byID))
	for _, s := range byID {
		if s.def == nil {
			continue
		}
		sort.Slice(s.instances, func(a, b int) bool { return s.instances[a].InstanceID < s.instances[b].InstanceID })
		out = append(out, *s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].def.UniqueID < out[b].def.UniqueID })
	return out
}

func servicesPrefix(env string) string {
	return "/tollgate/" + env + "/services/"
}

func (r *Registry) definitionKey(uniqueID string) string {
	return r.prefix + uniqueID + "/" + kindDefinition
}

func (r *Registry) instanceKey(uniqueID, instanceID string) string {
	return r.prefix + uniqueID + "/" + kindInstances + "/" + instanceID
}

// parseKey splits a key into unique id, kind and instance id.
func (r *Registry) parseKey(key string) (uniqueID, kind, instanceID string) {
	if !strings.HasPrefix(key, r.prefix) {
		return "", "", ""
	}
	parts := strings.SplitN(strings.TrimPrefix(key, r.prefix), "/", 3)
	switch {
	case len(parts) == 2 && parts[1] == kindDefinition:
		return parts[0], kindDefinition, ""
	case len(parts) == 3 && parts[1] == kindInstances:
		return parts[0], kindInstances, parts[2]
	case len(parts) >= 1:
		return parts[0], "", ""
	}
	return "", "", ""
}
