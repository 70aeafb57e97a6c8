package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/tollgate/internal/admin"
	"github.com/wudi/tollgate/internal/circuitbreaker"
	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/configcenter"
	etcdcenter "github.com/wudi/tollgate/internal/configcenter/etcd"
	"github.com/wudi/tollgate/internal/configcenter/file"
	"github.com/wudi/tollgate/internal/filter"
	"github.com/wudi/tollgate/internal/filter/auth"
	"github.com/wudi/tollgate/internal/filter/flowctl"
	"github.com/wudi/tollgate/internal/filter/gray"
	"github.com/wudi/tollgate/internal/filter/loadbalance"
	"github.com/wudi/tollgate/internal/filter/monitor"
	"github.com/wudi/tollgate/internal/filter/router"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/listener"
	"github.com/wudi/tollgate/internal/loadbalancer"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/metrics"
	"github.com/wudi/tollgate/internal/proxy"
	"github.com/wudi/tollgate/internal/queue"
	"github.com/wudi/tollgate/internal/ratelimit"
	"github.com/wudi/tollgate/internal/registry"
	"github.com/wudi/tollgate/internal/registry/consul"
	etcdregistry "github.com/wudi/tollgate/internal/registry/etcd"
	"github.com/wudi/tollgate/internal/registry/memory"
	"github.com/wudi/tollgate/internal/retry"
	"github.com/wudi/tollgate/internal/rules"
	"github.com/wudi/tollgate/internal/store"
	"github.com/wudi/tollgate/internal/tracing"
)

// Deps overrides collaborators the container would otherwise build from
// configuration. Zero fields are built.
type Deps struct {
	Registry     registry.Registry
	ConfigCenter configcenter.ConfigCenter
	Client       proxy.Client
	RateStore    ratelimit.Store
	Tracer       *tracing.Tracer
	Logger       *zap.Logger
}

// Container owns every component of a gateway process and their
// start and stop order.
type Container struct {
	cfg    *config.Config
	logger *zap.Logger

	store      *store.Store
	collector  *metrics.Collector
	tracer     *tracing.Tracer
	access     *logging.AccessLogger
	accessSink io.Closer
	breakers   *circuitbreaker.Manager
	balancers  *loadbalancer.Registry
	client     proxy.Client
	redis      *ratelimit.RedisStore
	registry   registry.Registry
	center     configcenter.ConfigCenter

	pool       *gwcontext.BufferPool
	writer     *Writer
	processor  *Processor
	ingress    *QueuedProcessor
	completion *TaskQueue
	listeners  *listener.Manager
	http       *listener.HTTPListener
	admin      *admin.Server

	cancel   context.CancelFunc
	self     *registry.ServiceDefinition
	selfInst *registry.ServiceInstance
	stopOnce sync.Once
}

// New builds a container from cfg. Nothing is started.
func New(cfg *config.Config, deps Deps) (*Container, error) {
	c := &Container{cfg: cfg, logger: deps.Logger}
	if c.logger == nil {
		c.logger = logging.Global()
	}

	c.store = store.New()
	c.collector = metrics.NewCollector()
	c.pool = gwcontext.NewBufferPool()

	c.tracer = deps.Tracer
	if c.tracer == nil {
		t, err := tracing.New(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer: %w", err)
		}
		c.tracer = t
	}

	if cfg.Logging.Access.Enabled {
		access, sink, err := logging.NewAccessLogger(cfg.Logging.AccessLogger())
		if err != nil {
			return nil, fmt.Errorf("failed to create access logger: %w", err)
		}
		c.access, c.accessSink = access, sink
	}

	c.breakers = circuitbreaker.NewManager(cfg.Breaker, func(name string, from, to gobreaker.State) {
		c.collector.SetCircuitBreakerState(name, int(to))
		c.logger.Info("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})
	c.balancers = loadbalancer.NewRegistry(c.store, c.logger)

	c.client = deps.Client
	if c.client == nil {
		c.client = proxy.NewHTTPClient(cfg.Client)
	}

	rateStore := deps.RateStore
	if rateStore == nil {
		c.redis = ratelimit.NewRedisStore(cfg.Redis, cfg.FlowControl.StoreTimeout)
		rateStore = c.redis
	}
	failure, err := ratelimit.ParseFailurePolicy(cfg.FlowControl.FailurePolicy)
	if err != nil {
		return nil, err
	}
	distributed := ratelimit.NewDistributed(rateStore, failure, c.logger)

	c.registry = deps.Registry
	if c.registry == nil {
		if c.registry, err = NewRegistry(cfg); err != nil {
			return nil, err
		}
	}
	c.center = deps.ConfigCenter
	if c.center == nil {
		if c.center, err = newConfigCenter(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Client.AsyncMode == config.AsyncDouble {
		c.completion, err = NewTaskQueue("tollgate-completion", cfg.Client.CompletionBufferSize, cfg.Client.CompletionThreads, c.logger)
		if err != nil {
			return nil, err
		}
	}

	filters, err := c.filters(distributed)
	if err != nil {
		return nil, err
	}
	c.writer = NewWriter(c.access, c.logger)
	c.processor = NewProcessor(c.store, filter.NewChainFactory(filters, c.logger), c.writer, cfg.Server.KeepAlive, c.logger)
	c.ingress, err = NewQueuedProcessor(c.processor, cfg.Queue, c.logger)
	if err != nil {
		return nil, err
	}
	c.collector.RegisterGaugeFunc("ingress_queue_depth", "Events buffered in the ingress queue.", func() float64 {
		return float64(c.ingress.Len())
	})

	c.listeners = listener.NewManager(c.logger)
	c.http, err = listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:      "http",
		Address: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: listener.NewHandler(c.submit, listener.HandlerOptions{
			Pool:             c.pool,
			MaxContentLength: cfg.Server.MaxContentLength,
			KeepAlive:        cfg.Server.KeepAlive,
			Logger:           c.logger,
		}),
		KeepAlive:      cfg.Server.KeepAlive,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	})
	if err != nil {
		return nil, err
	}
	if err := c.listeners.Add(c.http); err != nil {
		return nil, err
	}

	if cfg.Admin.Enabled {
		c.admin = admin.New(c.adminOptions())
	}
	return c, nil
}

// filters registers every filter the chain factory can resolve. The router
// is built lazily because it dispatches retries through the ingress stage.
func (c *Container) filters(distributed *ratelimit.Distributed) (*filter.Registry, error) {
	reg := filter.NewRegistry()

	var authFilter filter.Filter = auth.Reject{}
	if c.cfg.Auth.Secret != "" {
		f, err := auth.New(c.cfg.Auth)
		if err != nil {
			return nil, err
		}
		authFilter = f
	} else {
		c.logger.Warn("auth secret not configured, rules requiring user auth will reject")
	}

	for _, f := range []filter.Filter{
		gray.New(),
		monitor.NewStart(c.collector, c.tracer),
		monitor.NewEnd(c.collector),
		authFilter,
		flowctl.New(ratelimit.NewLocalRegistry(), distributed, c.collector, c.logger),
		loadbalance.New(c.balancers, c.logger),
	} {
		if err := reg.RegisterFilter(f); err != nil {
			return nil, err
		}
	}

	err := reg.Register(rules.FilterRouter, func() (filter.Filter, error) {
		opts := router.Options{
			Client:    c.client,
			Breakers:  c.breakers,
			Retry:     retry.NewPolicy(c.cfg.Client),
			Responder: c.writer,
			Dispatch:  c.ingress,
			AsyncMode: c.cfg.Client.AsyncMode,
			Collector: c.collector,
			Tracer:    c.tracer,
			Logger:    c.logger,
		}
		if c.completion != nil {
			opts.Completion = c.completion
		}
		return router.New(opts)
	})
	return reg, err
}

func (c *Container) submit(in *gwcontext.Inbound, conn listener.Conn) {
	c.ingress.Process(Event{Request: in, Conn: conn})
}

// Start applies bootstrap data, starts the workers, waits for the first
// registry and config center snapshots, then opens the listeners and
// registers the gateway itself.
func (c *Container) Start(ctx context.Context) error {
	c.bootstrap()

	if c.completion != nil {
		if err := c.completion.Start(); err != nil {
			return err
		}
	}
	if err := c.ingress.Start(); err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	var g errgroup.Group
	g.Go(func() error {
		err := c.registry.SubscribeAllServices(subCtx, registry.ListenerFunc(c.onServiceChange))
		if err != nil {
			return fmt.Errorf("registry subscription: %w", err)
		}
		return nil
	})
	if c.center != nil {
		g.Go(func() error {
			err := c.center.SubscribeRulesChange(subCtx, configcenter.ListenerFunc(c.onRulesChange))
			if err != nil {
				return fmt.Errorf("config center subscription: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.listeners.StartAll(ctx); err != nil {
		return err
	}
	if c.admin != nil {
		if err := c.admin.Start(ctx); err != nil {
			return err
		}
	}
	if c.cfg.Self.Register {
		if err := c.registerSelf(ctx); err != nil {
			return err
		}
	}

	c.logger.Info("gateway started",
		zap.String("addr", c.http.Addr()),
		zap.String("buffer_type", c.cfg.Queue.BufferType),
		zap.String("async_mode", c.cfg.Client.AsyncMode),
		zap.Int("services", len(c.store.ServiceDefinitions())),
		zap.Int("rules", len(c.store.Rules())))
	return nil
}

func (c *Container) bootstrap() {
	for _, sb := range c.cfg.Services {
		def := sb.Definition
		registry.Normalize(&def, nil)
		c.store.PutServiceDefinition(&def)
		for _, inst := range sb.Instances {
			i := *inst
			registry.Normalize(&def, &i)
			c.store.AddServiceInstance(def.UniqueID, &i)
		}
	}
	if len(c.cfg.Rules) > 0 {
		c.store.PutAllRules(c.cfg.Rules)
	}
}

func (c *Container) onServiceChange(def *registry.ServiceDefinition, insts []*registry.ServiceInstance) {
	c.store.OnServiceChange(def, insts)
	if def != nil && len(insts) == 0 {
		c.balancers.Forget(def.UniqueID)
	}
	if def != nil {
		c.logger.Debug("service changed",
			zap.String("unique_id", def.UniqueID),
			zap.Int("instances", len(insts)))
	}
}

func (c *Container) onRulesChange(list []*rules.Rule) {
	c.store.OnRulesChange(list)
	c.logger.Info("rules updated",
		zap.Int("rules", len(list)),
		zap.Uint64("version", c.store.RulesVersion()))
}

func (c *Container) registerSelf(ctx context.Context) error {
	ip := c.cfg.Self.AdvertiseIP
	if ip == "" {
		ip = localIP()
	}
	_, portStr, err := net.SplitHostPort(c.http.Addr())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	c.self = &registry.ServiceDefinition{
		ServiceID: c.cfg.Self.ApplicationName,
		Version:   c.cfg.Self.Version,
		Protocol:  "http",
	}
	c.selfInst = &registry.ServiceInstance{IP: ip, Port: port}
	registry.Normalize(c.self, c.selfInst)
	if err := c.registry.Register(ctx, c.self, c.selfInst); err != nil {
		return fmt.Errorf("failed to register gateway: %w", err)
	}
	return nil
}

// Shutdown stops in reverse start order: self registration, listeners,
// subscriptions, queues, outbound client, then exporters and sinks.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	c.stopOnce.Do(func() {
		if c.self != nil {
			if err := c.registry.Deregister(ctx, c.self, c.selfInst); err != nil {
				errs = append(errs, err)
			}
		}
		if c.admin != nil {
			if err := c.admin.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.listeners.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.ingress.Shutdown()
		if c.completion != nil {
			c.completion.Shutdown()
		}
		if hc, ok := c.client.(*proxy.HTTPClient); ok {
			if err := hc.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if c.center != nil {
			if err := c.center.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.registry.Close(); err != nil {
			errs = append(errs, err)
		}
		if c.redis != nil {
			if err := c.redis.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.tracer.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		c.access.Sync()
		if c.accessSink != nil {
			c.accessSink.Close()
		}
		c.logger.Info("gateway stopped")
	})
	return errors.Join(errs...)
}

// Store exposes the live configuration store.
func (c *Container) Store() *store.Store { return c.store }

// Collector exposes the metrics collector.
func (c *Container) Collector() *metrics.Collector { return c.collector }

// Addr is the bound address of the HTTP listener.
func (c *Container) Addr() string { return c.http.Addr() }

// AdminAddr is the bound admin address, or "" when disabled.
func (c *Container) AdminAddr() string {
	if c.admin == nil {
		return ""
	}
	return c.admin.Addr()
}

// Outstanding reports pooled request buffers not yet released.
func (c *Container) Outstanding() int64 { return c.pool.Outstanding() }

func (c *Container) adminOptions() admin.Options {
	opts := admin.Options{
		Port:     c.cfg.Admin.Port,
		Store:    c.store,
		Breakers: c.breakers,
		Queues: func() map[string]queue.Stats {
			out := map[string]queue.Stats{}
			if s := c.ingress.Stats(); s != nil {
				out["ingress"] = *s
			}
			if c.completion != nil {
				out["completion"] = c.completion.Stats()
			}
			return out
		},
		Tracing: c.tracer.Status,
		Config:  func() any { return config.Redacted(c.cfg) },
		Checks:  map[string]admin.Check{},
		Logger:  c.logger,
	}
	if hc, ok := c.client.(*proxy.HTTPClient); ok {
		opts.Client = hc.Describe
	}
	if c.cfg.Admin.Metrics.Enabled {
		opts.Metrics = c.collector.Handler()
		opts.MetricsPath = c.cfg.Admin.Metrics.Path
	}
	if mem, ok := c.registry.(*memory.Registry); ok {
		opts.Registry = mem.Handler()
	}
	if c.redis != nil {
		opts.Checks["redis"] = c.redis.Ping
	}
	return opts
}

// NewRegistry builds the registry client selected by cfg.Registry.Type.
func NewRegistry(cfg *config.Config) (registry.Registry, error) {
	switch registry.RegistryType(cfg.Registry.Type) {
	case registry.TypeMemory, "":
		return memory.New(cfg.Env), nil
	case registry.TypeEtcd:
		return etcdregistry.New(cfg.Registry.Etcd, cfg.Env)
	case registry.TypeConsul:
		return consul.New(cfg.Registry.Consul, cfg.Env)
	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Registry.Type)
	}
}

func newConfigCenter(cfg *config.Config) (configcenter.ConfigCenter, error) {
	switch cfg.ConfigCenter.Type {
	case "", "none":
		return nil, nil
	case "file":
		return file.New(cfg.ConfigCenter.Path)
	case "etcd":
		key := cfg.ConfigCenter.Key
		if key == "" {
			key = configcenter.RulesKey(cfg.Env)
		}
		return etcdcenter.New(cfg.ConfigCenter.Etcd, cfg.Env, key)
	default:
		return nil, fmt.Errorf("unknown config center type %q", cfg.ConfigCenter.Type)
	}
}

// localIP is the first non-loopback IPv4 address, else loopback.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
