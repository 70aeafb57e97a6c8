package config

import (
	"runtime"
	"time"

	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/registry"
	"github.com/wudi/tollgate/internal/rules"
)

// Config is the static configuration of one gateway process.
type Config struct {
	// Env namespaces registry and config center keys.
	Env          string             `yaml:"env"`
	Server       ServerConfig       `yaml:"server"`
	Queue        QueueConfig        `yaml:"queue"`
	Client       ClientConfig       `yaml:"client"`
	Registry     RegistryConfig     `yaml:"registry"`
	ConfigCenter ConfigCenterConfig `yaml:"config_center"`
	Redis        RedisConfig        `yaml:"redis"`
	FlowControl  FlowControlConfig  `yaml:"flow_control"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Admin        AdminConfig        `yaml:"admin"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Self         SelfConfig         `yaml:"self"`

	// Bootstrap data applied to the store before any push arrives.
	Rules    []*rules.Rule      `yaml:"rules"`
	Services []ServiceBootstrap `yaml:"services"`
}

// ServerConfig defines the inbound HTTP listener.
type ServerConfig struct {
	Port             int           `yaml:"port"`
	MaxContentLength int64         `yaml:"max_content_length"` // bytes
	KeepAlive        bool          `yaml:"keep_alive"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes   int           `yaml:"max_header_bytes"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// Queue buffer types.
const (
	BufferParallel = "parallel"
	BufferDirect   = "direct"
)

// Queue wait strategies.
const (
	WaitBusySpin = "busy_spin"
	WaitBlocking = "blocking"
)

// QueueConfig defines the ingress queue between listener and workers.
type QueueConfig struct {
	BufferType   string `yaml:"buffer_type"`   // parallel or direct
	BufferSize   int    `yaml:"buffer_size"`   // power of two
	Threads      int    `yaml:"threads"`       // worker count
	WaitStrategy string `yaml:"wait_strategy"` // busy_spin or blocking
	NamePrefix   string `yaml:"name_prefix"`
}

// Completion modes for the router.
const (
	AsyncSingle = "single"
	AsyncDouble = "double"
)

// ClientConfig defines the outbound HTTP client and retry limits.
type ClientConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxConnections        int           `yaml:"max_connections"`
	MaxConnectionsPerHost int           `yaml:"max_connections_per_host"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxResponseSize       int64         `yaml:"max_response_size"` // bytes, 0 disables the cap
	MaxRetries            int           `yaml:"max_retries"`       // hard cap over rule retry times
	RetryBudget           time.Duration `yaml:"retry_budget"`      // wall clock cap from request start
	RetryBackoff          BackoffConfig `yaml:"retry_backoff"`
	RetryRatio            float64       `yaml:"retry_ratio"`          // max retries/requests over 10s, 0 disables
	RetryMinPerSecond     int           `yaml:"retry_min_per_second"` // retries always allowed under the ratio
	AsyncMode             string        `yaml:"async_mode"` // single or double
	CompletionThreads     int           `yaml:"completion_threads"`
	CompletionBufferSize  int           `yaml:"completion_buffer_size"`
}

// BackoffConfig shapes the delay between retry attempts.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// RegistryConfig defines service registry settings
type RegistryConfig struct {
	Type   string       `yaml:"type"` // memory, etcd, consul
	Consul ConsulConfig `yaml:"consul"`
	Etcd   EtcdConfig   `yaml:"etcd"`
}

// ConsulConfig defines Consul-specific settings
type ConsulConfig struct {
	Address    string            `yaml:"address"`
	Scheme     string            `yaml:"scheme"`
	Datacenter string            `yaml:"datacenter"`
	Token      string            `yaml:"token" redact:"true"`
	Check      ConsulCheckConfig `yaml:"check"`
}

// ConsulCheckConfig configures the TCP check attached to registrations.
// A zero interval registers without a check.
type ConsulCheckConfig struct {
	Interval        time.Duration `yaml:"interval"`
	DeregisterAfter time.Duration `yaml:"deregister_after"`
}

// EtcdConfig defines etcd-specific settings
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password" redact:"true"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ConfigCenterConfig defines where rule sets come from.
type ConfigCenterConfig struct {
	Type string     `yaml:"type"` // none, file, etcd
	Path string     `yaml:"path"` // file: rules document
	Key  string     `yaml:"key"`  // etcd: rules key, defaults to /tollgate/<env>/rules
	Etcd EtcdConfig `yaml:"etcd"`
}

// RedisConfig defines the distributed flow control store.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Flow control failure policies.
const (
	FailClosed = "fail_closed"
	FailOpen   = "fail_open"
)

// FlowControlConfig defines how distributed limits behave.
type FlowControlConfig struct {
	FailurePolicy string        `yaml:"failure_policy"` // fail_closed or fail_open
	StoreTimeout  time.Duration `yaml:"store_timeout"`
}

// BreakerConfig holds the state machine settings shared by every
// per-path circuit breaker. Timeouts and bulkhead sizes come from rules.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`  // consecutive failures that open
	OpenTimeout      time.Duration `yaml:"open_timeout"`       // open -> half-open
	HalfOpenRequests uint32        `yaml:"half_open_requests"` // trial calls allowed while half-open
	Interval         time.Duration `yaml:"interval"`           // closed-state count reset, 0 keeps counts
}

// AuthConfig defines the user auth filter.
type AuthConfig struct {
	Secret     string `yaml:"secret" redact:"true"`
	CookieName string `yaml:"cookie_name"`
	Algorithm  string `yaml:"algorithm"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format   string            `yaml:"format"`
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
	Access   AccessLogConfig   `yaml:"access"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// AccessLogConfig defines the per-request access log.
type AccessLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`
}

// Logger converts to the logging package's config.
func (c LoggingConfig) Logger() logging.Config {
	return logging.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		MaxSize:    c.Rotation.MaxSize,
		MaxBackups: c.Rotation.MaxBackups,
		MaxAge:     c.Rotation.MaxAge,
		Compress:   c.Rotation.Compress,
		LocalTime:  c.Rotation.LocalTime,
	}
}

// AccessLogger converts the access section, inheriting rotation.
func (c LoggingConfig) AccessLogger() logging.Config {
	lc := c.Logger()
	lc.Level = "info"
	lc.Output = c.Access.Output
	return lc
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Port    int           `yaml:"port"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines Prometheus exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig defines OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`    // use insecure gRPC connection
	Headers     map[string]string `yaml:"headers"`     // extra headers for OTLP exporter
}

// SelfConfig describes how the gateway registers itself.
type SelfConfig struct {
	Register        bool   `yaml:"register"`
	ApplicationName string `yaml:"application_name"`
	Version         string `yaml:"version"`
	AdvertiseIP     string `yaml:"advertise_ip"`
}

// ServiceBootstrap seeds one service into the store at startup.
type ServiceBootstrap struct {
	Definition registry.ServiceDefinition  `yaml:"definition"`
	Instances  []*registry.ServiceInstance `yaml:"instances"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Env: registry.DefaultEnv,
		Server: ServerConfig{
			Port:             8888,
			MaxContentLength: 64 * 1024 * 1024,
			KeepAlive:        true,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      60 * time.Second,
			MaxHeaderBytes:   1 << 20,
			ShutdownTimeout:  30 * time.Second,
		},
		Queue: QueueConfig{
			BufferType:   BufferParallel,
			BufferSize:   1024 * 16,
			Threads:      runtime.NumCPU(),
			WaitStrategy: WaitBlocking,
			NamePrefix:   "tollgate-worker",
		},
		Client: ClientConfig{
			ConnectTimeout:        30 * time.Second,
			RequestTimeout:        30 * time.Second,
			IdleConnTimeout:       60 * time.Second,
			MaxConnections:        10000,
			MaxConnectionsPerHost: 8000,
			MaxIdleConnsPerHost:   100,
			MaxResponseSize:       16 << 20,
			MaxRetries:            3,
			RetryBudget:           10 * time.Second,
			RetryBackoff: BackoffConfig{
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     time.Second,
				Multiplier:      2,
			},
			AsyncMode:            AsyncSingle,
			CompletionThreads:    1,
			CompletionBufferSize: 1024,
		},
		Registry: RegistryConfig{
			Type: string(registry.TypeMemory),
			Consul: ConsulConfig{
				Address:    "localhost:8500",
				Scheme:     "http",
				Datacenter: "dc1",
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				DialTimeout: 5 * time.Second,
			},
		},
		ConfigCenter: ConfigCenterConfig{
			Type: "none",
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				DialTimeout: 5 * time.Second,
			},
		},
		Redis: RedisConfig{
			Address:     "localhost:6379",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		FlowControl: FlowControlConfig{
			FailurePolicy: FailClosed,
			StoreTimeout:  100 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      5 * time.Second,
			HalfOpenRequests: 1,
		},
		Auth: AuthConfig{
			CookieName: "user-jwt",
			Algorithm:  "HS256",
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
			Access: AccessLogConfig{
				Enabled: true,
				Output:  "stdout",
			},
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8081,
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Tracing: TracingConfig{
			ServiceName: "tollgate",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Self: SelfConfig{
			ApplicationName: "api-gateway",
			Version:         "1.0.0",
		},
	}
}
