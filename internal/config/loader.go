package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/wudi/tollgate/internal/registry"
)

// envOverrides maps TOLLGATE_* variables onto dotted config keys. They are
// applied after the file and before command line overrides.
var envOverrides = map[string]string{
	"TOLLGATE_ENV":                "env",
	"TOLLGATE_PORT":               "server.port",
	"TOLLGATE_QUEUE_BUFFER_TYPE":  "queue.buffer_type",
	"TOLLGATE_QUEUE_BUFFER_SIZE":  "queue.buffer_size",
	"TOLLGATE_QUEUE_THREADS":      "queue.threads",
	"TOLLGATE_QUEUE_WAIT":         "queue.wait_strategy",
	"TOLLGATE_CLIENT_ASYNC_MODE":  "client.async_mode",
	"TOLLGATE_CLIENT_MAX_RETRIES": "client.max_retries",
	"TOLLGATE_REGISTRY_TYPE":      "registry.type",
	"TOLLGATE_CONSUL_ADDRESS":     "registry.consul.address",
	"TOLLGATE_CONFIG_CENTER_TYPE": "config_center.type",
	"TOLLGATE_REDIS_ADDRESS":      "redis.address",
	"TOLLGATE_FLOW_FAILURE":       "flow_control.failure_policy",
	"TOLLGATE_AUTH_SECRET":        "auth.secret",
	"TOLLGATE_LOG_LEVEL":          "logging.level",
	"TOLLGATE_ADMIN_PORT":         "admin.port",
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	lookupEnv  func(string) (string, bool)
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	l := &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		lookupEnv:  os.LookupEnv,
		secrets:    NewSecretRegistry(),
	}
	l.secrets.Register(EnvProvider{lookup: func(k string) (string, bool) { return l.lookupEnv(k) }})
	return l
}

// Secrets exposes the provider registry so callers can add schemes.
func (l *Loader) Secrets() *SecretRegistry {
	return l.secrets
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	return l.LoadWithOverrides(path, nil)
}

// LoadWithOverrides reads path, then applies TOLLGATE_* environment
// variables, then key=value overrides, and validates the result. An empty
// path starts from defaults.
func (l *Loader) LoadWithOverrides(path string, sets []string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := l.decode(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := ApplySets(cfg, sets); err != nil {
		return nil, err
	}
	if err := resolveSecrets(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := l.decode(data, cfg); err != nil {
		return nil, err
	}
	if err := resolveSecrets(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (l *Loader) decode(data []byte, cfg *Config) error {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	for _, r := range cfg.Rules {
		if r != nil {
			r.Normalize()
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := l.lookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

func (l *Loader) applyEnv(cfg *Config) error {
	var sets []string
	for env, key := range envOverrides {
		if v, ok := l.lookupEnv(env); ok && v != "" {
			sets = append(sets, key+"="+v)
		}
	}
	if err := ApplySets(cfg, sets); err != nil {
		return fmt.Errorf("environment override: %w", err)
	}
	return nil
}

// ApplySets applies dotted key=value overrides such as "queue.threads=4".
// Values are typed by YAML scalar rules, so durations are written "5s".
func ApplySets(cfg *Config, sets []string) error {
	if len(sets) == 0 {
		return nil
	}
	tree := make(map[string]any)
	for _, set := range sets {
		key, raw, ok := strings.Cut(set, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("invalid override %q: want key=value", set)
		}

		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}

		node := tree
		parts := strings.Split(key, ".")
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}

	doc, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encoding overrides: %w", err)
	}
	if err := yaml.Unmarshal(doc, cfg); err != nil {
		return fmt.Errorf("applying overrides: %w", err)
	}
	return nil
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Server.MaxContentLength <= 0 {
		return fmt.Errorf("server.max_content_length must be positive")
	}

	switch cfg.Queue.BufferType {
	case BufferParallel, BufferDirect:
	default:
		return fmt.Errorf("invalid queue.buffer_type: %s", cfg.Queue.BufferType)
	}
	if n := cfg.Queue.BufferSize; n <= 0 || n&(n-1) != 0 {
		return fmt.Errorf("queue.buffer_size must be a power of two, got %d", n)
	}
	if cfg.Queue.Threads < 1 {
		return fmt.Errorf("queue.threads must be >= 1")
	}
	switch cfg.Queue.WaitStrategy {
	case WaitBusySpin, WaitBlocking:
	default:
		return fmt.Errorf("invalid queue.wait_strategy: %s", cfg.Queue.WaitStrategy)
	}

	switch cfg.Client.AsyncMode {
	case AsyncSingle, AsyncDouble:
	default:
		return fmt.Errorf("invalid client.async_mode: %s", cfg.Client.AsyncMode)
	}
	if cfg.Client.RequestTimeout <= 0 || cfg.Client.ConnectTimeout <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}
	if cfg.Client.MaxResponseSize < 0 {
		return fmt.Errorf("client.max_response_size must be >= 0")
	}
	if cfg.Client.MaxRetries < 0 {
		return fmt.Errorf("client.max_retries must be >= 0")
	}
	if cfg.Client.RetryRatio < 0 || cfg.Client.RetryRatio > 1 {
		return fmt.Errorf("client.retry_ratio must be within [0, 1]")
	}
	if cfg.Client.AsyncMode == AsyncDouble {
		if n := cfg.Client.CompletionBufferSize; n <= 0 || n&(n-1) != 0 {
			return fmt.Errorf("client.completion_buffer_size must be a power of two, got %d", n)
		}
		if cfg.Client.CompletionThreads < 1 {
			return fmt.Errorf("client.completion_threads must be >= 1")
		}
	}

	// Validate registry type
	validTypes := map[string]bool{
		string(registry.TypeConsul): true,
		string(registry.TypeEtcd):   true,
		string(registry.TypeMemory): true,
	}
	if !validTypes[cfg.Registry.Type] {
		return fmt.Errorf("invalid registry type: %s", cfg.Registry.Type)
	}
	if cfg.Registry.Type == string(registry.TypeEtcd) && len(cfg.Registry.Etcd.Endpoints) == 0 {
		return fmt.Errorf("registry.etcd.endpoints is required for the etcd registry")
	}

	switch cfg.ConfigCenter.Type {
	case "", "none":
	case "file":
		if cfg.ConfigCenter.Path == "" {
			return fmt.Errorf("config_center.path is required for the file config center")
		}
	case "etcd":
		if len(cfg.ConfigCenter.Etcd.Endpoints) == 0 {
			return fmt.Errorf("config_center.etcd.endpoints is required for the etcd config center")
		}
	default:
		return fmt.Errorf("invalid config_center.type: %s", cfg.ConfigCenter.Type)
	}

	switch cfg.FlowControl.FailurePolicy {
	case FailClosed, FailOpen:
	default:
		return fmt.Errorf("invalid flow_control.failure_policy: %s", cfg.FlowControl.FailurePolicy)
	}

	if cfg.Breaker.FailureThreshold == 0 || cfg.Breaker.HalfOpenRequests == 0 {
		return fmt.Errorf("breaker.failure_threshold and breaker.half_open_requests must be >= 1")
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		return fmt.Errorf("breaker.open_timeout must be positive")
	}

	if cfg.Admin.Enabled && (cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("admin.port out of range: %d", cfg.Admin.Port)
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	ruleIDs := make(map[string]bool)
	for i, r := range cfg.Rules {
		if r == nil {
			return fmt.Errorf("rule %d: empty", i)
		}
		if err := r.Validate(); err != nil {
			return err
		}
		if ruleIDs[r.ID] {
			return fmt.Errorf("duplicate rule id: %s", r.ID)
		}
		ruleIDs[r.ID] = true
	}

	for i, svc := range cfg.Services {
		if svc.Definition.ServiceID == "" {
			return fmt.Errorf("service %d: definition.serviceId is required", i)
		}
		for j, inst := range svc.Instances {
			if inst == nil || inst.IP == "" || inst.Port <= 0 {
				return fmt.Errorf("service %s instance %d: ip and port are required", svc.Definition.ServiceID, j)
			}
		}
	}

	return nil
}
