package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/wudi/tollgate/internal/rules"
)

func testLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l
}

func TestLoaderParse(t *testing.T) {
	yaml := `
env: prod
server:
  port: 9090
  read_timeout: 10s

queue:
  buffer_size: 1024
  threads: 4
  wait_strategy: busy_spin

client:
  request_timeout: 2s
  async_mode: double

registry:
  type: consul
  consul:
    address: "localhost:8500"

rules:
  - id: "1"
    serviceId: backend-http-server
    paths: ["/http-server/ping"]
    filterConfigs:
      - id: router_filter
      - id: load_balance_filter
        config: '{"load_balance":"round_robin"}'

services:
  - definition:
      serviceId: backend-http-server
      version: 1.0.0
      patternPath: /http-server/**
    instances:
      - ip: 127.0.0.1
        port: 8083
`

	loader := testLoader(nil)
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Env != "prod" {
		t.Errorf("expected env prod, got %s", cfg.Env)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("default write_timeout should survive, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Queue.Threads != 4 || cfg.Queue.WaitStrategy != WaitBusySpin {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Client.RequestTimeout != 2*time.Second || cfg.Client.AsyncMode != AsyncDouble {
		t.Errorf("client = %+v", cfg.Client)
	}
	if cfg.Registry.Type != "consul" {
		t.Errorf("expected registry type consul, got %s", cfg.Registry.Type)
	}
	if len(cfg.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(cfg.Rules))
	}
	if cfg.Rules[0].FilterConfigs[0].ID != rules.FilterLoadBalance {
		t.Errorf("rule filter configs should be sorted, got %v", cfg.Rules[0].FilterConfigs)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].Instances[0].Port != 8083 {
		t.Errorf("services = %+v", cfg.Services)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	yaml := `
redis:
  address: ${REDIS_ADDR}
auth:
  secret: ${UNSET_SECRET}
`
	loader := testLoader(map[string]string{"REDIS_ADDR": "redis:6380"})
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Redis.Address != "redis:6380" {
		t.Errorf("expected expanded address, got %s", cfg.Redis.Address)
	}
	if cfg.Auth.Secret != "${UNSET_SECRET}" {
		t.Errorf("unset variables should be kept verbatim, got %s", cfg.Auth.Secret)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"buffer not power of two", "queue:\n  buffer_size: 1000\n", "power of two"},
		{"zero threads", "queue:\n  threads: 0\n", "queue.threads"},
		{"bad wait strategy", "queue:\n  wait_strategy: sleep\n", "wait_strategy"},
		{"bad buffer type", "queue:\n  buffer_type: ring\n", "buffer_type"},
		{"bad async mode", "client:\n  async_mode: triple\n", "async_mode"},
		{"negative retries", "client:\n  max_retries: -1\n", "max_retries"},
		{"bad registry", "registry:\n  type: zookeeper\n", "registry type"},
		{"file center without path", "config_center:\n  type: file\n", "config_center.path"},
		{"bad failure policy", "flow_control:\n  failure_policy: maybe\n", "failure_policy"},
		{"bad sample rate", "tracing:\n  sample_rate: 2\n", "sample_rate"},
		{"duplicate rule", "rules:\n  - {id: a, serviceId: s, prefix: /}\n  - {id: a, serviceId: s, prefix: /x}\n", "duplicate rule"},
		{"invalid rule", "rules:\n  - {id: a, prefix: /}\n", "serviceId"},
		{"instance without port", "services:\n  - definition: {serviceId: s}\n    instances:\n      - ip: 1.2.3.4\n", "ip and port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testLoader(nil).Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := testLoader(nil).validate(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("expected default port 8888, got %d", cfg.Server.Port)
	}
	if cfg.Queue.BufferSize != 16384 || cfg.Queue.Threads != runtime.NumCPU() || cfg.Queue.WaitStrategy != WaitBlocking {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Client.MaxResponseSize != 16<<20 {
		t.Errorf("max response size = %d", cfg.Client.MaxResponseSize)
	}
	if cfg.Server.MaxContentLength != 64*1024*1024 {
		t.Errorf("max content length = %d", cfg.Server.MaxContentLength)
	}
	if cfg.FlowControl.FailurePolicy != FailClosed {
		t.Errorf("default failure policy = %s", cfg.FlowControl.FailurePolicy)
	}
	if cfg.Auth.CookieName != "user-jwt" {
		t.Errorf("default cookie = %s", cfg.Auth.CookieName)
	}
}

func TestLoadWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\nqueue:\n  threads: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := testLoader(map[string]string{
		"TOLLGATE_PORT":          "9100",
		"TOLLGATE_QUEUE_THREADS": "3",
		"TOLLGATE_LOG_LEVEL":     "debug",
	})
	cfg, err := loader.LoadWithOverrides(path, []string{"queue.threads=8", "client.retry_budget=3s", "flow_control.failure_policy=fail_open"})
	if err != nil {
		t.Fatalf("LoadWithOverrides failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("env should override file: port = %d", cfg.Server.Port)
	}
	if cfg.Queue.Threads != 8 {
		t.Errorf("args should override env: threads = %d", cfg.Queue.Threads)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
	if cfg.Client.RetryBudget != 3*time.Second {
		t.Errorf("retry budget = %v", cfg.Client.RetryBudget)
	}
	if cfg.FlowControl.FailurePolicy != FailOpen {
		t.Errorf("failure policy = %s", cfg.FlowControl.FailurePolicy)
	}
	if cfg.Client.RequestTimeout != 30*time.Second {
		t.Errorf("untouched defaults must survive overrides, got %v", cfg.Client.RequestTimeout)
	}
}

func TestApplySetsInvalid(t *testing.T) {
	if err := ApplySets(DefaultConfig(), []string{"no-equals-sign"}); err == nil {
		t.Error("expected error for override without '='")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoggingConversion(t *testing.T) {
	lc := DefaultConfig().Logging
	lc.Output = "/var/log/tollgate.log"
	lc.Access.Output = "/var/log/access.log"

	main := lc.Logger()
	if main.Output != "/var/log/tollgate.log" || main.MaxSize != 100 || !main.Compress {
		t.Errorf("logger config = %+v", main)
	}
	access := lc.AccessLogger()
	if access.Output != "/var/log/access.log" || access.Level != "info" || access.MaxBackups != 3 {
		t.Errorf("access logger config = %+v", access)
	}
}
