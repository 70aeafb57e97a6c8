package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSecretReferences(t *testing.T) {
	dir := t.TempDir()
	secretFile := filepath.Join(dir, "jwt")
	if err := os.WriteFile(secretFile, []byte("file-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	data := `
redis:
  address: localhost:6379
  password: "${env:REDIS_PASSWORD}"
auth:
  secret: "${file:` + secretFile + `}"
`
	cfg, err := testLoader(map[string]string{"REDIS_PASSWORD": "hunter2"}).Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("redis password = %q", cfg.Redis.Password)
	}
	if cfg.Auth.Secret != "file-secret" {
		t.Errorf("auth secret = %q", cfg.Auth.Secret)
	}
}

func TestSecretReferenceErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"unset env", `auth: {secret: "${env:MISSING}"}`, "auth.secret"},
		{"unknown scheme", `auth: {secret: "${vault:kv/jwt}"}`, "unknown secret provider"},
		{"missing file", `auth: {secret: "${file:/nonexistent/jwt}"}`, "reading secret file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testLoader(nil).Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestFileProviderAllowedPrefixes(t *testing.T) {
	p := FileProvider{AllowedPrefixes: []string{"/run/secrets/"}}
	if _, err := p.Resolve(context.Background(), "/etc/passwd"); err == nil {
		t.Error("expected path outside allowed prefixes to be refused")
	}
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Secret = "s3cret"
	cfg.Redis.Password = "hunter2"
	cfg.Registry.Consul.Token = "token"

	out := Redacted(cfg)
	if out.Auth.Secret != RedactedValue || out.Redis.Password != RedactedValue || out.Registry.Consul.Token != RedactedValue {
		t.Errorf("secrets not redacted: %+v %+v", out.Auth, out.Redis)
	}
	if out.Registry.Etcd.Password != "" {
		t.Errorf("empty secret should stay empty, got %q", out.Registry.Etcd.Password)
	}
	if cfg.Auth.Secret != "s3cret" {
		t.Error("Redacted modified its input")
	}
	if out.Server.Port != cfg.Server.Port {
		t.Error("non-secret fields must be kept")
	}
}
