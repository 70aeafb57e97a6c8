package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// RedactedValue replaces secrets in configs served by the admin API.
const RedactedValue = "[REDACTED]"

// SecretProvider resolves secret references for a given scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry manages named SecretProviders.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry returns a registry holding the env and file providers.
func NewSecretRegistry() *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider)}
	r.Register(EnvProvider{lookup: os.LookupEnv})
	r.Register(FileProvider{})
	return r
}

// Register adds a provider, replacing any provider for the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve looks up the provider for scheme and delegates resolution.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// EnvProvider resolves ${env:NAME} from the process environment.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

func (EnvProvider) Scheme() string { return "env" }

func (p EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := p.lookup(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves ${file:/path} to the file content. AllowedPrefixes
// restricts readable paths when non-empty.
type FileProvider struct {
	AllowedPrefixes []string
}

func (FileProvider) Scheme() string { return "file" }

func (p FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range p.AllowedPrefixes {
			if strings.HasPrefix(ref, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
		}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	// Secret files usually end with a newline.
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// secretRefPattern matches a whole-value reference such as ${file:/run/jwt}.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveSecrets replaces every ${scheme:ref} string field of cfg in place.
// Rules are skipped; they come from the config center as plain documents.
func resolveSecrets(ctx context.Context, cfg *Config, registry *SecretRegistry) error {
	var resolveErr error
	walkStrings(reflect.ValueOf(cfg).Elem(), "", func(field reflect.Value, path string, _ reflect.StructTag) {
		if resolveErr != nil {
			return
		}
		m := secretRefPattern.FindStringSubmatch(field.String())
		if m == nil {
			return
		}
		resolved, err := registry.Resolve(ctx, m[1], m[2])
		if err != nil {
			resolveErr = fmt.Errorf("secret resolution failed for %s: %w", path, err)
			return
		}
		field.SetString(resolved)
	})
	return resolveErr
}

// Redacted returns a copy of cfg with every non-empty field tagged
// redact:"true" replaced by RedactedValue. cfg is not modified.
func Redacted(cfg *Config) *Config {
	cp := *cfg
	walkStrings(reflect.ValueOf(&cp).Elem(), "", func(field reflect.Value, _ string, tag reflect.StructTag) {
		if tag.Get("redact") == "true" && field.String() != "" {
			field.SetString(RedactedValue)
		}
	})
	return &cp
}

// walkStrings calls fn for every settable string field reachable through
// nested structs. Slices, maps and pointers are not followed, so a shallow
// copy can be walked without touching shared data.
func walkStrings(v reflect.Value, path string, fn func(field reflect.Value, path string, tag reflect.StructTag)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		sf := t.Field(i)
		if !f.CanSet() {
			continue
		}
		name := sf.Tag.Get("yaml")
		if name == "" || name == "-" {
			name = sf.Name
		}
		if path != "" {
			name = path + "." + name
		}
		switch f.Kind() {
		case reflect.String:
			fn(f, name, sf.Tag)
		case reflect.Struct:
			walkStrings(f, name, fn)
		}
	}
}
