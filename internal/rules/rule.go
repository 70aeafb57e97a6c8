// Package rules holds the routing rule model pushed by the config center.
package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Filter ids a rule can reference.
const (
	FilterLoadBalance = "load_balance_filter"
	FilterFlowCtl     = "flow_ctl_filter"
	FilterUserAuth    = "user_auth_filter"
	FilterRouter      = "router_filter"
	FilterGray        = "gray_filter"
	FilterMonitor     = "monitor_filter"
	FilterMonitorEnd  = "monitor_end_filter"
)

// filterAliases maps legacy filter ids to their current name.
var filterAliases = map[string]string{
	"load_balancer_filter": FilterLoadBalance,
}

// CanonicalFilterID lower-cases id and resolves legacy aliases.
func CanonicalFilterID(id string) string {
	id = strings.ToLower(id)
	if c, ok := filterAliases[id]; ok {
		return c
	}
	return id
}

// Flow control vocabulary.
const (
	FlowTypePath    = "path"
	FlowTypeService = "service"

	FlowModelDistributed = "distributed"
	FlowModelSingleton   = "singleton"

	FlowKeyDuration = "duration"
	FlowKeyPermits  = "permits"
)

// Load balance strategies read from the load_balance_filter config.
const (
	LoadBalanceKey        = "load_balance"
	LoadBalanceKeyLegacy  = "load_balancer"
	LoadBalanceRandom     = "random"
	LoadBalanceRoundRobin = "round_robin"
)

// JSONText is a filter config payload. It decodes from a JSON string or
// from an inline object in either JSON or YAML.
type JSONText string

// UnmarshalJSON accepts a quoted string or any JSON value.
func (t *JSONText) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = JSONText(s)
		return nil
	}
	if string(b) == "null" {
		*t = ""
		return nil
	}
	*t = JSONText(b)
	return nil
}

// UnmarshalYAML accepts a scalar string or an inline mapping.
func (t *JSONText) UnmarshalYAML(b []byte) error {
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*t = ""
	case string:
		*t = JSONText(val)
	default:
		out, err := json.Marshal(normalizeYAML(val))
		if err != nil {
			return err
		}
		*t = JSONText(out)
	}
	return nil
}

// normalizeYAML converts map[any]any nodes so encoding/json accepts them.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return m
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeYAML(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	}
	return v
}

// FilterConfig binds a filter id to its JSON config. Identity is the id,
// compared case-insensitively.
type FilterConfig struct {
	ID     string   `json:"id" yaml:"id"`
	Config JSONText `json:"config" yaml:"config"`
}

// FlowCtlConfig is one rate limit entry of a rule.
type FlowCtlConfig struct {
	Type   string   `json:"type" yaml:"type"`
	Value  string   `json:"value" yaml:"value"`
	Model  string   `json:"model" yaml:"model"`
	Config JSONText `json:"config" yaml:"config"`
}

// RetryConfig bounds router retries.
type RetryConfig struct {
	Times int `json:"times" yaml:"times"`
}

// BreakerConfig enables circuit breaking for one path of a rule.
type BreakerConfig struct {
	Path                  string `json:"path" yaml:"path"`
	TimeoutInMilliseconds int    `json:"timeoutInMilliseconds" yaml:"timeoutInMilliseconds"`
	ThreadCoreSize        int    `json:"threadCoreSize" yaml:"threadCoreSize"`
	FallbackResponse      string `json:"fallbackResponse" yaml:"fallbackResponse"`
}

// Rule is a routing and policy unit. Rules are immutable once stored.
type Rule struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	Protocol       string          `json:"protocol" yaml:"protocol"`
	ServiceID      string          `json:"serviceId" yaml:"serviceId"`
	Order          int             `json:"order" yaml:"order"`
	Prefix         string          `json:"prefix" yaml:"prefix"`
	Paths          []string        `json:"paths" yaml:"paths"`
	FilterConfigs  []FilterConfig  `json:"filterConfigs" yaml:"filterConfigs"`
	FlowCtlConfigs []FlowCtlConfig `json:"flowCtlConfigs" yaml:"flowCtlConfigs"`
	RetryConfig    RetryConfig     `json:"retryConfig" yaml:"retryConfig"`
	BreakerConfigs []BreakerConfig `json:"breakerConfigs" yaml:"breakerConfigs"`
	// TimeoutInMilliseconds bounds each outbound attempt of the rule's
	// requests. Zero keeps client.request_timeout.
	TimeoutInMilliseconds int `json:"timeoutInMilliseconds" yaml:"timeoutInMilliseconds"`
}

// Timeout is the per-attempt bound from TimeoutInMilliseconds.
func (r *Rule) Timeout() time.Duration {
	return time.Duration(r.TimeoutInMilliseconds) * time.Millisecond
}

// Less orders rules by Order, then by ID.
func (r *Rule) Less(other *Rule) bool {
	if r.Order != other.Order {
		return r.Order < other.Order
	}
	return r.ID < other.ID
}

// Normalize renames aliased filter ids, deduplicates filter configs by
// id, keeping the first occurrence, and sorts them by id.
func (r *Rule) Normalize() {
	seen := make(map[string]struct{}, len(r.FilterConfigs))
	out := r.FilterConfigs[:0]
	for _, fc := range r.FilterConfigs {
		key := CanonicalFilterID(fc.ID)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, aliased := filterAliases[strings.ToLower(fc.ID)]; aliased {
			fc.ID = key
		}
		out = append(out, fc)
	}
	sort.SliceStable(out, func(a, b int) bool {
		return strings.ToLower(out[a].ID) < strings.ToLower(out[b].ID)
	})
	r.FilterConfigs = out
}

// Validate reports structural problems that make a rule unusable.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule: id is required")
	}
	if r.ServiceID == "" {
		return fmt.Errorf("rule %s: serviceId is required", r.ID)
	}
	if len(r.Paths) == 0 && r.Prefix == "" {
		return fmt.Errorf("rule %s: paths or prefix is required", r.ID)
	}
	if r.RetryConfig.Times < 0 {
		return fmt.Errorf("rule %s: retryConfig.times must be >= 0", r.ID)
	}
	if r.TimeoutInMilliseconds < 0 {
		return fmt.Errorf("rule %s: timeoutInMilliseconds must be >= 0", r.ID)
	}
	return nil
}

// FilterConfig looks up a filter config by id, case-insensitively.
func (r *Rule) FilterConfig(id string) (FilterConfig, bool) {
	id = CanonicalFilterID(id)
	for _, fc := range r.FilterConfigs {
		if CanonicalFilterID(fc.ID) == id {
			return fc, true
		}
	}
	return FilterConfig{}, false
}

// HasFilter reports whether the rule names filter id.
func (r *Rule) HasFilter(id string) bool {
	_, ok := r.FilterConfig(id)
	return ok
}

// BreakerConfig returns the breaker config covering path, if any.
func (r *Rule) BreakerConfig(path string) (BreakerConfig, bool) {
	for _, bc := range r.BreakerConfigs {
		if bc.Path == path {
			return bc, true
		}
	}
	return BreakerConfig{}, false
}

// Parse decodes a rule list from JSON or YAML. Invalid rules fail the whole
// batch so a bad push never half-applies.
func Parse(data []byte) ([]*Rule, error) {
	var list []*Rule
	trimmed := strings.TrimSpace(string(data))
	var err error
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal([]byte(trimmed), &list)
	} else {
		err = yaml.Unmarshal(data, &list)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}

	for _, r := range list {
		if r == nil {
			return nil, fmt.Errorf("failed to decode rules: null rule")
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		r.Normalize()
	}
	return list, nil
}
