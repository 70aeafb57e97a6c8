// Package configcenter defines the rule source the engine subscribes to.
package configcenter

import (
	"context"

	"github.com/wudi/tollgate/internal/rules"
)

// Listener receives the complete rule set every time it changes.
type Listener interface {
	OnRulesChange(list []*rules.Rule)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(list []*rules.Rule)

// OnRulesChange calls f.
func (f ListenerFunc) OnRulesChange(list []*rules.Rule) {
	f(list)
}

// ConfigCenter pushes rule sets from an external source.
type ConfigCenter interface {
	// SubscribeRulesChange delivers the current rule set before returning
	// and every later change until ctx is cancelled.
	SubscribeRulesChange(ctx context.Context, l Listener) error

	Close() error
}

// RulesKey is the default etcd key holding the rule document for env.
func RulesKey(env string) string {
	return "/tollgate/" + env + "/rules"
}
