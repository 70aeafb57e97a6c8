// Package etcd serves rule sets stored as one JSON document under an etcd key.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/configcenter"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/rules"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Center reads and watches the rules key.
type Center struct {
	client *clientv3.Client
	key    string
	ctx    context.Context
	cancel context.CancelFunc
}

// New connects to etcd. An empty key defaults to /tollgate/<env>/rules.
func New(cfg config.EtcdConfig, env, key string) (*Center, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd config center: no endpoints configured")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return NewWithClient(client, env, key), nil
}

// NewWithClient wraps an already connected client.
func NewWithClient(client *clientv3.Client, env, key string) *Center {
	if key == "" {
		key = configcenter.RulesKey(env)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Center{client: client, key: key, ctx: ctx, cancel: cancel}
}

// Key returns the watched key.
func (c *Center) Key() string {
	return c.key
}

// Publish stores list under the rules key.
func (c *Center) Publish(ctx context.Context, list []*rules.Rule) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}
	if _, err := c.client.Put(ctx, c.key, string(data)); err != nil {
		return fmt.Errorf("failed to publish rules: %w", err)
	}
	return nil
}

// SubscribeRulesChange pushes the stored rules, then every revision.
// A deleted key pushes an empty rule set.
func (c *Center) SubscribeRulesChange(ctx context.Context, l configcenter.Listener) error {
	resp, err := c.client.Get(ctx, c.key)
	if err != nil {
		return fmt.Errorf("failed to read rules: %w", err)
	}

	var current []*rules.Rule
	if len(resp.Kvs) > 0 {
		current, err = rules.Parse(resp.Kvs[0].Value)
		if err != nil {
			return err
		}
	}
	l.OnRulesChange(current)

	watchCh := c.client.Watch(ctx, c.key, clientv3.WithRev(resp.Header.Revision+1))
	go c.watch(ctx, watchCh, l)
	return nil
}

func (c *Center) watch(ctx context.Context, watchCh clientv3.WatchChan, l configcenter.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			if err := resp.Err(); err != nil {
				logging.Warn("etcd rules watch error", zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				list, ok := decodeEvent(ev)
				if !ok {
					continue
				}
				logging.Info("rules changed", zap.String("key", c.key), zap.Int("rules", len(list)))
				l.OnRulesChange(list)
			}
		}
	}
}

// decodeEvent turns a watch event into a rule set. Undecodable documents
// are logged and skipped so the previous rules stay in force.
func decodeEvent(ev *clientv3.Event) ([]*rules.Rule, bool) {
	switch ev.Type {
	case clientv3.EventTypeDelete:
		return []*rules.Rule{}, true
	case clientv3.EventTypePut:
		list, err := rules.Parse(ev.Kv.Value)
		if err != nil {
			logging.Error("invalid rules document", zap.String("key", string(ev.Kv.Key)), zap.Error(err))
			return nil, false
		}
		return list, true
	}
	return nil, false
}

// Close stops watchers and the client.
func (c *Center) Close() error {
	c.cancel()
	return c.client.Close()
}
