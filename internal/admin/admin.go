// Package admin serves the gateway's inspection API on a separate port.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/circuitbreaker"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/queue"
	"github.com/wudi/tollgate/internal/rules"
	"github.com/wudi/tollgate/internal/store"
)

// Check tests one dependency for /health.
type Check func(ctx context.Context) error

// Options wires the admin API to the running gateway. Nil fields disable
// the matching endpoint or section.
type Options struct {
	Port     int
	Store    *store.Store
	Breakers *circuitbreaker.Manager
	Queues   func() map[string]queue.Stats
	Client   func() map[string]any
	Tracing  func() map[string]any
	// Config returns the running configuration with secrets redacted.
	Config      func() any
	Metrics     http.Handler
	MetricsPath string
	// Registry serves the memory registry's registration API.
	Registry http.Handler
	Checks   map[string]Check
	Logger   *zap.Logger
}

// Server is the admin HTTP server.
type Server struct {
	opts      Options
	startTime time.Time
	server    *http.Server
	logger    *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates the admin server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{opts: opts, startTime: time.Now(), logger: opts.Logger}
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the admin routes.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/health", s.handleHealth)
	router.GET("/healthz", s.handleHealth)
	router.GET("/rules", s.handleRules)
	router.GET("/services", s.handleServices)
	router.GET("/queue", s.handleQueue)
	router.GET("/breakers", s.handleBreakers)
	router.GET("/client", s.handleClient)
	router.GET("/tracing", s.handleTracing)
	if s.opts.Config != nil {
		router.GET("/config", s.handleConfig)
	}
	if s.opts.Metrics != nil {
		router.Handler(http.MethodGet, s.opts.MetricsPath, s.opts.Metrics)
	}
	if h := s.opts.Registry; h != nil {
		router.Handler(http.MethodGet, "/registry/services", h)
		router.Handler(http.MethodPost, "/registry/services", h)
		router.Handler(http.MethodDelete, "/registry/services/:uniqueId/instances/:instanceId", h)
	}
	return router
}

// Start binds the admin port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting admin server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	checks := make(map[string]any, len(s.opts.Checks))
	healthy := true

	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.opts.Checks[name](ctx)
		cancel()
		if err != nil {
			healthy = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusStr := http.StatusOK, "ok"
	if !healthy {
		status, statusStr = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.opts.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"rules": []any{}})
		return
	}
	q := r.URL.Query()
	service, path := q.Get("service"), q.Get("path")
	list := s.opts.Store.Rules()
	switch {
	case service != "" && path != "":
		rule, ok := s.opts.Store.RuleByPath(service, path)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no rule lists this path"})
			return
		}
		list = []*rules.Rule{rule}
	case service != "":
		list = s.opts.Store.RulesByService(service)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.opts.Store.RulesVersion(),
		"rules":   list,
	})
}

type serviceView struct {
	Definition any `json:"definition"`
	Instances  any `json:"instances"`
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	out := []serviceView{}
	if s.opts.Store != nil {
		for _, def := range s.opts.Store.ServiceDefinitions() {
			out = append(out, serviceView{
				Definition: def,
				Instances:  s.opts.Store.ServiceInstances(def.UniqueID, false),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats := map[string]queue.Stats{}
	if s.opts.Queues != nil {
		stats = s.opts.Queues()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snaps := map[string]circuitbreaker.BreakerSnapshot{}
	if s.opts.Breakers != nil {
		snaps = s.opts.Breakers.Snapshots()
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, describe(s.opts.Client))
}

func (s *Server) handleTracing(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, describe(s.opts.Tracing))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.opts.Config())
}

func describe(fn func() map[string]any) map[string]any {
	if fn == nil {
		return map[string]any{}
	}
	return fn()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
