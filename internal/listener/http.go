package listener

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPListener wraps an HTTP server as a Listener
type HTTPListener struct {
	id      string
	address string
	server  *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID                string
	Address           string
	Handler           http.Handler
	KeepAlive         bool
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ReadHeaderTimeout time.Duration
}

// NewHTTPListener creates a new HTTP listener
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("listener %s: nil handler", cfg.ID)
	}

	maxHeaderBytes := cfg.MaxHeaderBytes
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = 1 << 20
	}
	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           cfg.Handler,
		ReadTimeout:       orDefault(cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      orDefault(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       orDefault(cfg.IdleTimeout, 60*time.Second),
		ReadHeaderTimeout: orDefault(cfg.ReadHeaderTimeout, 10*time.Second),
		MaxHeaderBytes:    maxHeaderBytes,
	}
	server.SetKeepAlivesEnabled(cfg.KeepAlive)

	return &HTTPListener{id: cfg.ID, address: cfg.Address, server: server}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Protocol returns "http"
func (h *HTTPListener) Protocol() string {
	return "http"
}

// Addr returns the bound address once started, else the configured one.
func (h *HTTPListener) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.address
}

// Start binds the address and serves in the background.
func (h *HTTPListener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Check for immediate startup errors
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop waits for in-flight requests up to ctx's deadline.
func (h *HTTPListener) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// Server returns the underlying HTTP server
func (h *HTTPListener) Server() *http.Server {
	return h.server
}
