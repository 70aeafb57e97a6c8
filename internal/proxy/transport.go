package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/wudi/tollgate/internal/config"
)

// TransportConfig configures the HTTP transport
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	InsecureSkipVerify bool
	DisableKeepAlives  bool
	ForceHTTP2         bool
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          512,
	MaxIdleConnsPerHost:   100,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 0, // no timeout
	ExpectContinueTimeout: 1 * time.Second,
}

// TransportConfigFrom applies the client section over the defaults.
func TransportConfigFrom(cfg config.ClientConfig) TransportConfig {
	tc := DefaultTransportConfig
	if cfg.MaxConnections > 0 {
		tc.MaxIdleConns = cfg.MaxConnections
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		tc.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.MaxConnectionsPerHost > 0 {
		tc.MaxConnsPerHost = cfg.MaxConnectionsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		tc.IdleConnTimeout = cfg.IdleConnTimeout
	}
	if cfg.ConnectTimeout > 0 {
		tc.DialTimeout = cfg.ConnectTimeout
	}
	return tc
}

// NewTransport creates a new HTTP transport with the given configuration.
// Compression stays enabled: the transport asks for gzip and decodes it.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
}

// describeTransport is the admin view of a transport.
func describeTransport(dt *http.Transport) map[string]any {
	return map[string]any{
		"max_idle_conns":          dt.MaxIdleConns,
		"max_idle_conns_per_host": dt.MaxIdleConnsPerHost,
		"max_conns_per_host":      dt.MaxConnsPerHost,
		"idle_conn_timeout":       fmt.Sprintf("%v", dt.IdleConnTimeout),
		"tls_handshake_timeout":   fmt.Sprintf("%v", dt.TLSHandshakeTimeout),
		"response_header_timeout": fmt.Sprintf("%v", dt.ResponseHeaderTimeout),
		"disable_keep_alives":     dt.DisableKeepAlives,
	}
}
