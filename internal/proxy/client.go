// Package proxy issues the outbound backend call for a request and hands
// the outcome back asynchronously.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/tollgate/internal/config"
	gwerrors "github.com/wudi/tollgate/internal/errors"
)

// ErrClientClosed is reported for calls made after Close.
var ErrClientClosed = errors.New("proxy: client closed")

// Result is the outcome of one outbound call. Body is fully read.
type Result struct {
	Response *http.Response
	Body     []byte
	Err      error
	Latency  time.Duration
}

// Client executes outbound requests without blocking the caller. The
// returned channel yields exactly one Result.
type Client interface {
	Execute(ctx context.Context, req *http.Request) <-chan Result
}

// HTTPClient is a Client over a pooled http.Transport.
type HTTPClient struct {
	client    *http.Client
	transport *http.Transport
	maxBody   int64

	closed   atomic.Bool
	inflight sync.WaitGroup
}

// NewHTTPClient builds a client from the client config section.
func NewHTTPClient(cfg config.ClientConfig) *HTTPClient {
	tr := NewTransport(TransportConfigFrom(cfg))
	return &HTTPClient{
		transport: tr,
		maxBody:   cfg.MaxResponseSize,
		client: &http.Client{
			Transport: tr,
			Timeout:   cfg.RequestTimeout,
			// backend redirects are relayed to the caller
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Execute starts req on its own goroutine.
func (c *HTTPClient) Execute(ctx context.Context, req *http.Request) <-chan Result {
	ch := make(chan Result, 1)
	if c.closed.Load() {
		ch <- Result{Err: ErrClientClosed}
		return ch
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ch <- c.do(ctx, req)
	}()
	return ch
}

func (c *HTTPClient) do(ctx context.Context, req *http.Request) Result {
	start := time.Now()
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return Result{Err: err, Latency: time.Since(start)}
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if c.maxBody > 0 {
		reader = io.LimitReader(resp.Body, c.maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Result{Response: resp, Err: fmt.Errorf("reading backend body: %w", err), Latency: time.Since(start)}
	}
	if c.maxBody > 0 && int64(len(body)) > c.maxBody {
		return Result{Response: resp, Err: gwerrors.ErrRequestTooLarge.WithMessage("backend response too large"), Latency: time.Since(start)}
	}
	return Result{Response: resp, Body: body, Latency: time.Since(start)}
}

// Describe reports transport settings for the admin API.
func (c *HTTPClient) Describe() map[string]any {
	d := describeTransport(c.transport)
	d["request_timeout"] = c.client.Timeout.String()
	d["max_response_size"] = c.maxBody
	return d
}

// Close refuses new calls, waits for in-flight ones up to ctx and drops
// idle connections.
func (c *HTTPClient) Close(ctx context.Context) error {
	c.closed.Store(true)
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	defer c.transport.CloseIdleConnections()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Classify reduces a call error to Timeout, Connect or Internal.
func Classify(err error) gwerrors.Kind {
	if err == nil {
		return gwerrors.KindInternal
	}
	switch k := gwerrors.KindOf(err); k {
	case gwerrors.KindTimeout, gwerrors.KindConnect:
		return k
	}
	return gwerrors.KindInternal
}

// Retryable reports whether err is a timeout or connection failure.
func Retryable(err error) bool {
	return err != nil && Classify(err).Retryable()
}
