package listener

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/logging"
)

// ErrConnClosed is returned by a write after the client went away or the
// response was already sent.
var ErrConnClosed = errors.New("listener: connection closed")

// Conn carries one response back to the client.
type Conn interface {
	// Write sends resp. keepAlive false closes the connection after.
	Write(resp *gwcontext.Response, keepAlive bool) error
	Close() error
	RemoteAddr() string
}

// Sink receives every parsed request. It owns in from then on and must
// eventually write to or close conn.
type Sink func(in *gwcontext.Inbound, conn Conn)

// HandlerOptions configures the ingress handler.
type HandlerOptions struct {
	Pool             *gwcontext.BufferPool
	MaxContentLength int64 // 0 is unlimited
	KeepAlive        bool
	Logger           *zap.Logger
}

// Handler turns net/http requests into Inbound values. ServeHTTP blocks
// until the sink answers or the client goes away.
type Handler struct {
	sink      Sink
	pool      *gwcontext.BufferPool
	maxLength int64
	keepAlive bool
	logger    *zap.Logger
}

// NewHandler creates the ingress handler.
func NewHandler(sink Sink, opts HandlerOptions) *Handler {
	if opts.Pool == nil {
		opts.Pool = gwcontext.NewBufferPool()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	return &Handler{
		sink:      sink,
		pool:      opts.Pool,
		maxLength: opts.MaxContentLength,
		keepAlive: opts.KeepAlive,
		logger:    opts.Logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.maxLength > 0 && r.ContentLength > h.maxLength {
		gwerrors.ErrRequestTooLarge.WriteJSON(w)
		return
	}

	buf, err := h.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			gwerrors.ErrRequestTooLarge.WriteJSON(w)
			return
		}
		h.logger.Debug("failed to read request body",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		gwerrors.ErrBadRequest.WriteJSON(w)
		return
	}

	in := gwcontext.NewInbound(h.pool, buf)
	in.Method = r.Method
	in.URI = r.RequestURI
	in.Path = r.URL.Path
	in.RawQuery = r.URL.RawQuery
	in.Proto = r.Proto
	in.Host = r.Host
	in.RemoteAddr = r.RemoteAddr
	in.Header = r.Header
	in.KeepAlive = h.keepAlive && !r.Close

	conn := newHTTPConn(w, r.RemoteAddr)
	h.sink(in, conn)

	select {
	case <-conn.done:
	case <-r.Context().Done():
		conn.Close()
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (*[]byte, error) {
	size := int(r.ContentLength)
	if size < 0 {
		size = 0
	}
	buf := h.pool.Get(size)
	if r.Body == nil || r.Body == http.NoBody {
		return buf, nil
	}
	body := r.Body
	if h.maxLength > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxLength)
	}
	bb := bytes.NewBuffer((*buf)[:0])
	if _, err := bb.ReadFrom(body); err != nil {
		h.pool.Put(buf)
		return nil, err
	}
	*buf = bb.Bytes()
	return buf, nil
}

type httpConn struct {
	w      http.ResponseWriter
	remote string

	mu       sync.Mutex
	finished bool
	done     chan struct{}
}

func newHTTPConn(w http.ResponseWriter, remote string) *httpConn {
	return &httpConn{w: w, remote: remote, done: make(chan struct{})}
}

func (c *httpConn) Write(resp *gwcontext.Response, keepAlive bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return ErrConnClosed
	}
	defer c.finish()

	h := c.w.Header()
	for name, values := range resp.Header {
		h[name] = values
	}
	if !keepAlive {
		h.Set("Connection", "close")
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	c.w.WriteHeader(resp.Status)
	_, err := c.w.Write(resp.Body)
	return err
}

func (c *httpConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish()
	return nil
}

func (c *httpConn) RemoteAddr() string { return c.remote }

func (c *httpConn) finish() {
	if !c.finished {
		c.finished = true
		close(c.done)
	}
}
