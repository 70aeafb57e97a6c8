package gwcontext

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Inbound is a parsed request handed over by the network layer. Its body
// lives in a pooled buffer that must be released exactly once.
type Inbound struct {
	Method     string
	URI        string // path and query as received
	Path       string
	RawQuery   string
	Proto      string
	Host       string
	RemoteAddr string
	Header     http.Header
	KeepAlive  bool
	ReceivedAt time.Time

	body     *[]byte
	pool     *BufferPool
	released atomic.Bool
}

// NewInbound wraps a pooled body. pool may be nil for unpooled bodies.
func NewInbound(pool *BufferPool, body *[]byte) *Inbound {
	return &Inbound{pool: pool, body: body, ReceivedAt: time.Now()}
}

// Body returns the request body. It is only valid until Release.
func (in *Inbound) Body() []byte {
	if in.body == nil || in.released.Load() {
		return nil
	}
	return *in.body
}

// Release returns the body buffer to its pool. Only the first call has an
// effect; it reports whether this call released.
func (in *Inbound) Release() bool {
	if !in.released.CompareAndSwap(false, true) {
		return false
	}
	if in.pool != nil && in.body != nil {
		in.pool.Put(in.body)
	}
	return true
}

// Released reports whether the body has been released.
func (in *Inbound) Released() bool {
	return in.released.Load()
}

// ClientIP returns the first X-Forwarded-For entry, else the remote host.
func ClientIP(header http.Header, remoteAddr string) string {
	if xff := header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
