// Package gwcontexttest builds requests and contexts for filter tests.
package gwcontexttest

import (
	"context"
	"net/http"
	"strings"

	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/rules"
)

// Pool is shared by every inbound built here so tests can check Outstanding.
var Pool = gwcontext.NewBufferPool()

// NewInbound builds a pooled inbound request from a client at 10.0.0.9.
func NewInbound(method, uri, body string) *gwcontext.Inbound {
	buf := Pool.Get(len(body))
	*buf = append(*buf, body...)
	in := gwcontext.NewInbound(Pool, buf)
	in.Method = method
	in.URI = uri
	in.Path, in.RawQuery, _ = strings.Cut(uri, "?")
	in.Proto = "HTTP/1.1"
	in.Host = "gateway.local"
	in.RemoteAddr = "10.0.0.9:51234"
	in.Header = make(http.Header)
	in.KeepAlive = true
	return in
}

// NewContext builds a Running context for a GET of uri under rule.
func NewContext(uniqueID, uri string, rule *rules.Rule) *gwcontext.Context {
	return FromInbound(uniqueID, NewInbound(http.MethodGet, uri, ""), rule)
}

// FromInbound wraps in into a Running context.
func FromInbound(uniqueID string, in *gwcontext.Inbound, rule *rules.Rule) *gwcontext.Context {
	req := gwcontext.NewRequest(uniqueID, in)
	return gwcontext.NewContext(context.Background(), "http", req, rule, in.KeepAlive)
}
