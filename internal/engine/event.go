// Package engine turns inbound requests into filter chain runs and writes
// exactly one response per request.
package engine

import (
	"github.com/wudi/tollgate/internal/gwcontext"
)

// Conn is the network side of one request.
type Conn interface {
	// Write sends resp. keepAlive false means the connection closes after.
	Write(resp *gwcontext.Response, keepAlive bool) error
	Close() error
	RemoteAddr() string
}

// Event is what the network layer hands to the engine. A task event
// carries deferred work, such as a retry attempt, instead of a request.
type Event struct {
	Request *gwcontext.Inbound
	Conn    Conn
	Task    func()
}

// HeaderUniqueID selects the service directly, bypassing path matching.
const HeaderUniqueID = "uniqueId"

const connAttr = "engine.conn"

func connOf(ctx *gwcontext.Context) (Conn, bool) {
	v, ok := ctx.Attribute(connAttr)
	if !ok {
		return nil, false
	}
	c, ok := v.(Conn)
	return c, ok
}
