package gwcontext

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/tollgate/internal/registry"
	"github.com/wudi/tollgate/internal/rules"
)

// State is the lifecycle position of a Context. It only moves forward.
type State int32

const (
	Running State = iota
	Written
	Completed
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Written:
		return "written"
	case Completed:
		return "completed"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Context is the per-request aggregate flowing through the filter chain.
// Filters run on one goroutine; after the router dispatches, only the
// completion path touches it. The state and the release flag are atomic.
type Context struct {
	ctx        context.Context
	cancel     context.CancelFunc
	requestID  string
	protocol   string
	request    *Request
	definition *registry.ServiceDefinition
	rule       *rules.Rule
	response   *Response

	state     atomic.Int32
	throwable error
	retries   atomic.Int32
	keepAlive bool
	gray      bool

	attrMu     sync.Mutex
	attributes map[string]any

	cbMu      sync.Mutex
	callbacks []func(*Context)
	cbFired   atomic.Bool
}

// NewContext creates a Running context. A nil parent means Background.
func NewContext(parent context.Context, protocol string, req *Request, rule *rules.Rule, keepAlive bool) *Context {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		ctx:       ctx,
		cancel:    cancel,
		requestID: uuid.NewString(),
		protocol:  protocol,
		request:   req,
		rule:      rule,
		keepAlive: keepAlive,
	}
}

// Ctx is the Go context bound to this request; it is cancelled on Terminate.
func (c *Context) Ctx() context.Context { return c.ctx }

// SetCtx replaces the Go context, e.g. to carry a trace span.
func (c *Context) SetCtx(ctx context.Context) { c.ctx = ctx }

func (c *Context) RequestID() string   { return c.requestID }
func (c *Context) Protocol() string    { return c.protocol }
func (c *Context) Request() *Request   { return c.request }
func (c *Context) Rule() *rules.Rule   { return c.rule }
func (c *Context) KeepAlive() bool     { return c.keepAlive }
func (c *Context) Gray() bool          { return c.gray }
func (c *Context) SetGray(gray bool)   { c.gray = gray }
func (c *Context) Response() *Response { return c.response }
func (c *Context) Throwable() error    { return c.throwable }

// BeginTime is when the inbound request was received.
func (c *Context) BeginTime() time.Time { return c.request.BeginTime() }

// UniqueID is the resolved service id, "serviceId:version".
func (c *Context) UniqueID() string { return c.request.UniqueID() }

func (c *Context) Definition() *registry.ServiceDefinition { return c.definition }

func (c *Context) SetDefinition(def *registry.ServiceDefinition) { c.definition = def }

// SetResponse sets the response to write. It is ignored once the context
// has left Running.
func (c *Context) SetResponse(resp *Response) bool {
	if c.State() != Running {
		return false
	}
	c.response = resp
	return true
}

// SetThrowable records the failure behind the current response.
func (c *Context) SetThrowable(err error) { c.throwable = err }

// DisableKeepAlive forces "Connection: close" on the response.
func (c *Context) DisableKeepAlive() { c.keepAlive = false }

// CurrentRetryTimes is how many times the outbound call has been retried.
func (c *Context) CurrentRetryTimes() int { return int(c.retries.Load()) }

// IncrementRetry bumps the retry counter and returns the new value.
func (c *Context) IncrementRetry() int { return int(c.retries.Add(1)) }

// State returns the current lifecycle state.
func (c *Context) State() State { return State(c.state.Load()) }

func (c *Context) advance(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// MarkWritten moves Running to Written. It reports whether this call won.
func (c *Context) MarkWritten() bool { return c.advance(Running, Written) }

// MarkCompleted moves Written to Completed. The winner performs the write.
func (c *Context) MarkCompleted() bool { return c.advance(Written, Completed) }

// MarkTerminated moves Completed to Terminated and cancels the Go context.
func (c *Context) MarkTerminated() bool {
	if !c.advance(Completed, Terminated) {
		return false
	}
	c.cancel()
	return true
}

// IsRunning, IsWritten, IsCompleted and IsTerminated test the exact state.
func (c *Context) IsRunning() bool    { return c.State() == Running }
func (c *Context) IsWritten() bool    { return c.State() == Written }
func (c *Context) IsCompleted() bool  { return c.State() == Completed }
func (c *Context) IsTerminated() bool { return c.State() == Terminated }

// SetAttribute stores an opaque value for later filters.
func (c *Context) SetAttribute(key string, value any) {
	c.attrMu.Lock()
	if c.attributes == nil {
		c.attributes = make(map[string]any)
	}
	c.attributes[key] = value
	c.attrMu.Unlock()
}

// Attribute returns a value stored by SetAttribute.
func (c *Context) Attribute(key string) (any, bool) {
	c.attrMu.Lock()
	defer c.attrMu.Unlock()
	v, ok := c.attributes[key]
	return v, ok
}

// AddCompletedCallback registers fn to run once the response is written.
// Callbacks added after they fired run immediately.
func (c *Context) AddCompletedCallback(fn func(*Context)) {
	c.cbMu.Lock()
	if !c.cbFired.Load() {
		c.callbacks = append(c.callbacks, fn)
		c.cbMu.Unlock()
		return
	}
	c.cbMu.Unlock()
	fn(c)
}

// InvokeCompletedCallbacks runs the registered callbacks in order. Only the
// first call runs them.
func (c *Context) InvokeCompletedCallbacks() {
	c.cbMu.Lock()
	if c.cbFired.Swap(true) {
		c.cbMu.Unlock()
		return
	}
	cbs := c.callbacks
	c.callbacks = nil
	c.cbMu.Unlock()
	for _, fn := range cbs {
		fn(c)
	}
}

// ReleaseRequest releases the inbound body buffer exactly once and reports
// whether this call did it.
func (c *Context) ReleaseRequest() bool {
	return c.request.Inbound().Release()
}

// Released reports whether the inbound body has been released.
func (c *Context) Released() bool {
	return c.request.Inbound().Released()
}
