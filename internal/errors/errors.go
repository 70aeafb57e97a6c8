package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/tidwall/sjson"
)

// Kind classifies a gateway failure. Every error that reaches the caller
// carries exactly one kind.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindPathNoMatched
	KindUnauthorized
	KindTimeout
	KindConnect
	KindRateLimited
	KindCircuitOpen
	KindQueueClosed
	KindBadRequest
)

var kindNames = [...]string{
	KindInternal:      "internal_error",
	KindNotFound:      "not_found",
	KindPathNoMatched: "path_no_matched",
	KindUnauthorized:  "unauthorized",
	KindTimeout:       "timeout",
	KindConnect:       "connect_error",
	KindRateLimited:   "rate_limited",
	KindCircuitOpen:   "circuit_open",
	KindQueueClosed:   "queue_closed",
	KindBadRequest:    "bad_request",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Retryable reports whether the router may retry a call that failed with this kind.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindConnect
}

// GatewayError represents an error that can be returned to clients
type GatewayError struct {
	Kind       Kind
	Status     int
	Code       int
	Message    string
	RequestID  string
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Is matches another GatewayError by kind so callers can write
// errors.Is(err, errors.ErrTimeout).
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// Body renders the JSON payload written back to the caller.
func (e *GatewayError) Body() []byte {
	if pre, ok := preSerialized[e]; ok {
		return pre
	}
	return render(e)
}

// WriteJSON writes the error as JSON to the response.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	w.Write(e.Body())
}

func render(e *GatewayError) []byte {
	b, _ := sjson.SetBytes(nil, "status", e.Status)
	b, _ = sjson.SetBytes(b, "code", e.Code)
	b, _ = sjson.SetBytes(b, "message", e.Message)
	if e.RequestID != "" {
		b, _ = sjson.SetBytes(b, "request_id", e.RequestID)
	}
	return b
}

// Common errors
var (
	ErrNotFound = &GatewayError{
		Kind:    KindNotFound,
		Status:  http.StatusNotFound,
		Code:    10404,
		Message: "service instance not found",
	}

	ErrServiceNotFound = &GatewayError{
		Kind:    KindNotFound,
		Status:  http.StatusNotFound,
		Code:    10405,
		Message: "service definition not found",
	}

	ErrPathNoMatched = &GatewayError{
		Kind:    KindPathNoMatched,
		Status:  http.StatusNotFound,
		Code:    10406,
		Message: "no rule matched the request path",
	}

	ErrUnauthorized = &GatewayError{
		Kind:    KindUnauthorized,
		Status:  http.StatusUnauthorized,
		Code:    10401,
		Message: "unauthorized",
	}

	ErrTimeout = &GatewayError{
		Kind:    KindTimeout,
		Status:  http.StatusGatewayTimeout,
		Code:    10504,
		Message: "backend request timed out",
	}

	ErrConnect = &GatewayError{
		Kind:    KindConnect,
		Status:  http.StatusBadGateway,
		Code:    10502,
		Message: "backend connection failed",
	}

	ErrRateLimited = &GatewayError{
		Kind:    KindRateLimited,
		Status:  http.StatusTooManyRequests,
		Code:    10429,
		Message: "request rate limited",
	}

	ErrCircuitOpen = &GatewayError{
		Kind:    KindCircuitOpen,
		Status:  http.StatusServiceUnavailable,
		Code:    10503,
		Message: "circuit breaker open",
	}

	ErrQueueClosed = &GatewayError{
		Kind:    KindQueueClosed,
		Status:  http.StatusServiceUnavailable,
		Code:    10510,
		Message: "gateway is shutting down",
	}

	ErrBadRequest = &GatewayError{
		Kind:    KindBadRequest,
		Status:  http.StatusBadRequest,
		Code:    10400,
		Message: "bad request",
	}

	ErrRequestTooLarge = &GatewayError{
		Kind:    KindBadRequest,
		Status:  http.StatusRequestEntityTooLarge,
		Code:    10413,
		Message: "request entity too large",
	}

	ErrInternal = &GatewayError{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Code:    10500,
		Message: "internal server error",
	}
)

// preSerialized holds JSON-encoded bodies for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotFound, ErrServiceNotFound, ErrPathNoMatched, ErrUnauthorized,
		ErrTimeout, ErrConnect, ErrRateLimited, ErrCircuitOpen,
		ErrQueueClosed, ErrBadRequest, ErrRequestTooLarge, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		preSerialized[e] = render(e)
	}
}

// New creates a new GatewayError
func New(kind Kind, status int, message string) *GatewayError {
	return &GatewayError{
		Kind:    kind,
		Status:  status,
		Code:    10000 + status,
		Message: message,
	}
}

// Wrap attaches an underlying cause to a base error.
func Wrap(err error, base *GatewayError) *GatewayError {
	return &GatewayError{
		Kind:       base.Kind,
		Status:     base.Status,
		Code:       base.Code,
		Message:    base.Message,
		RequestID:  base.RequestID,
		underlying: err,
	}
}

// WithMessage returns a copy with a different message.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	return &GatewayError{
		Kind:       e.Kind,
		Status:     e.Status,
		Code:       e.Code,
		Message:    message,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Kind:       e.Kind,
		Status:     e.Status,
		Code:       e.Code,
		Message:    e.Message,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// As extracts a GatewayError anywhere in err's chain.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Classify maps any error onto the taxonomy. Gateway errors pass through,
// deadline and network failures become Timeout or Connect, everything
// else is Internal.
func Classify(err error) *GatewayError {
	if err == nil {
		return nil
	}
	if ge, ok := As(err); ok {
		return ge
	}
	if stderrors.Is(err, context.Canceled) {
		return Wrap(err, ErrInternal)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, ErrTimeout)
	}
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		return Wrap(err, ErrTimeout)
	}
	if connectFailure(err) {
		return Wrap(err, ErrConnect)
	}
	return Wrap(err, ErrInternal)
}

// connectFailure reports socket level failures: dial and read/write
// errors, DNS lookups, raw errnos and connections dropped mid-response.
// A *url.Error alone is not one; it also wraps bad schemes and hosts.
func connectFailure(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	var errno syscall.Errno
	switch {
	case stderrors.As(err, &opErr), stderrors.As(err, &dnsErr), stderrors.As(err, &errno):
		return true
	case stderrors.Is(err, io.EOF), stderrors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}

// KindOf is shorthand for Classify(err).Kind; a nil error is Internal.
func KindOf(err error) Kind {
	if ge := Classify(err); ge != nil {
		return ge.Kind
	}
	return KindInternal
}
