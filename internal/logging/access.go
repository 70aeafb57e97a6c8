package logging

import (
	"io"
	"time"

	"go.uber.org/zap"
)

// AccessEntry is one completed request as seen by the router.
type AccessEntry struct {
	RequestID string
	ClientIP  string
	UniqueID  string
	Method    string
	Path      string
	Status    int
	BodySize  int
	Retries   int
	Latency   time.Duration
}

// AccessLogger writes one line per finished request. The zero value and a
// nil pointer both discard entries.
type AccessLogger struct {
	logger *zap.Logger
}

// NewAccessLogger builds an access logger with its own output.
func NewAccessLogger(cfg Config) (*AccessLogger, io.Closer, error) {
	core, closer := newCore(cfg)
	return &AccessLogger{logger: zap.New(core)}, closer, nil
}

// NewAccessLoggerFrom wraps an existing zap logger.
func NewAccessLoggerFrom(l *zap.Logger) *AccessLogger {
	return &AccessLogger{logger: l}
}

// Log emits the entry. It never blocks on anything but the sink.
func (a *AccessLogger) Log(e AccessEntry) {
	if a == nil || a.logger == nil {
		return
	}
	a.logger.Info("access",
		zap.String("request_id", e.RequestID),
		zap.String("client_ip", e.ClientIP),
		zap.String("unique_id", e.UniqueID),
		zap.String("method", e.Method),
		zap.String("path", e.Path),
		zap.Int("status", e.Status),
		zap.Int("body_size", e.BodySize),
		zap.Int("retries", e.Retries),
		zap.Duration("latency", e.Latency),
	)
}

// Sync flushes the access sink.
func (a *AccessLogger) Sync() {
	if a == nil || a.logger == nil {
		return
	}
	a.logger.Sync()
}
