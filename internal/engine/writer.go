package engine

import (
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/logging"
)

// Writer flushes a context's response to its connection. Only the first
// call per context writes; later calls are no-ops.
type Writer struct {
	access *logging.AccessLogger
	logger *zap.Logger
}

// NewWriter creates a writer. access may be nil.
func NewWriter(access *logging.AccessLogger, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = logging.Global()
	}
	return &Writer{access: access, logger: logger}
}

// Respond writes the response of a Written context, then completes and
// terminates it, releases the request and fires completion callbacks.
func (w *Writer) Respond(ctx *gwcontext.Context) {
	if !ctx.MarkCompleted() {
		return
	}
	defer func() {
		ctx.ReleaseRequest()
		ctx.MarkTerminated()
		ctx.InvokeCompletedCallbacks()
	}()

	resp := ctx.Response()
	if resp == nil {
		resp = gwcontext.FromError(gwerrors.ErrInternal.WithRequestID(ctx.RequestID()))
	}
	keepAlive := ctx.KeepAlive()
	if resp.Header == nil {
		resp.Header = make(map[string][]string)
	}
	if keepAlive {
		resp.Header.Set("Connection", "keep-alive")
	} else {
		resp.Header.Set("Connection", "close")
	}

	conn, ok := connOf(ctx)
	if !ok {
		w.logger.Error("context has no connection", zap.String("request_id", ctx.RequestID()))
		return
	}
	if err := conn.Write(resp, keepAlive); err != nil {
		w.logger.Warn("failed to write response",
			zap.String("request_id", ctx.RequestID()),
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Error(err),
		)
	}
	if !keepAlive {
		conn.Close()
	}

	req := ctx.Request()
	w.access.Log(logging.AccessEntry{
		RequestID: ctx.RequestID(),
		ClientIP:  req.ClientIP(),
		UniqueID:  ctx.UniqueID(),
		Method:    req.Method(),
		Path:      req.Path(),
		Status:    resp.Status,
		BodySize:  len(resp.Body),
		Retries:   ctx.CurrentRetryTimes(),
		Latency:   time.Since(ctx.BeginTime()),
	})
}

// WriteError resolves a Running context with err and writes it. A
// context that already has a response keeps it.
func (w *Writer) WriteError(ctx *gwcontext.Context, err error) {
	if !ctx.IsRunning() {
		w.Respond(ctx)
		return
	}
	ge := gwerrors.Classify(err)
	if ge.Kind == gwerrors.KindInternal {
		w.logger.Error("request failed",
			zap.String("request_id", ctx.RequestID()),
			zap.String("path", ctx.Request().Path()),
			zap.Error(err),
		)
	}
	ctx.SetThrowable(err)
	ctx.SetResponse(gwcontext.FromError(ge.WithRequestID(ctx.RequestID())))
	ctx.MarkWritten()
	w.Respond(ctx)
}
