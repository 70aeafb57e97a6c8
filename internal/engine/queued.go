package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/config"
	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/queue"
)

// QueuedProcessor hands events to a Processor through the ingress queue
// (parallel) or calls it directly on the network goroutine (direct).
type QueuedProcessor struct {
	proc   *Processor
	queue  *queue.Queue[Event]
	logger *zap.Logger
}

// NewQueuedProcessor creates the ingress stage from the queue section.
func NewQueuedProcessor(proc *Processor, cfg config.QueueConfig, logger *zap.Logger) (*QueuedProcessor, error) {
	if logger == nil {
		logger = logging.Global()
	}
	qp := &QueuedProcessor{proc: proc, logger: logger}
	if cfg.BufferType == config.BufferDirect {
		return qp, nil
	}
	wait, err := queue.ParseWaitStrategy(cfg.WaitStrategy)
	if err != nil {
		return nil, err
	}
	q, err := queue.New[Event](queue.Options{
		BufferSize:   cfg.BufferSize,
		Threads:      cfg.Threads,
		WaitStrategy: wait,
		NamePrefix:   cfg.NamePrefix,
		Logger:       logger,
	}, qp)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingress queue: %w", err)
	}
	qp.queue = q
	return qp, nil
}

// Start starts the queue workers.
func (qp *QueuedProcessor) Start() error {
	if qp.queue == nil {
		return nil
	}
	return qp.queue.Start()
}

// Process submits ev. It blocks while the queue is full.
func (qp *QueuedProcessor) Process(ev Event) {
	if qp.queue == nil {
		qp.proc.Process(ev)
		return
	}
	qp.queue.Add(ev)
}

// Execute schedules a task on the ingress workers. It reports false once
// the queue is shutting down. Direct mode runs the task in place.
func (qp *QueuedProcessor) Execute(task func()) bool {
	if qp.queue == nil {
		task()
		return true
	}
	if qp.queue.IsShutdown() {
		return false
	}
	qp.queue.Add(Event{Task: task})
	return true
}

// Shutdown drains buffered events and stops the workers.
func (qp *QueuedProcessor) Shutdown() {
	if qp.queue != nil {
		qp.queue.Shutdown()
	}
}

// Stats reports the ingress queue, or nil in direct mode.
func (qp *QueuedProcessor) Stats() *queue.Stats {
	if qp.queue == nil {
		return nil
	}
	s := qp.queue.Stats()
	return &s
}

// Len is the number of buffered events.
func (qp *QueuedProcessor) Len() int {
	if qp.queue == nil {
		return 0
	}
	return qp.queue.Len()
}

// OnEvent implements queue.Listener.
func (qp *QueuedProcessor) OnEvent(ev Event) {
	qp.proc.Process(ev)
}

// OnException implements queue.Listener. A task that raced shutdown still
// runs so its request gets an answer; a request is answered directly.
func (qp *QueuedProcessor) OnException(err error, seq int64, ev Event) {
	if ev.Task != nil {
		if errors.Is(err, queue.ErrClosed) {
			ev.Task()
			return
		}
		qp.logger.Error("queued task failed", zap.Int64("seq", seq), zap.Error(err))
		return
	}
	qp.logger.Error("ingress event failed",
		zap.Int64("seq", seq),
		zap.String("path", pathOf(ev)),
		zap.Error(err),
	)
	base := gwerrors.ErrInternal
	if errors.Is(err, queue.ErrClosed) {
		base = gwerrors.ErrQueueClosed
	}
	if ev.Request != nil {
		ev.Request.Release()
	}
	if ev.Conn != nil {
		if werr := ev.Conn.Write(gwcontext.FromError(base), false); werr != nil {
			qp.logger.Warn("failed to write exception response", zap.Error(werr))
		}
		ev.Conn.Close()
	}
}

func pathOf(ev Event) string {
	if ev.Request == nil {
		return ""
	}
	return ev.Request.Path
}

// TaskQueue runs continuations on its own workers. It backs the double
// async completion mode.
type TaskQueue struct {
	queue  *queue.Queue[func()]
	logger *zap.Logger
}

// NewTaskQueue creates a started-on-demand task queue.
func NewTaskQueue(name string, size, threads int, logger *zap.Logger) (*TaskQueue, error) {
	if logger == nil {
		logger = logging.Global()
	}
	tq := &TaskQueue{logger: logger}
	q, err := queue.New[func()](queue.Options{
		BufferSize: size,
		Threads:    threads,
		NamePrefix: name,
		Logger:     logger,
	}, tq)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s queue: %w", name, err)
	}
	tq.queue = q
	return tq, nil
}

// Start starts the workers.
func (tq *TaskQueue) Start() error { return tq.queue.Start() }

// Execute enqueues task. It reports false once shutdown began.
func (tq *TaskQueue) Execute(task func()) bool {
	if tq.queue.IsShutdown() {
		return false
	}
	tq.queue.Add(task)
	return true
}

// Shutdown runs the buffered tasks and stops.
func (tq *TaskQueue) Shutdown() { tq.queue.Shutdown() }

// Stats reports queue counters.
func (tq *TaskQueue) Stats() queue.Stats { return tq.queue.Stats() }

// OnEvent implements queue.Listener.
func (tq *TaskQueue) OnEvent(task func()) { task() }

// OnException implements queue.Listener. Tasks refused at shutdown run
// on the caller.
func (tq *TaskQueue) OnException(err error, seq int64, task func()) {
	if errors.Is(err, queue.ErrClosed) {
		task()
		return
	}
	tq.logger.Error("task failed", zap.Int64("seq", seq), zap.Error(err))
}
