// Package queue implements the ingress hand-off between the network layer
// and the request workers: a bounded lock-free multi-producer
// multi-consumer ring buffer drained by a fixed set of worker goroutines.
package queue

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/logging"
)

var (
	// ErrClosed is delivered to OnException for events added after Shutdown.
	ErrClosed = errors.New("queue: closed")
	// ErrInvalidOptions is wrapped by New for a bad configuration.
	ErrInvalidOptions = errors.New("queue: invalid options")
)

// Listener consumes events on the worker goroutines.
type Listener[E any] interface {
	OnEvent(e E)
	// OnException receives events that failed. seq is the slot sequence of
	// the event, or -1 when it never entered the buffer.
	OnException(err error, seq int64, e E)
}

// State is the queue lifecycle position.
type State int32

const (
	Created State = iota
	Running
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// WaitStrategy decides how idle workers and producers facing a full
// buffer wait.
type WaitStrategy int

const (
	// Blocking parks goroutines on a condition variable.
	Blocking WaitStrategy = iota
	// BusySpin keeps polling, yielding the processor between attempts.
	BusySpin
)

// ParseWaitStrategy maps the config names "blocking" and "busy_spin".
func ParseWaitStrategy(s string) (WaitStrategy, error) {
	switch s {
	case "", "blocking":
		return Blocking, nil
	case "busy_spin":
		return BusySpin, nil
	}
	return Blocking, fmt.Errorf("%w: unknown wait strategy %q", ErrInvalidOptions, s)
}

// Options configures a Queue.
type Options struct {
	BufferSize   int // power of two
	Threads      int
	WaitStrategy WaitStrategy
	NamePrefix   string
	Logger       *zap.Logger
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	State     string `json:"state"`
	Capacity  int    `json:"capacity"`
	Depth     int    `json:"depth"`
	Threads   int    `json:"threads"`
	Published uint64 `json:"published"`
	Processed uint64 `json:"processed"`
	Rejected  uint64 `json:"rejected"`
	Failed    uint64 `json:"failed"`
}

type slot[E any] struct {
	seq atomic.Uint64
	val E
}

// pad keeps the producer and consumer cursors on separate cache lines.
type pad [56]byte

// Queue is a bounded MPMC ring buffer with per-slot sequence numbers.
// A slot at position p is free when its sequence equals p and holds a
// published event when it equals p+1.
type Queue[E any] struct {
	_    pad
	head atomic.Uint64 // next position to claim for publishing
	_    pad
	tail atomic.Uint64 // next position to consume
	_    pad

	mask     uint64
	slots    []slot[E]
	opts     Options
	listener Listener[E]
	logger   *zap.Logger

	state     atomic.Int32
	producers atomic.Int64
	sealed    atomic.Bool

	mu          sync.Mutex
	notEmpty    *sync.Cond
	notFull     *sync.Cond
	idleWorkers atomic.Int64
	fullWaiters atomic.Int64

	wg sync.WaitGroup

	published atomic.Uint64
	processed atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
}

// New validates opts and creates a queue in the Created state.
func New[E any](opts Options, listener Listener[E]) (*Queue[E], error) {
	if opts.BufferSize <= 0 || opts.BufferSize&(opts.BufferSize-1) != 0 {
		return nil, fmt.Errorf("%w: buffer size %d is not a power of two", ErrInvalidOptions, opts.BufferSize)
	}
	if opts.Threads < 1 {
		return nil, fmt.Errorf("%w: threads must be >= 1, got %d", ErrInvalidOptions, opts.Threads)
	}
	if listener == nil {
		return nil, fmt.Errorf("%w: nil listener", ErrInvalidOptions)
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = "queue-worker"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}

	q := &Queue[E]{
		mask:     uint64(opts.BufferSize - 1),
		slots:    make([]slot[E], opts.BufferSize),
		opts:     opts,
		listener: listener,
		logger:   logger.With(zap.String("queue", opts.NamePrefix)),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q, nil
}

// Start launches the workers. It fails unless the queue is Created.
func (q *Queue[E]) Start() error {
	if !q.state.CompareAndSwap(int32(Created), int32(Running)) {
		return fmt.Errorf("queue: start in state %s", q.State())
	}
	for i := 0; i < q.opts.Threads; i++ {
		name := fmt.Sprintf("%s-%d", q.opts.NamePrefix, i)
		q.wg.Add(1)
		go q.work(name)
	}
	q.logger.Info("queue started",
		zap.Int("buffer_size", len(q.slots)),
		zap.Int("threads", q.opts.Threads))
	return nil
}

// State returns the lifecycle state.
func (q *Queue[E]) State() State { return State(q.state.Load()) }

// IsShutdown reports whether Shutdown has been called.
func (q *Queue[E]) IsShutdown() bool { return q.State() >= Draining }

// Capacity is the fixed buffer size.
func (q *Queue[E]) Capacity() int { return len(q.slots) }

// Len is the number of events buffered and not yet taken by a worker.
func (q *Queue[E]) Len() int {
	head, tail := q.head.Load(), q.tail.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}

// Add publishes e, waiting while the buffer is full. After Shutdown the
// event goes to OnException with ErrClosed.
func (q *Queue[E]) Add(e E) {
	q.AddBatch(e)
}

// AddBatch publishes es as one contiguous run, waiting for room.
// Batches larger than the buffer are split.
func (q *Queue[E]) AddBatch(es ...E) {
	for len(es) > 0 {
		n := min(len(es), len(q.slots))
		q.publish(es[:n], true)
		es = es[n:]
	}
}

// TryAdd publishes e if there is room. It never blocks.
func (q *Queue[E]) TryAdd(e E) bool {
	return q.publish([]E{e}, false)
}

// TryAddBatch publishes all of es or none of them.
func (q *Queue[E]) TryAddBatch(es ...E) bool {
	if len(es) == 0 {
		return true
	}
	if len(es) > len(q.slots) {
		q.rejected.Add(uint64(len(es)))
		return false
	}
	return q.publish(es, false)
}

func (q *Queue[E]) publish(es []E, wait bool) bool {
	q.producers.Add(1)
	defer q.producers.Add(-1)

	if q.IsShutdown() {
		q.rejected.Add(uint64(len(es)))
		if wait {
			for _, e := range es {
				q.exception(ErrClosed, -1, e)
			}
		}
		return false
	}

	n := uint64(len(es))
	for {
		if pos, ok := q.claim(n); ok {
			for i, e := range es {
				s := &q.slots[(pos+uint64(i))&q.mask]
				s.val = e
				s.seq.Store(pos + uint64(i) + 1)
			}
			q.published.Add(n)
			q.signalNotEmpty()
			return true
		}
		if !wait {
			q.rejected.Add(n)
			return false
		}
		q.waitNotFull(n)
	}
}

// claim reserves n consecutive free positions. Slots at or past head only
// ever become free, so checking them before the CAS is safe.
func (q *Queue[E]) claim(n uint64) (uint64, bool) {
	for {
		pos := q.head.Load()
		stale := false
		for i := uint64(0); i < n; i++ {
			p := pos + i
			seq := q.slots[p&q.mask].seq.Load()
			if seq < p {
				// previous lap not consumed yet
				return 0, false
			}
			if seq > p {
				stale = true
				break
			}
		}
		if stale {
			continue
		}
		if q.head.CompareAndSwap(pos, pos+n) {
			return pos, true
		}
	}
}

// take removes the next published event.
func (q *Queue[E]) take() (E, int64, bool) {
	var zero E
	for {
		pos := q.tail.Load()
		s := &q.slots[pos&q.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos+1:
			if q.tail.CompareAndSwap(pos, pos+1) {
				e := s.val
				s.val = zero
				s.seq.Store(pos + uint64(len(q.slots)))
				q.signalNotFull()
				return e, int64(pos), true
			}
		case seq < pos+1:
			return zero, -1, false
		}
	}
}

func (q *Queue[E]) signalNotEmpty() {
	if q.opts.WaitStrategy == Blocking && q.idleWorkers.Load() > 0 {
		q.mu.Lock()
		q.notEmpty.Signal()
		q.mu.Unlock()
	}
}

func (q *Queue[E]) signalNotFull() {
	if q.opts.WaitStrategy == Blocking && q.fullWaiters.Load() > 0 {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	}
}

func (q *Queue[E]) waitNotFull(n uint64) {
	if q.opts.WaitStrategy == BusySpin {
		runtime.Gosched()
		return
	}
	q.mu.Lock()
	q.fullWaiters.Add(1)
	for q.free() < n && !q.sealed.Load() {
		q.notFull.Wait()
	}
	q.fullWaiters.Add(-1)
	q.mu.Unlock()
}

func (q *Queue[E]) free() uint64 {
	return uint64(len(q.slots)) - uint64(q.Len())
}

func (q *Queue[E]) waitNotEmpty() {
	if q.opts.WaitStrategy == BusySpin {
		runtime.Gosched()
		return
	}
	q.mu.Lock()
	q.idleWorkers.Add(1)
	for q.Len() == 0 && !q.sealed.Load() {
		q.notEmpty.Wait()
	}
	q.idleWorkers.Add(-1)
	q.mu.Unlock()
}

func (q *Queue[E]) work(name string) {
	defer q.wg.Done()
	q.logger.Debug("worker started", zap.String("worker", name))
	for {
		e, seq, ok := q.take()
		if ok {
			q.dispatch(e, seq)
			continue
		}
		if q.sealed.Load() {
			// producers are gone; one last look for stragglers
			if e, seq, ok := q.take(); ok {
				q.dispatch(e, seq)
				continue
			}
			q.logger.Debug("worker stopped", zap.String("worker", name))
			return
		}
		q.waitNotEmpty()
	}
}

func (q *Queue[E]) dispatch(e E, seq int64) {
	defer func() {
		if r := recover(); r != nil {
			q.exception(fmt.Errorf("queue: event handler panic: %v", r), seq, e)
		}
	}()
	q.listener.OnEvent(e)
	q.processed.Add(1)
}

func (q *Queue[E]) exception(err error, seq int64, e E) {
	q.failed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("exception handler panic",
				zap.Int64("seq", seq),
				zap.Error(err),
				zap.Any("panic", r))
		}
	}()
	q.listener.OnException(err, seq, e)
}

// Shutdown stops accepting events, lets the workers drain what is
// buffered and waits for them to exit. Calling it again is a no-op.
// A queue that was never started is drained on the caller's goroutine.
func (q *Queue[E]) Shutdown() {
	wasCreated := q.state.CompareAndSwap(int32(Created), int32(Draining))
	if !wasCreated && !q.state.CompareAndSwap(int32(Running), int32(Draining)) {
		return
	}
	for q.producers.Load() > 0 {
		runtime.Gosched()
	}

	q.mu.Lock()
	q.sealed.Store(true)
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()

	if wasCreated {
		for {
			e, seq, ok := q.take()
			if !ok {
				break
			}
			q.dispatch(e, seq)
		}
	}
	q.wg.Wait()
	q.state.Store(int32(Closed))
	q.logger.Info("queue stopped",
		zap.Uint64("processed", q.processed.Load()),
		zap.Uint64("rejected", q.rejected.Load()))
}

// Stats returns a counters snapshot.
func (q *Queue[E]) Stats() Stats {
	return Stats{
		State:     q.State().String(),
		Capacity:  len(q.slots),
		Depth:     q.Len(),
		Threads:   q.opts.Threads,
		Published: q.published.Load(),
		Processed: q.processed.Load(),
		Rejected:  q.rejected.Load(),
		Failed:    q.failed.Load(),
	}
}
