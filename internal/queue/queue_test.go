package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recorder struct {
	mu         sync.Mutex
	events     []int
	exceptions []error
	seqs       []int64
	block      chan struct{}
	panicOn    int
}

func (r *recorder) OnEvent(e int) {
	if r.block != nil {
		<-r.block
	}
	if r.panicOn != 0 && e == r.panicOn {
		panic("boom")
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) OnException(err error, seq int64, e int) {
	r.mu.Lock()
	r.exceptions = append(r.exceptions, err)
	r.seqs = append(r.seqs, seq)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newQueue(t *testing.T, size, threads int, ws WaitStrategy, l Listener[int]) *Queue[int] {
	t.Helper()
	q, err := New[int](Options{BufferSize: size, Threads: threads, WaitStrategy: ws, Logger: zap.NewNop()}, l)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestNewValidatesOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"zero size", Options{BufferSize: 0, Threads: 1}},
		{"not power of two", Options{BufferSize: 1000, Threads: 1}},
		{"no threads", Options{BufferSize: 8, Threads: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New[int](tt.opts, &recorder{})
			if !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("err = %v, want ErrInvalidOptions", err)
			}
		})
	}
}

func TestParseWaitStrategy(t *testing.T) {
	if ws, err := ParseWaitStrategy("busy_spin"); err != nil || ws != BusySpin {
		t.Errorf("busy_spin = %v, %v", ws, err)
	}
	if ws, err := ParseWaitStrategy("blocking"); err != nil || ws != Blocking {
		t.Errorf("blocking = %v, %v", ws, err)
	}
	if _, err := ParseWaitStrategy("sleeping"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestProcessesAllEvents(t *testing.T) {
	for _, ws := range []WaitStrategy{Blocking, BusySpin} {
		rec := &recorder{}
		q := newQueue(t, 64, 4, ws, rec)
		if err := q.Start(); err != nil {
			t.Fatal(err)
		}

		const producers, perProducer = 8, 500
		var wg sync.WaitGroup
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < perProducer; i++ {
					q.Add(p*perProducer + i)
				}
			}(p)
		}
		wg.Wait()
		q.Shutdown()

		if got := rec.count(); got != producers*perProducer {
			t.Fatalf("strategy %d: processed %d, want %d", ws, got, producers*perProducer)
		}
		seen := make(map[int]bool, len(rec.events))
		for _, e := range rec.events {
			if seen[e] {
				t.Fatalf("event %d delivered twice", e)
			}
			seen[e] = true
		}
		st := q.Stats()
		if st.Published != producers*perProducer || st.Processed != producers*perProducer {
			t.Errorf("stats = %+v", st)
		}
		if q.State() != Closed {
			t.Errorf("state = %v", q.State())
		}
	}
}

func TestSingleWorkerKeepsOrder(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, 8, 1, Blocking, rec)
	q.Start()
	for i := 1; i <= 100; i++ {
		q.Add(i)
	}
	q.Shutdown()
	for i, e := range rec.events {
		if e != i+1 {
			t.Fatalf("events[%d] = %d", i, e)
		}
	}
}

func TestTryAddWhenFull(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	q := newQueue(t, 4, 1, Blocking, rec)
	q.Start()

	// one event is held by the blocked worker, four fill the buffer
	q.Add(0)
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for i := 1; i <= 4; i++ {
		if !q.TryAdd(i) {
			t.Fatalf("TryAdd(%d) rejected", i)
		}
	}
	if q.TryAdd(99) {
		t.Error("TryAdd succeeded on a full buffer")
	}
	if q.TryAddBatch(100, 101) {
		t.Error("TryAddBatch succeeded on a full buffer")
	}
	if q.Stats().Rejected != 3 {
		t.Errorf("rejected = %d, want 3", q.Stats().Rejected)
	}

	close(rec.block)
	q.Shutdown()
	if rec.count() != 5 {
		t.Errorf("processed %d", rec.count())
	}
}

func TestTryAddBatchAllOrNothing(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, 4, 1, Blocking, rec)

	if !q.TryAddBatch(1, 2, 3) {
		t.Fatal("batch of 3 rejected on empty buffer")
	}
	if q.TryAddBatch(4, 5) {
		t.Error("batch of 2 accepted with one free slot")
	}
	if q.Len() != 3 {
		t.Errorf("len = %d", q.Len())
	}
	if q.TryAddBatch(1, 2, 3, 4, 5) {
		t.Error("batch larger than capacity accepted")
	}
	q.Start()
	q.Shutdown()
	if rec.count() != 3 {
		t.Errorf("processed %d", rec.count())
	}
}

func TestAddAfterShutdown(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, 8, 2, Blocking, rec)
	q.Start()
	q.Shutdown()
	q.Shutdown()

	if !q.IsShutdown() {
		t.Fatal("IsShutdown = false")
	}
	q.Add(7)
	if q.TryAdd(8) {
		t.Error("TryAdd accepted after shutdown")
	}
	if len(rec.exceptions) != 1 || !errors.Is(rec.exceptions[0], ErrClosed) || rec.seqs[0] != -1 {
		t.Errorf("exceptions = %v seqs = %v", rec.exceptions, rec.seqs)
	}
	if rec.count() != 0 {
		t.Error("event processed after shutdown")
	}
}

func TestShutdownDrainsBufferedEvents(t *testing.T) {
	gate := make(chan struct{})
	rec := &recorder{block: gate}
	q := newQueue(t, 16, 1, Blocking, rec)
	q.Start()
	for i := 0; i < 10; i++ {
		q.Add(i)
	}

	done := make(chan struct{})
	go func() {
		q.Shutdown()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	if rec.count() != 10 {
		t.Errorf("drained %d of 10", rec.count())
	}
}

func TestPanicRoutedToOnException(t *testing.T) {
	rec := &recorder{panicOn: 3}
	q := newQueue(t, 8, 1, BusySpin, rec)
	q.Start()
	for i := 1; i <= 5; i++ {
		q.Add(i)
	}
	q.Shutdown()

	if rec.count() != 4 {
		t.Errorf("processed %d, want 4", rec.count())
	}
	if len(rec.exceptions) != 1 || rec.seqs[0] != 2 {
		t.Errorf("exceptions = %v seqs = %v", rec.exceptions, rec.seqs)
	}
	if q.Stats().Failed != 1 {
		t.Errorf("failed = %d", q.Stats().Failed)
	}
}

func TestStartTwice(t *testing.T) {
	q := newQueue(t, 8, 1, Blocking, &recorder{})
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(); err == nil {
		t.Error("second Start succeeded")
	}
	q.Shutdown()
}

func TestAddBlocksUntilRoom(t *testing.T) {
	gate := make(chan struct{})
	rec := &recorder{block: gate}
	q := newQueue(t, 2, 1, Blocking, rec)
	q.Start()

	var added atomic.Int32
	go func() {
		for i := 0; i < 6; i++ {
			q.Add(i)
			added.Add(1)
		}
	}()
	time.Sleep(50 * time.Millisecond)
	if n := added.Load(); n >= 6 {
		t.Fatalf("producer did not block, added %d", n)
	}
	close(gate)
	deadline := time.Now().Add(5 * time.Second)
	for added.Load() < 6 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	q.Shutdown()
	if rec.count() != 6 {
		t.Errorf("processed %d", rec.count())
	}
}
