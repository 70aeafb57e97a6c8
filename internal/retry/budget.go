package retry

import (
	"sync"
	"time"
)

const ratioSlots = 10

// DefaultRatioWindow is the window used when none is given.
const DefaultRatioWindow = 10 * time.Second

type ratioSlot struct {
	epoch    int64 // slot number since the unix epoch; stale when behind
	requests int64
	retries  int64
}

// RatioBudget caps retries at a fraction of first attempts over a sliding
// window. Below floor retries per second the ratio is not enforced, so
// quiet services can still retry.
type RatioBudget struct {
	ratio  float64
	floor  int
	window time.Duration
	slot   time.Duration
	now    func() time.Time

	mu    sync.Mutex
	slots [ratioSlots]ratioSlot
}

// NewRatioBudget builds a budget over window, DefaultRatioWindow when zero.
func NewRatioBudget(ratio float64, floor int, window time.Duration) *RatioBudget {
	if window <= 0 {
		window = DefaultRatioWindow
	}
	return &RatioBudget{
		ratio:  ratio,
		floor:  floor,
		window: window,
		slot:   window / ratioSlots,
		now:    time.Now,
	}
}

// current returns the slot for now, clearing it when it belongs to an
// older turn of the ring.
func (b *RatioBudget) current() (*ratioSlot, int64) {
	epoch := b.now().UnixNano() / int64(b.slot)
	s := &b.slots[epoch%ratioSlots]
	if s.epoch != epoch {
		*s = ratioSlot{epoch: epoch}
	}
	return s, epoch
}

// totals sums slots still inside the window.
func (b *RatioBudget) totals(epoch int64) (requests, retries int64) {
	for i := range b.slots {
		if s := &b.slots[i]; epoch-s.epoch < ratioSlots {
			requests += s.requests
			retries += s.retries
		}
	}
	return requests, retries
}

// RecordRequest counts a first attempt.
func (b *RatioBudget) RecordRequest() {
	b.mu.Lock()
	s, _ := b.current()
	s.requests++
	b.mu.Unlock()
}

// TryRetry reports whether one more retry fits and, if so, counts it.
func (b *RatioBudget) TryRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, epoch := b.current()
	requests, retries := b.totals(epoch)

	ok := false
	switch {
	case float64(retries) < float64(b.floor)*b.window.Seconds():
		ok = true
	case requests == 0:
		ok = true
	default:
		ok = float64(retries+1)/float64(requests) <= b.ratio
	}
	if ok {
		s.retries++
	}
	return ok
}

// Totals returns the request and retry counts inside the window.
func (b *RatioBudget) Totals() (requests, retries int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, epoch := b.current()
	return b.totals(epoch)
}
