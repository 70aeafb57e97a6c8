package gwcontext

import (
	"sync"
	"sync/atomic"
)

// Buffer pool sizes
const (
	SmallBufferSize  = 2 * 1024
	MediumBufferSize = 16 * 1024
	LargeBufferSize  = 256 * 1024
)

// BufferPool hands out inbound body buffers in three size tiers.
type BufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool

	gets atomic.Int64
	puts atomic.Int64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	newTier := func(size int) sync.Pool {
		return sync.Pool{New: func() any {
			buf := make([]byte, 0, size)
			return &buf
		}}
	}
	return &BufferPool{
		small:  newTier(SmallBufferSize),
		medium: newTier(MediumBufferSize),
		large:  newTier(LargeBufferSize),
	}
}

// Get acquires a buffer able to hold estimatedSize bytes.
func (bp *BufferPool) Get(estimatedSize int) *[]byte {
	bp.gets.Add(1)
	switch {
	case estimatedSize <= SmallBufferSize:
		return bp.small.Get().(*[]byte)
	case estimatedSize <= MediumBufferSize:
		return bp.medium.Get().(*[]byte)
	case estimatedSize <= LargeBufferSize:
		return bp.large.Get().(*[]byte)
	default:
		buf := make([]byte, 0, estimatedSize)
		return &buf
	}
}

// Put returns a buffer to the pool
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	bp.puts.Add(1)

	*buf = (*buf)[:0]
	switch c := cap(*buf); {
	case c > LargeBufferSize:
	case c == LargeBufferSize:
		bp.large.Put(buf)
	case c >= MediumBufferSize:
		bp.medium.Put(buf)
	default:
		bp.small.Put(buf)
	}
	// Oversized buffers are not pooled (let GC collect them)
}

// Outstanding is the number of buffers handed out and not yet returned.
func (bp *BufferPool) Outstanding() int64 {
	return bp.gets.Load() - bp.puts.Load()
}
