// Package pool recycles frame buffers between reads and writes so that
// steady message traffic does not allocate per frame.
package pool

import "sync"

// Size classes. Beacons and control frames fit the smallest class, typical
// chat-sized messages the middle one.
const (
	SmallBufferSize  = 512
	MediumBufferSize = 4096
	LargeBufferSize  = 64 << 10
)

var classes = [...]int{SmallBufferSize, MediumBufferSize, LargeBufferSize}

// BufferPool hands out byte slices from a fixed set of size classes.
// Requests above LargeBufferSize are allocated and never pooled.
type BufferPool struct {
	pools [len(classes)]sync.Pool
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	for i, size := range classes {
		size := size
		p.pools[i].New = func() any {
			buf := make([]byte, 0, size)
			return &buf
		}
	}
	return p
}

func classFor(size int) int {
	for i, c := range classes {
		if size <= c {
			return i
		}
	}
	return -1
}

// Get returns an empty buffer with capacity of at least size.
func (p *BufferPool) Get(size int) *[]byte {
	i := classFor(size)
	if i < 0 {
		buf := make([]byte, 0, size)
		return &buf
	}
	buf := p.pools[i].Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// GetExact returns a zeroed buffer of length size.
func (p *BufferPool) GetExact(size int) *[]byte {
	buf := p.Get(size)
	*buf = (*buf)[:size]
	clear(*buf)
	return buf
}

// Put returns buf to the class matching its capacity. Buffers that grew
// past LargeBufferSize, or shrank below a class, are dropped.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	c := cap(*buf)
	for i := len(classes) - 1; i >= 0; i-- {
		if c >= classes[i] {
			if c > LargeBufferSize {
				return
			}
			*buf = (*buf)[:0]
			p.pools[i].Put(buf)
			return
		}
	}
}

var global = NewBufferPool()

// GetBuffer takes a buffer from the process-wide pool.
func GetBuffer(size int) *[]byte {
	return global.Get(size)
}

// GetExactBuffer takes a zeroed buffer of length size from the
// process-wide pool.
func GetExactBuffer(size int) *[]byte {
	return global.GetExact(size)
}

// PutBuffer returns a buffer to the process-wide pool.
func PutBuffer(buf *[]byte) {
	global.Put(buf)
}
