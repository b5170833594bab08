// Package ringbuffer pools per-connection ring buffers so short-lived
// connections do not churn allocations.
package ringbuffer

import (
	"sync"

	"rnet/ringbuffer"
)

// DefaultBufferSize is the initial capacity of pooled ring buffers.
const DefaultBufferSize = 1024

var defaultPool = sync.Pool{
	New: func() interface{} {
		return ringbuffer.New(DefaultBufferSize)
	},
}

func Get() *ringbuffer.RingBuffer {
	return defaultPool.Get().(*ringbuffer.RingBuffer)
}

func Put(rb *ringbuffer.RingBuffer) {
	if rb == nil {
		return
	}
	rb.Reset()
	defaultPool.Put(rb)
}
