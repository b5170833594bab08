// Package bytebuffer re-exports the pooled byte-buffer used for assembling
// frames that span the ring-buffer boundary.
package bytebuffer

import (
	"github.com/valyala/bytebufferpool"
)

type ByteBuffer = bytebufferpool.ByteBuffer

// Get returns an empty byte buffer from the pool.
func Get() *ByteBuffer {
	return bytebufferpool.Get()
}

// Put returns the byte buffer to the pool, nil is tolerated.
func Put(b *ByteBuffer) {
	if b != nil {
		bytebufferpool.Put(b)
	}
}
