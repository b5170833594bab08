package ringbuffer

import (
	"errors"

	"rnet/internal"
	"rnet/pool/bytebuffer"
)

const initSize = 1 << 12

// MaxBufferSize is the high-water mark of a single buffer, writes that would
// grow the buffer beyond it fail with ErrBufferOverflow.
const MaxBufferSize = 1 << 24

var (
	ErrIsEmpty        = errors.New("ring-buffer is empty")
	ErrBufferOverflow = errors.New("ring-buffer exceeds the high-water mark")
)

// RingBuffer is a growable circular byte buffer. The capacity is always a
// power of two so wrapping uses a mask instead of mod.
type RingBuffer struct {
	buf  []byte
	size int
	mask int
	// r 指向可读的那一位
	r int
	// w 指向可写的那一位
	w int
	isEmpty bool
}

func New(size int) *RingBuffer {
	if size == 0 {
		return &RingBuffer{isEmpty: true}
	}
	size = internal.CeilToPowerOfTwo(size)
	return &RingBuffer{
		buf:     make([]byte, size),
		size:    size,
		mask:    size - 1,
		isEmpty: true,
	}
}

// LazyRead returns up to len bytes without moving the read pointer.
// 数据可能跨越环的边界，所以用head、tail两段返回
func (rb *RingBuffer) LazyRead(n int) (head []byte, tail []byte) {
	if rb.isEmpty || n <= 0 {
		return
	}

	if rb.r < rb.w {
		m := rb.w - rb.r
		if m > n {
			m = n
		}
		head = rb.buf[rb.r : rb.r+m]
		return
	}

	m := rb.size - rb.r + rb.w
	if m > n {
		m = n
	}

	if rb.r+m <= rb.size {
		head = rb.buf[rb.r : rb.r+m]
	} else {
		head = rb.buf[rb.r:]
		c := m - (rb.size - rb.r)
		tail = rb.buf[:c]
	}
	return
}

// LazyReadAll returns all buffered bytes without moving the read pointer.
func (rb *RingBuffer) LazyReadAll() (head []byte, tail []byte) {
	if rb.isEmpty {
		return
	}

	if rb.w > rb.r {
		head = rb.buf[rb.r:rb.w]
		return
	}

	head = rb.buf[rb.r:]
	if rb.w != 0 {
		tail = rb.buf[:rb.w]
	}
	return
}

// Shift discards n bytes, moving the read pointer forward.
func (rb *RingBuffer) Shift(n int) {
	if n <= 0 {
		return
	}
	if n < rb.Length() {
		rb.r = (rb.r + n) & rb.mask
		if rb.r == rb.w {
			rb.isEmpty = true
		}
	} else {
		rb.Reset()
	}
}

func (rb *RingBuffer) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return
	}
	if rb.isEmpty {
		return 0, ErrIsEmpty
	}
	head, tail := rb.LazyRead(len(p))
	n = copy(p, head)
	if tail != nil {
		n += copy(p[n:], tail)
	}
	rb.Shift(n)
	return
}

func (rb *RingBuffer) Write(p []byte) (n int, err error) {
	n = len(p)
	if n == 0 {
		return
	}

	free := rb.Free()
	if n > free {
		if err = rb.grow(rb.size + n - free); err != nil {
			return 0, err
		}
	}

	if rb.w >= rb.r {
		c1 := rb.size - rb.w
		if c1 >= n {
			copy(rb.buf[rb.w:], p)
			rb.w += n
		} else {
			copy(rb.buf[rb.w:], p[:c1])
			copy(rb.buf, p[c1:])
			rb.w = n - c1
		}
	} else {
		copy(rb.buf[rb.w:], p)
		rb.w += n
	}

	if rb.w == rb.size {
		rb.w = 0
	}
	rb.isEmpty = false
	return
}

// Length returns the number of buffered bytes.
func (rb *RingBuffer) Length() int {
	if rb.r == rb.w {
		if rb.isEmpty {
			return 0
		}
		return rb.size
	}
	if rb.w > rb.r {
		return rb.w - rb.r
	}
	return rb.size - rb.r + rb.w
}

// Cap returns the current capacity.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Free returns the number of bytes that can be written without growing.
func (rb *RingBuffer) Free() int {
	return rb.size - rb.Length()
}

func (rb *RingBuffer) IsEmpty() bool {
	return rb.isEmpty
}

func (rb *RingBuffer) IsFull() bool {
	return rb.r == rb.w && !rb.isEmpty
}

// Reset makes the buffer empty without releasing the storage.
func (rb *RingBuffer) Reset() {
	rb.isEmpty = true
	rb.r, rb.w = 0, 0
}

// WithByteBuffer combines the buffered bytes and b into one pooled byte-buffer
// without consuming anything.
func (rb *RingBuffer) WithByteBuffer(b []byte) *bytebuffer.ByteBuffer {
	bb := bytebuffer.Get()
	head, tail := rb.LazyReadAll()
	_, _ = bb.Write(head)
	if tail != nil {
		_, _ = bb.Write(tail)
	}
	_, _ = bb.Write(b)
	return bb
}

func (rb *RingBuffer) grow(newCap int) error {
	newCap = internal.CeilToPowerOfTwo(newCap)
	if newCap < initSize {
		newCap = initSize
	}
	if newCap > MaxBufferSize {
		return ErrBufferOverflow
	}
	newBuf := make([]byte, newCap)
	n := rb.Length()
	if n > 0 {
		head, tail := rb.LazyReadAll()
		copy(newBuf, head)
		if tail != nil {
			copy(newBuf[len(head):], tail)
		}
	}
	rb.buf = newBuf
	rb.size = newCap
	rb.mask = newCap - 1
	rb.r = 0
	rb.w = n
	rb.isEmpty = n == 0
	return nil
}
