//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package rnet

import (
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"rnet/internal/netpoll"
	"rnet/pool/bytebuffer"
	prb "rnet/pool/ringbuffer"
	"rnet/ringbuffer"
	"rnet/taskqueue"
)

// connState is the connection lifecycle. Transitions happen only on the
// owning event-loop goroutine, so the field needs no lock.
type connState int32

const (
	// connAccepting 连接刚accept，还没注册到poller
	connAccepting connState = iota
	// connActive 正常读写
	connActive
	// connDraining 应用要求善终：不再读，刷完写缓冲后关闭
	connDraining
	// connClosing deregister已发起
	connClosing
	// connClosed 终态，fd已释放
	connClosed
)

type conn struct {
	fd int
	// id 是shard内单调递增的连接标识，completion按它找回连接，fd不行，
	// 内核复用得太快
	id int
	// remote socket address, accept()返回的
	sa         unix.Sockaddr
	localAddr  net.Addr
	remoteAddr net.Addr
	ctx        interface{}
	loop       *eventloop
	codec      ICodec
	state      connState
	// interest 跟踪当前注册到poller的兴趣集合
	interest netpoll.Interest
	mode     netpoll.Mode
	// lastActive 驱动idle sweep
	lastActive time.Time
	// reuse memory of inbound data as a temporary buffer
	buffer []byte
	// byteBuffer 拼接ring-buffer跨界数据时的临时缓冲
	byteBuffer *bytebuffer.ByteBuffer
	// 从客户端接收到的数据
	inboundBuffer *ringbuffer.RingBuffer
	// 发送给客户端的缓冲区，write不完会放到缓冲里
	outboundBuffer *ringbuffer.RingBuffer
	// pending 队列满时暂存的任务，读兴趣同时被挂起
	pending *taskqueue.Task
}

func newTCPConn(fd int, el *eventloop, sa unix.Sockaddr) *conn {
	return &conn{
		fd:             fd,
		sa:             sa,
		loop:           el,
		codec:          el.codec,
		state:          connAccepting,
		mode:           el.triggerMode(),
		inboundBuffer:  prb.Get(),
		outboundBuffer: prb.Get(),
	}
}

func (c *conn) releaseTCP() {
	c.sa = nil
	c.ctx = nil
	c.buffer = nil
	c.localAddr = nil
	c.remoteAddr = nil
	c.pending = nil
	prb.Put(c.inboundBuffer)
	prb.Put(c.outboundBuffer)
	c.inboundBuffer = nil
	c.outboundBuffer = nil
	bytebuffer.Put(c.byteBuffer)
	c.byteBuffer = nil
}

func (c *conn) suspended() bool {
	return c.pending != nil
}

// 如果 OnOpened() 有需要返回给client的数据，通过open写出
func (c *conn) open(buf []byte) {
	n, err := unix.Write(c.fd, buf)
	if err != nil {
		_, _ = c.outboundBuffer.Write(buf)
		c.ensureWriteInterest()
		return
	}
	if n < len(buf) {
		_, _ = c.outboundBuffer.Write(buf[n:])
		c.ensureWriteInterest()
	}
}

func (c *conn) read() ([]byte, error) {
	return c.codec.Decode(c)
}

// write appends buf to the peer, trying an immediate send first and falling
// back to the outbound buffer plus write interest on a would-block.
func (c *conn) write(buf []byte) {
	if !c.outboundBuffer.IsEmpty() {
		if _, err := c.outboundBuffer.Write(buf); err != nil {
			_ = c.loop.loopCloseConn(c, err)
		}
		return
	}
	n, err := unix.Write(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			if _, err = c.outboundBuffer.Write(buf); err != nil {
				_ = c.loop.loopCloseConn(c, err)
				return
			}
			c.ensureWriteInterest()
			return
		}
		_ = c.loop.loopCloseConn(c, os.NewSyscallError("write", err))
		return
	}
	if n < len(buf) {
		if _, err = c.outboundBuffer.Write(buf[n:]); err != nil {
			_ = c.loop.loopCloseConn(c, err)
			return
		}
		c.ensureWriteInterest()
	}
}

func (c *conn) ensureWriteInterest() {
	if c.interest.Writable() {
		return
	}
	c.interest |= netpoll.InterestWrite
	sniffErrorAndLog(c.loop.poller.Modify(c.fd, c.interest))
}

func (c *conn) dropWriteInterest() {
	if !c.interest.Writable() {
		return
	}
	c.interest &^= netpoll.InterestWrite
	sniffErrorAndLog(c.loop.poller.Modify(c.fd, c.interest))
}

func (c *conn) Read() []byte {
	if c.inboundBuffer.IsEmpty() {
		return c.buffer
	}
	// 上一帧在提交时已经拷贝走，旧的拼接缓冲到这一刻才能安全归还池子。
	// 提前Put的话别的shard可能拿到同一块内存，把还没拷贝的帧写花
	bytebuffer.Put(c.byteBuffer)
	// 读取 inboundBuffer + c.buffer
	c.byteBuffer = c.inboundBuffer.WithByteBuffer(c.buffer)
	return c.byteBuffer.Bytes()
}

// 清空接收缓冲区。byteBuffer故意留着：刚解出的帧可能还引用它，
// 下一次Read/ReadN或releaseTCP时再归还
func (c *conn) ResetBuffer() {
	c.buffer = c.buffer[:0]
	c.inboundBuffer.Reset()
}

func (c *conn) ReadN(n int) (size int, buf []byte) {
	inBufferLen := c.inboundBuffer.Length()
	tempBufferLen := len(c.buffer)
	// n超出可读数据时返回全部可读数据
	if totalLen := inBufferLen + tempBufferLen; totalLen < n || n <= 0 {
		n = totalLen
	}
	size = n
	if c.inboundBuffer.IsEmpty() {
		buf = c.buffer[:n]
		return
	}
	head, tail := c.inboundBuffer.LazyRead(n)
	bytebuffer.Put(c.byteBuffer)
	c.byteBuffer = bytebuffer.Get()
	_, _ = c.byteBuffer.Write(head)
	_, _ = c.byteBuffer.Write(tail)
	if inBufferLen >= n {
		buf = c.byteBuffer.Bytes()
		return
	}

	restSize := n - inBufferLen
	_, _ = c.byteBuffer.Write(c.buffer[:restSize])
	buf = c.byteBuffer.Bytes()
	return
}

func (c *conn) ShiftN(n int) (size int) {
	inBufferLen := c.inboundBuffer.Length()
	tempBufferLen := len(c.buffer)
	if inBufferLen+tempBufferLen < n || n <= 0 {
		c.ResetBuffer()
		size = inBufferLen + tempBufferLen
		return
	}
	size = n
	if c.inboundBuffer.IsEmpty() {
		c.buffer = c.buffer[n:]
		return
	}

	if inBufferLen > n {
		c.inboundBuffer.Shift(n)
		return
	}
	c.inboundBuffer.Reset()

	restSize := n - inBufferLen
	c.buffer = c.buffer[restSize:]
	return
}

func (c *conn) BufferLength() int {
	return c.inboundBuffer.Length() + len(c.buffer)
}

// AsyncWrite encodes and writes buf from outside the event loop.
func (c *conn) AsyncWrite(buf []byte) (err error) {
	var encodedBuf []byte
	if encodedBuf, err = c.codec.Encode(c, buf); err == nil {
		return c.loop.poller.Trigger(func() error {
			if c.state == connActive || c.state == connDraining {
				c.write(encodedBuf)
			}
			return nil
		})
	}
	return
}

// Drain asks for a graceful close: reads stop, buffered output is flushed,
// then the connection is closed.
func (c *conn) Drain() error {
	return c.loop.poller.Trigger(func() error {
		return c.loop.drainConn(c)
	})
}

// Wake triggers a decode pass for this connection.
func (c *conn) Wake() error {
	return c.loop.poller.Trigger(func() error {
		return c.loop.loopWake(c)
	})
}

func (c *conn) Close() error {
	return c.loop.poller.Trigger(func() error {
		return c.loop.loopCloseConn(c, nil)
	})
}

func (c *conn) Context() interface{}       { return c.ctx }
func (c *conn) SetContext(ctx interface{}) { c.ctx = ctx }
func (c *conn) LocalAddr() net.Addr        { return c.localAddr }
func (c *conn) RemoteAddr() net.Addr       { return c.remoteAddr }
