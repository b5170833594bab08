//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package rnet

import (
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"rnet/internal/netpoll"
	"rnet/taskqueue"
)

// eventloop is one dispatcher shard: a poller, the connections owned by it and
// the completion funnel bringing worker results back onto this goroutine. All
// fields except connCount, stats and the completion channel are confined to
// the loop goroutine.
type eventloop struct {
	idx    int
	svr    *server
	poller *netpoll.Poller
	// ln 只在reuseport模式下非空，每个shard自己accept
	ln          *listener
	codec       ICodec
	packet      []byte
	connCount   int32
	connections map[int]*conn
	// connByID 按连接ID索引，completion只认ID，fd会被内核复用
	connByID          map[int]*conn
	nextConnID        int
	eventHandler      EventHandler
	calibrateCallback func(*eventloop, int32)
	// completions worker完成的结果从这里回到本shard
	completions chan taskqueue.Result
	// wakePending 合并多个completion的唤醒，避免eventfd写风暴
	wakePending int32
	// suspended 队列满被暂停读的连接
	suspended map[int]*conn
	stats     shardStats
	waitMsec  int
}

func (el *eventloop) triggerMode() netpoll.Mode {
	if el.svr.opts.EdgeTriggered {
		return netpoll.EdgeTriggered
	}
	return netpoll.LevelTriggered
}

func (el *eventloop) loopRun() {
	defer el.svr.signalShutdown()
	for {
		_, err := el.poller.Wait(el.waitMsec, el.handleEvent)
		if err == nil {
			if err = el.drainCompletions(); err == nil {
				if err = el.sweepIdle(); err == nil {
					continue
				}
			}
		}
		if err != errServerShutdown {
			el.svr.logger.Printf("event loop %d is exiting: %v", el.idx, err)
		}
		el.closeAllConns()
		return
	}
}

func (el *eventloop) handleEvent(fd int, ev netpoll.Ev) error {
	c, ok := el.connections[fd]
	if !ok {
		return el.loopAccept(fd)
	}
	if ev&netpoll.EvRead != 0 && c.state == connActive && !c.suspended() {
		if err := el.loopRead(c); err != nil {
			return err
		}
		if _, ok = el.connections[fd]; !ok {
			return nil
		}
	}
	if ev&netpoll.EvWrite != 0 {
		if err := el.loopWrite(c); err != nil {
			return err
		}
		if _, ok = el.connections[fd]; !ok {
			return nil
		}
	}
	if ev&netpoll.EvErr != 0 {
		return el.loopCloseConn(c, ErrPeerClosed)
	}
	return nil
}

// loopAccept drains the shard-local listener, bounded per iteration so a hot
// listener can not starve established connections.
func (el *eventloop) loopAccept(fd int) error {
	if el.ln == nil || fd != el.ln.fd {
		return nil
	}
	for i := 0; i < el.svr.opts.AcceptBatch; i++ {
		nfd, sa, err := unix.Accept(fd)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			el.svr.logger.Printf("accept on shard %d failed: %v", el.idx, os.NewSyscallError("accept", err))
			return nil
		}
		if err = unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			continue
		}
		c := newTCPConn(nfd, el, sa)
		c.localAddr = el.ln.lnaddr
		if err = el.register(c); err != nil {
			el.svr.logger.Printf("failed to register accepted connection: %v", err)
		}
	}
	return nil
}

// register moves a freshly accepted connection into the shard's tables and
// the poller. Runs on the owning loop goroutine, either inline (reuseport) or
// as a triggered job handed over by the main reactor.
func (el *eventloop) register(c *conn) error {
	c.interest = netpoll.InterestRead
	if err := el.poller.Register(c.fd, c.interest, c.mode); err != nil {
		_ = unix.Close(c.fd)
		c.state = connClosed
		c.releaseTCP()
		return err
	}
	el.nextConnID++
	c.id = el.nextConnID
	el.connections[c.fd] = c
	el.connByID[c.id] = c
	el.calibrateCallback(el, 1)
	atomic.AddUint64(&el.stats.accepted, 1)
	c.state = connActive
	c.lastActive = time.Now()
	return el.loopOpen(c)
}

func (el *eventloop) loopOpen(c *conn) error {
	c.remoteAddr = netpoll.SockaddrToTCPOrUnixAddr(c.sa)
	if el.svr.opts.TCPKeepAlive > 0 && el.svr.network != "unix" {
		sniffErrorAndLog(netpoll.SetKeepAlive(c.fd, int(el.svr.opts.TCPKeepAlive/time.Second)))
	}
	out, action := el.eventHandler.OnOpened(c)
	if len(out) > 0 {
		if encoded, err := el.codec.Encode(c, out); err == nil {
			c.open(encoded)
		}
	}
	return el.handleAction(c, action)
}

func (el *eventloop) loopRead(c *conn) error {
	for c.state == connActive {
		n, err := unix.Read(c.fd, el.packet)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return el.loopCloseConn(c, os.NewSyscallError("read", err))
		}
		if n == 0 {
			return el.loopCloseConn(c, ErrPeerClosed)
		}
		c.lastActive = time.Now()
		c.buffer = el.packet[:n]
		if err = el.extractFrames(c); err != nil {
			return err
		}
		if c.state != connActive {
			return nil
		}
		// 剩余不足一帧的数据搬进环形缓冲，packet是共享的临时区
		if len(c.buffer) > 0 {
			if _, err = c.inboundBuffer.Write(c.buffer); err != nil {
				return el.loopCloseConn(c, err)
			}
		}
		c.buffer = nil
		if c.suspended() {
			return nil
		}
		// 边沿触发必须读到EAGAIN为止，内核不会为旧数据再发事件
		if c.mode != netpoll.EdgeTriggered {
			return nil
		}
	}
	return nil
}

// extractFrames decodes and submits complete frames until the buffered data
// runs dry, the queue suspends the connection or the codec reports a
// protocol violation.
func (el *eventloop) extractFrames(c *conn) error {
	for c.state == connActive && !c.suspended() {
		frame, err := c.read()
		if err != nil {
			return el.loopCloseConn(c, err)
		}
		if frame == nil {
			return nil
		}
		if err = el.submitTask(c, frame); err != nil {
			return err
		}
	}
	return nil
}

func (el *eventloop) submitTask(c *conn, frame []byte) error {
	// worker看到的永远是独立副本，dispatcher的缓冲区随时会被复用
	payload := make([]byte, len(frame))
	copy(payload, frame)
	t := taskqueue.Task{
		ConnID:  c.id,
		Shard:   el.idx,
		Payload: payload,
		Ctx:     c.ctx,
		Done:    el.completionSink,
	}
	if el.svr.queue.TryEnqueue(t) {
		atomic.AddUint64(&el.stats.tasksSubmitted, 1)
		return nil
	}
	atomic.AddUint64(&el.stats.tasksOverflowed, 1)
	if el.svr.opts.Overflow == OverflowDrop {
		return el.handleAction(c, el.eventHandler.OnOverload(c))
	}
	// OverflowSuspendRead: park the request and stop reading until the queue
	// has room again.
	c.pending = &t
	el.suspended[c.fd] = c
	c.interest &^= netpoll.InterestRead
	sniffErrorAndLog(el.poller.Modify(c.fd, c.interest))
	return nil
}

// completionSink runs on worker goroutines. It must never block: a full
// channel drops the result and counts it.
func (el *eventloop) completionSink(res taskqueue.Result) {
	select {
	case el.completions <- res:
	default:
		atomic.AddUint64(&el.stats.completionsDropped, 1)
		el.svr.logger.Printf("completion for conn %d dropped, shard %d channel full", res.ConnID, el.idx)
		return
	}
	if atomic.CompareAndSwapInt32(&el.wakePending, 0, 1) {
		sniffErrorAndLog(el.poller.Wake())
	}
}

func (el *eventloop) drainCompletions() error {
	atomic.StoreInt32(&el.wakePending, 0)
	for {
		select {
		case res := <-el.completions:
			if err := el.applyResult(res); err != nil {
				return err
			}
		default:
			return el.resumeSuspended()
		}
	}
}

func (el *eventloop) applyResult(res taskqueue.Result) error {
	c, ok := el.connByID[res.ConnID]
	if !ok || c.state >= connClosing {
		// 任务在飞行途中连接已经关了
		atomic.AddUint64(&el.stats.staleDiscarded, 1)
		return nil
	}
	if res.Err != nil {
		return el.loopCloseConn(c, res.Err)
	}
	if len(res.Out) > 0 {
		out, err := el.codec.Encode(c, res.Out)
		if err != nil {
			return el.loopCloseConn(c, err)
		}
		c.write(out)
	}
	return nil
}

// resumeSuspended retries parked requests once queue capacity frees up and
// restores read interest on success.
func (el *eventloop) resumeSuspended() error {
	for fd, c := range el.suspended {
		if c.state != connActive {
			c.pending = nil
			delete(el.suspended, fd)
			continue
		}
		if !el.svr.queue.TryEnqueue(*c.pending) {
			// 还是满的，这一批先到这
			return nil
		}
		atomic.AddUint64(&el.stats.tasksSubmitted, 1)
		c.pending = nil
		delete(el.suspended, fd)
		c.interest |= netpoll.InterestRead
		sniffErrorAndLog(el.poller.Modify(c.fd, c.interest))
		if err := el.extractFrames(c); err != nil {
			return err
		}
		// 读暂停期间不会有新事件，边沿触发要补一次读
		if _, ok := el.connections[fd]; ok && c.state == connActive && !c.suspended() && c.mode == netpoll.EdgeTriggered {
			if err := el.loopRead(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (el *eventloop) sweepIdle() error {
	timeout := el.svr.opts.IdleTimeout
	if timeout <= 0 {
		return nil
	}
	now := time.Now()
	checked := 0
	for _, c := range el.connections {
		if checked++; checked > el.svr.opts.SweepBatch {
			return nil
		}
		if c.state == connActive && now.Sub(c.lastActive) > timeout {
			if err := el.loopCloseConn(c, ErrIdleTimeout); err != nil {
				return err
			}
		}
	}
	return nil
}

func (el *eventloop) loopWrite(c *conn) error {
	head, tail := c.outboundBuffer.LazyReadAll()
	if len(head) > 0 {
		n, err := unix.Write(c.fd, head)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return el.loopCloseConn(c, os.NewSyscallError("write", err))
		}
		c.outboundBuffer.Shift(n)
		if n == len(head) && len(tail) > 0 {
			if n, err = unix.Write(c.fd, tail); err != nil {
				if err == unix.EAGAIN {
					return nil
				}
				return el.loopCloseConn(c, os.NewSyscallError("write", err))
			}
			c.outboundBuffer.Shift(n)
		}
	}
	if c.outboundBuffer.IsEmpty() {
		if c.state == connDraining {
			return el.loopCloseConn(c, nil)
		}
		c.dropWriteInterest()
	}
	return nil
}

// drainConn implements the graceful close: stop reading, flush what is
// buffered, then close. An empty outbound buffer closes immediately.
func (el *eventloop) drainConn(c *conn) error {
	if c.state != connActive {
		return nil
	}
	if c.outboundBuffer.IsEmpty() {
		return el.loopCloseConn(c, nil)
	}
	c.state = connDraining
	c.pending = nil
	delete(el.suspended, c.fd)
	c.interest = netpoll.InterestWrite
	sniffErrorAndLog(el.poller.Modify(c.fd, c.interest))
	return nil
}

func (el *eventloop) loopWake(c *conn) error {
	if cc, ok := el.connections[c.fd]; !ok || cc != c {
		return nil
	}
	if c.state != connActive || c.suspended() {
		return nil
	}
	return el.extractFrames(c)
}

// loopCloseConn is the single funnel for reaching the terminal state. The
// state guard makes it idempotent against the close paths racing on the same
// loop iteration (error event plus read error, application Close plus sweep).
func (el *eventloop) loopCloseConn(c *conn, err error) error {
	if c.state >= connClosing {
		return nil
	}
	c.state = connClosing
	// best-effort flush，对端还活着就别丢它已经应得的响应
	if !c.outboundBuffer.IsEmpty() {
		head, tail := c.outboundBuffer.LazyReadAll()
		if n, e := unix.Write(c.fd, head); e == nil && n == len(head) && len(tail) > 0 {
			_, _ = unix.Write(c.fd, tail)
		}
	}
	sniffErrorAndLog(el.poller.Deregister(c.fd))
	closeErr := unix.Close(c.fd)
	delete(el.connections, c.fd)
	delete(el.connByID, c.id)
	delete(el.suspended, c.fd)
	el.calibrateCallback(el, -1)
	atomic.AddUint64(&el.stats.closed, 1)
	if err != nil {
		atomic.AddUint64(&el.stats.closedWithError, 1)
	}
	c.state = connClosed
	action := el.eventHandler.OnClosed(c, err)
	c.releaseTCP()
	if closeErr != nil {
		sniffErrorAndLog(os.NewSyscallError("close", closeErr))
	}
	if action == Shutdown {
		return errServerShutdown
	}
	return nil
}

func (el *eventloop) handleAction(c *conn, action Action) error {
	switch action {
	case Close:
		return el.loopCloseConn(c, nil)
	case Shutdown:
		return errServerShutdown
	default:
		return nil
	}
}

func (el *eventloop) closeAllConns() {
	for _, c := range el.connections {
		// Shutdown from OnClosed is moot here, the server is already going down
		_ = el.loopCloseConn(c, nil)
	}
}
