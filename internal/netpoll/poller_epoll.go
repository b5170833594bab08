//go:build linux

package netpoll

import (
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"rnet/internal"
)

// Poller wraps an epoll instance together with an eventfd used to wake the
// owning event loop from other goroutines.
//
// registered 只会被拥有此Poller的事件循环goroutine访问，不需要加锁
type Poller struct {
	fd            int
	wfd           int
	registered    map[int]registration
	asyncJobQueue internal.AsyncJobQueue
	events        []unix.EpollEvent
}

func OpenPoller() (poller *Poller, err error) {
	poller = new(Poller)
	if poller.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		poller = nil
		err = os.NewSyscallError("epoll_create1", err)
		return
	}
	// eventfd用来唤醒阻塞中的epoll_wait
	if poller.wfd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		_ = unix.Close(poller.fd)
		poller = nil
		err = os.NewSyscallError("eventfd", err)
		return
	}
	if err = unix.EpollCtl(poller.fd, unix.EPOLL_CTL_ADD, poller.wfd, &unix.EpollEvent{
		Fd:     int32(poller.wfd),
		Events: unix.EPOLLIN,
	}); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("epoll_ctl add", err)
		return
	}
	poller.registered = make(map[int]registration)
	poller.asyncJobQueue = internal.NewAsyncJobQueue()
	poller.events = make([]unix.EpollEvent, initWaitEvents)
	return
}

func (p *Poller) Close() error {
	if err := unix.Close(p.wfd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func epollEvents(interest Interest, mode Mode) uint32 {
	// EPOLLRDHUP 让对端关闭写方向时能拿到挂断事件
	events := uint32(unix.EPOLLRDHUP)
	if interest.Readable() {
		events |= unix.EPOLLIN
	}
	if interest.Writable() {
		events |= unix.EPOLLOUT
	}
	if mode == EdgeTriggered {
		events |= unix.EPOLLET
	}
	return events
}

// Register starts watching fd with the given interest set and trigger mode.
// Registering a handle twice without an intervening Deregister fails with
// ErrAlreadyRegistered.
func (p *Poller) Register(fd int, interest Interest, mode Mode) error {
	if _, dup := p.registered[fd]; dup {
		return ErrAlreadyRegistered
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: epollEvents(interest, mode),
	}); err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	p.registered[fd] = registration{interest: interest, mode: mode}
	return nil
}

// Modify changes the interest set of an already-registered handle, keeping
// the trigger mode chosen at registration.
func (p *Poller) Modify(fd int, interest Interest) error {
	reg, ok := p.registered[fd]
	if !ok {
		return ErrNotRegistered
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: epollEvents(interest, reg.mode),
	}); err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	reg.interest = interest
	p.registered[fd] = reg
	return nil
}

// Deregister stops watching fd. Calling it for an unknown or already closed
// handle is a no-op.
func (p *Poller) Deregister(fd int) error {
	if _, ok := p.registered[fd]; !ok {
		return nil
	}
	delete(p.registered, fd)
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		// fd已被close的情况下内核已经移除了注册
		if err == unix.ENOENT || err == unix.EBADF {
			return nil
		}
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

// Registered reports whether fd is currently watched.
func (p *Poller) Registered(fd int) bool {
	_, ok := p.registered[fd]
	return ok
}

// Mode returns the trigger mode fd was registered with.
func (p *Poller) Mode(fd int) (Mode, bool) {
	reg, ok := p.registered[fd]
	return reg.mode, ok
}

var wakeBytes = []byte{0, 0, 0, 0, 0, 0, 0, 1}

// Wake interrupts a blocking Wait call.
func (p *Poller) Wake() error {
	if _, err := unix.Write(p.wfd, wakeBytes); err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write", err)
	}
	return nil
}

// Trigger enqueues a job to run on the event-loop goroutine and wakes the poller.
func (p *Poller) Trigger(job internal.Job) error {
	if p.asyncJobQueue.Push(job) == 1 {
		return p.Wake()
	}
	return nil
}

// Wait blocks until at least one watched handle is ready or msec elapses
// (msec < 0 blocks indefinitely), then invokes fn once per ready handle.
// Events for handles deregistered before or during the batch are dropped.
// EINTR is swallowed and reported as an empty batch.
func (p *Poller) Wait(msec int, fn func(fd int, ev Ev) error) (handled int, err error) {
	n, err := epollWait(p.fd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	var wakenUp bool
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wfd {
			wakenUp = true
			var buf [8]byte
			_, _ = unix.Read(p.wfd, buf[:])
			continue
		}
		if _, ok := p.registered[fd]; !ok {
			// 事件到达前该fd已经deregister，直接丢弃
			continue
		}
		var ev Ev
		if p.events[i].Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
			ev |= EvRead
		}
		if p.events[i].Events&unix.EPOLLOUT != 0 {
			ev |= EvWrite
		}
		if p.events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			ev |= EvErr
		}
		handled++
		if err = fn(fd, ev); err != nil {
			return
		}
	}
	if wakenUp {
		if err = p.asyncJobQueue.ForEach(); err != nil {
			return
		}
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, n<<1)
	}
	return
}

// epollWait 封装EpollWait系统调用，msec为0时使用RawSyscall避免陷入runtime调度
func epollWait(epfd int, events []unix.EpollEvent, msec int) (n int, err error) {
	var r0 uintptr
	var _p0 = unsafe.Pointer(&events[0])
	var e syscall.Errno
	if msec == 0 {
		r0, _, e = syscall.RawSyscall6(syscall.SYS_EPOLL_WAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), 0, 0, 0)
	} else {
		r0, _, e = syscall.Syscall6(syscall.SYS_EPOLL_WAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if e != 0 {
		return int(r0), e
	}
	return int(r0), nil
}
