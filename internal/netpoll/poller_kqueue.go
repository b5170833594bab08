//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package netpoll

import (
	"os"

	"golang.org/x/sys/unix"

	"rnet/internal"
)

// Poller wraps a kqueue instance. A user-defined EVFILT_USER event with
// ident 0 is registered up-front and serves as the wakeup channel.
type Poller struct {
	fd            int
	registered    map[int]registration
	asyncJobQueue internal.AsyncJobQueue
	events        []unix.Kevent_t
}

func OpenPoller() (poller *Poller, err error) {
	poller = new(Poller)
	if poller.fd, err = unix.Kqueue(); err != nil {
		poller = nil
		err = os.NewSyscallError("kqueue", err)
		return
	}
	if _, err = unix.Kevent(poller.fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("kevent add|clear", err)
		return
	}
	poller.registered = make(map[int]registration)
	poller.asyncJobQueue = internal.NewAsyncJobQueue()
	poller.events = make([]unix.Kevent_t, initWaitEvents)
	return
}

func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func interestChanges(fd int, add, del Interest, mode Mode) []unix.Kevent_t {
	flags := uint16(unix.EV_ADD)
	if mode == EdgeTriggered {
		// EV_CLEAR 让kevent表现为边缘触发
		flags |= unix.EV_CLEAR
	}
	var changes []unix.Kevent_t
	if add.Readable() {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if add.Writable() {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	if del.Readable() {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if del.Writable() {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	return changes
}

// Register starts watching fd with the given interest set and trigger mode.
func (p *Poller) Register(fd int, interest Interest, mode Mode) error {
	if _, dup := p.registered[fd]; dup {
		return ErrAlreadyRegistered
	}
	if _, err := unix.Kevent(p.fd, interestChanges(fd, interest, InterestNone, mode), nil, nil); err != nil {
		return os.NewSyscallError("kevent add", err)
	}
	p.registered[fd] = registration{interest: interest, mode: mode}
	return nil
}

// Modify changes the interest set of an already-registered handle.
func (p *Poller) Modify(fd int, interest Interest) error {
	reg, ok := p.registered[fd]
	if !ok {
		return ErrNotRegistered
	}
	add := interest &^ reg.interest
	del := reg.interest &^ interest
	if add|del != 0 {
		if _, err := unix.Kevent(p.fd, interestChanges(fd, add, del, reg.mode), nil, nil); err != nil {
			return os.NewSyscallError("kevent mod", err)
		}
	}
	reg.interest = interest
	p.registered[fd] = reg
	return nil
}

// Deregister stops watching fd; unknown handles are a no-op.
// kqueue丢弃已关闭fd上的全部注册，所以忽略删除时的错误
func (p *Poller) Deregister(fd int) error {
	reg, ok := p.registered[fd]
	if !ok {
		return nil
	}
	delete(p.registered, fd)
	_, _ = unix.Kevent(p.fd, interestChanges(fd, InterestNone, reg.interest, reg.mode), nil, nil)
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

var wakeChanges = []unix.Kevent_t{
	{Ident: 0, Filter: unix.EVFILT_USER, Fflags: unix.NOTE_TRIGGER},
}

// Wake interrupts a blocking Wait call.
func (p *Poller) Wake() error {
	_, err := unix.Kevent(p.fd, wakeChanges, nil, nil)
	return os.NewSyscallError("kevent trigger", err)
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
func (p *Poller) Wait(msec int, fn func(fd int, ev Ev) error) (handled int, err error) {
	var ts *unix.Timespec
	if msec >= 0 {
		t := unix.NsecToTimespec(int64(msec) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("kevent wait", err)
	}
	var wakenUp bool
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Ident)
		if fd == 0 {
			wakenUp = true
			continue
		}
		if _, ok := p.registered[fd]; !ok {
			continue
		}
		var ev Ev
		switch p.events[i].Filter {
		case unix.EVFILT_READ:
			ev |= EvRead
		case unix.EVFILT_WRITE:
			ev |= EvWrite
		}
		if p.events[i].Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
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
		p.events = make([]unix.Kevent_t, n<<1)
	}
	return
}
