package netpoll

import "errors"

// Interest 表示希望监听的就绪事件集合
type Interest uint8

const (
	InterestNone  Interest = 0
	InterestRead  Interest = 0x1
	InterestWrite Interest = 0x2
)

func (i Interest) Readable() bool { return i&InterestRead != 0 }
func (i Interest) Writable() bool { return i&InterestWrite != 0 }

// Mode selects the readiness discipline for a registration.
type Mode uint8

const (
	// LevelTriggered re-reports readiness on every wait while the condition holds.
	LevelTriggered Mode = iota
	// EdgeTriggered reports readiness once per not-ready -> ready transition,
	// the caller must drain until EAGAIN or it will miss further notifications.
	EdgeTriggered
)

// Ev is the event kind delivered by Poller.Wait.
type Ev uint8

const (
	EvRead  Ev = 0x1
	EvWrite Ev = 0x2
	// EvErr 表示错误或对端挂断
	EvErr Ev = 0x4
)

var (
	// ErrAlreadyRegistered is returned by Register for a handle that is already watched.
	ErrAlreadyRegistered = errors.New("netpoll: handle already registered")

	// ErrNotRegistered is returned by Modify for a handle that is not watched.
	ErrNotRegistered = errors.New("netpoll: handle not registered")
)

type registration struct {
	interest Interest
	mode     Mode
}

const initWaitEvents = 64
