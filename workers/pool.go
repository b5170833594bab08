// Package workers runs the fixed-size pool that executes application
// handlers off the dispatcher goroutines.
package workers

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"rnet/internal/logging"
	"rnet/taskqueue"
)

const (
	OPENED = iota
	CLOSED
)

var (
	// ErrInvalidPoolSize will be returned when setting a non-positive worker count.
	ErrInvalidPoolSize = errors.New("invalid size for pool")

	// ErrLackHandler will be returned when invokers don't provide a handler for the pool.
	ErrLackHandler = errors.New("must provide a handler for pool")

	// ErrPoolClosed will be returned when starting a pool that has been released.
	ErrPoolClosed = errors.New("this pool has been closed")
)

type Logger interface {
	Printf(format string, args ...interface{})
}

// Handle is the application handler boundary, invoked only on worker
// goroutines with a detached payload copy and the connection context.
type Handle func(payload []byte, ctx interface{}) ([]byte, error)

type Options struct {
	Logger       Logger
	PanicHandler func(interface{})
}

type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	return opts
}

func WithLogger(logger Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func WithPanicHandler(panicHandler func(interface{})) Option {
	return func(opts *Options) {
		opts.PanicHandler = panicHandler
	}
}

// Pool is a fixed set of workers looping over queue.Dequeue. The count is
// static, dynamic resizing is a policy for layers above this one.
type Pool struct {
	size    int32
	running int32
	state   int32
	queue   *taskqueue.Queue
	handle  Handle
	wg      sync.WaitGroup
	options *Options
}

// NewPool starts size workers pulling from q.
func NewPool(size int, q *taskqueue.Queue, handle Handle, options ...Option) (*Pool, error) {
	if size <= 0 {
		return nil, ErrInvalidPoolSize
	}
	if handle == nil {
		return nil, ErrLackHandler
	}
	opts := loadOptions(options...)
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	p := &Pool{
		size:    int32(size),
		queue:   q,
		handle:  handle,
		options: opts,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		atomic.AddInt32(&p.running, 1)
		go p.runWorker()
	}
	return p, nil
}

func (p *Pool) runWorker() {
	defer func() {
		atomic.AddInt32(&p.running, -1)
		p.wg.Done()
	}()
	for {
		t, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		// 已经dequeue的任务即使在shutdown后也要跑完，结果交还给dispatcher丢弃
		t.Done(p.invoke(t))
	}
}

// invoke converts a handler panic into a failure result so a worker never
// terminates because of a handler fault.
func (p *Pool) invoke(t taskqueue.Task) (res taskqueue.Result) {
	res.ConnID = t.ConnID
	defer func() {
		if r := recover(); r != nil {
			if ph := p.options.PanicHandler; ph != nil {
				ph(r)
			} else {
				p.options.Logger.Printf("worker recovered from handler panic: %v\n", r)
				var buf [4096]byte
				n := runtime.Stack(buf[:], false)
				p.options.Logger.Printf("%s\n", buf[:n])
			}
			res.Out = nil
			res.Err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	res.Out, res.Err = p.handle(t.Payload, t.Ctx)
	return
}

// Release shuts the queue down and joins all workers. Idempotent.
func (p *Pool) Release() {
	if atomic.CompareAndSwapInt32(&p.state, OPENED, CLOSED) {
		p.queue.Shutdown()
		p.wg.Wait()
	}
}

// Running returns the number of live workers.
func (p *Pool) Running() int {
	return int(atomic.LoadInt32(&p.running))
}

// Cap returns the configured worker count.
func (p *Pool) Cap() int {
	return int(atomic.LoadInt32(&p.size))
}
