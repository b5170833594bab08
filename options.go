package rnet

import (
	"time"
)

// OverflowPolicy decides what happens to a decoded request when the task
// queue is full. Blocking the event loop is never an option.
type OverflowPolicy int

const (
	// OverflowSuspendRead parks the rejected request, drops the connection's
	// read interest and retries once queue capacity frees up.
	OverflowSuspendRead OverflowPolicy = iota
	// OverflowDrop discards the rejected request and reports the overload to
	// the application through OnOverload.
	OverflowDrop
)

type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	return opts
}

type Options struct {
	Logger Logger

	// Codec 负责消息边界的识别和编码，只在事件循环线程里调用
	Codec ICodec

	// Multicore runs one dispatcher shard per CPU core.
	Multicore bool

	// NumEventLoop is the number of dispatcher shards, it overrides Multicore.
	NumEventLoop int

	// ReusePort gives every shard its own listening socket bound to the same
	// port via SO_REUSEPORT, the kernel then spreads accepts across shards.
	ReusePort bool

	// LB is the shard-assignment strategy used when ReusePort is off.
	LB LoadBalancing

	// TCPKeepAlive sets SO_KEEPALIVE with the given period on accepted sockets.
	TCPKeepAlive time.Duration

	// Backlog is the pending-connection queue depth passed to listen(2),
	// ignored on the reuse-port path where the runtime listener is used.
	Backlog int

	// NumWorkers is the worker-pool size, defaults to the CPU count.
	NumWorkers int

	// QueueCapacity bounds the number of in-flight tasks.
	QueueCapacity int

	// IdleTimeout closes connections with no traffic for this duration,
	// zero disables the idle sweep.
	IdleTimeout time.Duration

	// AcceptBatch caps accepts per loop iteration so one busy listener can
	// not starve established connections.
	AcceptBatch int

	// SweepBatch caps idle-timeout checks per loop iteration.
	SweepBatch int

	// Overflow is the task-queue backpressure policy.
	Overflow OverflowPolicy

	// EdgeTriggered registers connections edge-triggered, the event loop then
	// always drains sockets to EAGAIN. Level-triggered is the default.
	EdgeTriggered bool
}

func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

func WithLogger(logger Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func WithCodec(codec ICodec) Option {
	return func(opts *Options) {
		opts.Codec = codec
	}
}

func WithMulticore(multicore bool) Option {
	return func(opts *Options) {
		opts.Multicore = multicore
	}
}

func WithNumEventLoop(numEventLoop int) Option {
	return func(opts *Options) {
		opts.NumEventLoop = numEventLoop
	}
}

func WithReusePort(reusePort bool) Option {
	return func(opts *Options) {
		opts.ReusePort = reusePort
	}
}

func WithLoadBalancing(lb LoadBalancing) Option {
	return func(opts *Options) {
		opts.LB = lb
	}
}

func WithTCPKeepAlive(tcpKeepAlive time.Duration) Option {
	return func(opts *Options) {
		opts.TCPKeepAlive = tcpKeepAlive
	}
}

func WithBacklog(backlog int) Option {
	return func(opts *Options) {
		opts.Backlog = backlog
	}
}

func WithNumWorkers(numWorkers int) Option {
	return func(opts *Options) {
		opts.NumWorkers = numWorkers
	}
}

func WithQueueCapacity(capacity int) Option {
	return func(opts *Options) {
		opts.QueueCapacity = capacity
	}
}

func WithIdleTimeout(idleTimeout time.Duration) Option {
	return func(opts *Options) {
		opts.IdleTimeout = idleTimeout
	}
}

func WithAcceptBatch(acceptBatch int) Option {
	return func(opts *Options) {
		opts.AcceptBatch = acceptBatch
	}
}

func WithSweepBatch(sweepBatch int) Option {
	return func(opts *Options) {
		opts.SweepBatch = sweepBatch
	}
}

func WithOverflowPolicy(policy OverflowPolicy) Option {
	return func(opts *Options) {
		opts.Overflow = policy
	}
}

func WithEdgeTriggered(edgeTriggered bool) Option {
	return func(opts *Options) {
		opts.EdgeTriggered = edgeTriggered
	}
}
