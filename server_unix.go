//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package rnet

import (
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"rnet/internal/netpoll"
	"rnet/taskqueue"
	"rnet/workers"
)

type server struct {
	network, addr string
	// ln 主从reactor模式下全局唯一的监听器
	ln *listener
	// lns reuseport模式每个shard一个监听器
	lns  []*listener
	opts *Options
	once sync.Once
	// cond 广播shutdown信号
	cond   *sync.Cond
	loopWG sync.WaitGroup
	// mainLoop 只负责accept，连接注册交给sub reactor
	mainLoop        *eventloop
	logger          Logger
	eventHandler    EventHandler
	subEventLoopSet loadBalancer
	codec           ICodec
	queue           *taskqueue.Queue
	workerPool      *workers.Pool
	info            Server
}

// waitForShutdown blocks until somebody fires signalShutdown.
func (svr *server) waitForShutdown() {
	svr.cond.L.Lock()
	svr.cond.Wait()
	svr.cond.L.Unlock()
}

// signalShutdown is safe to call from any goroutine and any number of times.
func (svr *server) signalShutdown() {
	svr.once.Do(func() {
		svr.cond.L.Lock()
		svr.cond.Signal()
		svr.cond.L.Unlock()
	})
}

func (svr *server) newEventLoop(idx int, p *netpoll.Poller) *eventloop {
	waitMsec := -1
	if svr.opts.IdleTimeout > 0 {
		// 空闲扫描靠poll超时驱动，精度取超时的一半，封顶1秒
		waitMsec = int(svr.opts.IdleTimeout.Milliseconds() / 2)
		if waitMsec < 1 {
			waitMsec = 1
		}
		if waitMsec > 1000 {
			waitMsec = 1000
		}
	}
	return &eventloop{
		idx:               idx,
		svr:               svr,
		poller:            p,
		codec:             svr.codec,
		packet:            make([]byte, 0x10000),
		connections:       make(map[int]*conn),
		connByID:          make(map[int]*conn),
		eventHandler:      svr.eventHandler,
		calibrateCallback: svr.subEventLoopSet.calibrate,
		completions:       make(chan taskqueue.Result, svr.opts.QueueCapacity),
		suspended:         make(map[int]*conn),
		waitMsec:          waitMsec,
	}
}

func (svr *server) startLoops() {
	svr.subEventLoopSet.iterate(func(i int, el *eventloop) bool {
		svr.loopWG.Add(1)
		go svr.activateSubReactor(el)
		return true
	})
}

// activateLoops is the SO_REUSEPORT topology: every shard owns a listener
// bound to the same port, the kernel spreads accepts.
func (svr *server) activateLoops(numEventLoop int) error {
	for i := 0; i < numEventLoop; i++ {
		p, err := netpoll.OpenPoller()
		if err != nil {
			return err
		}
		el := svr.newEventLoop(i, p)
		el.ln = svr.lns[i]
		if err = p.Register(el.ln.fd, netpoll.InterestRead, netpoll.LevelTriggered); err != nil {
			_ = p.Close()
			return err
		}
		svr.subEventLoopSet.register(el)
	}
	svr.startLoops()
	return nil
}

// activateReactors is the main-reactor topology: one accept loop plus
// numEventLoop dispatcher shards fed through the load balancer.
func (svr *server) activateReactors(numEventLoop int) error {
	for i := 0; i < numEventLoop; i++ {
		p, err := netpoll.OpenPoller()
		if err != nil {
			return err
		}
		svr.subEventLoopSet.register(svr.newEventLoop(i, p))
	}
	p, err := netpoll.OpenPoller()
	if err != nil {
		return err
	}
	svr.mainLoop = svr.newEventLoop(-1, p)
	if err = p.Register(svr.ln.fd, netpoll.InterestRead, netpoll.LevelTriggered); err != nil {
		_ = p.Close()
		return err
	}
	svr.startLoops()
	svr.loopWG.Add(1)
	go func() {
		defer svr.loopWG.Done()
		svr.activateMainReactor()
	}()
	return nil
}

func (svr *server) start(numEventLoop int) error {
	if svr.opts.ReusePort {
		return svr.activateLoops(numEventLoop)
	}
	return svr.activateReactors(numEventLoop)
}

// stop tears the server down in dependency order: loops first, then
// listeners, then workers, pollers last so in-flight completions can still
// write their wakeup.
func (svr *server) stop() {
	svr.subEventLoopSet.iterate(func(i int, el *eventloop) bool {
		sniffErrorAndLog(el.poller.Trigger(func() error {
			return errServerShutdown
		}))
		return true
	})
	if svr.mainLoop != nil {
		sniffErrorAndLog(svr.mainLoop.poller.Trigger(func() error {
			return errServerShutdown
		}))
	}
	svr.loopWG.Wait()

	if svr.ln != nil {
		svr.ln.close()
	}
	for _, ln := range svr.lns {
		ln.close()
	}

	// 等worker跑完手头的任务再关poller，completion的唤醒还要用它
	svr.workerPool.Release()

	svr.subEventLoopSet.iterate(func(i int, el *eventloop) bool {
		sniffErrorAndLog(el.poller.Close())
		return true
	})
	if svr.mainLoop != nil {
		sniffErrorAndLog(svr.mainLoop.poller.Close())
	}

	svr.eventHandler.OnShutdown(svr.info)
}

func serve(eventHandler EventHandler, handler Handler, network, address string, options *Options) error {
	if handler == nil {
		return workers.ErrLackHandler
	}
	numEventLoop := 1
	if options.Multicore {
		numEventLoop = runtime.NumCPU()
	}
	if options.NumEventLoop > 0 {
		numEventLoop = options.NumEventLoop
	}
	if options.Codec == nil {
		options.Codec = new(BuiltInFrameCodec)
	}
	// reuseport路径的listen走net.Listen，backlog定制不了，提前记下来好提示一次
	backlogIgnored := options.ReusePort && options.Backlog > 0
	if options.Backlog <= 0 {
		options.Backlog = 128
	}
	if options.NumWorkers <= 0 {
		options.NumWorkers = runtime.NumCPU()
	}
	if options.QueueCapacity <= 0 {
		options.QueueCapacity = 1024
	}
	if options.AcceptBatch <= 0 {
		options.AcceptBatch = 64
	}
	if options.SweepBatch <= 0 {
		options.SweepBatch = 32
	}

	svr := new(server)
	svr.network, svr.addr = network, address
	svr.opts = options
	svr.eventHandler = eventHandler
	svr.logger = defaultLogger
	if options.Logger != nil {
		svr.logger = options.Logger
	}
	if backlogIgnored {
		svr.logger.Printf("backlog=%d is ignored with reuse_port, the kernel default applies", options.Backlog)
	}
	svr.cond = sync.NewCond(&sync.Mutex{})
	svr.codec = options.Codec
	switch options.LB {
	case LeastConnections:
		svr.subEventLoopSet = new(leastConnectionsEventLoopSet)
	case SourceAddrHash:
		svr.subEventLoopSet = new(sourceAddrHashEventLoopSet)
	default:
		svr.subEventLoopSet = new(roundRobinEventLoopSet)
	}
	svr.queue = taskqueue.New(options.QueueCapacity)
	pool, err := workers.NewPool(options.NumWorkers, svr.queue, handler.Handle, workers.WithLogger(svr.logger))
	if err != nil {
		return err
	}
	svr.workerPool = pool

	var lnaddr net.Addr
	if options.ReusePort {
		for i := 0; i < numEventLoop; i++ {
			var ln *listener
			if ln, err = listenReusePort(network, address); err != nil {
				break
			}
			svr.lns = append(svr.lns, ln)
		}
		if len(svr.lns) > 0 {
			lnaddr = svr.lns[0].lnaddr
		}
	} else {
		if svr.ln, err = listen(network, address, options.Backlog); err == nil {
			lnaddr = svr.ln.lnaddr
		}
	}
	if err != nil {
		svr.workerPool.Release()
		for _, ln := range svr.lns {
			ln.close()
		}
		return err
	}

	svr.info = Server{
		svr:          svr,
		Multicore:    numEventLoop > 1,
		Addr:         lnaddr,
		NumEventLoop: numEventLoop,
		ReusePort:    options.ReusePort,
		TCPKeepAlive: options.TCPKeepAlive,
	}

	defer svr.stop()

	switch svr.eventHandler.OnInitComplete(svr.info) {
	case Shutdown:
		return nil
	}

	if err = svr.start(numEventLoop); err != nil {
		return err
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer func() {
		signal.Stop(shutdown)
		close(shutdown)
	}()
	go func() {
		if _, ok := <-shutdown; ok {
			svr.signalShutdown()
		}
	}()

	svr.waitForShutdown()
	return nil
}
