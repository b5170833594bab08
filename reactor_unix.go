//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package rnet

import (
	"os"

	"golang.org/x/sys/unix"

	"rnet/internal/netpoll"
)

// activateMainReactor runs the accept loop of the main-reactor topology:
// one goroutine owns the listening socket and hands accepted connections to
// the sub reactors through their pollers' job queues.
func (svr *server) activateMainReactor() {
	defer svr.signalShutdown()
	for {
		_, err := svr.mainLoop.poller.Wait(-1, func(fd int, ev netpoll.Ev) error {
			return svr.acceptNewConnection(fd)
		})
		if err != nil {
			if err != errServerShutdown {
				svr.logger.Printf("main reactor is exiting: %v", err)
			}
			return
		}
	}
}

func (svr *server) activateSubReactor(el *eventloop) {
	defer svr.loopWG.Done()
	el.loopRun()
}

func (svr *server) acceptNewConnection(fd int) error {
	if fd != svr.ln.fd {
		return nil
	}
	for i := 0; i < svr.opts.AcceptBatch; i++ {
		nfd, sa, err := unix.Accept(fd)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			svr.logger.Printf("accept failed: %v", os.NewSyscallError("accept", err))
			return nil
		}
		if err = unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			continue
		}
		el := svr.subEventLoopSet.next(nfd)
		c := newTCPConn(nfd, el, sa)
		c.localAddr = svr.ln.lnaddr
		sniffErrorAndLog(el.poller.Trigger(func() error {
			return el.register(c)
		}))
	}
	return nil
}
