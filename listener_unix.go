//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package rnet

import (
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"rnet/internal/netpoll"
)

type listener struct {
	once sync.Once
	// reuseport路径从net.Listener里dup出fd，f负责保活
	f  *os.File
	fd int
	ln net.Listener
	// 地址的抽象接口
	lnaddr        net.Addr
	addr, network string
}

// listen creates a non-blocking listening socket with an explicit backlog.
func listen(network, addr string, backlog int) (ln *listener, err error) {
	ln = &listener{network: network, addr: addr}
	switch network {
	case "tcp", "tcp4", "tcp6":
		var tcpAddr *net.TCPAddr
		if tcpAddr, err = net.ResolveTCPAddr(network, addr); err != nil {
			return nil, err
		}
		var (
			sa     unix.Sockaddr
			family int
		)
		if sa, family, err = tcpAddrToSockaddr(network, tcpAddr); err != nil {
			return nil, err
		}
		if ln.fd, err = unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP); err != nil {
			return nil, os.NewSyscallError("socket", err)
		}
		if err = unix.SetsockoptInt(ln.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			ln.close()
			return nil, os.NewSyscallError("setsockopt", err)
		}
		if err = unix.Bind(ln.fd, sa); err != nil {
			ln.close()
			return nil, os.NewSyscallError("bind", err)
		}
		if err = unix.Listen(ln.fd, backlog); err != nil {
			ln.close()
			return nil, os.NewSyscallError("listen", err)
		}
		// 端口可能传0，从内核取回实际绑定地址
		if lsa, err0 := unix.Getsockname(ln.fd); err0 == nil {
			ln.lnaddr = netpoll.SockaddrToTCPOrUnixAddr(lsa)
		} else {
			ln.lnaddr = tcpAddr
		}
	case "unix":
		sniffErrorAndLog(os.RemoveAll(addr))
		if ln.fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0); err != nil {
			return nil, os.NewSyscallError("socket", err)
		}
		if err = unix.Bind(ln.fd, &unix.SockaddrUnix{Name: addr}); err != nil {
			ln.close()
			return nil, os.NewSyscallError("bind", err)
		}
		if err = unix.Listen(ln.fd, backlog); err != nil {
			ln.close()
			return nil, os.NewSyscallError("listen", err)
		}
		ln.lnaddr = &net.UnixAddr{Name: addr, Net: "unix"}
	default:
		return nil, ErrUnsupportedProtocol
	}
	if err = unix.SetNonblock(ln.fd, true); err != nil {
		ln.close()
		return nil, os.NewSyscallError("setnonblock", err)
	}
	unix.CloseOnExec(ln.fd)
	return ln, nil
}

// listenReusePort creates one of the per-shard listeners sharing a port.
// backlog由内核默认值决定，reuseport路径不支持自定义
func listenReusePort(network, addr string) (ln *listener, err error) {
	ln = &listener{network: network, addr: addr}
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
		if ln.ln, err = netpoll.ReusePortListen(network, addr); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedProtocol
	}
	ln.lnaddr = ln.ln.Addr()
	if err = ln.renormalize(); err != nil {
		return nil, err
	}
	return ln, nil
}

// 1. 从net.Listener取出文件描述符
// 2. 设置非阻塞
func (ln *listener) renormalize() error {
	var err error
	switch netln := ln.ln.(type) {
	case *net.TCPListener:
		ln.f, err = netln.File()
	case *net.UnixListener:
		ln.f, err = netln.File()
	}
	if err != nil {
		ln.close()
		return err
	}
	ln.fd = int(ln.f.Fd())
	return unix.SetNonblock(ln.fd, true)
}

func (ln *listener) close() {
	ln.once.Do(func() {
		if ln.f != nil {
			sniffErrorAndLog(ln.f.Close())
		}
		if ln.ln != nil {
			sniffErrorAndLog(ln.ln.Close())
		}
		if ln.f == nil && ln.ln == nil && ln.fd > 0 {
			_ = unix.Close(ln.fd)
		}
		if ln.network == "unix" {
			sniffErrorAndLog(os.RemoveAll(ln.addr))
		}
	})
}

func tcpAddrToSockaddr(network string, tcpAddr *net.TCPAddr) (unix.Sockaddr, int, error) {
	ip := tcpAddr.IP
	if network == "tcp6" || (ip != nil && ip.To4() == nil) {
		sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
		if ip != nil {
			copy(sa.Addr[:], ip.To16())
		}
		return sa, unix.AF_INET6, nil
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := ip.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa, unix.AF_INET, nil
}
