//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package netpoll

import (
	"os"

	"golang.org/x/sys/unix"
)

// SetKeepAlive enables TCP keep-alive probing on fd every secs seconds.
func SetKeepAlive(fd, secs int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	switch err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, sysTCPKeepIntvl, secs); err {
	case nil, unix.ENOPROTOOPT:
	default:
		return os.NewSyscallError("setsockopt", err)
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPALIVE, secs))
}

const sysTCPKeepIntvl = 0x101
