package rnet

import "errors"

var (
	// errServerShutdown signals the event loops to exit their polling loop.
	errServerShutdown = errors.New("server is going to be shutdown")

	// ErrUnsupportedProtocol occurs when trying to serve a protocol other than tcp/unix.
	ErrUnsupportedProtocol = errors.New("only tcp/tcp4/tcp6/unix are supported")

	// ErrUnsupportedPlatform occurs when serving unix sockets on an unsupported OS.
	ErrUnsupportedPlatform = errors.New("unsupported platform in current release")

	// ErrPeerClosed is the close reason for connections hung up by the remote end.
	ErrPeerClosed = errors.New("connection closed by peer")

	// ErrIdleTimeout is the close reason for connections reaped by the idle sweep.
	ErrIdleTimeout = errors.New("connection idle timeout")
)
