package rnet

import (
	"net"
	"strings"
	"sync/atomic"
	"time"

	"rnet/internal/logging"
)

// Action is what the event loop should do after a callback returns.
type Action int

const (
	// None 啥都不做
	None Action = iota
	// Close closes the connection.
	Close
	// Shutdown shuts the whole server down.
	Shutdown
)

var defaultLogger = Logger(logging.Default())

type Logger interface {
	Printf(format string, args ...interface{})
}

// Server is the read-only view of a running server handed to callbacks.
type Server struct {
	svr *server
	// Multicore 是否启用多核，启用时每个shard一个事件循环线程
	Multicore bool
	// Addr is the listening address.
	Addr net.Addr
	// NumEventLoop is the number of dispatcher shards.
	NumEventLoop int
	// ReusePort reports whether shards share the port via SO_REUSEPORT.
	ReusePort bool
	// TCPKeepAlive is the keep-alive period applied to accepted sockets.
	TCPKeepAlive time.Duration
}

// Conn is the per-socket handle exposed to codecs and callbacks. All buffer
// methods must only be called from the owning event-loop goroutine; AsyncWrite,
// Drain, Wake and Close are safe from any goroutine.
type Conn interface {
	// Context returns a user-defined context.
	Context() (ctx interface{})

	// SetContext sets a user-defined context.
	SetContext(ctx interface{})

	// LocalAddr is the connection's local socket address.
	LocalAddr() (addr net.Addr)

	// RemoteAddr is the connection's remote peer address.
	RemoteAddr() (addr net.Addr)

	// Read reads all buffered inbound data without moving the "read" pointer,
	// the data stays buffered until ShiftN or ResetBuffer is called.
	Read() (buf []byte)

	// ResetBuffer evicts all buffered inbound data.
	ResetBuffer()

	// ReadN reads up to n bytes without moving the "read" pointer. When less
	// than n bytes are buffered it returns everything available, check the
	// returned size.
	ReadN(n int) (size int, buf []byte)

	// ShiftN moves the "read" pointer forward by n bytes.
	ShiftN(n int) (size int)

	// BufferLength returns the length of buffered inbound data.
	BufferLength() (size int)

	// AsyncWrite encodes and writes data to the connection from outside the
	// event loop, usually from application goroutines.
	AsyncWrite(buf []byte) error

	// Drain stops reading, flushes buffered outbound data and then closes the
	// connection.
	Drain() error

	// Wake triggers a decode pass for this connection.
	Wake() error

	// Close closes the connection immediately.
	Close() error
}

type (
	// EventHandler receives connection lifecycle callbacks on the event-loop
	// goroutines. Request payloads never show up here, they are routed to the
	// worker pool through the task queue.
	EventHandler interface {
		// OnInitComplete is called right before the server starts accepting.
		OnInitComplete(server Server) (action Action)

		// OnShutdown is called once all event loops and connections are closed.
		OnShutdown(server Server)

		// OnOpened is called after a new connection is registered, the
		// returned bytes are written back to the peer.
		OnOpened(c Conn) (out []byte, action Action)

		// OnClosed is called when a connection reaches its terminal state,
		// err is the close reason and nil for clean closes.
		OnClosed(c Conn, err error) (action Action)

		// OnOverload is called when the task queue rejects a request from
		// this connection under the drop overflow policy.
		OnOverload(c Conn) (action Action)
	}

	// EventServer is the no-op EventHandler to embed.
	EventServer struct {
	}
)

func (es *EventServer) OnInitComplete(server Server) (action Action) {
	return
}

func (es *EventServer) OnShutdown(server Server) {
}

func (es *EventServer) OnOpened(c Conn) (out []byte, action Action) {
	return
}

func (es *EventServer) OnClosed(c Conn, err error) (action Action) {
	return
}

func (es *EventServer) OnOverload(c Conn) (action Action) {
	return
}

// Handler is the application handler boundary. Handle is invoked only on
// worker-pool goroutines with a detached copy of one complete request frame
// and the connection context captured at enqueue time. The returned bytes are
// encoded and written back by the owning event loop; a non-nil error closes
// the connection with that reason.
type Handler interface {
	Handle(payload []byte, ctx interface{}) (out []byte, err error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(payload []byte, ctx interface{}) ([]byte, error)

func (f HandlerFunc) Handle(payload []byte, ctx interface{}) ([]byte, error) {
	return f(payload, ctx)
}

// CountConnections returns the number of live connections over all shards.
func (s Server) CountConnections() (count int) {
	s.svr.subEventLoopSet.iterate(func(i int, e *eventloop) bool {
		count += int(atomic.LoadInt32(&e.connCount))
		return true
	})
	return
}

// Serve starts handling events for the specified address.
//
// Address format: "tcp://192.168.0.10:9851" or "unix://socket", a bare
// "host:port" defaults to tcp.
func Serve(eventHandler EventHandler, handler Handler, addr string, opts ...Option) (err error) {
	options := loadOptions(opts...)
	if options.Logger != nil {
		defaultLogger = options.Logger
	}
	network, address := parseAddr(addr)
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return ErrUnsupportedProtocol
	}
	return serve(eventHandler, handler, network, address, options)
}

// tcp://192.168.0.1:80
func parseAddr(addr string) (network, address string) {
	network = "tcp"
	address = strings.ToLower(addr)
	if strings.Contains(address, "://") {
		pair := strings.Split(address, "://")
		network = pair[0]
		address = pair[1]
	}
	return
}

func sniffErrorAndLog(err error) {
	if err != nil {
		defaultLogger.Printf("%v", err)
	}
}
