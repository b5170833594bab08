//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package rnet

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var upperHandler = HandlerFunc(func(payload []byte, ctx interface{}) ([]byte, error) {
	return bytes.ToUpper(payload), nil
})

type testEchoServer struct {
	*EventServer
	tb        testing.TB
	network   string
	addr      string
	nclients  int
	nmsgs     int
	started   chan struct{}
	clientErr chan error
	closed    int32
	srv       Server
}

func (s *testEchoServer) OnInitComplete(srv Server) (action Action) {
	s.srv = srv
	close(s.started)
	return
}

func (s *testEchoServer) OnClosed(c Conn, err error) (action Action) {
	if atomic.AddInt32(&s.closed, 1) == int32(s.nclients) {
		action = Shutdown
	}
	return
}

func (s *testEchoServer) runClient(id int) error {
	conn, err := net.Dial(s.network, s.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for j := 0; j < s.nmsgs; j++ {
		req := fmt.Sprintf("hello-%d-%d\n", id, j)
		if _, err = conn.Write([]byte(req)); err != nil {
			return err
		}
		line, err := rd.ReadString('\n')
		if err != nil {
			return err
		}
		if want := strings.ToUpper(req); line != want {
			return fmt.Errorf("client %d: got %q, want %q", id, line, want)
		}
	}
	return nil
}

func testServe(t *testing.T, network, addr string, nclients, nmsgs int, opts ...Option) Stats {
	t.Helper()
	es := &testEchoServer{
		tb:       t,
		network:  network,
		addr:     addr,
		nclients: nclients,
		nmsgs:    nmsgs,
		started:  make(chan struct{}),
	}
	opts = append(opts, WithCodec(new(LineCodec)))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(es, upperHandler, network+"://"+addr, opts...)
	}()

	select {
	case <-es.started:
	case err := <-serveErr:
		t.Fatalf("server exited before start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never started")
	}

	var wg sync.WaitGroup
	errs := make(chan error, nclients)
	for i := 0; i < nclients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := es.runClient(id); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down after the last close")
	}
	return es.srv.Stats()
}

func TestServeEcho(t *testing.T) {
	st := testServe(t, "tcp", "127.0.0.1:9921", 4, 32)
	var accepted, submitted uint64
	for _, sh := range st.Shards {
		accepted += sh.Accepted
		submitted += sh.TasksSubmitted
	}
	if accepted != 4 {
		t.Fatalf("accepted=%d, want 4", accepted)
	}
	if submitted != 4*32 {
		t.Fatalf("tasks submitted=%d, want %d", submitted, 4*32)
	}
	if st.ActiveConns != 0 {
		t.Fatalf("active conns after shutdown: %d", st.ActiveConns)
	}
}

func TestServeEchoMulticore(t *testing.T) {
	testServe(t, "tcp", "127.0.0.1:9922", 8, 32, WithMulticore(true), WithLoadBalancing(LeastConnections))
}

func TestServeEchoReusePort(t *testing.T) {
	testServe(t, "tcp", "127.0.0.1:9923", 8, 32, WithMulticore(true), WithReusePort(true))
}

func TestServeEchoEdgeTriggered(t *testing.T) {
	testServe(t, "tcp", "127.0.0.1:9924", 4, 64, WithEdgeTriggered(true))
}

func TestServeEchoUnixSocket(t *testing.T) {
	testServe(t, "unix", "/tmp/rnet-echo-test.sock", 4, 32)
}

// A full task queue with the suspend-read policy must not lose requests:
// reads pause and resume, every request still gets exactly one response.
func TestBackpressureSuspendResume(t *testing.T) {
	slow := HandlerFunc(func(payload []byte, ctx interface{}) ([]byte, error) {
		time.Sleep(5 * time.Millisecond)
		return bytes.ToUpper(payload), nil
	})
	es := &testEchoServer{
		tb:       t,
		network:  "tcp",
		addr:     "127.0.0.1:9925",
		nclients: 1,
		started:  make(chan struct{}),
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(es, slow, "tcp://127.0.0.1:9925",
			WithCodec(new(LineCodec)),
			WithNumWorkers(1),
			WithQueueCapacity(1),
			WithOverflowPolicy(OverflowSuspendRead))
	}()
	<-es.started

	conn, err := net.Dial("tcp", "127.0.0.1:9925")
	if err != nil {
		t.Fatal(err)
	}
	const total = 20
	var req bytes.Buffer
	for i := 0; i < total; i++ {
		fmt.Fprintf(&req, "msg-%d\n", i)
	}
	// flood everything at once to overrun the capacity-1 queue
	if _, err = conn.Write(req.Bytes()); err != nil {
		t.Fatal(err)
	}
	rd := bufio.NewReader(conn)
	for i := 0; i < total; i++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("response %d never arrived: %v", i, err)
		}
		if want := fmt.Sprintf("MSG-%d\n", i); line != want {
			t.Fatalf("got %q, want %q", line, want)
		}
	}
	conn.Close()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	var overflowed uint64
	for _, sh := range es.srv.Stats().Shards {
		overflowed += sh.TasksOverflowed
	}
	if overflowed == 0 {
		t.Fatal("the queue never overflowed, the test exercised nothing")
	}
}

type overloadServer struct {
	*EventServer
	started   chan struct{}
	overloads int32
}

func (s *overloadServer) OnInitComplete(srv Server) (action Action) {
	close(s.started)
	return
}

func (s *overloadServer) OnOverload(c Conn) (action Action) {
	atomic.AddInt32(&s.overloads, 1)
	return
}

func (s *overloadServer) OnClosed(c Conn, err error) (action Action) {
	return Shutdown
}

func TestOverflowDropReportsOverload(t *testing.T) {
	slow := HandlerFunc(func(payload []byte, ctx interface{}) ([]byte, error) {
		time.Sleep(20 * time.Millisecond)
		return payload, nil
	})
	es := &overloadServer{started: make(chan struct{})}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(es, slow, "tcp://127.0.0.1:9926",
			WithCodec(new(LineCodec)),
			WithNumWorkers(1),
			WithQueueCapacity(1),
			WithOverflowPolicy(OverflowDrop))
	}()
	<-es.started

	conn, err := net.Dial("tcp", "127.0.0.1:9926")
	if err != nil {
		t.Fatal(err)
	}
	var req bytes.Buffer
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&req, "msg-%d\n", i)
	}
	if _, err = conn.Write(req.Bytes()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	conn.Close()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	if atomic.LoadInt32(&es.overloads) == 0 {
		t.Fatal("OnOverload never fired under a flooded capacity-1 queue")
	}
}

type idleServer struct {
	*EventServer
	started  chan struct{}
	closeErr chan error
}

func (s *idleServer) OnInitComplete(srv Server) (action Action) {
	close(s.started)
	return
}

func (s *idleServer) OnClosed(c Conn, err error) (action Action) {
	s.closeErr <- err
	return Shutdown
}

func TestIdleTimeoutClosesSilentConns(t *testing.T) {
	es := &idleServer{started: make(chan struct{}), closeErr: make(chan error, 1)}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(es, upperHandler, "tcp://127.0.0.1:9927",
			WithCodec(new(LineCodec)),
			WithIdleTimeout(200*time.Millisecond))
	}()
	<-es.started

	conn, err := net.Dial("tcp", "127.0.0.1:9927")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// say nothing, the sweep must close us
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err = conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the server to close the idle connection")
	}
	select {
	case err := <-es.closeErr:
		if !errors.Is(err, ErrIdleTimeout) {
			t.Fatalf("close reason %v, want ErrIdleTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClosed never fired")
	}
	<-serveErr
}

type failingServer struct {
	*EventServer
	started  chan struct{}
	closeErr chan error
}

func (s *failingServer) OnInitComplete(srv Server) (action Action) {
	close(s.started)
	return
}

func (s *failingServer) OnClosed(c Conn, err error) (action Action) {
	s.closeErr <- err
	return Shutdown
}

// A handler error is a close reason for the connection that sent the request.
func TestHandlerErrorClosesConn(t *testing.T) {
	failing := HandlerFunc(func(payload []byte, ctx interface{}) ([]byte, error) {
		return nil, errors.New("no such command")
	})
	es := &failingServer{started: make(chan struct{}), closeErr: make(chan error, 1)}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(es, failing, "tcp://127.0.0.1:9928", WithCodec(new(LineCodec)))
	}()
	<-es.started

	conn, err := net.Dial("tcp", "127.0.0.1:9928")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err = conn.Write([]byte("bad\n")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err = conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the server to close after a handler failure")
	}
	select {
	case err := <-es.closeErr:
		if err == nil || !strings.Contains(err.Error(), "no such command") {
			t.Fatalf("close reason %v, want the handler error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClosed never fired")
	}
	<-serveErr
}

// A result arriving after its connection closed must be discarded, not
// written to a recycled fd.
func TestStaleResultDiscarded(t *testing.T) {
	slow := HandlerFunc(func(payload []byte, ctx interface{}) ([]byte, error) {
		if bytes.Equal(payload, []byte("slow")) {
			time.Sleep(300 * time.Millisecond)
		}
		return payload, nil
	})
	es := &testEchoServer{
		tb:       t,
		network:  "tcp",
		addr:     "127.0.0.1:9930",
		nclients: 2,
		started:  make(chan struct{}),
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(es, slow, "tcp://127.0.0.1:9930", WithCodec(new(LineCodec)))
	}()
	<-es.started

	holder, err := net.Dial("tcp", "127.0.0.1:9930")
	if err != nil {
		t.Fatal(err)
	}

	// 发完就关，结果回来时连接已经没了
	quitter, err := net.Dial("tcp", "127.0.0.1:9930")
	if err != nil {
		t.Fatal(err)
	}
	if _, err = quitter.Write([]byte("slow\n")); err != nil {
		t.Fatal(err)
	}
	quitter.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		var stale uint64
		for _, sh := range es.srv.Stats().Shards {
			stale += sh.StaleDiscarded
		}
		if stale > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale result never discarded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	holder.Close()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) Printf(format string, args ...interface{}) {
	l.mu.Lock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

type initShutdownServer struct {
	*EventServer
}

func (s *initShutdownServer) OnInitComplete(srv Server) (action Action) {
	return Shutdown
}

// reuseport监听走不了自定义backlog，至少要在日志里说一声
func TestReusePortWarnsAboutIgnoredBacklog(t *testing.T) {
	lg := new(recordingLogger)
	err := Serve(new(initShutdownServer), upperHandler, "tcp://127.0.0.1:9931",
		WithReusePort(true),
		WithBacklog(512),
		WithLogger(lg))
	if err != nil {
		t.Fatal(err)
	}
	lg.mu.Lock()
	defer lg.mu.Unlock()
	for _, e := range lg.entries {
		if strings.Contains(e, "backlog") {
			return
		}
	}
	t.Fatalf("no backlog warning logged, entries: %q", lg.entries)
}

func TestServeRejectsUnknownNetwork(t *testing.T) {
	if err := Serve(new(EventServer), upperHandler, "udp://127.0.0.1:9929"); err != ErrUnsupportedProtocol {
		t.Fatalf("got %v, want ErrUnsupportedProtocol", err)
	}
}
