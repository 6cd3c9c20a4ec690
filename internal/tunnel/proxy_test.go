package tunnel

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sammck-go/tunnelproxy/internal/tlog"
)

// fakeTransport is an in-memory Transport double: Send decodes and records
// every outbound TunnelMessage. A Proxy does not read Messages() itself (the
// supervisor routes decoded inbound frames to Proxy.Receive), so deliver()
// plays that routing role: it round-trips msg through the codec and hands
// the result to the given Proxy.
type fakeTransport struct {
	sent     chan TunnelMessage
	inbound  chan []byte
	closeFns []func(error)
	sendErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:    make(chan TunnelMessage, 256),
		inbound: make(chan []byte, 256),
	}
}

func (f *fakeTransport) Send(frame []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	msg, err := Decode(frame)
	if err != nil {
		return err
	}
	f.sent <- msg
	return nil
}

func (f *fakeTransport) Messages() <-chan []byte { return f.inbound }

func (f *fakeTransport) OnClose(fn func(error)) { f.closeFns = append(f.closeFns, fn) }

func (f *fakeTransport) Close() error {
	for _, fn := range f.closeFns {
		fn(nil)
	}
	return nil
}

func (f *fakeTransport) deliver(p *Proxy, msg TunnelMessage) {
	frame, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	decoded, err := Decode(frame)
	if err != nil {
		panic(err)
	}
	p.Receive(decoded)
}

func (f *fakeTransport) expect(t *testing.T, event string) TunnelMessage {
	t.Helper()
	select {
	case msg := <-f.sent:
		if msg.Event != event {
			t.Fatalf("expected event %q, got %+v", event, msg)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event %q", event)
		return TunnelMessage{}
	}
}

func testLogger() tlog.Logger {
	return tlog.New("test", tlog.LevelError)
}

// TestProxyHappyPathSingleClient exercises scenario 1 from SPEC_FULL.md §8.
func TestProxyHappyPathSingleClient(t *testing.T) {
	tr := newFakeTransport()
	p, err := Create("t1", 0, 9000, true, tr, testLogger())
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	defer p.Close()

	if err := p.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %s", err)
	}
	created := tr.expect(t, EventProxyCreated)
	if created.Port == 0 {
		t.Fatalf("proxyCreated.Port must report the bound ephemeral port, got 0")
	}

	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(created.Port))))
	if err != nil {
		t.Fatalf("dial failed: %s", err)
	}
	defer conn.Close()

	connEvt := tr.expect(t, EventConnection)
	clientId := connEvt.ClientId

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	data := tr.expect(t, EventData)
	if data.ClientId != clientId || string(data.Arg) != "hello" {
		t.Fatalf("unexpected data event: %+v", data)
	}

	tr.deliver(p, newData("t1", clientId, []byte("world")))
	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(conn, buf); err != nil {
		t.Fatalf("client read failed: %s", err)
	}
	if string(buf) != "world" {
		t.Fatalf("client read %q, want %q", buf, "world")
	}

	conn.Close()
	tr.expect(t, EventEnd)
	tr.expect(t, EventClose)
}

// TestProxyBindToZero exercises binding to an ephemeral port.
func TestProxyBindToZero(t *testing.T) {
	tr := newFakeTransport()
	p, err := Create("t1", 0, 9000, true, tr, testLogger())
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	defer p.Close()

	if err := p.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %s", err)
	}
	created := tr.expect(t, EventProxyCreated)
	if created.Port == 0 {
		t.Fatalf("expected a non-zero ephemeral port to be reported")
	}
}

// TestProxyUnknownClientIdNoOp covers "receive with an unknown clientId is
// a no-op".
func TestProxyUnknownClientIdNoOp(t *testing.T) {
	tr := newFakeTransport()
	p, err := Create("t1", 0, 9000, true, tr, testLogger())
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	defer p.Close()

	if err := p.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %s", err)
	}
	tr.expect(t, EventProxyCreated)

	tr.deliver(p, newData("t1", 999, []byte("x")))

	select {
	case msg := <-tr.sent:
		t.Fatalf("expected no outbound event from a dead clientId, got %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestProxyBindFailure covers the BindFailed path: binding the same port
// twice must fail and announce proxyError.
func TestProxyBindFailure(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("setup listen failed: %s", err)
	}
	defer l.Close()
	port := uint16(l.Addr().(*net.TCPAddr).Port)

	tr := newFakeTransport()
	p, err := Create("t1", port, 9000, true, tr, testLogger())
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	defer p.Close()

	if err := p.StartListening(); err == nil {
		t.Fatalf("expected StartListening to fail against an already-bound port")
	}
	errEvt := tr.expect(t, EventProxyError)
	if errEvt.Error == "" {
		t.Fatalf("proxyError must carry a non-empty error string")
	}
}

// TestProxyTwoConcurrentClientsFIFO covers scenario 3 / P6: each client's
// own outbound data events must be in the order its bytes arrived.
func TestProxyTwoConcurrentClientsFIFO(t *testing.T) {
	tr := newFakeTransport()
	p, err := Create("t1", 0, 9000, true, tr, testLogger())
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	defer p.Close()

	if err := p.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %s", err)
	}
	created := tr.expect(t, EventProxyCreated)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(created.Port)))

	a, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatalf("dial A failed: %s", err)
	}
	defer a.Close()
	b, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatalf("dial B failed: %s", err)
	}
	defer b.Close()

	for i := 0; i < 2; i++ {
		evt := tr.expect(t, EventConnection)
		if evt.ClientId == 0 {
			t.Fatalf("zero clientId")
		}
	}

	a.Write([]byte("A1"))
	a.Write([]byte("A2"))
	b.Write([]byte("B1"))

	// TCP may merge A1 and A2 into one read, so collect data events until
	// all six bytes have arrived and compare each client's byte stream.
	perClient := map[uint32]string{}
	for total := 0; total < len("A1A2B1"); {
		d := tr.expect(t, EventData)
		perClient[d.ClientId] += string(d.Arg)
		total += len(d.Arg)
	}
	if len(perClient) != 2 {
		t.Fatalf("expected data from two clients, got %v", perClient)
	}
	for clientId, stream := range perClient {
		if stream != "A1A2" && stream != "B1" {
			t.Fatalf("client %d FIFO violated: %q", clientId, stream)
		}
	}
}

// TestProxySocketError covers scenario 6: a reset connection yields an
// outbound error event followed by close, and does not affect other clients.
func TestProxySocketError(t *testing.T) {
	tr := newFakeTransport()
	p, err := Create("t1", 0, 9000, true, tr, testLogger())
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	defer p.Close()

	if err := p.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %s", err)
	}
	created := tr.expect(t, EventProxyCreated)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(created.Port)))

	a, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatalf("dial A failed: %s", err)
	}
	b, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatalf("dial B failed: %s", err)
	}
	defer b.Close()

	tr.expect(t, EventConnection)
	tr.expect(t, EventConnection)

	if tcpConn, ok := a.(*net.TCPConn); ok {
		tcpConn.SetLinger(0)
	}
	a.Close()

	tr.expect(t, EventError)
	tr.expect(t, EventClose)

	b.Write([]byte("still alive"))
	d := tr.expect(t, EventData)
	if string(d.Arg) != "still alive" {
		t.Fatalf("client B unaffected check failed: %+v", d)
	}
}

// TestProxyCloseIsIdempotent covers P5.
func TestProxyCloseIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	p, err := Create("t1", 0, 9000, true, tr, testLogger())
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if err := p.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %s", err)
	}
	tr.expect(t, EventProxyCreated)

	if err := p.Close(); err != nil {
		t.Fatalf("first Close failed: %s", err)
	}
	tr.expect(t, EventProxyClosed)
	if err := p.Close(); err != nil {
		t.Fatalf("second Close failed: %s", err)
	}
	if !p.IsDoneShutdown() {
		t.Fatalf("expected IsDoneShutdown() to be true after Close")
	}
}

// TestProxySendFailureIsFatal covers the transport-send-failure semantics
// from SPEC_FULL.md §4.4/§7: a Send error must tear the proxy down rather
// than leave it silently accepting connections it can no longer forward.
func TestProxySendFailureIsFatal(t *testing.T) {
	tr := newFakeTransport()
	p, err := Create("t1", 0, 9000, true, tr, testLogger())
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if err := p.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %s", err)
	}
	created := tr.expect(t, EventProxyCreated)

	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(created.Port))))
	if err != nil {
		t.Fatalf("dial failed: %s", err)
	}
	defer conn.Close()
	tr.expect(t, EventConnection)

	tr.sendErr = errors.New("send boom")
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatalf("write failed: %s", err)
	}

	select {
	case <-p.ShutdownDoneChan():
	case <-time.After(2 * time.Second):
		t.Fatalf("proxy did not shut down after a transport send failure")
	}
	if p.State() != ProxyClosed {
		t.Fatalf("expected state Closed after fatal send failure, got %s", p.State())
	}
}

// TestProxyTransportCloseTriggersTeardown covers spec.md §4.2's onClose
// contract: the Proxy must release its resources when the transport closes
// on its own, even with no explicit Close() call from the owner.
func TestProxyTransportCloseTriggersTeardown(t *testing.T) {
	tr := newFakeTransport()
	p, err := Create("t1", 0, 9000, true, tr, testLogger())
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if err := p.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %s", err)
	}
	tr.expect(t, EventProxyCreated)

	tr.Close()

	select {
	case <-p.ShutdownDoneChan():
	case <-time.After(2 * time.Second):
		t.Fatalf("proxy did not tear down after transport closed")
	}
	if p.State() != ProxyClosed {
		t.Fatalf("expected state Closed after transport close, got %s", p.State())
	}
}

// TestProxyCloseDuringAccept covers the boundary behavior from spec.md §8:
// close() racing a pending accept closes the nascent socket, releasing the
// fd, without ever emitting connection.
func TestProxyCloseDuringAccept(t *testing.T) {
	tr := newFakeTransport()
	p, err := Create("t1", 0, 9000, true, tr, testLogger())
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if err := p.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %s", err)
	}
	tr.expect(t, EventProxyCreated)

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %s", err)
	}
	tr.expect(t, EventProxyClosed)

	// Simulate acceptLoop having just accepted a connection right as the
	// actor finished closing: dispatchOrElse must drop to its fallback and
	// close the conn itself instead of leaking it.
	client, server := net.Pipe()
	defer client.Close()
	p.dispatchOrElse(func() {
		p.handleAccept(server)
	}, func() {
		server.Close()
	})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected the pending accepted conn to be closed, got a live connection")
	}

	select {
	case msg := <-tr.sent:
		t.Fatalf("expected no further outbound events, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestProxyCloseDuringActivity exercises scenario 5 from SPEC_FULL.md §8:
// with two clients active, close() ends both and emits proxyClosed exactly
// once, and any inbound message delivered afterward is a no-op.
func TestProxyCloseDuringActivity(t *testing.T) {
	tr := newFakeTransport()
	p, err := Create("t1", 0, 9000, true, tr, testLogger())
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if err := p.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %s", err)
	}
	created := tr.expect(t, EventProxyCreated)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(created.Port)))

	a, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatalf("dial A failed: %s", err)
	}
	defer a.Close()
	b, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatalf("dial B failed: %s", err)
	}
	defer b.Close()

	idA := tr.expect(t, EventConnection).ClientId
	idB := tr.expect(t, EventConnection).ClientId

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %s", err)
	}

	terminated := map[uint32]bool{}
	closed := map[uint32]bool{}
	proxyClosedCount := 0
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case msg := <-tr.sent:
			switch msg.Event {
			case EventEnd, EventError:
				terminated[msg.ClientId] = true
			case EventClose:
				closed[msg.ClientId] = true
			case EventProxyClosed:
				proxyClosedCount++
				break loop
			}
		case <-deadline:
			t.Fatalf("timed out waiting for close-during-activity teardown")
		}
	}

	if !terminated[idA] || !terminated[idB] {
		t.Fatalf("expected both clients to be ended, terminated=%v", terminated)
	}
	if !closed[idA] || !closed[idB] {
		t.Fatalf("expected both clients to be closed, closed=%v", closed)
	}
	if proxyClosedCount != 1 {
		t.Fatalf("expected exactly one proxyClosed, got %d", proxyClosedCount)
	}

	tr.deliver(p, newData("t1", idA, []byte("late")))
	select {
	case msg := <-tr.sent:
		t.Fatalf("expected no outbound event after proxyClosed, got %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
