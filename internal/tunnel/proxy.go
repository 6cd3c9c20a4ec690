package tunnel

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/tunnelproxy/internal/tlog"
)

// ErrBindFailed is returned by StartListening (and wrapped into the
// outbound proxyError event) when the local TCP listener cannot be bound.
var ErrBindFailed = errors.New("tunnel: bind failed")

// ProxyState is the lifecycle state of a Proxy.
type ProxyState int32

const (
	ProxyInitializing ProxyState = iota
	ProxyListening
	ProxyClosing
	ProxyClosed
)

func (s ProxyState) String() string {
	switch s {
	case ProxyInitializing:
		return "initializing"
	case ProxyListening:
		return "listening"
	case ProxyClosing:
		return "closing"
	case ProxyClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Proxy is the local-side TCP tunnel proxy engine for one tunnelId. It
// binds a local TCP listener, accepts connections, assigns client IDs,
// forwards socket events outward over a Transport, and dispatches inbound
// data frames back to the correct socket.
//
// All mutable state (the client registry and ProxyState) is owned by a
// single actor goroutine, matching the single-threaded cooperative dispatch
// model: accepted sockets, per-socket events, inbound messages and
// administrative calls are all serialized through one command channel, so
// no locking is needed around the registry.
type Proxy struct {
	*shutdownHelper

	tunnelId   string
	localPort  uint16
	remotePort uint16
	useIPv4    bool
	transport  Transport
	log        tlog.Logger

	state ProxyState // written only by the actor; read with atomic loads

	registry     *clientRegistry
	nextClientId uint32

	// draining holds sockets drained out of registry during beginClose,
	// kept just long enough to log and forward their trailing end/error/
	// close events; maybeFinalize waits for this to empty too.
	draining map[uint32]*clientSocket

	listener net.Listener

	cmds         chan func()
	socketEvents chan socketEvent
	closeDone    chan struct{}
}

// Create constructs a Proxy. The returned Proxy is not yet listening;
// call StartListening to bind the local port and announce it to the peer.
func Create(tunnelId string, localPort, remotePort uint16, useIPv4 bool, transport Transport, log tlog.Logger) (*Proxy, error) {
	if tunnelId == "" {
		return nil, fmt.Errorf("tunnel: tunnelId must not be empty")
	}
	p := &Proxy{
		tunnelId:     tunnelId,
		localPort:    localPort,
		remotePort:   remotePort,
		useIPv4:      useIPv4,
		transport:    transport,
		log:          log.Fork("proxy(%s)", tunnelId),
		state:        ProxyInitializing,
		registry:     newClientRegistry(),
		draining:     make(map[uint32]*clientSocket),
		cmds:         make(chan func()),
		socketEvents: make(chan socketEvent, 64),
		closeDone:    make(chan struct{}),
	}
	p.shutdownHelper = newShutdownHelper(p)

	// A transport carries no retry of its own (spec.md §4.4): once it
	// closes, for any reason, this Proxy can no longer forward anything
	// and must release its listener and client sockets rather than leak
	// them waiting for a Close() call that may never come.
	transport.OnClose(func(err error) {
		p.StartShutdown(err)
	})

	go p.actorLoop()
	return p, nil
}

// ID returns the tunnelId this Proxy was created with.
func (p *Proxy) ID() string {
	return p.tunnelId
}

// Transport returns the Transport this Proxy was created with, so a
// supervisor can start additional Proxy instances against the same
// connection without having to keep its own separate reference.
func (p *Proxy) Transport() Transport {
	return p.transport
}

// State returns the current lifecycle state.
func (p *Proxy) State() ProxyState {
	return ProxyState(atomic.LoadInt32((*int32)(&p.state)))
}

func (p *Proxy) setState(s ProxyState) {
	atomic.StoreInt32((*int32)(&p.state), int32(s))
}

// dispatch enqueues cmd to run on the actor goroutine. If the Proxy has
// already finished closing, cmd is silently dropped.
func (p *Proxy) dispatch(cmd func()) {
	p.dispatchOrElse(cmd, func() {})
}

// dispatchOrElse enqueues cmd to run on the actor goroutine, or runs
// onDropped if the Proxy has already finished closing. Used by acceptLoop
// so a connection accepted just as the proxy closes is closed rather than
// leaked when its handleAccept command is dropped.
func (p *Proxy) dispatchOrElse(cmd func(), onDropped func()) {
	select {
	case p.cmds <- cmd:
	case <-p.closeDone:
		onDropped()
	}
}

// actorLoop is the single logical execution context serializing all proxy
// state mutation: administrative commands, socket events, and inbound
// transport messages all funnel through here.
func (p *Proxy) actorLoop() {
	for {
		select {
		case cmd := <-p.cmds:
			cmd()
		case ev := <-p.socketEvents:
			p.handleSocketEvent(ev)
		case <-p.closeDone:
			return
		}
	}
}

// StartListening binds the local TCP listener and, on success, announces it
// to the peer via proxyCreated; on failure it announces proxyError and
// returns a wrapped ErrBindFailed.
func (p *Proxy) StartListening() error {
	errCh := make(chan error, 1)
	p.dispatch(func() {
		err := p.doStartListening()
		errCh <- err
		if err != nil {
			// doStartListening already moved to ProxyClosing on bind
			// failure; finalize now that the result has been delivered.
			p.maybeFinalize()
		}
	})
	select {
	case err := <-errCh:
		return err
	case <-p.closeDone:
		// A bind failure closes the proxy right after reporting its
		// error; prefer that error when both are ready.
		select {
		case err := <-errCh:
			return err
		default:
		}
		return fmt.Errorf("tunnel: proxy is closed")
	}
}

func (p *Proxy) doStartListening() error {
	if p.state != ProxyInitializing {
		return fmt.Errorf("tunnel: StartListening called in state %s", p.state)
	}

	network := "tcp4"
	if !p.useIPv4 {
		network = "tcp6"
	}
	listener, err := net.Listen(network, fmt.Sprintf(":%d", p.localPort))
	if err != nil {
		bindErr := fmt.Errorf("%w: %s", ErrBindFailed, err)
		p.sendMessage(newProxyError(p.tunnelId, p.localPort, p.remotePort, p.useIPv4, bindErr))
		p.setState(ProxyClosing)
		return bindErr
	}

	p.listener = listener
	actualPort := p.localPort
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		actualPort = uint16(tcpAddr.Port)
	}
	p.setState(ProxyListening)
	p.sendMessage(newProxyCreated(p.tunnelId, actualPort, p.remotePort, p.useIPv4))

	go p.acceptLoop(listener)
	return nil
}

func (p *Proxy) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			p.log.Debugf("accept loop ending: %s", err)
			return
		}
		p.dispatchOrElse(func() {
			p.handleAccept(conn)
		}, func() {
			conn.Close()
		})
	}
}

func (p *Proxy) handleAccept(conn net.Conn) {
	if p.state != ProxyListening {
		conn.Close()
		return
	}
	p.nextClientId++
	clientId := p.nextClientId
	sock := newClientSocket(clientId, conn, p.socketEvents)
	if err := p.registry.insert(clientId, sock); err != nil {
		p.log.Warnf("%s: %s", clientId, err)
		conn.Close()
		return
	}
	p.sendMessage(newConnection(p.tunnelId, clientId))
	go sock.pump()
}

func (p *Proxy) handleSocketEvent(ev socketEvent) {
	sock := p.registry.lookup(ev.clientId)
	if sock == nil {
		sock = p.draining[ev.clientId]
	}
	if sock == nil {
		return
	}
	switch ev.kind {
	case EventData:
		p.sendMessage(newData(p.tunnelId, ev.clientId, ev.data))
	case EventTimeout:
		p.sendMessage(newSimpleClientEvent(p.tunnelId, EventTimeout, ev.clientId))
	case EventEnd:
		p.sendMessage(newSimpleClientEvent(p.tunnelId, EventEnd, ev.clientId))
	case EventError:
		p.sendMessage(newClientError(p.tunnelId, ev.clientId, ev.err))
		sock.close()
	case EventClose:
		p.registry.remove(ev.clientId)
		delete(p.draining, ev.clientId)
		p.log.Debugf("client %d closed (sent %s, received %s)", ev.clientId,
			sizestr.ToString(sock.bytesSent()), sizestr.ToString(sock.bytesRead()))
		p.sendMessage(newSimpleClientEvent(p.tunnelId, EventClose, ev.clientId))
		if p.state == ProxyClosing {
			p.maybeFinalize()
		}
	}
}

// Receive dispatches an inbound TunnelMessage addressed to this proxy's
// tunnelId. Messages for a different tunnelId, unknown clientIds, and
// event kinds other than data are silently ignored.
func (p *Proxy) Receive(msg TunnelMessage) {
	p.dispatch(func() {
		p.handleInbound(msg)
	})
}

func (p *Proxy) handleInbound(msg TunnelMessage) {
	if msg.TunnelId != p.tunnelId || msg.Event != EventData {
		return
	}
	sock := p.registry.lookup(msg.ClientId)
	if sock == nil {
		return
	}
	if err := sock.write(msg.Arg); err != nil {
		p.log.Debugf("write to client %d failed: %s", msg.ClientId, err)
		sock.close()
	}
}

// sendMessage encodes and sends msg. A transport send failure is fatal for
// the proxy (spec.md §4.4/§7): it can no longer forward anything to the
// peer, so it tears itself down rather than keep accepting connections it
// has no way to announce or carry data for.
func (p *Proxy) sendMessage(msg TunnelMessage) {
	frame, err := Encode(msg)
	if err != nil {
		p.log.Errorf("encode failed for event %s: %s", msg.Event, err)
		return
	}
	if err := p.transport.Send(frame); err != nil {
		p.log.Errorf("transport send failed for event %s: %s, closing proxy", msg.Event, err)
		p.StartShutdown(fmt.Errorf("tunnel: transport send failed: %w", err))
	}
}

// HandleOnceShutdown implements OnceShutdownHandler. It stops accepting new
// connections, force-closes the listener and every outstanding client
// socket, and waits (via the actor's own drain of trailing socket-close
// events) until proxyClosed has been announced and the actor loop exits.
func (p *Proxy) HandleOnceShutdown(completionErr error) error {
	p.dispatch(func() {
		p.beginClose()
	})
	<-p.closeDone
	return completionErr
}

// beginClose drains the registry (spec.md §4.3's drain operation) so I5
// ("after close() returns, the registry is empty") holds the instant this
// runs, then force-closes the listener and every drained socket. The
// drained sockets move to p.draining so their trailing end/error/close
// events are still logged and forwarded to the peer before proxyClosed.
func (p *Proxy) beginClose() {
	if p.state == ProxyClosing || p.state == ProxyClosed {
		return
	}
	p.setState(ProxyClosing)
	if p.listener != nil {
		p.listener.Close()
	}
	for _, sock := range p.registry.drain() {
		p.draining[sock.id] = sock
		sock.close()
	}
	p.maybeFinalize()
}

// maybeFinalize transitions to Closed and stops the actor once no client
// sockets remain outstanding, in the registry or still draining. Must only
// be called from the actor goroutine.
func (p *Proxy) maybeFinalize() {
	if p.state != ProxyClosing || p.registry.len() > 0 || len(p.draining) > 0 {
		return
	}
	p.setState(ProxyClosed)
	p.sendMessage(newProxyClosed(p.tunnelId))
	close(p.closeDone)
}
