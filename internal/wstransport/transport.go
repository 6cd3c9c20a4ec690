// Package wstransport implements a tunnel.Transport over a gorilla/websocket
// connection: one binary WebSocket message per tunnel frame.
package wstransport

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/tunnelproxy/internal/tlog"
	"github.com/sammck-go/tunnelproxy/internal/tunnel"
)

// ProtocolVersion is the WebSocket subprotocol name both ends must agree on.
const ProtocolVersion = "tunnelproxy-v1"

// Transport adapts a *websocket.Conn to tunnel.Transport.
type Transport struct {
	conn   *websocket.Conn
	log    tlog.Logger
	sendMu sync.Mutex

	messages chan []byte

	closeOnce  sync.Once
	closed     chan struct{}
	closeErr   error
	closeFnsMu sync.Mutex
	closeFns   []func(error)
}

func wrap(conn *websocket.Conn, log tlog.Logger) *Transport {
	t := &Transport{
		conn:     conn,
		log:      log,
		messages: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	go t.readPump()
	return t
}

// readPump is the sole goroutine that reads from conn and the sole owner of
// messages: it is the only goroutine that sends to or closes that channel,
// so closing it on exit can never race with a send.
func (t *Transport) readPump() {
	defer close(t.messages)
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.finish(fmt.Errorf("wstransport: read failed: %w", err))
			return
		}
		if msgType != websocket.BinaryMessage {
			t.log.Debugf("ignoring non-binary websocket message (type %d)", msgType)
			continue
		}
		t.messages <- data
	}
}

// Send writes one frame as a binary WebSocket message. gorilla/websocket
// permits one concurrent reader (readPump) and one concurrent writer;
// sendMu serializes Send against itself so multiple Proxy actors sharing
// this Transport satisfy that constraint.
func (t *Transport) Send(frame []byte) error {
	select {
	case <-t.closed:
		return tunnel.ErrTransportClosed
	default:
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("wstransport: send failed: %w", err)
	}
	return nil
}

// Messages returns the channel of inbound frames, closed when the
// underlying connection closes.
func (t *Transport) Messages() <-chan []byte { return t.messages }

// OnClose registers fn to run once the transport closes. If already closed,
// fn runs asynchronously right away.
func (t *Transport) OnClose(fn func(error)) {
	t.closeFnsMu.Lock()
	select {
	case <-t.closed:
		t.closeFnsMu.Unlock()
		go fn(t.closeErr)
		return
	default:
	}
	t.closeFns = append(t.closeFns, fn)
	t.closeFnsMu.Unlock()
}

// Close shuts down the WebSocket connection. Idempotent.
func (t *Transport) Close() error {
	t.finish(nil)
	return nil
}

func (t *Transport) finish(err error) {
	t.closeOnce.Do(func() {
		t.closeErr = err
		close(t.closed)
		t.conn.Close()

		t.closeFnsMu.Lock()
		fns := t.closeFns
		t.closeFnsMu.Unlock()
		for _, fn := range fns {
			go fn(err)
		}
	})
}
