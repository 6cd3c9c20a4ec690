// Package sshtransport implements a tunnel.Transport that multiplexes
// tunnel frames over a single already-open golang.org/x/crypto/ssh channel,
// using the shared length-prefixed stream codec for message boundaries
// (an ssh.Channel, unlike a WebSocket connection, gives no message framing
// of its own).
package sshtransport

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/tunnelproxy/internal/tlog"
	"github.com/sammck-go/tunnelproxy/internal/tunnel"
)

// Transport adapts an ssh.Channel to tunnel.Transport.
type Transport struct {
	ch     ssh.Channel
	log    tlog.Logger
	sendMu sync.Mutex

	messages chan []byte

	closeOnce  sync.Once
	closed     chan struct{}
	closeErr   error
	closeFnsMu sync.Mutex
	closeFns   []func(error)
}

// Wrap turns an already-accepted or already-opened ssh.Channel into a
// tunnel.Transport. reqs should be the companion <-chan *ssh.Request
// returned alongside ch; it is discarded in the background the way the
// teacher discards out-of-band SSH requests on a data channel.
func Wrap(ch ssh.Channel, reqs <-chan *ssh.Request, log tlog.Logger) *Transport {
	go ssh.DiscardRequests(reqs)
	t := &Transport{
		ch:       ch,
		log:      log,
		messages: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	go t.readPump()
	return t
}

func (t *Transport) readPump() {
	defer close(t.messages)
	for {
		frame, err := tunnel.ReadFrame(t.ch)
		if err != nil {
			if err != io.EOF {
				t.log.Debugf("ssh channel read failed: %s", err)
			}
			t.finish(fmt.Errorf("sshtransport: read failed: %w", err))
			return
		}
		t.messages <- frame
	}
}

// Send writes one length-prefixed frame to the SSH channel.
func (t *Transport) Send(frame []byte) error {
	select {
	case <-t.closed:
		return tunnel.ErrTransportClosed
	default:
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := tunnel.WriteFrame(t.ch, frame); err != nil {
		return fmt.Errorf("sshtransport: send failed: %w", err)
	}
	return nil
}

func (t *Transport) Messages() <-chan []byte { return t.messages }

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

// Close shuts down the SSH channel. Idempotent.
func (t *Transport) Close() error {
	t.finish(nil)
	return nil
}

func (t *Transport) finish(err error) {
	t.closeOnce.Do(func() {
		t.closeErr = err
		close(t.closed)
		t.ch.Close()

		t.closeFnsMu.Lock()
		fns := t.closeFns
		t.closeFnsMu.Unlock()
		for _, fn := range fns {
			go fn(err)
		}
	})
}
