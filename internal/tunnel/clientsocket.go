package tunnel

import (
	"io"
	"net"
	"sync/atomic"
)

// clientSocket wraps one accepted net.Conn and pumps its Read() calls into
// socketEvents delivered to the owning Proxy's actor loop. Byte counters are
// tracked the way the teacher's SocketConn does, with atomics so they may be
// read (e.g. for a close-time log line) from outside the pump goroutine.
type clientSocket struct {
	id      uint32
	conn    net.Conn
	events  chan<- socketEvent
	numRead int64
	numSent int64
}

// socketEvent is one observation from a clientSocket's read pump, destined
// for the Proxy actor's command channel.
type socketEvent struct {
	clientId uint32
	kind     string // EventData, EventEnd, EventClose, EventError, EventTimeout
	data     []byte
	err      error
}

func newClientSocket(id uint32, conn net.Conn, events chan<- socketEvent) *clientSocket {
	return &clientSocket{id: id, conn: conn, events: events}
}

// pump reads from the socket until EOF or error, emitting a data event per
// successful read (in receive order, satisfying per-client FIFO), then
// exactly one of end/error, followed always by close.
func (s *clientSocket) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			atomic.AddInt64(&s.numRead, int64(n))
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.events <- socketEvent{clientId: s.id, kind: EventData, data: chunk}
		}
		if err != nil {
			if err == io.EOF {
				s.events <- socketEvent{clientId: s.id, kind: EventEnd}
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.events <- socketEvent{clientId: s.id, kind: EventTimeout}
				continue
			} else {
				s.events <- socketEvent{clientId: s.id, kind: EventError, err: err}
			}
			break
		}
	}
	s.events <- socketEvent{clientId: s.id, kind: EventClose}
}

// write sends inbound data (from the peer) to the local socket.
func (s *clientSocket) write(p []byte) error {
	n, err := s.conn.Write(p)
	atomic.AddInt64(&s.numSent, int64(n))
	return err
}

func (s *clientSocket) close() error {
	return s.conn.Close()
}

func (s *clientSocket) bytesRead() int64 {
	return atomic.LoadInt64(&s.numRead)
}

func (s *clientSocket) bytesSent() int64 {
	return atomic.LoadInt64(&s.numSent)
}
