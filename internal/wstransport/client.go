package wstransport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/tunnelproxy/internal/tlog"
)

// Dial connects to a tunnelproxy peer at server (an http(s):// or ws(s)://
// URL; the scheme is normalised to ws/wss automatically) and returns a
// ready-to-use Transport. Adapted from the teacher's client.go connection
// loop, stripped of its reconnect/backoff behaviour, which lives one layer
// up in cmd/tunnelproxy's supervisor.
func Dial(server string, header http.Header, log tlog.Logger) (*Transport, error) {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("wstransport: invalid server URL %q: %w", server, err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)

	dialer := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{ProtocolVersion},
	}

	wsConn, _, err := dialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial %s failed: %w", u.String(), err)
	}

	return wrap(wsConn, log.Fork("wstransport(%s)", u.Host)), nil
}
