package wstransport

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/tomasen/realip"

	"github.com/sammck-go/tunnelproxy/internal/tlog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns an http.Handler that upgrades matching requests to a
// tunnelproxy WebSocket session and invokes onAccept with the resulting
// Transport. Requests that do not carry the expected Sec-WebSocket-Protocol
// are rejected with 404, mirroring the teacher's handleClientHandler.
// Access logging is wrapped with jpillora/requestlog, the teacher's own
// HTTP access-log middleware.
func Handler(log tlog.Logger, onAccept func(*Transport)) http.Handler {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protocol := r.Header.Get("Sec-WebSocket-Protocol")
		if protocol != ProtocolVersion {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		clientIP := realip.FromRequest(r)
		log.Infof("upgrading websocket from %s", clientIP)

		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("upgrade from %s failed: %s", clientIP, err)
			return
		}
		onAccept(wrap(wsConn, log.Fork("wstransport(%s)", clientIP)))
	})
	return requestlog.Wrap(base)
}
