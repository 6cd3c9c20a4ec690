// Package tunnel implements the local-side TCP tunnel proxy endpoint: it
// accepts inbound TCP connections, multiplexes them as framed events over a
// single pre-established duplex Transport, and dispatches inbound data
// frames back to the right socket.
package tunnel

// Event names carried on the wire in TunnelMessage.Event.
const (
	EventProxyCreated = "proxyCreated"
	EventProxyError   = "proxyError"
	EventProxyClosed  = "proxyClosed"
	EventConnection   = "connection"
	EventData         = "data"
	EventEnd          = "end"
	EventClose        = "close"
	EventTimeout      = "timeout"
	EventError        = "error"
)

// TunnelMessage is the wire-level event exchanged with the remote peer
// through a Transport. Every message carries TunnelId and Event; the
// remaining fields are populated according to Event (see the constructors
// below). Unused fields are left at their zero value and omitted
// from the encoded frame.
type TunnelMessage struct {
	TunnelId   string `json:"tunnelId"`
	Event      string `json:"event"`
	ClientId   uint32 `json:"clientId,omitempty"`
	Arg        []byte `json:"arg,omitempty"`
	Port       uint16 `json:"port,omitempty"`
	RemotePort uint16 `json:"remotePort,omitempty"`
	UseIPv4    bool   `json:"useIPv4,omitempty"`
	Error      string `json:"error,omitempty"`
}

// wireMessage mirrors TunnelMessage for JSON (de)serialization; kept
// separate so internal construction helpers can evolve independently of the
// wire shape.
type wireMessage struct {
	TunnelId   string `json:"tunnelId"`
	Event      string `json:"event"`
	ClientId   uint32 `json:"clientId,omitempty"`
	Arg        []byte `json:"arg,omitempty"`
	Port       uint16 `json:"port,omitempty"`
	RemotePort uint16 `json:"remotePort,omitempty"`
	UseIPv4    bool   `json:"useIPv4,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newProxyCreated(tunnelId string, port, remotePort uint16, useIPv4 bool) TunnelMessage {
	return TunnelMessage{TunnelId: tunnelId, Event: EventProxyCreated, Port: port, RemotePort: remotePort, UseIPv4: useIPv4}
}

func newProxyError(tunnelId string, port, remotePort uint16, useIPv4 bool, err error) TunnelMessage {
	return TunnelMessage{TunnelId: tunnelId, Event: EventProxyError, Port: port, RemotePort: remotePort, UseIPv4: useIPv4, Error: err.Error()}
}

func newProxyClosed(tunnelId string) TunnelMessage {
	return TunnelMessage{TunnelId: tunnelId, Event: EventProxyClosed}
}

func newConnection(tunnelId string, clientId uint32) TunnelMessage {
	return TunnelMessage{TunnelId: tunnelId, Event: EventConnection, ClientId: clientId}
}

func newData(tunnelId string, clientId uint32, arg []byte) TunnelMessage {
	return TunnelMessage{TunnelId: tunnelId, Event: EventData, ClientId: clientId, Arg: arg}
}

func newSimpleClientEvent(tunnelId, event string, clientId uint32) TunnelMessage {
	return TunnelMessage{TunnelId: tunnelId, Event: event, ClientId: clientId}
}

func newClientError(tunnelId string, clientId uint32, err error) TunnelMessage {
	return TunnelMessage{TunnelId: tunnelId, Event: EventError, ClientId: clientId, Error: err.Error()}
}
