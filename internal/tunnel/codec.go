package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned by Decode when a frame is not a
// well-formed, decodable TunnelMessage. Decode's error wraps
// ErrMalformedFrame and adds, as text, either the encoding/json error's
// message or the name of the missing required field.
var ErrMalformedFrame = errors.New("tunnel: malformed frame")

// Encode marshals a TunnelMessage into an opaque wire frame. Binary `arg`
// payloads (the `data` event) are carried as a JSON field whose value is
// standard base64; encoding/json does this automatically for a []byte
// field, which is sufficient to satisfy a byte-identical round trip.
func Encode(m TunnelMessage) ([]byte, error) {
	w := wireMessage{
		TunnelId:   m.TunnelId,
		Event:      m.Event,
		ClientId:   m.ClientId,
		Arg:        m.Arg,
		Port:       m.Port,
		RemotePort: m.RemotePort,
		UseIPv4:    m.UseIPv4,
		Error:      m.Error,
	}
	b, err := json.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("tunnel: encode failed: %w", err)
	}
	return b, nil
}

// Decode parses a wire frame back into a TunnelMessage. It never panics on
// malformed input; any failure is reported as ErrMalformedFrame.
func Decode(frame []byte) (TunnelMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(frame, &w); err != nil {
		return TunnelMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if w.TunnelId == "" || w.Event == "" {
		return TunnelMessage{}, fmt.Errorf("%w: missing tunnelId or event", ErrMalformedFrame)
	}
	return TunnelMessage{
		TunnelId:   w.TunnelId,
		Event:      w.Event,
		ClientId:   w.ClientId,
		Arg:        w.Arg,
		Port:       w.Port,
		RemotePort: w.RemotePort,
		UseIPv4:    w.UseIPv4,
		Error:      w.Error,
	}, nil
}
