package tunnel

import "errors"

// ErrDuplicateClient is returned by clientRegistry.insert when clientId is
// already present.
var ErrDuplicateClient = errors.New("tunnel: duplicate clientId")

// clientRegistry maps clientId to its clientSocket for one Proxy instance.
// It is a plain map with no locking: per SPEC_FULL.md §5, it is only ever
// touched from the Proxy's single actor goroutine.
type clientRegistry struct {
	sockets map[uint32]*clientSocket
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{sockets: make(map[uint32]*clientSocket)}
}

// insert adds sock under clientId. It fails with ErrDuplicateClient if
// clientId is already present.
func (r *clientRegistry) insert(clientId uint32, sock *clientSocket) error {
	if _, exists := r.sockets[clientId]; exists {
		return ErrDuplicateClient
	}
	r.sockets[clientId] = sock
	return nil
}

// lookup returns the socket for clientId, or nil if absent. Total: never
// errors.
func (r *clientRegistry) lookup(clientId uint32) *clientSocket {
	return r.sockets[clientId]
}

// remove detaches and returns the socket for clientId, or nil if absent.
// Idempotent: removing an absent clientId is a no-op that returns nil.
func (r *clientRegistry) remove(clientId uint32) *clientSocket {
	sock, ok := r.sockets[clientId]
	if !ok {
		return nil
	}
	delete(r.sockets, clientId)
	return sock
}

func (r *clientRegistry) len() int {
	return len(r.sockets)
}

// drain yields every currently registered socket exactly once and empties
// the registry. Used only during proxy shutdown.
func (r *clientRegistry) drain() []*clientSocket {
	all := make([]*clientSocket, 0, len(r.sockets))
	for _, sock := range r.sockets {
		all = append(all, sock)
	}
	r.sockets = make(map[uint32]*clientSocket)
	return all
}
