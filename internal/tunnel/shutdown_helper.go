package tunnel

import "sync"

// OnceShutdownHandler is implemented by the object managed by a
// shutdownHelper. HandleOnceShutdown is called exactly once, in its own
// goroutine, and should perform the actual teardown before returning the
// final completion status.
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// shutdownHelper provides idempotent, one-shot asynchronous shutdown for a
// Proxy. It is a trimmed adaptation of the teacher's ShutdownHelper: the
// pause/resume and child-registration machinery is dropped because a Proxy
// has exactly one shutdown concern (its listener and client sockets),
// managed directly by HandleOnceShutdown, not a tree of children.
type shutdownHelper struct {
	mu sync.Mutex

	handler OnceShutdownHandler

	isStartedShutdown bool
	isDoneShutdown    bool
	shutdownErr       error

	doneChan chan struct{}
}

func newShutdownHelper(handler OnceShutdownHandler) *shutdownHelper {
	return &shutdownHelper{
		handler:  handler,
		doneChan: make(chan struct{}),
	}
}

// StartShutdown schedules asynchronous shutdown with the given advisory
// completion error. Safe to call multiple times and from multiple
// goroutines; only the first call has any effect.
func (h *shutdownHelper) StartShutdown(completionErr error) {
	h.mu.Lock()
	if h.isStartedShutdown {
		h.mu.Unlock()
		return
	}
	h.isStartedShutdown = true
	h.shutdownErr = completionErr
	h.mu.Unlock()

	go func() {
		h.shutdownErr = h.handler.HandleOnceShutdown(h.shutdownErr)
		h.mu.Lock()
		h.isDoneShutdown = true
		h.mu.Unlock()
		close(h.doneChan)
	}()
}

// WaitShutdown blocks until shutdown is complete and returns the final
// completion status. It does not itself initiate shutdown.
func (h *shutdownHelper) WaitShutdown() error {
	<-h.doneChan
	return h.shutdownErr
}

// IsDoneShutdown reports whether shutdown has completed.
func (h *shutdownHelper) IsDoneShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isDoneShutdown
}

// IsStartedShutdown reports whether shutdown has been initiated.
func (h *shutdownHelper) IsStartedShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isStartedShutdown
}

// ShutdownDoneChan returns a channel closed once shutdown is complete.
func (h *shutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.doneChan
}

// Close starts shutdown with a nil advisory status and waits for it to
// complete, returning the final completion status.
func (h *shutdownHelper) Close() error {
	h.StartShutdown(nil)
	return h.WaitShutdown()
}
