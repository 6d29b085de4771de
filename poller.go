package connserver

import "errors"

// errPollerClosed is returned by the portable fallback Poller's Wait once
// Close has been called; the acceptor treats it as a clean shutdown signal,
// not a fault. The epoll and kqueue Pollers do not return it: after Close
// their Wait returns the OS error from the closed descriptor.
var errPollerClosed = errors.New("connserver: poller closed")

// pollEvent is one readiness notification returned from a Poller's Wait.
// isWake is set for the internal wake fd (no Token is meaningful then);
// otherwise token identifies the listener that became readable.
type pollEvent struct {
	isWake bool
	token  Token
}

// waker is the cross-thread notification side of a Poller: a call to wake
// interrupts a concurrent, blocked Wait. It must be safe to call
// concurrently with Wait and with itself, and safe after Close.
type waker interface {
	wake() error
}

// Poller is the acceptor's OS-level readiness multiplexer — epoll on
// Linux, kqueue on Darwin, and a channel-based emulation elsewhere. One
// Poller instance belongs to exactly one acceptor goroutine, which is the
// only caller of Wait.
type Poller interface {
	waker

	// AddListener registers l for read-readiness, tagged with tok.
	AddListener(tok Token, l Listener) error

	// RemoveListener deregisters the listener previously registered under
	// tok. It is not an error to remove a token that was never added.
	RemoveListener(tok Token) error

	// Wait blocks until at least one readiness event or wake is pending,
	// then returns every event observed in this pass. The portable
	// fallback Poller instead also returns after its polling interval,
	// possibly with no events.
	Wait() ([]pollEvent, error)

	Close() error
}
