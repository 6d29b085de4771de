package connserver

import (
	"net"
	"runtime"
)

// acceptor is the dedicated-OS-thread component: it owns the poller, the
// listener set, and the round-robin ring of worker handles. It never
// suspends cooperatively — it only ever blocks inside Poller.Wait.
//
// A worker's death is always reported to the Server controller by the
// worker itself (via markFatal, which also sets the dead flag the acceptor
// sees through a failed send), never by the acceptor. The acceptor's own job on
// discovering one is purely local bookkeeping: drop the handle from the
// ring so the round-robin invariant holds.
type acceptor struct {
	poller    Poller
	listeners []listenerRecord
	held      map[Token]net.Conn // at most one held connection per listener

	ring   []*WorkerHandle
	cursor int
	paused bool

	queue *wakeQueue
}

func newAcceptor(poller Poller, queue *wakeQueue) *acceptor {
	return &acceptor{
		poller: poller,
		held:   make(map[Token]net.Conn),
		queue:  queue,
	}
}

// run is the acceptor's entire lifetime: call it from a goroutine that
// will not be reused for anything else, since it pins the OS thread.
func (a *acceptor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for _, lr := range a.listeners {
		if err := a.poller.AddListener(lr.token, lr.listener); err != nil {
			logger().Error().Err(err).Str("listener", lr.name).Msg("failed to register listener with poller")
		}
	}

	for {
		events, err := a.poller.Wait()
		if err != nil {
			if err == errPollerClosed {
				return
			}
			logger().Error().Err(err).Msg("poller wait failed")
			continue
		}
		for _, ev := range events {
			if ev.isWake {
				if a.drainWakeQueue() {
					return
				}
				continue
			}
			if a.acceptFrom(ev.token) {
				return
			}
		}
	}
}

// drainWakeQueue applies every queued interest. It returns true if a Stop
// interest was processed, meaning the acceptor must now exit.
func (a *acceptor) drainWakeQueue() bool {
	for _, interest := range a.queue.drain() {
		switch interest.kind {
		case interestPause:
			a.setPaused(true)
		case interestResume:
			a.setPaused(false)
		case interestWorker:
			if interest.worker != nil {
				a.ring = append(a.ring, interest.worker)
			}
		case interestWorkerAvailable:
			a.retryHeld()
		case interestStop:
			a.handleStop(interest.stop)
			return true
		}
	}
	return false
}

func (a *acceptor) setPaused(paused bool) {
	if paused == a.paused {
		return
	}
	a.paused = paused
	for _, lr := range a.listeners {
		if paused {
			_ = a.poller.RemoveListener(lr.token)
		} else {
			_ = a.poller.AddListener(lr.token, lr.listener)
		}
	}
}

func (a *acceptor) handleStop(stop acceptorStop) {
	for _, lr := range a.listeners {
		_ = a.poller.RemoveListener(lr.token)
		_ = lr.listener.Close()
	}
	receivers := make([]chan bool, 0, len(a.ring))
	for _, h := range a.ring {
		result := make(chan bool, 1)
		if closed := h.requestStop(stopCommand{graceful: stop.graceful, result: result}); closed {
			result <- true
		}
		receivers = append(receivers, result)
	}
	if stop.result != nil {
		stop.result <- receivers
	}
}

// acceptFrom drains one listener's backlog in a tight non-blocking loop,
// dispatching every accepted connection. It always returns false:
// errWouldBlock ends the loop, and any other accept error is logged and
// ends it as well.
func (a *acceptor) acceptFrom(tok Token) bool {
	lr, ok := a.findListener(tok)
	if !ok {
		return false
	}
	for {
		c, err := lr.listener.Accept()
		if err != nil {
			if err == errWouldBlock {
				return false
			}
			logger().Warn().Err(err).Str("listener", lr.name).Msg("accept error")
			return false
		}
		a.dispatch(conn{stream: c, token: tok})
	}
}

func (a *acceptor) findListener(tok Token) (listenerRecord, bool) {
	for _, lr := range a.listeners {
		if lr.token == tok {
			return lr, true
		}
	}
	return listenerRecord{}, false
}

// dispatch hands c to the next available worker in round-robin order,
// starting at the cursor. If a full revolution finds nobody available, the
// connection is held (at most one per listener) and that listener is
// deregistered until the next WorkerAvailable interest.
func (a *acceptor) dispatch(c conn) {
	if len(a.ring) == 0 {
		c.stream.Close()
		return
	}
	start := a.cursor
	for i := 0; i < len(a.ring); {
		if len(a.ring) == 0 {
			break
		}
		idx := (start + i) % len(a.ring)
		h := a.ring[idx]
		if !h.Available() {
			i++
			continue
		}
		sent, closed := h.trySend(c)
		if closed {
			a.removeFaulted(idx, h)
			// The ring shrank in place: the entry at idx is now whatever
			// followed it, so re-examine idx itself rather than advancing
			// i, and rebase start so the remaining scan count stays
			// correct for the smaller ring.
			if idx < start {
				start--
			}
			continue
		}
		if sent {
			a.cursor = (idx + 1) % len(a.ring)
			return
		}
		i++
	}
	a.holdConnection(c)
}

func (a *acceptor) removeFaulted(idx int, h *WorkerHandle) {
	a.ring = append(a.ring[:idx], a.ring[idx+1:]...)
	if a.cursor > idx {
		a.cursor--
	}
	logger().Warn().Int("worker", h.Index()).Msg("dropping dead worker handle from acceptor ring")
}

// holdConnection keeps at most one pending connection per listener,
// deregistering the listener so the kernel's own accept backlog absorbs
// further arrivals; any connection displacing an already-held one is
// dropped to exert backpressure.
func (a *acceptor) holdConnection(c conn) {
	if _, ok := a.held[c.token]; ok {
		c.stream.Close()
		return
	}
	a.held[c.token] = c.stream
	if lr, ok := a.findListener(c.token); ok {
		_ = a.poller.RemoveListener(lr.token)
	}
}

// retryHeld attempts to redeliver every held connection now that some
// worker flipped available; listeners whose held connection is
// successfully redelivered are re-registered with the poller.
func (a *acceptor) retryHeld() {
	toks := make([]Token, 0, len(a.held))
	for tok := range a.held {
		toks = append(toks, tok)
	}
	for _, tok := range toks {
		stream, ok := a.held[tok]
		if !ok {
			continue
		}
		delete(a.held, tok)
		a.dispatch(conn{stream: stream, token: tok})
		if _, stillHeld := a.held[tok]; !stillHeld {
			if lr, ok := a.findListener(tok); ok {
				_ = a.poller.AddListener(lr.token, lr.listener)
			}
		}
	}
}
