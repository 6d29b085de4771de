package connserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// serviceStatus is the lifecycle state of one service slot.
type serviceStatus int

const (
	statusAvailable serviceStatus = iota
	statusUnavailable
	statusFailed
	statusStopping
	statusStopped
)

// serviceSlot is a worker's per-token binding: which factory produced the
// current service instance, the instance itself, and its status. Slots are
// indexed by Token, so slots[tok] always refers to the service serving tok.
type serviceSlot struct {
	factoryIndex int
	service      Service
	status       serviceStatus
}

// conn is the envelope the acceptor hands to a worker: an accepted stream
// tagged with the token of the listener it came from.
type conn struct {
	stream net.Conn
	token  Token
}

// stopCommand instructs a worker to begin (or immediately complete) its
// shutdown. result receives exactly one value: true if every in-flight
// connection drained before any deadline, false otherwise.
type stopCommand struct {
	graceful bool
	result   chan bool
}

// WorkerHandle is the cheaply cloneable sender-side surface of a worker:
// copying the struct is sufficient since its channels and availability
// flag are reference types. Dropping every handle does not stop the
// worker; only a stopCommand does.
type WorkerHandle struct {
	idx      int
	sendConn chan conn
	sendStop chan stopCommand
	avail    *Availability
	dead     *atomic.Bool
}

// Index returns the worker's position in the acceptor's round-robin ring.
func (h *WorkerHandle) Index() int { return h.idx }

// Available reports the worker's last-known availability.
func (h *WorkerHandle) Available() bool { return h.avail.Load() }

// trySend attempts a non-blocking dispatch to the worker. ok is true only
// on a successful send; closed is true if the worker has already died
// (a service call panicked or a restart failed fatally), which the
// acceptor treats as a fault requiring replacement.
func (h *WorkerHandle) trySend(c conn) (ok, closed bool) {
	if h.dead.Load() {
		return false, true
	}
	select {
	case h.sendConn <- c:
		return true, false
	default:
		return false, false
	}
}

// requestStop sends a stop command, reporting whether the worker was
// already dead and so could never receive it.
func (h *WorkerHandle) requestStop(sc stopCommand) (closed bool) {
	if h.dead.Load() {
		return true
	}
	h.sendStop <- sc
	return false
}

// workerStateKind discriminates the Worker's tagged-union state.
type workerStateKind int

const (
	stateUnavailable workerStateKind = iota
	stateRestarting
	stateAvailable
	stateShuttingDown
)

type restartState struct {
	token Token
}

type shutdownState struct {
	deadline time.Time
	replier  chan bool
}

// workerState is the Worker's current tagged-union state; only the field
// matching kind is meaningful.
type workerState struct {
	kind     workerStateKind
	restart  restartState
	shutdown shutdownState
}

const (
	unavailablePollInterval = 10 * time.Millisecond
	availablePollInterval   = 50 * time.Millisecond
	shutdownHeartbeat       = 1 * time.Second
)

// Worker is a single-threaded cooperative scheduler: one goroutine runs
// run(), and no other goroutine ever touches w.slots or w.state. Accepted
// connections are dispatched to their service on a short-lived,
// fire-and-forget goroutine per call, but the slot lookup and counter
// guard acquisition happen on the worker's own goroutine before that
// handoff.
type Worker struct {
	idx             int
	slots           []serviceSlot
	factories       []Factory
	counter         *Counter
	avail           *Availability
	handle          *WorkerHandle
	recvConn        chan conn
	recvStop        chan stopCommand
	shutdownTimeout time.Duration
	onFault         func(idx int, err error)

	dead      atomic.Bool
	faultOnce sync.Once
}

// markFatal kills the worker: its handle is reported dead to the acceptor
// immediately, and the controller is notified exactly once so it can start
// a replacement. Safe to call from any goroutine (the worker's own loop,
// on a failed restart, or a dispatched call's recovered panic).
func (w *Worker) markFatal(err error) {
	w.faultOnce.Do(func() {
		w.dead.Store(true)
		w.onFault(w.idx, err)
	})
}

func newWorker(idx int, numTokens int, factories []Factory, maxConn int, shutdownTimeout time.Duration, queue *wakeQueue, onFault func(idx int, err error)) *Worker {
	avail := newAvailability(queue)
	w := &Worker{
		idx:             idx,
		slots:           make([]serviceSlot, numTokens),
		factories:       factories,
		counter:         NewCounter(maxConn),
		avail:           avail,
		recvConn:        make(chan conn, 1),
		recvStop:        make(chan stopCommand, 1),
		shutdownTimeout: shutdownTimeout,
		onFault:         onFault,
	}
	w.handle = &WorkerHandle{idx: idx, sendConn: w.recvConn, sendStop: w.recvStop, avail: avail, dead: &w.dead}
	return w
}

// bootstrap creates every factory's services and installs them into slots.
// A factory error here is fatal to worker startup, per the external
// service contract: factories may return errors, which terminate startup.
func (w *Worker) bootstrap(ctx context.Context) error {
	for fi, f := range w.factories {
		svcs, err := f.Create(ctx)
		if err != nil {
			return &ServiceStartError{Name: f.Name(-1), Cause: err}
		}
		for _, ts := range svcs {
			if int(ts.Token) < 0 || int(ts.Token) >= len(w.slots) {
				return &ServiceStartError{Name: f.Name(ts.Token), Cause: fmt.Errorf("token %d out of range", ts.Token)}
			}
			w.slots[ts.Token] = serviceSlot{factoryIndex: fi, service: ts.Service, status: statusUnavailable}
		}
	}
	return nil
}

// run is the worker's cooperative scheduler loop. It returns only once the
// worker has fully stopped (gracefully, hard, or fatally after a restart
// failure).
func (w *Worker) run() {
	state := workerState{kind: stateUnavailable}
	for {
		if w.dead.Load() {
			select {
			case sc := <-w.recvStop:
				sc.result <- true
			default:
			}
			return
		}

		select {
		case sc := <-w.recvStop:
			next, done := w.enterStop(sc)
			state = next
			if done {
				return
			}
			continue
		default:
		}

		var done bool
		switch state.kind {
		case stateUnavailable:
			state, done = w.stepUnavailable()
		case stateRestarting:
			state, done = w.stepRestarting(state.restart)
		case stateAvailable:
			state, done = w.stepAvailable()
		case stateShuttingDown:
			state, done = w.stepShuttingDown(state.shutdown)
		}
		if done {
			return
		}
	}
}

// checkReadiness polls every slot that could still serve a connection.
// needsRestart reports a slot whose readiness probe failed; the caller
// must transition to Restarting for that token before anything else.
func (w *Worker) checkReadiness(ctx context.Context) (ready bool, restartTok Token, needsRestart bool) {
	ready = true
	for i := range w.slots {
		s := &w.slots[i]
		if s.status != statusAvailable && s.status != statusUnavailable {
			continue
		}
		if s.service == nil {
			continue
		}
		ok, err := s.service.PollReady(ctx)
		if err != nil {
			s.status = statusFailed
			return false, Token(i), true
		}
		if ok {
			s.status = statusAvailable
		} else {
			s.status = statusUnavailable
			ready = false
		}
	}
	return ready, 0, false
}

func (w *Worker) stepUnavailable() (workerState, bool) {
	ready, tok, needsRestart := w.checkReadiness(context.Background())
	if needsRestart {
		return workerState{kind: stateRestarting, restart: restartState{token: tok}}, false
	}
	if ready && w.counter.Available(nil) {
		w.avail.Set(true)
		return workerState{kind: stateAvailable}, false
	}
	select {
	case sc := <-w.recvStop:
		return w.enterStop(sc)
	case <-time.After(unavailablePollInterval):
	}
	return workerState{kind: stateUnavailable}, false
}

func (w *Worker) stepRestarting(rs restartState) (workerState, bool) {
	slot := &w.slots[rs.token]
	factory := w.factories[slot.factoryIndex]
	services, err := factory.Create(context.Background())
	if err == nil && len(services) == 0 {
		err = fmt.Errorf("factory produced no services for token %d", rs.token)
	}
	if err != nil {
		logger().Error().Int("worker", w.idx).Int("token", int(rs.token)).Err(err).Msg("service restart failed, worker terminating")
		w.markFatal(&RestartError{Token: rs.token, Cause: err})
		return workerState{}, true
	}
	slot.service = services[0].Service
	slot.status = statusUnavailable
	return workerState{kind: stateUnavailable}, false
}

func (w *Worker) stepAvailable() (workerState, bool) {
	ready, tok, needsRestart := w.checkReadiness(context.Background())
	if needsRestart {
		w.avail.Set(false)
		return workerState{kind: stateRestarting, restart: restartState{token: tok}}, false
	}
	if !ready || !w.counter.Available(nil) {
		w.avail.Set(false)
		return workerState{kind: stateUnavailable}, false
	}
	select {
	case sc := <-w.recvStop:
		return w.enterStop(sc)
	case c := <-w.recvConn:
		svc := w.slots[c.token].service
		guard := w.counter.Get()
		go w.dispatch(svc, guard, c)
		return workerState{kind: stateAvailable}, false
	case <-time.After(availablePollInterval):
		return workerState{kind: stateAvailable}, false
	}
}

// dispatch runs one service call on its own goroutine, so the worker's
// scheduler loop is never blocked by a slow or long-lived call. A panic
// inside the call is fatal to the whole worker, not just its slot — the
// acceptor observes the resulting dead handle and the controller replaces
// the worker, matching a faulting service taking its host worker down.
func (w *Worker) dispatch(svc Service, guard *Guard, c conn) {
	defer guard.Release()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in service call: %v", r)
			logger().Error().Int("worker", w.idx).Int("token", int(c.token)).Err(err).Msg("service call panicked, worker terminating")
			w.markFatal(err)
		}
	}()
	if err := svc.Call(context.Background(), guard, c.stream); err != nil {
		logger().Debug().Int("worker", w.idx).Int("token", int(c.token)).Err(err).Msg("service call returned an error")
	}
}

func (w *Worker) enterStop(sc stopCommand) (workerState, bool) {
	w.avail.Set(false)
	if w.counter.Total() == 0 {
		sc.result <- true
		return workerState{}, true
	}
	if sc.graceful {
		for i := range w.slots {
			if w.slots[i].status == statusAvailable {
				w.slots[i].status = statusStopping
			}
		}
		return workerState{kind: stateShuttingDown, shutdown: shutdownState{
			deadline: time.Now().Add(w.shutdownTimeout),
			replier:  sc.result,
		}}, false
	}
	for i := range w.slots {
		if w.slots[i].status == statusAvailable {
			w.slots[i].status = statusStopped
		}
	}
	sc.result <- false
	return workerState{}, true
}

func (w *Worker) stepShuttingDown(ss shutdownState) (workerState, bool) {
	if w.counter.Total() == 0 {
		ss.replier <- true
		return workerState{}, true
	}
	if !time.Now().Before(ss.deadline) {
		for i := range w.slots {
			if w.slots[i].status != statusStopped {
				w.slots[i].status = statusStopped
			}
		}
		ss.replier <- false
		return workerState{}, true
	}
	wait := shutdownHeartbeat
	if remaining := time.Until(ss.deadline); remaining < wait {
		wait = remaining
	}
	time.Sleep(wait)
	return workerState{kind: stateShuttingDown, shutdown: ss}, false
}
