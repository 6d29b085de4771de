package connserver

import (
	"context"
	"net"
	"os"
	"time"
)

type serverCmdKind int

const (
	cmdPause serverCmdKind = iota
	cmdResume
	cmdSignal
	cmdNotify
	cmdStop
	cmdWorkerFaulted
)

// ServerCommand is the single MPSC message type the controller consumes.
// Only the fields matching kind are meaningful.
type ServerCommand struct {
	kind       serverCmdKind
	ack        chan struct{}
	sig        os.Signal
	notify     chan struct{}
	graceful   bool
	completion chan struct{}
	workerIdx  int
	faultErr   error
}

// Server is the external control surface returned by Builder.Run. Copying
// it is a cheap clone: its command channel is a reference type, so every
// copy reaches the same running controller.
type Server struct {
	cfg       WorkerConfig
	poller    Poller
	queue     *wakeQueue
	listeners []listenerRecord
	factories []Factory
	onExit    func()
	flap      *flapDetector

	cmd    chan ServerCommand
	acc    *acceptor
	sigCh  chan os.Signal
	stopCh chan struct{}

	workers       []*Worker
	lastStopClean bool
	stopped       bool
}

func newServer(cfg WorkerConfig, poller Poller, queue *wakeQueue, listeners []listenerRecord, factories []Factory, onExit func()) *Server {
	return &Server{
		cfg:       cfg,
		poller:    poller,
		queue:     queue,
		listeners: listeners,
		factories: factories,
		onExit:    onExit,
		flap:      newFlapDetector(),
		cmd:       make(chan ServerCommand, 32),
		stopCh:    make(chan struct{}),
	}
}

// start bootstraps every worker's services, launches the worker
// goroutines, the acceptor, and the controller loop.
func (s *Server) start(ctx context.Context) error {
	numTokens := len(s.listeners)
	s.workers = make([]*Worker, s.cfg.Workers)
	handles := make([]*WorkerHandle, s.cfg.Workers)

	for i := range s.workers {
		clones := cloneFactories(s.factories)
		w := newWorker(i, numTokens, clones, s.cfg.MaxConn, s.cfg.ShutdownTimeout, s.queue, s.workerFaulted)
		if err := w.bootstrap(ctx); err != nil {
			return err
		}
		s.workers[i] = w
		handles[i] = w.handle
	}

	s.acc = newAcceptor(s.poller, s.queue)
	s.acc.listeners = s.listeners
	s.acc.ring = append([]*WorkerHandle(nil), handles...)

	for _, w := range s.workers {
		go w.run()
	}
	go s.acc.run()
	go s.controllerLoop()

	return nil
}

func cloneFactories(factories []Factory) []Factory {
	out := make([]Factory, len(factories))
	for i, f := range factories {
		out[i] = f.CloneFactory()
	}
	return out
}

func (s *Server) startSignals() {
	s.sigCh = newSignalSource()
	go func() {
		for {
			select {
			case sig, ok := <-s.sigCh:
				if !ok {
					return
				}
				s.cmd <- ServerCommand{kind: cmdSignal, sig: sig}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Handle returns a cheap clone of the server's external control surface.
func (s *Server) Handle() *Server {
	clone := *s
	return &clone
}

// Addr returns the bound address of the listener registered under name,
// useful for discovering the actual port chosen for an ephemeral ":0"
// bind. The second return value is false if no listener was bound under
// that name.
func (s *Server) Addr(name string) (net.Addr, bool) {
	for _, lr := range s.listeners {
		if lr.name == name {
			return lr.listener.Addr(), true
		}
	}
	return nil, false
}

// Pause stops dispatching new connections on every listener. Resolves once
// the command has been submitted, not once it has taken effect.
func (s *Server) Pause() {
	ack := make(chan struct{})
	s.cmd <- ServerCommand{kind: cmdPause, ack: ack}
	<-ack
}

// Resume re-enables dispatch on every listener.
func (s *Server) Resume() {
	ack := make(chan struct{})
	s.cmd <- ServerCommand{kind: cmdResume, ack: ack}
	<-ack
}

// Notify returns a channel closed once the server has finished stopping.
func (s *Server) Notify() <-chan struct{} {
	ch := make(chan struct{})
	s.cmd <- ServerCommand{kind: cmdNotify, notify: ch}
	return ch
}

// Stop initiates shutdown and blocks until every worker has reported (or
// been forced past its shutdown timeout). It returns false if any worker
// still had in-flight connections when it gave up.
func (s *Server) Stop(graceful bool) bool {
	completion := make(chan struct{})
	s.cmd <- ServerCommand{kind: cmdStop, graceful: graceful, completion: completion}
	<-completion
	return s.lastStopClean
}

func (s *Server) workerFaulted(idx int, err error) {
	s.cmd <- ServerCommand{kind: cmdWorkerFaulted, workerIdx: idx, faultErr: err}
}

// controllerLoop is the Server Controller: a single goroutine consuming
// ServerCommand in order, exactly the shape spec'd for command handling.
func (s *Server) controllerLoop() {
	var notifyList []chan struct{}

	for cmd := range s.cmd {
		switch cmd.kind {
		case cmdPause:
			s.queue.push(wakerInterest{kind: interestPause})
			close(cmd.ack)

		case cmdResume:
			s.queue.push(wakerInterest{kind: interestResume})
			close(cmd.ack)

		case cmdSignal:
			if s.stopped {
				continue
			}
			switch cmd.sig {
			case sigINT, sigQUIT:
				s.stopped = true
				s.doStop(false, &notifyList)
			case sigTERM:
				s.stopped = true
				s.doStop(true, &notifyList)
			}

		case cmdNotify:
			notifyList = append(notifyList, cmd.notify)

		case cmdStop:
			// Stop is idempotent: a Stop arriving after the server has
			// already stopped just acks immediately, without re-running
			// doStop (which would double-close stopCh) or exiting this
			// loop (which must keep draining s.cmd for later callers).
			if s.stopped {
				if cmd.completion != nil {
					close(cmd.completion)
				}
				continue
			}
			s.stopped = true
			s.doStop(cmd.graceful, &notifyList)
			if cmd.completion != nil {
				close(cmd.completion)
			}

		case cmdWorkerFaulted:
			s.flap.logFault(cmd.workerIdx, cmd.faultErr)
			s.replaceWorker(cmd.workerIdx)
		}
	}
}

// doStop drives the acceptor and every worker through shutdown, setting
// s.lastStopClean for Stop's return value.
func (s *Server) doStop(graceful bool, notifyList *[]chan struct{}) {
	result := make(chan []chan bool, 1)
	s.queue.push(wakerInterest{kind: interestStop, stop: acceptorStop{graceful: graceful, result: result}})

	receivers := <-result
	clean := true
	for _, r := range receivers {
		if ok := <-r; !ok {
			clean = false
		}
	}
	s.lastStopClean = clean

	for _, n := range *notifyList {
		close(n)
	}
	*notifyList = nil

	close(s.stopCh)
	s.poller.Close()

	if s.cfg.ExitOnStop {
		time.Sleep(300 * time.Millisecond)
		if s.onExit != nil {
			s.onExit()
		}
	}
}

func (s *Server) replaceWorker(idx int) {
	numTokens := len(s.listeners)
	clones := cloneFactories(s.factories)
	w := newWorker(idx, numTokens, clones, s.cfg.MaxConn, s.cfg.ShutdownTimeout, s.queue, s.workerFaulted)
	if err := w.bootstrap(context.Background()); err != nil {
		logger().Error().Int("worker", idx).Err(err).Msg("replacement worker failed to start its services")
		return
	}
	s.workers[idx] = w
	go w.run()
	s.queue.push(wakerInterest{kind: interestWorker, worker: w.handle})
}
