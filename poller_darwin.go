//go:build darwin

package connserver

import (
	"sync"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the Darwin Poller, backed by a single kqueue instance.
// Darwin has no eventfd, so the wake side is a self-pipe: wake writes one
// byte to wakeWriteFD, and the read end is registered like any other fd.
type kqueuePoller struct {
	kq          int
	wakeReadFD  int
	wakeWriteFD int

	mu   sync.Mutex
	toks map[int]Token

	events [256]unix.Kevent_t
}

const wakeIdent = ^uint64(0) // sentinel fd no real socket can take

func newPlatformPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kq)
		return nil, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		unix.Close(kq)
		return nil, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		unix.Close(kq)
		return nil, err
	}

	p := &kqueuePoller{kq: kq, wakeReadFD: fds[0], wakeWriteFD: fds[1], toks: make(map[int]Token)}
	ev := unix.Kevent_t{Ident: uint64(fds[0]), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *kqueuePoller) AddListener(tok Token, l Listener) error {
	fd := l.rawFD()
	p.mu.Lock()
	p.toks[fd] = tok
	p.mu.Unlock()
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	if err != nil {
		p.mu.Lock()
		delete(p.toks, fd)
		p.mu.Unlock()
	}
	return err
}

func (p *kqueuePoller) RemoveListener(tok Token) error {
	p.mu.Lock()
	var fd int
	found := false
	for k, v := range p.toks {
		if v == tok {
			fd, found = k, true
			break
		}
	}
	if found {
		delete(p.toks, fd)
	}
	p.mu.Unlock()
	if !found {
		return nil
	}
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (p *kqueuePoller) Wait() ([]pollEvent, error) {
	for {
		n, err := unix.Kevent(p.kq, nil, p.events[:], nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		out := make([]pollEvent, 0, n)
		for i := 0; i < n; i++ {
			ident := p.events[i].Ident
			if int(ident) == p.wakeReadFD {
				p.drainWake()
				out = append(out, pollEvent{isWake: true})
				continue
			}
			p.mu.Lock()
			tok, ok := p.toks[int(ident)]
			p.mu.Unlock()
			if ok {
				out = append(out, pollEvent{token: tok})
			}
		}
		return out, nil
	}
}

func (p *kqueuePoller) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(p.wakeReadFD, buf[:])
		if err != nil {
			return
		}
	}
}

func (p *kqueuePoller) wake() error {
	_, err := unix.Write(p.wakeWriteFD, []byte{1})
	if err == unix.EAGAIN {
		// Pipe buffer already holds an unconsumed wake byte.
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	unix.Close(p.wakeReadFD)
	unix.Close(p.wakeWriteFD)
	return unix.Close(p.kq)
}
