//go:build linux

package connserver

import (
	"sync"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux Poller, backed by a single epoll instance. The
// wake fd is an eventfd registered like any other listener, distinguished
// by a fixed data value no real file descriptor can collide with.
type epollPoller struct {
	epfd   int
	wakeFD int

	mu   sync.Mutex
	toks map[int]Token // fd -> token, for RemoveListener and event lookup

	events [256]unix.EpollEvent
}

const wakeData int32 = -1

func newPlatformPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &epollPoller{epfd: epfd, wakeFD: wakeFD, toks: make(map[int]Token)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     wakeData,
	}); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func (p *epollPoller) AddListener(tok Token, l Listener) error {
	fd := l.rawFD()
	p.mu.Lock()
	p.toks[fd] = tok
	p.mu.Unlock()
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
	if err != nil {
		p.mu.Lock()
		delete(p.toks, fd)
		p.mu.Unlock()
	}
	return err
}

func (p *epollPoller) RemoveListener(tok Token) error {
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
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait() ([]pollEvent, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		out := make([]pollEvent, 0, n)
		for i := 0; i < n; i++ {
			fd := int(p.events[i].Fd)
			if p.events[i].Fd == wakeData {
				p.drainWake()
				out = append(out, pollEvent{isWake: true})
				continue
			}
			p.mu.Lock()
			tok, ok := p.toks[fd]
			p.mu.Unlock()
			if ok {
				out = append(out, pollEvent{token: tok})
			}
		}
		return out, nil
	}
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

func (p *epollPoller) wake() error {
	var val [8]byte
	val[0] = 1
	_, err := unix.Write(p.wakeFD, val[:])
	if err == unix.EAGAIN {
		// Counter saturated: the acceptor will already wake on the next
		// Wait pass since the eventfd is still readable.
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}
