package connserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Builder assembles listeners and service factories before Run starts the
// server. Method chaining is used rather than functional options, since
// every concern here (worker count, backlog, concurrency cap, timeout)
// already has a one-setter-per-concern shape that reads naturally as a
// chain.
type Builder struct {
	cfg       WorkerConfig
	listeners []listenerRecord
	factories []Factory
	onExit    func()
	nextTok   Token
	err       error
}

// NewBuilder returns a Builder seeded with the documented defaults.
func NewBuilder() *Builder {
	return &Builder{cfg: defaultWorkerConfig()}
}

func (b *Builder) Workers(n int) *Builder {
	b.cfg.Workers = n
	return b
}

func (b *Builder) WorkerMaxBlockingThreads(n int) *Builder {
	b.cfg.WorkerMaxBlockingThreads = n
	return b
}

func (b *Builder) Backlog(n int) *Builder {
	b.cfg.Backlog = n
	return b
}

func (b *Builder) MaxConn(n int) *Builder {
	b.cfg.MaxConn = n
	return b
}

func (b *Builder) ShutdownTimeout(d time.Duration) *Builder {
	b.cfg.ShutdownTimeout = d
	return b
}

func (b *Builder) SystemExit() *Builder {
	b.cfg.ExitOnStop = true
	return b
}

// OnExit sets the callback invoked 300ms after a system-exit stop
// completes, giving an embedder a hook to shut down anything it owns
// alongside the server before the process exits.
func (b *Builder) OnExit(fn func()) *Builder {
	b.onExit = fn
	return b
}

func (b *Builder) DisableSignals() *Builder {
	b.cfg.DisableSignals = true
	return b
}

// Bind resolves addr to every address it names (a hostname may resolve to
// both an IPv4 and an IPv6 address) and creates a non-blocking TCP listener
// with SO_REUSEADDR for each one, all registered under name to serve f. At
// least one successful bind is required across all resolved addresses;
// otherwise the first bind error surfaces from Run.
func (b *Builder) Bind(name, addr string, f FactoryFunc) *Builder {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		b.recordErr(&BindError{Addr: addr, Cause: err})
		return b
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		b.recordErr(&BindError{Addr: addr, Cause: err})
		return b
	}

	ips, err := resolveBindIPs(host)
	if err != nil {
		b.recordErr(&BindError{Addr: addr, Cause: err})
		return b
	}

	var firstErr error
	bound := 0
	for _, ip := range ips {
		ln, err := newTCPListener(&net.TCPAddr{IP: ip, Port: port}, b.cfg.Backlog)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.registerListener(name, ln, f)
		bound++
	}
	if bound == 0 {
		b.recordErr(&BindError{Addr: addr, Cause: firstErr})
	}
	return b
}

// resolveBindIPs expands host into every address it names: the wildcard
// address for an empty host, the single address for a literal IP, or every
// address a DNS lookup returns for a hostname.
func resolveBindIPs(host string) ([]net.IP, error) {
	if host == "" {
		return []net.IP{nil}, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("connserver: no addresses found for host %q", host)
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// BindUnix binds a Unix domain socket at path, unlinking a stale socket
// file first; any other unlink error propagates.
func (b *Builder) BindUnix(name, path string, f FactoryFunc) *Builder {
	ln, err := newUnixListener(path)
	if err != nil {
		b.recordErr(&BindError{Addr: path, Cause: err})
		return b
	}
	return b.registerListener(name, ln, f)
}

// Listen registers an already-bound Listener (switched to non-blocking by
// the caller's constructor) to serve f.
func (b *Builder) Listen(name string, ln Listener, f FactoryFunc) *Builder {
	return b.registerListener(name, ln, f)
}

func (b *Builder) registerListener(name string, ln Listener, f FactoryFunc) *Builder {
	tok := b.nextTok
	b.nextTok++
	b.listeners = append(b.listeners, listenerRecord{token: tok, name: name, listener: ln})
	b.factories = append(b.factories, newBoundFactory(tok, f))
	return b
}

func (b *Builder) recordErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Run validates the configuration, binds workers, starts the acceptor and
// (unless disabled) the signal source, and returns a live Server handle.
// The first error recorded by a Bind or BindUnix call is returned before
// anything starts. Otherwise it panics if Workers is not positive or no
// listener was registered — both are programmer errors in how the server
// was configured, not runtime conditions a caller should recover from.
func (b *Builder) Run() (*Server, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.cfg.Workers <= 0 {
		panic("connserver: Builder.Run called with zero workers")
	}
	if len(b.listeners) == 0 {
		panic("connserver: Builder.Run called with no bound listeners")
	}

	poller, err := newPlatformPoller()
	if err != nil {
		return nil, fmt.Errorf("connserver: failed to create poller: %w", err)
	}
	queue := newWakeQueue(poller)

	srv := newServer(b.cfg, poller, queue, b.listeners, b.factories, b.onExit)
	if err := srv.start(context.Background()); err != nil {
		poller.Close()
		return nil, err
	}
	if !b.cfg.DisableSignals {
		srv.startSignals()
	}
	return srv, nil
}
