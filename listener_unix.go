//go:build linux || darwin

package connserver

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// fdListener is a raw, non-blocking socket wrapped for registration with
// our own epoll/kqueue Poller, built directly from a raw fd rather than
// through the standard library's net.Listener (which integrates with the
// Go runtime's own netpoller instead of ours).
type fdListener struct {
	fd   int
	addr net.Addr
}

func (l *fdListener) rawFD() int { return l.fd }

func (l *fdListener) Addr() net.Addr { return l.addr }

func (l *fdListener) Close() error {
	return unix.Close(l.fd)
}

// Accept performs one non-blocking accept attempt. It loops internally
// only to retry on EINTR; when the kernel has nothing pending it returns
// errWouldBlock so the acceptor's tight accept loop knows to stop.
func (l *fdListener) Accept() (net.Conn, error) {
	for {
		connFD, _, err := acceptRaw(l.fd)
		if err == nil {
			f := os.NewFile(uintptr(connFD), "")
			conn, err := net.FileConn(f)
			f.Close()
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, errWouldBlock
		}
		return nil, err
	}
}

// newTCPListener creates a non-blocking TCP listener with SO_REUSEADDR set,
// bound and listening with the given backlog.
func newTCPListener(addr *net.TCPAddr, backlog int) (*fdListener, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	closeOnErr := func(err error) (*fdListener, error) {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return closeOnErr(err)
	}

	sa, err := sockaddrFromTCPAddr(addr, domain)
	if err != nil {
		return closeOnErr(err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return closeOnErr(err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return closeOnErr(err)
	}

	boundAddr, err := tcpAddrFromSockname(fd)
	if err != nil {
		return closeOnErr(err)
	}

	return &fdListener{fd: fd, addr: boundAddr}, nil
}

// newUnixListener unlinks a stale socket path (ignoring "not found"),
// then creates, binds, and listens on it.
func newUnixListener(path string) (*fdListener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	closeOnErr := func(err error) (*fdListener, error) {
		unix.Close(fd)
		return nil, err
	}

	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, sa); err != nil {
		return closeOnErr(err)
	}
	if err := unix.Listen(fd, unixListenBacklog); err != nil {
		return closeOnErr(err)
	}

	return &fdListener{fd: fd, addr: &net.UnixAddr{Name: path, Net: "unix"}}, nil
}

// unixListenBacklog is fixed: the Builder's configurable backlog option
// only governs TCP sockets.
const unixListenBacklog = 1024

func sockaddrFromTCPAddr(addr *net.TCPAddr, domain int) (unix.Sockaddr, error) {
	if domain == unix.AF_INET {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		ip := addr.IP.To4()
		if ip == nil {
			ip = net.IPv4zero.To4()
		}
		copy(sa.Addr[:], ip)
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	ip := addr.IP.To16()
	if ip == nil {
		ip = net.IPv6zero
	}
	copy(sa.Addr[:], ip)
	return sa, nil
}

// tcpAddrFromSockname re-reads the bound address via getsockname, so an
// ephemeral ":0" port resolves to the port the kernel actually assigned.
func tcpAddrFromSockname(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}, nil
	default:
		return nil, fmt.Errorf("connserver: unexpected sockaddr type %T", sa)
	}
}
