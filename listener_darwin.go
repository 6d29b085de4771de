//go:build darwin

package connserver

import "golang.org/x/sys/unix"

// acceptRaw accepts a connection and then applies non-blocking/close-on-exec,
// since Darwin has no accept4 syscall to do it atomically.
func acceptRaw(fd int) (int, unix.Sockaddr, error) {
	connFD, sa, err := unix.Accept(fd)
	if err != nil {
		return connFD, sa, err
	}
	if err := unix.SetNonblock(connFD, true); err != nil {
		unix.Close(connFD)
		return -1, nil, err
	}
	unix.CloseOnExec(connFD)
	return connFD, sa, nil
}
