//go:build linux

package connserver

import "golang.org/x/sys/unix"

// acceptRaw performs a single non-blocking accept4 call, setting
// close-on-exec and non-blocking atomically with the accept itself.
func acceptRaw(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}
