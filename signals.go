package connserver

import (
	"os"
	"os/signal"
	"syscall"
)

var (
	sigINT  os.Signal = syscall.SIGINT
	sigTERM os.Signal = syscall.SIGTERM
	sigQUIT os.Signal = syscall.SIGQUIT
)

// newSignalSource installs OS signal listeners for the three signals the
// controller understands; every other signal is left to the process
// default. The returned channel is never closed: Server.doStop closes
// stopCh, which ends the goroutine forwarding from it, and signal delivery
// to the channel itself is not stopped.
func newSignalSource() chan os.Signal {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, sigINT, sigTERM, sigQUIT)
	return ch
}
