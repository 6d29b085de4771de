package connserver

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// globalLogger is a package-level swappable logger, set once at process
// startup by an embedder and read by the acceptor, workers, and
// controller. zerolog is used directly rather than through a generic
// logging-facade abstraction: this package has exactly one logging
// backend, so an abstraction layer would only add indirection.
var globalLogger struct {
	sync.RWMutex
	log zerolog.Logger
}

func init() {
	globalLogger.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()
}

// SetLogger replaces the package-level logger used by the acceptor, workers,
// and controller. The zero value of zerolog.Logger discards everything.
func SetLogger(l zerolog.Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.log = l
}

func logger() zerolog.Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.log
}
