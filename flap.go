package connserver

import (
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// flapDetector rate-limits the "worker has died, restarting" log line per
// worker index, so a crash-looping worker doesn't spam the log at
// process-restart speed. It changes no restart behavior — there is still
// no global retry budget — it only throttles the observability around it.
type flapDetector struct {
	limiter *catrate.Limiter
}

func newFlapDetector() *flapDetector {
	return &flapDetector{
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second:      1,
			10 * time.Second: 3,
		}),
	}
}

// logFault logs a worker fault, suppressing repeats for the same worker
// index within the limiter's window.
func (f *flapDetector) logFault(idx int, err error) {
	if _, ok := f.limiter.Allow(idx); !ok {
		return
	}
	logger().Error().Int("worker", idx).Err(err).Msg("worker has died, restarting")
}
