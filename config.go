package connserver

import (
	"runtime"
	"time"
)

// WorkerConfig holds the Builder's tunables, assembled before Run and
// frozen for the lifetime of the server.
type WorkerConfig struct {
	Workers                  int
	WorkerMaxBlockingThreads int
	Backlog                  int
	MaxConn                  int
	ShutdownTimeout          time.Duration
	ExitOnStop               bool
	DisableSignals           bool
}

// defaultWorkerConfig matches the builder defaults: worker count = CPU
// count, backlog 2048, maxconn 25600, worker_max_blocking_threads
// max(512/CPU, 1), shutdown timeout 30s.
func defaultWorkerConfig() WorkerConfig {
	cpu := runtime.NumCPU()
	blocking := 512 / cpu
	if blocking < 1 {
		blocking = 1
	}
	return WorkerConfig{
		Workers:                  cpu,
		WorkerMaxBlockingThreads: blocking,
		Backlog:                  2048,
		MaxConn:                  25600,
		ShutdownTimeout:          30 * time.Second,
	}
}
