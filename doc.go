// Package connserver implements a generic, multi-worker TCP/Unix-domain
// connection server: a process-wide supervisor that binds listening
// sockets, accepts connections on a dedicated acceptor thread, and
// load-balances them round-robin to a pool of single-threaded worker event
// loops. Each worker drives caller-supplied per-connection services through
// a readiness/call protocol, with bounded per-worker concurrency, automatic
// service restart on readiness failure, and pause/resume/graceful-stop
// control from a Server handle.
//
// Start building a server with NewBuilder, bind one or more listeners with
// Bind, BindUnix, or Listen, and call Run:
//
//	srv, err := connserver.NewBuilder().
//		Workers(4).
//		MaxConn(1024).
//		Bind("http", "127.0.0.1:8080", connserver.FactoryFunc{
//			ServiceName: "http",
//			New:         newHTTPService,
//		}).
//		Run()
//
// The returned *Server accepts connections immediately; Pause, Resume, and
// Stop control it from any goroutine.
package connserver
