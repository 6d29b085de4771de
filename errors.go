package connserver

import "fmt"

// BindError reports a failure binding one of the addresses passed to
// [Builder.Bind] or [Builder.BindUnix]. When more than one address resolves
// (e.g. a hostname resolving to both an IPv4 and IPv6 socket) and at least
// one bind succeeds, no BindError is returned for the failed ones — only a
// total failure surfaces an error, per the "at least one successful bind
// required" rule.
type BindError struct {
	Addr  string
	Cause error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("connserver: bind %s: %v", e.Addr, e.Cause)
}

func (e *BindError) Unwrap() error { return e.Cause }

// ServiceStartError wraps a factory error encountered while a worker was
// starting its services. It is fatal to that worker's startup. During
// Builder.Run it is returned to the caller and the server does not start.
// When a replacement worker fails this way, the controller logs it and
// makes no further replacement attempt for that index.
type ServiceStartError struct {
	Name  string
	Cause error
}

func (e *ServiceStartError) Error() string {
	return fmt.Sprintf("connserver: service %q failed to start: %v", e.Name, e.Cause)
}

func (e *ServiceStartError) Unwrap() error { return e.Cause }

// RestartError wraps a factory error encountered while a worker attempted
// to recreate a service slot after a readiness failure.
type RestartError struct {
	Token Token
	Cause error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("connserver: restart token %d failed: %v", e.Token, e.Cause)
}

func (e *RestartError) Unwrap() error { return e.Cause }

// wrapErrorf formats a message around cause, keeping the chain usable with
// errors.Is / errors.As.
func wrapErrorf(format string, cause error, args ...any) error {
	args = append(args, cause)
	return fmt.Errorf(format+": %w", args...)
}
