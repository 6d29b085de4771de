package connserver

import (
	"context"
	"net"
)

// Token is a small dense non-negative integer identifying a bound listener
// and the service slot that serves it. Tokens are assigned at bind time (in
// registration order) and are stable for the lifetime of the server.
type Token int

// Service is the per-connection collaborator the core drives through a
// readiness/call protocol. It is an external contract: the core never
// inspects a Service beyond these two methods.
//
// PollReady is an idempotent readiness probe. It must not block for long —
// implementations that need to wait on external state should return
// (false, nil) promptly and rely on being polled again shortly after. A
// non-nil error marks the service Failed; the worker will recreate it via
// its Factory.
//
// Call consumes a connection guard and the accepted connection. The
// returned error is never inspected by the core; a Service is responsible
// for its own error recovery. The worker releases the guard when Call
// returns; a Service may release it earlier via Guard.Release, and any
// further Release is a no-op.
type Service interface {
	PollReady(ctx context.Context) (ready bool, err error)
	Call(ctx context.Context, guard *Guard, conn net.Conn) error
}

// Factory produces one or more Services, each tagged with the Token it
// serves. A Factory may bind multiple sockets (e.g. a TLS service binding
// both a plaintext redirect and a TLS listener); restart only ever reuses
// the Factory for the single failing Token.
type Factory interface {
	// Name returns an informational name for the service bound to tok,
	// used only for logging.
	Name(tok Token) string

	// Create builds the service(s) this factory is responsible for. Workers
	// call Create once at startup (joining all factories' futures before any
	// connection is dispatched) and again, for a single token, on restart.
	Create(ctx context.Context) ([]TokenService, error)

	// CloneFactory returns an independent copy of the factory, one of which
	// is handed to each worker.
	CloneFactory() Factory
}

// TokenService pairs a Service with the Token it was created for.
type TokenService struct {
	Token   Token
	Service Service
}

// FactoryFunc is a plain description of a single-token service constructor —
// the shape most embedders want: one listener, one factory. It is not
// itself a Factory; Builder.Bind/BindUnix/Listen wrap it in a boundFactory
// that closes over the Token assigned at bind time.
type FactoryFunc struct {
	// ServiceName is returned by Name; informational only.
	ServiceName string
	// New constructs a single Service for the given token.
	New func(ctx context.Context, tok Token) (Service, error)
}

// boundFactory closes a FactoryFunc over the
// Token it was registered against, so Create can tag its output correctly.
// This is the internal adapter the Builder installs; it is not part of the
// external Factory contract embedders implement directly.
type boundFactory struct {
	tok  Token
	name string
	new  func(ctx context.Context, tok Token) (Service, error)
}

func (b *boundFactory) Name(Token) string { return b.name }

func (b *boundFactory) Create(ctx context.Context) ([]TokenService, error) {
	svc, err := b.new(ctx, b.tok)
	if err != nil {
		return nil, err
	}
	return []TokenService{{Token: b.tok, Service: svc}}, nil
}

func (b *boundFactory) CloneFactory() Factory {
	return &boundFactory{tok: b.tok, name: b.name, new: b.new}
}

func newBoundFactory(tok Token, f FactoryFunc) Factory {
	return &boundFactory{tok: tok, name: f.ServiceName, new: f.New}
}
