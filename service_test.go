package connserver

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	readyFn func(ctx context.Context) (bool, error)
	callFn  func(ctx context.Context, guard *Guard, conn net.Conn) error
}

func (f *fakeService) PollReady(ctx context.Context) (bool, error) {
	if f.readyFn != nil {
		return f.readyFn(ctx)
	}
	return true, nil
}

func (f *fakeService) Call(ctx context.Context, guard *Guard, conn net.Conn) error {
	if f.callFn != nil {
		return f.callFn(ctx, guard, conn)
	}
	return nil
}

func TestBoundFactoryCreateTagsToken(t *testing.T) {
	svc := &fakeService{}
	f := newBoundFactory(Token(7), FactoryFunc{
		ServiceName: "echo",
		New: func(ctx context.Context, tok Token) (Service, error) {
			assert.Equal(t, Token(7), tok)
			return svc, nil
		},
	})

	out, err := f.Create(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, Token(7), out[0].Token)
	assert.Same(t, svc, out[0].Service)
	assert.Equal(t, "echo", f.Name(Token(7)))
}

func TestBoundFactoryCreatePropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	f := newBoundFactory(Token(0), FactoryFunc{
		New: func(ctx context.Context, tok Token) (Service, error) {
			return nil, wantErr
		},
	})
	_, err := f.Create(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestBoundFactoryCloneIsIndependent(t *testing.T) {
	calls := 0
	f := newBoundFactory(Token(3), FactoryFunc{
		New: func(ctx context.Context, tok Token) (Service, error) {
			calls++
			return &fakeService{}, nil
		},
	})
	clone := f.CloneFactory()
	assert.NotSame(t, f, clone)

	_, err := clone.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
