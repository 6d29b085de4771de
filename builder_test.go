package connserver_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connhive/connserver"
)

func noopFactory() connserver.FactoryFunc {
	return connserver.FactoryFunc{
		ServiceName: "noop",
		New: func(context.Context, connserver.Token) (connserver.Service, error) {
			return &funcService{ready: alwaysReady, call: func(context.Context, *connserver.Guard, net.Conn) error { return nil }}, nil
		},
	}
}

func TestBuilderRunPanicsOnZeroWorkers(t *testing.T) {
	b := connserver.NewBuilder().Workers(0).Bind("t", "127.0.0.1:0", noopFactory())
	assert.Panics(t, func() { b.Run() })
}

func TestBuilderRunPanicsWithNoListeners(t *testing.T) {
	b := connserver.NewBuilder()
	assert.Panics(t, func() { b.Run() })
}

func TestBuilderBindInvalidAddressSurfacesError(t *testing.T) {
	srv, err := connserver.NewBuilder().
		DisableSignals().
		Bind("t", "not-an-address", noopFactory()).
		Run()
	assert.Nil(t, srv)
	require.Error(t, err)
	var bindErr *connserver.BindError
	assert.ErrorAs(t, err, &bindErr)
}

func TestBuilderBindHostnameBindsAndReportsAddr(t *testing.T) {
	srv, err := connserver.NewBuilder().
		Workers(1).
		DisableSignals().
		Bind("t", "localhost:0", noopFactory()).
		Run()
	require.NoError(t, err)
	defer srv.Stop(false)

	addr, ok := srv.Addr("t")
	require.True(t, ok)
	assert.NotEmpty(t, addr.String())
}

func TestBuilderBindUnixUnlinksStaleSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stale.sock")
	require.NoError(t, os.WriteFile(path, []byte("not a socket"), 0o600))

	srv, err := connserver.NewBuilder().
		Workers(1).
		DisableSignals().
		BindUnix("t", path, noopFactory()).
		Run()
	require.NoError(t, err)
	defer srv.Stop(false)

	addr, ok := srv.Addr("t")
	require.True(t, ok)
	assert.Equal(t, path, addr.String())
}
