package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitpool/stratumcore/internal/config"
	"github.com/bitpool/stratumcore/internal/job"
	"github.com/bitpool/stratumcore/internal/registry"
	"github.com/bitpool/stratumcore/internal/session"
	"github.com/bitpool/stratumcore/internal/share"
)

type fakeRepository struct{}

func (fakeRepository) GetLatest() *job.ExtendedJob { return nil }

type fakeValidator struct{}

func (fakeValidator) CheckShare(context.Context, uint64, uint32, string, uint32, uint32, string, string) (share.Result, error) {
	return share.Result{}, nil
}

type fakeWorkerStore struct{}

func (fakeWorkerStore) UpsertWorkerName(context.Context, int64, int64, string) error { return nil }

func newTestServer(t *testing.T, maxConnections int) *Server {
	t.Helper()
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0, MaxConnections: maxConnections, ReadTimeout: 5 * time.Second}
	sessions := session.NewRegistry()
	users := registry.New("http://users.invalid", time.Hour, time.Second, zap.NewNop())
	writer := registry.NewWorkerWriter(fakeWorkerStore{}, zap.NewNop())

	newConn := func(c net.Conn) *Connection {
		return NewConnection(c, cfg, zap.NewNop(), fakeRepository{}, fakeValidator{}, users, writer, nil, nil, 4, 1.0)
	}
	return New(cfg, zap.NewNop(), sessions, newConn)
}

func startTestServer(t *testing.T, srv *Server) (addr string, stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.listener != nil }, time.Second, 5*time.Millisecond)

	return srv.listener.Addr().String(), func() {
		cancel()
		<-errCh
	}
}

func TestServerAcceptsAndTracksConnections(t *testing.T) {
	srv := newTestServer(t, 10)
	addr, stop := startTestServer(t, srv)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return srv.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return srv.ConnectionCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServerRejectsConnectionsBeyondMaxConnections(t *testing.T) {
	srv := newTestServer(t, 1)
	addr, stop := startTestServer(t, srv)
	defer stop()

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, func() bool {
		return srv.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(buf)
	assert.Error(t, err, "the server should have closed the rejected socket")
}

func TestServerShutdownClosesSessions(t *testing.T) {
	srv := newTestServer(t, 10)
	addr, stop := startTestServer(t, srv)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return srv.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(shutdownCtx))
	assert.Equal(t, int64(0), srv.ConnectionCount())
}
