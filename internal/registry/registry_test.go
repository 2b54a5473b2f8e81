package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWarmUpStopsOnceNoNewRows(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.Write([]byte(`{"data":{"alice":1,"bob":2}}`))
			return
		}
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	reg := New(srv.URL, time.Hour, 2*time.Second, zap.NewNop())
	require.NoError(t, reg.WarmUp(context.Background()))

	id, ok := reg.GetUserID("alice")
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)

	id, ok = reg.GetUserID("bob")
	assert.True(t, ok)
	assert.Equal(t, int64(2), id)

	_, ok = reg.GetUserID("carol")
	assert.False(t, ok)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRefreshIsInsertionOnlyAndAdvancesWatermark(t *testing.T) {
	var lastIDSeen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		lastIDSeen = req.URL.Query().Get("last_id")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"alice":5}}`))
	}))
	defer srv.Close()

	reg := New(srv.URL, time.Hour, 2*time.Second, zap.NewNop())

	newRows, err := reg.refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, newRows)
	assert.Equal(t, "0", lastIDSeen)
	assert.Equal(t, int64(5), reg.lastMaxUserID)

	newRows, err = reg.refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, newRows, "a name already present must not be re-counted as new")
	assert.Equal(t, "5", lastIDSeen, "the watermark from the first refresh must be sent on the next request")
}

func TestRefreshNonOKStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := New(srv.URL, time.Hour, 2*time.Second, zap.NewNop())
	_, err := reg.refresh(context.Background())
	assert.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	reg := New(srv.URL, 5*time.Millisecond, time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
