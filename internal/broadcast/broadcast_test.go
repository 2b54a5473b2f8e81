package broadcast

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitpool/stratumcore/internal/job"
	"github.com/bitpool/stratumcore/internal/session"
)

type fakeSession struct {
	id      string
	failErr error
	mu      sync.Mutex
	notices int
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) SendMiningNotify(*job.ExtendedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices++
	return f.failErr
}

func (f *fakeSession) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notices
}

type fakeCache struct {
	mu    sync.Mutex
	calls map[string][]byte
}

func (f *fakeCache) CacheCurrentJob(_ context.Context, jobID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string][]byte)
	}
	f.calls[jobID] = data
	return nil
}

func newJob(t *testing.T, id uint64) *job.ExtendedJob {
	t.Helper()
	repo := job.NewRepository(time.Second, 2*time.Second, &noopBroadcaster{}, zap.NewNop())
	require.NoError(t, repo.Ingest(&job.StratumJob{JobID: id, PrevHash: "tip"}, time.Unix(int64(id>>32), 0)))
	return repo.Get(id)
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(*job.ExtendedJob) {}

func TestBroadcastFansOutToAllSessions(t *testing.T) {
	sessions := session.NewRegistry()
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	sessions.Add(a)
	sessions.Add(b)

	caster := New(sessions, nil, zap.NewNop())
	j := newJob(t, uint64(0x5F000000)<<32|1)

	caster.Broadcast(j)

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestBroadcastContinuesPastSessionFailure(t *testing.T) {
	sessions := session.NewRegistry()
	bad := &fakeSession{id: "bad", failErr: errors.New("write failed")}
	good := &fakeSession{id: "good"}
	sessions.Add(bad)
	sessions.Add(good)

	caster := New(sessions, nil, zap.NewNop())
	j := newJob(t, uint64(0x5F000000)<<32|2)

	caster.Broadcast(j)

	assert.Equal(t, 1, bad.count())
	assert.Equal(t, 1, good.count())
}

func TestBroadcastMirrorsCurrentJobToCache(t *testing.T) {
	sessions := session.NewRegistry()
	cache := &fakeCache{}
	caster := New(sessions, cache, zap.NewNop())

	id := uint64(0x5F000000)<<32 | 3
	j := newJob(t, id)
	caster.Broadcast(j)

	data, ok := cache.calls[strconv.FormatUint(id, 10)]
	require.True(t, ok, "expected a cache entry keyed by jobId")
	assert.Equal(t, j.MiningNotify(), string(data))
}
