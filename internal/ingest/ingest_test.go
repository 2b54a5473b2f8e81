package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitpool/stratumcore/internal/bus"
	"github.com/bitpool/stratumcore/internal/job"
)

type fakeConsumer struct {
	mu      sync.Mutex
	records [][]byte
	errs    []error
}

func (f *fakeConsumer) Poll(_ context.Context, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if len(f.records) == 0 {
		return nil, bus.ErrNoRecord
	}
	rec := f.records[0]
	f.records = f.records[1:]
	return rec, nil
}

type fakeRepo struct {
	mu       sync.Mutex
	ingested []*job.StratumJob
	ticks    int
	ingestErr error
}

func (f *fakeRepo) Ingest(j *job.StratumJob, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ingestErr != nil {
		return f.ingestErr
	}
	f.ingested = append(f.ingested, j)
	return nil
}

func (f *fakeRepo) Tick(time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
}

func (f *fakeRepo) snapshot() ([]*job.StratumJob, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*job.StratumJob(nil), f.ingested...), f.ticks
}

func TestPollOnceDecodesAndIngestsRecord(t *testing.T) {
	payload, err := json.Marshal(job.StratumJob{JobID: 42, PrevHash: "tip"})
	require.NoError(t, err)

	consumer := &fakeConsumer{records: [][]byte{payload}}
	repo := &fakeRepo{}
	ing := New(consumer, repo, time.Second, zap.NewNop())

	ing.pollOnce(context.Background())

	jobs, ticks := repo.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, uint64(42), jobs[0].JobID)
	assert.Equal(t, 1, ticks, "tick must run even on a successful ingest")
}

func TestPollOnceSkipsUndecodableRecordButStillTicks(t *testing.T) {
	consumer := &fakeConsumer{records: [][]byte{[]byte("not json")}}
	repo := &fakeRepo{}
	ing := New(consumer, repo, time.Second, zap.NewNop())

	ing.pollOnce(context.Background())

	jobs, ticks := repo.snapshot()
	assert.Len(t, jobs, 0)
	assert.Equal(t, 1, ticks)
}

func TestPollOnceIgnoresNoRecordAndStillTicks(t *testing.T) {
	consumer := &fakeConsumer{}
	repo := &fakeRepo{}
	ing := New(consumer, repo, time.Second, zap.NewNop())

	ing.pollOnce(context.Background())

	_, ticks := repo.snapshot()
	assert.Equal(t, 1, ticks)
}

func TestPollOnceLogsAndContinuesOnTransientBusError(t *testing.T) {
	consumer := &fakeConsumer{errs: []error{errors.New("transient broker hiccup")}}
	repo := &fakeRepo{}
	ing := New(consumer, repo, time.Second, zap.NewNop())

	ing.pollOnce(context.Background())

	_, ticks := repo.snapshot()
	assert.Equal(t, 1, ticks)
}

func TestRunExitsWhenContextCancelled(t *testing.T) {
	consumer := &fakeConsumer{}
	repo := &fakeRepo{}
	ing := New(consumer, repo, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, ing.Run(ctx))
}
