// Package ingest runs the Job Ingestor: it drains the "StratumJob" bus
// topic and hands decoded records to the Job Repository, piggy-backing
// the repository's periodic notify and expiry work on the same poll loop.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bitpool/stratumcore/internal/bus"
	"github.com/bitpool/stratumcore/internal/job"
)

// Repository is the subset of job.Repository the Ingestor drives.
type Repository interface {
	Ingest(j *job.StratumJob, now time.Time) error
	Tick(now time.Time)
}

// Consumer is the subset of bus.Consumer the Ingestor needs, so tests can
// supply a fake.
type Consumer interface {
	Poll(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Ingestor drives the StratumJob consume loop.
type Ingestor struct {
	consumer    Consumer
	repo        Repository
	pollTimeout time.Duration
	logger      *zap.Logger
}

// New constructs an Ingestor.
func New(consumer Consumer, repo Repository, pollTimeout time.Duration, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		consumer:    consumer,
		repo:        repo,
		pollTimeout: pollTimeout,
		logger:      logger.Named("ingest"),
	}
}

// Run drives the poll loop until ctx is cancelled or a fatal bus error
// occurs (unknown topic/partition), per the core's error-handling design.
func (ing *Ingestor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		ing.pollOnce(ctx)

		if ctx.Err() != nil {
			return nil
		}
	}
}

// pollOnce runs a single poll iteration: consume (or skip), then always
// run the repository's periodic notify/expiry tick, matching the source's
// piggy-back design so no separate timer is required.
func (ing *Ingestor) pollOnce(ctx context.Context) {
	defer ing.repo.Tick(time.Now())

	payload, err := ing.consumer.Poll(ctx, ing.pollTimeout)
	if err != nil {
		if errors.Is(err, bus.ErrNoRecord) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if bus.IsFatal(err) {
			ing.logger.Fatal("fatal bus error, terminating", zap.Error(err))
		}
		ing.logger.Error("bus poll error", zap.Error(err))
		return
	}

	var sj job.StratumJob
	if err := json.Unmarshal(payload, &sj); err != nil {
		ing.logger.Error("failed to decode StratumJob, skipping record", zap.Error(err))
		return
	}

	if err := ing.repo.Ingest(&sj, time.Now()); err != nil {
		ing.logger.Error("dropping job record", zap.Error(err), zap.Uint64("jobId", sj.JobID))
	}
}
