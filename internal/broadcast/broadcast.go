// Package broadcast implements the Notify Broadcaster: given an
// ExtendedJob, it fans mining.notify out to every connected session,
// best-effort and without holding any repository lock.
package broadcast

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/bitpool/stratumcore/internal/job"
	"github.com/bitpool/stratumcore/internal/session"

	"github.com/prometheus/client_golang/prometheus"
)

// JobCache is the subset of storage.RedisClient used to mirror the
// broadcast head job for observability collaborators. It plays no part in
// the repository's own notion of the head job or in checkShare.
type JobCache interface {
	CacheCurrentJob(ctx context.Context, jobID string, jobData []byte) error
}

// Broadcaster fans an ExtendedJob out to the current session set.
type Broadcaster struct {
	sessions *session.Registry
	cache    JobCache
	logger   *zap.Logger

	fanOutSize prometheus.Histogram
	sendErrors prometheus.Counter
}

// New constructs a Broadcaster over the given session registry. cache may
// be nil, in which case the current-job mirror is skipped.
func New(sessions *session.Registry, cache JobCache, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		sessions: sessions,
		cache:    cache,
		logger:   logger.Named("broadcast"),
		fanOutSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stratumcore_broadcast_fanout_size",
			Help:    "Number of sessions targeted per mining.notify broadcast.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumcore_broadcast_send_errors_total",
			Help: "Total per-session SendMiningNotify failures.",
		}),
	}
}

// Collectors returns the prometheus collectors owned by the broadcaster.
func (b *Broadcaster) Collectors() []prometheus.Collector {
	return []prometheus.Collector{b.fanOutSize, b.sendErrors}
}

// Broadcast satisfies job.Broadcaster: it snapshots the session set and
// calls SendMiningNotify on each, continuing past individual failures.
func (b *Broadcaster) Broadcast(j *job.ExtendedJob) {
	targets := b.sessions.Snapshot()
	b.fanOutSize.Observe(float64(len(targets)))

	for _, s := range targets {
		if err := s.SendMiningNotify(j); err != nil {
			b.sendErrors.Inc()
			b.logger.Warn("session notify failed",
				zap.String("session", s.ID()),
				zap.Error(err),
			)
		}
	}

	if b.cache != nil {
		jobID := strconv.FormatUint(j.Job().JobID, 10)
		if err := b.cache.CacheCurrentJob(context.Background(), jobID, []byte(j.MiningNotify())); err != nil {
			b.logger.Warn("failed to cache current job", zap.String("jobId", jobID), zap.Error(err))
		}
	}
}
