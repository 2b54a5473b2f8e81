package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerNameEntry is a pending worker-name row awaiting persistence.
type WorkerNameEntry struct {
	UserID     int64
	WorkerID   int64
	WorkerName string
}

// WorkerStore is the subset of storage.PostgresClient the writer needs.
type WorkerStore interface {
	UpsertWorkerName(ctx context.Context, uid, workerID int64, workerName string) error
}

// maxQueueDepth bounds the in-memory write-behind queue; new rows beyond
// this depth are logged and dropped rather than growing without bound.
const maxQueueDepth = 10000

// WorkerWriter drains a bounded in-memory queue of worker-name rows into
// the relational store, one row per iteration, sleeping 1s whenever the
// queue is empty. A row that fails to persist is left at the head of the
// queue and retried on the next iteration.
type WorkerWriter struct {
	mu    sync.Mutex
	queue []WorkerNameEntry

	store  WorkerStore
	logger *zap.Logger

	queueDepth prometheus.Gauge
	writeFails prometheus.Counter
}

// NewWorkerWriter constructs a WorkerWriter over store.
func NewWorkerWriter(store WorkerStore, logger *zap.Logger) *WorkerWriter {
	return &WorkerWriter{
		store:  store,
		logger: logger.Named("registry.writer"),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratumcore_worker_writer_queue_depth",
			Help: "Pending worker-name rows awaiting persistence.",
		}),
		writeFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumcore_worker_writer_failures_total",
			Help: "Total worker-name row persistence failures.",
		}),
	}
}

// Collectors returns the prometheus collectors owned by the writer.
func (w *WorkerWriter) Collectors() []prometheus.Collector {
	return []prometheus.Collector{w.queueDepth, w.writeFails}
}

// AddWorker enqueues a worker-name row for later persistence.
func (w *WorkerWriter) AddWorker(userID, workerID int64, workerName string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) >= maxQueueDepth {
		w.logger.Error("worker-name queue full, dropping row",
			zap.Int64("userId", userID), zap.Int64("workerId", workerID))
		return
	}
	w.queue = append(w.queue, WorkerNameEntry{UserID: userID, WorkerID: workerID, WorkerName: workerName})
	w.queueDepth.Set(float64(len(w.queue)))
}

func (w *WorkerWriter) peek() (WorkerNameEntry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return WorkerNameEntry{}, false
	}
	return w.queue[0], true
}

func (w *WorkerWriter) popFront() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return
	}
	w.queue = w.queue[1:]
	w.queueDepth.Set(float64(len(w.queue)))
}

// Run drains the queue until ctx is cancelled.
func (w *WorkerWriter) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		entry, ok := w.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := w.store.UpsertWorkerName(ctx, entry.UserID, entry.WorkerID, entry.WorkerName); err != nil {
			w.writeFails.Inc()
			w.logger.Error("failed to persist worker name, will retry",
				zap.Int64("userId", entry.UserID), zap.Int64("workerId", entry.WorkerID), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		w.popFront()
	}
}
