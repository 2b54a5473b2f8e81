package job

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// Broadcaster is invoked by the Repository outside its lock whenever a
// job must be fanned out to connected sessions immediately.
type Broadcaster interface {
	Broadcast(job *ExtendedJob)
}

// Repository owns the bounded window of currently-valid ExtendedJobs. The
// jobs map and latestPrevBlockHash are guarded by a single mutex; holders
// never call out into session I/O while holding it.
type Repository struct {
	mu      sync.Mutex
	jobs    map[uint64]*ExtendedJob
	order   []uint64 // ascending jobId, kept in sync with jobs
	latestPrevBlockHash string
	previousInserted    *ExtendedJob

	lastJobSendTime   time.Time
	lastBroadcastJobID uint64
	haveBroadcast      bool

	notifyInterval  time.Duration
	maxJobsLifetime time.Duration

	broadcaster Broadcaster
	logger      *zap.Logger

	jobsIngested  prometheus.Counter
	jobsExpired   prometheus.Counter
	jobsDropped   prometheus.Counter
	jobsBroadcast prometheus.Counter
}

// NewRepository constructs a Repository. NotifyInterval must be strictly
// less than MaxJobsLifetime; violating this is a configuration error and
// panics at construction rather than misbehaving at runtime.
func NewRepository(notifyInterval, maxJobsLifetime time.Duration, broadcaster Broadcaster, logger *zap.Logger) *Repository {
	if notifyInterval >= maxJobsLifetime {
		panic("job: notify_interval must be less than max_jobs_lifetime")
	}

	return &Repository{
		jobs:            make(map[uint64]*ExtendedJob),
		notifyInterval:  notifyInterval,
		maxJobsLifetime: maxJobsLifetime,
		broadcaster:     broadcaster,
		logger:          logger.Named("job.repository"),

		jobsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumcore_jobs_ingested_total",
			Help: "Total StratumJob records accepted into the repository.",
		}),
		jobsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumcore_jobs_expired_total",
			Help: "Total ExtendedJobs evicted for exceeding max_jobs_lifetime.",
		}),
		jobsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumcore_jobs_dropped_total",
			Help: "Total StratumJob records dropped (stale-on-arrival or duplicate jobId).",
		}),
		jobsBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumcore_jobs_broadcast_total",
			Help: "Total mining.notify broadcasts issued by the repository.",
		}),
	}
}

// Collectors returns the prometheus collectors owned by the repository,
// for a caller to register.
func (r *Repository) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.jobsIngested, r.jobsExpired, r.jobsDropped, r.jobsBroadcast}
}

// GetLatest returns the current head of the window, or nil if empty.
func (r *Repository) GetLatest() *ExtendedJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headLocked()
}

func (r *Repository) headLocked() *ExtendedJob {
	if len(r.order) == 0 {
		return nil
	}
	return r.jobs[r.order[len(r.order)-1]]
}

// Get returns the ExtendedJob for jobId, or nil if absent.
func (r *Repository) Get(jobID uint64) *ExtendedJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[jobID]
}

// Ingest applies the ingest algorithm: lag/duplicate rejection, clean-job
// detection, atomic stale-marking-then-insert, and the empty-block
// fast-follow rule. Returns an error only for log-and-drop conditions; the
// caller (the Ingestor) logs and continues rather than aborting.
func (r *Repository) Ingest(j *StratumJob, now time.Time) error {
	mintTime := int64(j.MintTime())
	if mintTime+60 < now.Unix() {
		r.jobsDropped.Inc()
		return fmt.Errorf("job %d minted %d: exceeds 60s arrival lag (now=%d)", j.JobID, mintTime, now.Unix())
	}

	r.mu.Lock()
	if _, exists := r.jobs[j.JobID]; exists {
		r.mu.Unlock()
		r.jobsDropped.Inc()
		return fmt.Errorf("job %d: duplicate jobId", j.JobID)
	}

	isClean := j.PrevHash != r.latestPrevBlockHash
	if isClean {
		r.latestPrevBlockHash = j.PrevHash
	}

	extended := newExtendedJob(j, isClean)

	var fastFollow bool
	if isClean {
		for _, id := range r.order {
			r.jobs[id].state = StateStale
		}
		r.insertLocked(extended)
	} else {
		prev := r.previousInserted
		r.insertLocked(extended)
		fastFollow = prev != nil && prev.IsClean() && len(prev.Job().MerkleBranch) == 0 && len(j.MerkleBranch) > 0
	}
	r.previousInserted = extended
	r.jobsIngested.Inc()
	r.mu.Unlock()

	if isClean {
		r.broadcastNow(extended, now)
	} else if fastFollow {
		r.logger.Info("empty-block fast-follow, broadcasting populated job early",
			zap.Uint64("jobId", j.JobID))
		r.broadcastNow(extended, now)
	}

	return nil
}

// insertLocked inserts e into jobs/order. Caller holds mu.
func (r *Repository) insertLocked(e *ExtendedJob) {
	id := e.Job().JobID
	r.jobs[id] = e
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= id })
	r.order = append(r.order, 0)
	copy(r.order[i+1:], r.order[i:])
	r.order[i] = id
}

// MarkAllStale transitions every job in the window to STALE. Used by the
// Share Validator when a block is solved.
func (r *Repository) MarkAllStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		r.jobs[id].state = StateStale
	}
}

// broadcastNow invokes the broadcaster and records the dedup bookkeeping
// fields, stamping the send time with now. Must be called without the
// repository lock held.
func (r *Repository) broadcastNow(e *ExtendedJob, now time.Time) {
	r.broadcaster.Broadcast(e)
	r.jobsBroadcast.Inc()

	r.mu.Lock()
	r.lastJobSendTime = now
	r.lastBroadcastJobID = e.Job().JobID
	r.haveBroadcast = true
	r.mu.Unlock()
}

// Tick runs the periodic notify dispatch and the expiry sweep. It is
// intended to be invoked by the Ingestor after every poll iteration.
func (r *Repository) Tick(now time.Time) {
	r.tickNotify(now)
	r.tickExpire(now)
}

func (r *Repository) tickNotify(now time.Time) {
	r.mu.Lock()
	if len(r.order) == 0 {
		r.mu.Unlock()
		return
	}
	if r.haveBroadcast && now.Before(r.lastJobSendTime.Add(r.notifyInterval)) {
		r.mu.Unlock()
		return
	}
	head := r.headLocked()
	suppress := r.haveBroadcast && head.Job().JobID == r.lastBroadcastJobID
	r.mu.Unlock()

	if suppress {
		return
	}
	r.broadcastNow(head, now)
}

func (r *Repository) tickExpire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.maxJobsLifetime)
	i := 0
	for ; i < len(r.order); i++ {
		id := r.order[i]
		mintTime := time.Unix(int64(uint32(id>>32)), 0)
		if !mintTime.Before(cutoff) {
			break
		}
		delete(r.jobs, id)
		r.jobsExpired.Inc()
		r.logger.Debug("evicted expired job", zap.Uint64("jobId", id), zap.Time("mintTime", mintTime))
	}
	if i > 0 {
		r.order = r.order[i:]
	}
}
