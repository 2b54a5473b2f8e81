// Package job owns the StratumJob data model, the Repository-managed
// ExtendedJob wrapper, and the bounded job window with its notify
// scheduler and expiry sweep.
package job

import (
	"fmt"
)

// StratumJob is the immutable block-template record emitted by an
// upstream producer. jobId's upper 32 bits encode the Unix mint-time; the
// lower 32 bits are a producer-chosen nonce.
type StratumJob struct {
	JobID         uint64   `json:"jobId"`
	PrevHash      string   `json:"prevHash"`
	PrevHashBeStr string   `json:"prevHashBeStr"`
	Coinbase1     string   `json:"coinbase1"`
	Coinbase2     string   `json:"coinbase2"`
	MerkleBranch  []string `json:"merkleBranch"`
	NVersion      uint32   `json:"nVersion"`
	NBits         uint32   `json:"nBits"`
	NTime         uint32   `json:"nTime"`
	MinTime       uint32   `json:"minTime"`
	NetworkTarget string   `json:"networkTarget"`
	Height        uint64   `json:"height"`
}

// MintTime returns the Unix timestamp encoded in the upper 32 bits of the
// job id.
func (j *StratumJob) MintTime() uint32 {
	return uint32(j.JobID >> 32)
}

// JobState is an ExtendedJob's position in the lifecycle.
type JobState int

const (
	// StateMining marks a job still eligible for share submissions.
	StateMining JobState = iota
	// StateStale marks a job superseded by a newer clean job.
	StateStale
)

func (s JobState) String() string {
	if s == StateStale {
		return "STALE"
	}
	return "MINING"
}

// ExtendedJob is the Repository's wrapper around an immutable StratumJob.
// It is the sole owner of its StratumJob; there is no aliasing.
type ExtendedJob struct {
	job          *StratumJob
	state        JobState
	isClean      bool
	miningNotify string
}

// newExtendedJob constructs an ExtendedJob and precomputes its
// mining.notify wire string once, at construction.
func newExtendedJob(j *StratumJob, isClean bool) *ExtendedJob {
	e := &ExtendedJob{
		job:     j,
		state:   StateMining,
		isClean: isClean,
	}
	e.miningNotify = buildMiningNotify(j, isClean)
	return e
}

// Job returns the immutable StratumJob backing this ExtendedJob.
func (e *ExtendedJob) Job() *StratumJob { return e.job }

// State returns the current lifecycle state.
func (e *ExtendedJob) State() JobState { return e.state }

// IsClean reports whether this job was minted on a new chain tip.
func (e *ExtendedJob) IsClean() bool { return e.isClean }

// MiningNotify returns the precomputed mining.notify wire string.
func (e *ExtendedJob) MiningNotify() string { return e.miningNotify }

// buildMiningNotify formats the exact wire document described by the
// external-interfaces contract: an "id":null JSON-RPC notification with
// zero-padded 8-hex-character numeric fields and a bare boolean literal
// for isClean. It is built by hand rather than through json.Marshal of a
// generic struct so the field order and padding match the wire contract
// exactly.
func buildMiningNotify(j *StratumJob, isClean bool) string {
	branch := "["
	for i, h := range j.MerkleBranch {
		if i > 0 {
			branch += ","
		}
		branch += fmt.Sprintf("%q", h)
	}
	branch += "]"

	return fmt.Sprintf(
		`{"id":null,"method":"mining.notify","params":["%d","%s","%s","%s",%s,"%08x","%08x","%08x",%t]}`,
		j.JobID, j.PrevHashBeStr, j.Coinbase1, j.Coinbase2, branch,
		j.NVersion, j.NBits, j.NTime, isClean,
	)
}
