// Package share implements the Share Validator: looking up the job a
// submission references, reconstructing the candidate block header,
// classifying the result, and forwarding accepted and solved shares to
// their downstream bus topics.
package share

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/bitpool/stratumcore/internal/blockheader"
	"github.com/bitpool/stratumcore/internal/job"
	"github.com/bitpool/stratumcore/internal/protocol"
	"github.com/bitpool/stratumcore/pkg/crypto"

	"github.com/prometheus/client_golang/prometheus"
)

// Code classifies the outcome of a share submission.
type Code string

const (
	// JobNotFound covers an unknown or stale jobId.
	JobNotFound Code = "JOB_NOT_FOUND"
	// TimeTooOld means nTime fell at or below the job's floor.
	TimeTooOld Code = "TIME_TOO_OLD"
	// TimeTooNew means nTime exceeded the job's emit time by more than 600s.
	TimeTooNew Code = "TIME_TOO_NEW"
	// LowDifficulty means the header hash exceeded the per-session target.
	LowDifficulty Code = "LOW_DIFFICULTY"
	// NoError means the share was accepted.
	NoError Code = "NO_ERROR"
)

// Result is the outcome of a single checkShare call.
type Result struct {
	Code      Code
	BlockHash []byte
	IsBlock   bool
}

// Repository is the subset of job.Repository the validator depends on.
type Repository interface {
	Get(jobID uint64) *job.ExtendedJob
	MarkAllStale()
}

// Producer is the subset of bus.Producer used to forward opaque share
// records onto a downstream topic.
type Producer interface {
	Produce(ctx context.Context, payload []byte) error
}

// Validator implements checkShare.
type Validator struct {
	repo        Repository
	shareLog    Producer
	solvedShare Producer
	logger      *zap.Logger

	sharesTotal     *prometheus.CounterVec
	blocksFound     prometheus.Counter
	shareDifficulty prometheus.Histogram
}

// New constructs a Validator.
func New(repo Repository, shareLog, solvedShare Producer, logger *zap.Logger) *Validator {
	return &Validator{
		repo:        repo,
		shareLog:    shareLog,
		solvedShare: solvedShare,
		logger:      logger.Named("share.validator"),
		sharesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stratumcore_shares_total",
			Help: "Total shares classified, by outcome.",
		}, []string{"result"}),
		blocksFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumcore_blocks_found_total",
			Help: "Total solved-block shares observed.",
		}),
		shareDifficulty: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stratumcore_share_difficulty",
			Help:    "Effective difficulty of accepted shares.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 16),
		}),
	}
}

// Collectors returns the prometheus collectors owned by the validator.
func (v *Validator) Collectors() []prometheus.Collector {
	return []prometheus.Collector{v.sharesTotal, v.blocksFound, v.shareDifficulty}
}

// CheckShare validates one share submission against the referenced job
// and classifies it. It is deterministic given its arguments and the
// immutable job contents referenced by jobID.
func (v *Validator) CheckShare(ctx context.Context, jobID uint64, extraNonce1 uint32, extraNonce2Hex string, nTime, nonce uint32, jobTargetHex, workFullName string) (Result, error) {
	ext := v.repo.Get(jobID)
	if ext == nil {
		v.sharesTotal.WithLabelValues(string(JobNotFound)).Inc()
		return Result{Code: JobNotFound}, nil
	}
	if ext.State() == job.StateStale {
		v.sharesTotal.WithLabelValues(string(JobNotFound)).Inc()
		return Result{Code: JobNotFound}, nil
	}

	j := ext.Job()

	if nTime <= j.MinTime {
		v.sharesTotal.WithLabelValues(string(TimeTooOld)).Inc()
		return Result{Code: TimeTooOld}, nil
	}
	if nTime > j.NTime+600 {
		v.sharesTotal.WithLabelValues(string(TimeTooNew)).Inc()
		return Result{Code: TimeTooNew}, nil
	}

	coinbase, err := blockheader.BuildCoinbase(j.Coinbase1, extraNonce1, extraNonce2Hex, j.Coinbase2)
	if err != nil {
		return Result{}, fmt.Errorf("building coinbase: %w", err)
	}
	coinbaseHash := crypto.DoubleSHA256(coinbase)

	merkleRoot, err := blockheader.MerkleRoot(coinbaseHash, j.MerkleBranch)
	if err != nil {
		return Result{}, fmt.Errorf("folding merkle branch: %w", err)
	}

	prevHash, err := hex.DecodeString(j.PrevHash)
	if err != nil {
		return Result{}, fmt.Errorf("invalid job prevHash: %w", err)
	}

	header, err := blockheader.Header{
		Version:    j.NVersion,
		PrevHash:   prevHash,
		MerkleRoot: merkleRoot,
		NTime:      nTime,
		NBits:      j.NBits,
		Nonce:      nonce,
	}.Serialize()
	if err != nil {
		return Result{}, fmt.Errorf("serializing header: %w", err)
	}

	blkHash := blockheader.Hash(header)

	networkTarget, err := hex.DecodeString(j.NetworkTarget)
	if err != nil {
		return Result{}, fmt.Errorf("invalid job networkTarget: %w", err)
	}
	jobTarget, err := hex.DecodeString(jobTargetHex)
	if err != nil {
		return Result{}, fmt.Errorf("invalid jobTarget: %w", err)
	}

	result := Result{BlockHash: blkHash}

	if crypto.HashMeetsTarget(blkHash, networkTarget) {
		result.IsBlock = true
		v.blocksFound.Inc()
		v.logger.Info("block solved",
			zap.Uint64("jobId", jobID),
			zap.String("worker", workFullName),
			zap.String("hash", hex.EncodeToString(blkHash)),
			zap.Float64("networkDifficulty", protocol.CompactToDifficulty(j.NBits)),
		)
		v.repo.MarkAllStale()
		if err := v.solvedShare.Produce(ctx, blkHash); err != nil {
			v.logger.Error("failed to publish solved share", zap.Error(err))
		}
	}

	if crypto.HashMeetsTarget(shiftRight(blkHash, 10), networkTarget) {
		v.logger.Info("high-diff share",
			zap.Uint64("jobId", jobID),
			zap.String("worker", workFullName),
			zap.String("hash", hex.EncodeToString(blkHash)),
			zap.Float64("targetDifficulty", protocol.TargetToDifficulty(networkTarget)),
		)
	}

	if !crypto.HashMeetsTarget(blkHash, jobTarget) {
		v.sharesTotal.WithLabelValues(string(LowDifficulty)).Inc()
		result.Code = LowDifficulty
		return result, nil
	}

	result.Code = NoError
	v.sharesTotal.WithLabelValues(string(NoError)).Inc()
	v.shareDifficulty.Observe(protocol.ShareDifficulty(crypto.ReverseBytes(blkHash)))
	if err := v.shareLog.Produce(ctx, blkHash); err != nil {
		v.logger.Error("failed to publish share log", zap.Error(err))
	}
	return result, nil
}

// shiftRight treats a big-endian byte slice as an unsigned integer and
// shifts it right by n bits, used to test whether a share's hash is within
// a factor of 2^n above the network target (a near-miss on a block).
func shiftRight(b []byte, n uint) []byte {
	v := new(big.Int).SetBytes(b)
	v.Rsh(v, n)
	out := make([]byte, len(b))
	v.FillBytes(out)
	return out
}
