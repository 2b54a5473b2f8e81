package protocol

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDifficultyToTargetHexDecodesTo32Bytes(t *testing.T) {
	targetHex := DifficultyToTargetHex(1.0)
	raw, err := hex.DecodeString(targetHex)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestDifficultyToTargetShrinksAsDifficultyGrows(t *testing.T) {
	low := DifficultyToTarget(1.0)
	high := DifficultyToTarget(1000.0)

	// A higher difficulty means a smaller (harder to meet) target.
	assert.True(t, compareBytes(high, low) < 0)
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func TestVarDiffDoesNotRetargetBeforeWindowElapses(t *testing.T) {
	cfg := DifficultyConfig{
		InitialDifficulty: 1,
		MinDifficulty:      0.001,
		MaxDifficulty:      1_000_000,
		TargetShareTime:    10 * time.Second,
		RetargetTime:       90 * time.Second,
		VariancePercent:    30,
	}
	vd := NewVarDiff(cfg)
	state := NewWorkerDiffState(1)

	assert.False(t, vd.ShouldRetarget(state), "retarget window has not elapsed yet")
}

func TestVarDiffRetargetsWhenShareCadenceOutsideVariance(t *testing.T) {
	cfg := DifficultyConfig{
		InitialDifficulty: 1,
		MinDifficulty:      0.001,
		MaxDifficulty:      1_000_000,
		TargetShareTime:    10 * time.Second,
		RetargetTime:       0, // always eligible, for test determinism
		VariancePercent:    30,
	}
	vd := NewVarDiff(cfg)
	state := NewWorkerDiffState(1)

	base := time.Unix(1_700_000_000, 0)
	// Shares arriving every 1s, far outside the 10s +/-30% band: the
	// difficulty-to-cadence ratio moves it off CurrentDifficulty.
	for i := 0; i < 5; i++ {
		state.RecordShare(base.Add(time.Duration(i) * time.Second))
	}

	newDiff, changed := vd.CalculateNewDifficulty(state)
	require.True(t, changed)
	assert.NotEqual(t, 1.0, newDiff)
}

func TestVarDiffHoldsDifficultyWithinVariance(t *testing.T) {
	cfg := DifficultyConfig{
		InitialDifficulty: 1,
		MinDifficulty:      0.001,
		MaxDifficulty:      1_000_000,
		TargetShareTime:    10 * time.Second,
		RetargetTime:       0,
		VariancePercent:    30,
	}
	vd := NewVarDiff(cfg)
	state := NewWorkerDiffState(1)

	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		state.RecordShare(base.Add(time.Duration(i) * 10 * time.Second))
	}

	_, changed := vd.CalculateNewDifficulty(state)
	assert.False(t, changed, "share cadence matches the target, no retarget expected")
}

func TestParseSubmitParamsRequiresFiveFields(t *testing.T) {
	_, err := ParseSubmitParams([]byte(`["worker","1","00","deadbeef"]`))
	assert.Error(t, err)
}

func TestParseSubmitParamsParsesFields(t *testing.T) {
	params, err := ParseSubmitParams([]byte(`["alice.rig1","7","0011","5f000001","aabbccdd"]`))
	require.NoError(t, err)
	assert.Equal(t, "alice.rig1", params.WorkerName)
	assert.Equal(t, "7", params.JobID)
	assert.Equal(t, "0011", params.Extranonce2)
	assert.Equal(t, "5f000001", params.NTime)
	assert.Equal(t, "aabbccdd", params.Nonce)
}
