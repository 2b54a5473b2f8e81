package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMintTime(t *testing.T) {
	j := &StratumJob{JobID: 0x5F000001_00000001}
	assert.Equal(t, uint32(0x5F000001), j.MintTime())
}

func TestBuildMiningNotifyWireFormat(t *testing.T) {
	j := &StratumJob{
		JobID:         0x5F000001_00000001,
		PrevHashBeStr: "beef",
		Coinbase1:     "c1",
		Coinbase2:     "c2",
		MerkleBranch:  []string{"aa", "bb"},
		NVersion:      1,
		NBits:         0x1d00ffff,
		NTime:         0x5f000100,
	}

	got := buildMiningNotify(j, true)
	want := `{"id":null,"method":"mining.notify","params":["6845471437898121217","beef","c1","c2",["aa","bb"],"00000001","1d00ffff","5f000100",true]}`
	assert.Equal(t, want, got)
}

func TestBuildMiningNotifyEmptyMerkleBranch(t *testing.T) {
	j := &StratumJob{JobID: 1}
	got := buildMiningNotify(j, false)
	assert.Contains(t, got, `[],"00000000","00000000","00000000",false`)
}

func TestExtendedJobStateAndCleanFlag(t *testing.T) {
	j := &StratumJob{JobID: 1}
	e := newExtendedJob(j, true)

	assert.Equal(t, StateMining, e.State())
	assert.True(t, e.IsClean())
	assert.Same(t, j, e.Job())
	assert.NotEmpty(t, e.MiningNotify())
}

func TestJobStateString(t *testing.T) {
	assert.Equal(t, "MINING", StateMining.String())
	assert.Equal(t, "STALE", StateStale.String())
}
