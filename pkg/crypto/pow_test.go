package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoubleSHA256(t *testing.T) {
	// SHA256d("") is a well-known vector.
	got := DoubleSHA256(nil)
	require.Equal(t, "5df6e0e2761359d30a8275058e299fcc0381534545f55cf43e41983f5d4c9456", hex.EncodeToString(got))
}

func TestReverseBytes(t *testing.T) {
	in := []byte{0x01, 0x02, 0x03, 0x04}
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, ReverseBytes(in))
	assert.Empty(t, ReverseBytes(nil))
}

func TestCompareHashesAndHashMeetsTarget(t *testing.T) {
	low := []byte{0x00, 0x01}
	high := []byte{0x00, 0x02}

	assert.Equal(t, -1, CompareHashes(low, high))
	assert.Equal(t, 1, CompareHashes(high, low))
	assert.Equal(t, 0, CompareHashes(low, low))

	assert.True(t, HashMeetsTarget(low, high))
	assert.True(t, HashMeetsTarget(low, low))
	assert.False(t, HashMeetsTarget(high, low))
}
