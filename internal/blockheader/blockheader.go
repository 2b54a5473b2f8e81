// Package blockheader reconstructs a candidate Bitcoin-style block header
// from a share submission and the job it references: coinbase assembly,
// the Merkle-branch fold, 80-byte header serialization, and the
// double-SHA256 hash used to classify the share.
package blockheader

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/bitpool/stratumcore/pkg/crypto"
)

// BuildCoinbase concatenates coinbase1 || extraNonce1 || extraNonce2 ||
// coinbase2, each interpreted as bytes from their hex forms. extraNonce1
// is rendered as 4 big-endian bytes.
func BuildCoinbase(coinbase1Hex string, extraNonce1 uint32, extraNonce2Hex, coinbase2Hex string) ([]byte, error) {
	coinbase1, err := hex.DecodeString(coinbase1Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid coinbase1: %w", err)
	}
	coinbase2, err := hex.DecodeString(coinbase2Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid coinbase2: %w", err)
	}
	extraNonce2, err := hex.DecodeString(extraNonce2Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid extraNonce2: %w", err)
	}

	var extraNonce1Bytes [4]byte
	binary.BigEndian.PutUint32(extraNonce1Bytes[:], extraNonce1)

	coinbase := make([]byte, 0, len(coinbase1)+4+len(extraNonce2)+len(coinbase2))
	coinbase = append(coinbase, coinbase1...)
	coinbase = append(coinbase, extraNonce1Bytes[:]...)
	coinbase = append(coinbase, extraNonce2...)
	coinbase = append(coinbase, coinbase2...)
	return coinbase, nil
}

// MerkleRoot folds a coinbase hash through the ordered Merkle branch:
// hash = dSHA256(coinbase); for each step, hash = dSHA256(hash || step).
func MerkleRoot(coinbaseHash []byte, merkleBranch []string) ([]byte, error) {
	hash := coinbaseHash
	for _, stepHex := range merkleBranch {
		step, err := hex.DecodeString(stepHex)
		if err != nil {
			return nil, fmt.Errorf("invalid merkle branch entry: %w", err)
		}
		combined := make([]byte, 0, len(hash)+len(step))
		combined = append(combined, hash...)
		combined = append(combined, step...)
		hash = crypto.DoubleSHA256(combined)
	}
	return hash, nil
}

// Header is the set of fields serialized into an 80-byte Bitcoin-style
// block header.
type Header struct {
	Version    uint32
	PrevHash   []byte // 32 bytes
	MerkleRoot []byte // 32 bytes
	NTime      uint32
	NBits      uint32
	Nonce      uint32
}

// Serialize renders the header in Bitcoin wire order: version (4 LE) ||
// prevHash (32, byte-reversed) || merkleRoot (32) || nTime (4 LE) || nBits
// (4 LE) || nonce (4 LE).
func (h Header) Serialize() ([]byte, error) {
	if len(h.PrevHash) != 32 {
		return nil, fmt.Errorf("prevHash must be 32 bytes, got %d", len(h.PrevHash))
	}
	if len(h.MerkleRoot) != 32 {
		return nil, fmt.Errorf("merkleRoot must be 32 bytes, got %d", len(h.MerkleRoot))
	}

	header := make([]byte, 80)
	binary.LittleEndian.PutUint32(header[0:4], h.Version)
	copy(header[4:36], crypto.ReverseBytes(h.PrevHash))
	copy(header[36:68], h.MerkleRoot)
	binary.LittleEndian.PutUint32(header[68:72], h.NTime)
	binary.LittleEndian.PutUint32(header[72:76], h.NBits)
	binary.LittleEndian.PutUint32(header[76:80], h.Nonce)
	return header, nil
}

// Hash computes the header's block hash: double-SHA256 of the serialized
// header, byte-reversed so the result can be compared as a big-endian
// integer against a hex-decoded target.
func Hash(header []byte) []byte {
	return crypto.ReverseBytes(crypto.DoubleSHA256(header))
}
