package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "ArenaLedger:genesis:v1"

// GenesisHash is the chain tip before the first event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainLink computes SHA-256(prev || sequence as 8 bytes LE || digest).
// Integrity checks recompute the chain with it.
func ChainLink(prev [32]byte, sequence int64, digest []byte) [32]byte {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))

	h := sha256.New()
	h.Write(prev[:])
	h.Write(seq[:])
	h.Write(digest)

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// HashChain tracks the state hash tip of the single-writer core.
type HashChain struct {
	tip [32]byte
}

func NewHashChain() *HashChain {
	return &HashChain{tip: GenesisHash()}
}

// Advance links the next event onto the chain and returns the new tip.
func (c *HashChain) Advance(sequence int64, digest []byte) [32]byte {
	c.tip = ChainLink(c.tip, sequence, digest)
	return c.tip
}

func (c *HashChain) Tip() [32]byte { return c.tip }

// Reset moves the tip, used when restoring a snapshot.
func (c *HashChain) Reset(tip [32]byte) { c.tip = tip }
