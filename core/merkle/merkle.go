// Package merkle builds the per-epoch commitment tree over sealed allocations
// and verifies inclusion proofs against a published root. The leaf preimage
// and pairwise hashing rule here are the contract between the off-chain sealer
// and the ledger's claim verifier: any change on one side silently invalidates
// every proof produced by the other.
package merkle

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// MaxProofNodes bounds the sibling path accepted by Verify. A tree with
// 2^20 leaves is far beyond the per-epoch claim cap, so anything longer is
// rejected outright.
const MaxProofNodes = 20

// leafDomain separates entitlement leaves from any other keccak input in the
// system, so an internal node can never be replayed as a leaf.
var leafDomain = []byte("epochpay/leaf/v1")

var (
	// ErrNoLeaves is returned when building a tree over an empty allocation set.
	ErrNoLeaves = errors.New("merkle: no leaves")
	// ErrIndexOutOfRange is returned when requesting a proof for an unknown leaf.
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// Leaf computes the entitlement leaf hash for one participant:
// keccak256(domain || identity || index_le || amount_le). Index and amount use
// little-endian encoding; the ordering of the three fields is fixed.
func Leaf(identity string, index uint32, amount uint64) [32]byte {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)
	var amt [8]byte
	binary.LittleEndian.PutUint64(amt[:], amount)
	var out [32]byte
	copy(out[:], crypto.Keccak256(leafDomain, []byte(identity), idx[:], amt[:]))
	return out
}

// hashPair combines two nodes in canonical order (lesser first) so the
// verifier never needs a left/right flag alongside each sibling.
func hashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	var out [32]byte
	copy(out[:], crypto.Keccak256(a[:], b[:]))
	return out
}

// Tree holds every level of the commitment tree, leaves first.
type Tree struct {
	levels [][][32]byte
}

// Build constructs the binary tree over the supplied leaves. A level with an
// odd node count duplicates its last node rather than padding with zeros,
// which keeps padding distinguishable from a real zero leaf.
func Build(leaves [][32]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	level := make([][32]byte, len(leaves))
	copy(level, leaves)
	levels := [][][32]byte{level}
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the single fingerprint committing to the whole leaf set.
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len returns the number of leaves committed to by the tree.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Proof returns the ordered sibling path from leaf index up to the root.
func (t *Tree) Proof(index int) ([][32]byte, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, ErrIndexOutOfRange
	}
	proof := make([][32]byte, 0, len(t.levels)-1)
	for depth := 0; depth < len(t.levels)-1; depth++ {
		level := t.levels[depth]
		sibling := index ^ 1
		if sibling >= len(level) {
			// Odd level: the node was paired with itself.
			sibling = index
		}
		proof = append(proof, level[sibling])
		index /= 2
	}
	return proof, nil
}

// Verify folds the proof over the leaf using the same canonical pairwise rule
// as Build and reports whether the result matches the expected root.
func Verify(leaf [32]byte, proof [][32]byte, root [32]byte) bool {
	if len(proof) > MaxProofNodes {
		return false
	}
	hash := leaf
	for _, sibling := range proof {
		hash = hashPair(hash, sibling)
	}
	return hash == root
}
