// Package merkle builds binary Merkle trees over receipt leaf hashes.
//
// Nodes are sha256(left || right) over the raw digest bytes. A level with an
// odd number of nodes pairs its last node with itself, including the
// single-leaf case, so a one-leaf tree's root is sha256(leaf || leaf).
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrNoLeaves is returned when a tree is requested over an empty leaf set.
	ErrNoLeaves = errors.New("merkle: no leaves")
	// ErrLeafIndex is returned for proof requests outside the leaf range.
	ErrLeafIndex = errors.New("merkle: leaf index out of range")
)

// Tree keeps every level so inclusion proofs can be produced after the root is sealed.
type Tree struct {
	Leaves []string
	Levels [][]string // Levels[0] are the leaves, the last level holds the root
	Root   string
}

// Build constructs a tree from hex-encoded leaf hashes in the given order.
func Build(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	for i, l := range leaves {
		if _, err := hex.DecodeString(l); err != nil {
			return nil, fmt.Errorf("merkle: leaf %d is not hex: %w", i, err)
		}
	}

	current := append([]string(nil), leaves...)
	tree := &Tree{Leaves: current}
	tree.Levels = append(tree.Levels, current)

	for {
		current = buildNextLevel(current)
		tree.Levels = append(tree.Levels, current)
		if len(current) == 1 {
			break
		}
	}

	tree.Root = current[0]
	return tree, nil
}

// Root is a convenience for Build(leaves).Root.
func Root(leaves []string) (string, error) {
	t, err := Build(leaves)
	if err != nil {
		return "", err
	}
	return t.Root, nil
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (*InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, ErrLeafIndex
	}

	proof := &InclusionProof{
		LeafIndex:  index,
		LeafHash:   t.Leaves[index],
		MerkleRoot: t.Root,
	}

	idx := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		var step ProofStep
		if idx%2 == 0 {
			sibling := idx + 1
			if sibling >= len(level) {
				sibling = idx // duplicated last node
			}
			step = ProofStep{Side: SideRight, SiblingHash: level[sibling]}
		} else {
			step = ProofStep{Side: SideLeft, SiblingHash: level[idx-1]}
		}
		proof.ProofPath = append(proof.ProofPath, step)
		idx /= 2
	}

	return proof, nil
}

func buildNextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes[:count:count], hashes[count-1]) // Duplicate last
		count++
	}

	nextLevel := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		nextLevel[i/2] = NodeHash(hashes[i], hashes[i+1])
	}
	return nextLevel
}

// NodeHash combines two hex-encoded child hashes.
func NodeHash(left, right string) string {
	buf := make([]byte, 0, 2*sha256.Size)
	buf = append(buf, hexToBytes(left)...)
	buf = append(buf, hexToBytes(right)...)
	h := sha256.Sum256(buf)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
