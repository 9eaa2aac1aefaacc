package merkle

import "strings"

// Side of the sibling relative to the running hash.
const (
	SideLeft  = "L"
	SideRight = "R"
)

type InclusionProof struct {
	LeafIndex  int         `json:"leaf_index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// VerifyInclusionProof recomputes the root from the leaf and path.
// If expectedRoot is non-empty it must also match the proof's root.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}
	return strings.EqualFold(Fold(proof.LeafHash, proof.ProofPath), proof.MerkleRoot)
}

// Fold walks a proof path starting at leaf and returns the implied root.
func Fold(leaf string, path []ProofStep) string {
	current := leaf
	for _, step := range path {
		if step.Side == SideLeft {
			current = NodeHash(step.SiblingHash, current)
		} else {
			current = NodeHash(current, step.SiblingHash)
		}
	}
	return current
}
