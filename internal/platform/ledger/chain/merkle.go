package chain

import (
	"crypto/sha256"
	"encoding/hex"
)

// MerkleRoot folds hex leaf hashes pairwise until one remains. An odd node
// is paired with itself. The root of no leaves is the hash of nothing.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return sha256Hex(nil)
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, sha256Hex([]byte(level[i]+right)))
		}
		level = next
	}
	return level[0]
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
