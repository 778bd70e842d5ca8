package baseline

import (
	"crypto/sha256"
	"encoding/hex"
)

// EmptyTreeRoot is the root of a capture with zero entries: the
// SHA-256 of empty input. It is a real root, distinct from the empty
// string an unparseable summary reports, so nodes that all see an
// empty tree still agree.
const EmptyTreeRoot = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// merkleRoot reduces sorted leaf hashes to a single binary Merkle root.
// Odd levels duplicate the trailing node. Nodes compare roots by value
// only, so the tree shape must stay stable across releases.
func merkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return EmptyTreeRoot
	}
	level := make([][]byte, 0, len(leaves))
	for _, h := range leaves {
		b, err := hex.DecodeString(h)
		if err != nil {
			return ""
		}
		level = append(level, b)
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		level = next
	}
	return hex.EncodeToString(level[0])
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
