package hotstore

import "crypto/sha256"

// hashData computes the SHA-256 digest stored alongside an entry when
// integrity checking is enabled.
func hashData(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// verifyIntegrity recomputes an entry's hash and compares it against the
// hash captured at insertion. This is diagnostic only: a mismatch is
// reported but never triggers an automatic eviction.
func verifyIntegrity(e *Entry) (match bool, checked bool) {
	if !e.HasHash {
		return false, false
	}
	return hashData(e.Account.Data) == e.DataHash, true
}
