// Package identity derives the deterministic snapshot identity used as both
// the lookup tag and the idempotency key for snapshots and import tasks.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// Derive computes the snapshot identity for a source content hash plus the
// per-image modifiers. With separateSnapshot the sha256 hexdigest of the image
// name is appended; each billing code appends its own sha256 hexdigest, in the
// order given. The concatenation is hashed once more — except when no modifier
// applied, in which case the content hash is returned unchanged rather than
// re-hashed.
func Derive(contentHash, imageName string, separateSnapshot bool, billingCodes []string) string {
	name := contentHash
	if separateSnapshot {
		name += hexSum(imageName)
	}
	for _, code := range billingCodes {
		name += hexSum(code)
	}
	if name == contentHash {
		return name
	}
	return hexSum(name)
}

func hexSum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
