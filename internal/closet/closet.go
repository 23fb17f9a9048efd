// Package closet implements the local weather cache: a content-addressable
// blob vault synchronized from a remote manifest-driven CDN, with retention
// policy, metadata bookkeeping, safe garbage reclamation, and named-lock
// mutual exclusion between cache-mutating operations.
//
// The sync engine is the primary writer (it adds blobs), the reconciler is
// the primary reclaimer (it removes them); both acquire the "closet" lock
// before touching the vault and the closet DB together, so their critical
// sections never interleave.
package closet

import "strings"

// LockName is the named lock serializing all combined vault+DB mutation.
const LockName = "closet"

// normalizeHash canonicalizes a content hash for use as an identity.
// Hash identity is case-insensitive everywhere; this is the single point of
// ingestion, downstream code never compares raw mixed-case strings.
func normalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
