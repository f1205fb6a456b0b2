// Package hashindex computes the stable cryptographic block fingerprint
// and guards against redundant concurrent uploads of the same fingerprint
// within one process.
package hashindex

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

// HashFunction identifies the fixed, per-repository digest algorithm.
// Once a repository has written data under a HashFunction, changing it
// is forbidden: dedup depends on comparing raw digest bytes, and a
// changed algorithm would silently stop matching prior blocks instead
// of failing loudly, so callers should persist the chosen function's
// name next to configurationVersion and refuse to start if it disagrees
// with the stored value.
type HashFunction string

const (
	// Blake2b256 is the default per the external-interfaces contract
	// ("BLAKE2b,digest_bits=256").
	Blake2b256 HashFunction = "BLAKE2b,digest_bits=256"
)

// Sum computes the fingerprint of b under fn.
func Sum(fn HashFunction, b []byte) ([]byte, error) {
	switch fn {
	case Blake2b256, "":
		sum := blake2b.Sum256(b)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("hashindex: unsupported hash function %q", fn)
	}
}

// Hex renders a checksum the way the version-metadata JSON schema expects it.
func Hex(sum []byte) string { return hex.EncodeToString(sum) }

// AllZero reports whether b consists entirely of zero bytes, the test
// used to decide whether a block is sparse before it is even hashed.
func AllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// WriteGuard serializes concurrent attempts to upload a block with the
// same checksum within one process. Cross-process duplicates are
// tolerated: equal checksum implies equal plaintext, and a storage put is
// idempotent, so at worst two processes write the same bytes twice.
type WriteGuard struct {
	group singleflight.Group
}

// NewWriteGuard returns a ready-to-use guard.
func NewWriteGuard() *WriteGuard { return &WriteGuard{} }

// Once runs fn for a given checksum at most once concurrently; callers
// racing on the same checksum block on the first caller's fn and then
// share its result, enforcing at most one concurrent writer per
// fingerprint.
func (g *WriteGuard) Once(checksum []byte, fn func() (any, error)) (any, error, bool) {
	return g.group.Do(Hex(checksum), fn)
}
