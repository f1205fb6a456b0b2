// Package berrors defines the sentinel error kinds surfaced across the
// backup engine. Call sites wrap one of these with fmt.Errorf("...: %w", ErrX)
// so callers can test with errors.Is/errors.As without string matching.
package berrors

import "errors"

var (
	// ErrConfig covers malformed YAML, unknown modules, and contradictory
	// options. Fatal at startup.
	ErrConfig = errors.New("benji: configuration error")

	// ErrIO covers source read/write failures. The IO adapters do not
	// retry: this is returned on the first failed operation.
	ErrIO = errors.New("benji: io error")

	// ErrStorage covers backend transient errors after retries are exhausted.
	ErrStorage = errors.New("benji: storage error")

	// ErrStorageIntegrity covers HMAC failure, size mismatch, missing
	// object, or checksum mismatch during restore/scrub.
	ErrStorageIntegrity = errors.New("benji: storage integrity error")

	// ErrLockConflict is returned when a named lock is already held.
	ErrLockConflict = errors.New("benji: lock conflict")

	// ErrPolicyViolation covers refusal to remove a young or protected version.
	ErrPolicyViolation = errors.New("benji: policy violation")

	// ErrBlockSizeMismatch is returned when a base version's block size
	// does not match the requested block size.
	ErrBlockSizeMismatch = errors.New("benji: block size mismatch")

	// ErrSourceTooSmall is returned when a source has shrunk relative to
	// its base version.
	ErrSourceTooSmall = errors.New("benji: source too small")

	// ErrBaseInvalid is returned when a requested base version is not valid.
	ErrBaseInvalid = errors.New("benji: base version invalid")

	// ErrNotFound covers missing version/block/storage rows.
	ErrNotFound = errors.New("benji: not found")

	// ErrTransform covers decrypt/decompress failure; treated the same as
	// ErrStorageIntegrity by callers.
	ErrTransform = errors.New("benji: transform error")
)
