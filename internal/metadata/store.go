// Package metadata implements the relational metadata store: versions,
// blocks, storages, locks, and deletion candidates, behind iterator-backed
// queries so a caller never materializes a full block list in memory.
//
// The interface (this file) is kept separate from its concrete
// database/sql implementation (sqlstore.go) so the backing engine stays
// swappable: relational storage (database/sql over modernc.org/sqlite or
// pgx/v5) is required for transactional bulk insert and iterator-backed
// Version-to-Block enumeration, not a KV bucket store.
package metadata

import (
	"context"
	"time"

	"github.com/benji-backup/benji/internal/types"
)

// BlockIterator streams Block rows without materializing the full list.
type BlockIterator interface {
	Next(ctx context.Context) (types.Block, bool, error)
	Close() error
}

// VersionIterator streams Version rows matching a query.
type VersionIterator interface {
	Next(ctx context.Context) (types.Version, bool, error)
	Close() error
}

// VersionFilter narrows ListVersions; an empty Expression matches everything.
type VersionFilter struct {
	Expression string // parsed and evaluated by internal/filterdsl
	Volume     string // exact-match shortcut used by retention enforcement
}

// Store is the full capability set backing every command.
type Store interface {
	// Versions
	CreateVersion(ctx context.Context, v types.Version) error
	GetVersion(ctx context.Context, uid string) (types.Version, error)
	UpdateVersion(ctx context.Context, v types.Version) error
	DeleteVersion(ctx context.Context, uid string) error
	ListVersions(ctx context.Context, filter VersionFilter) (VersionIterator, error)
	NextVersionUID(ctx context.Context) (string, error)

	// Blocks. storage scopes the checksum index: blocks dedup only against
	// other blocks on the same Storage, never across storages.
	InsertBlocks(ctx context.Context, storage string, blocks []types.Block) error
	StreamBlocks(ctx context.Context, versionUID string) (BlockIterator, error)
	GetBlock(ctx context.Context, versionUID string, idx int64) (types.Block, error)
	MarkBlockInvalid(ctx context.Context, uid types.BlockUID) ([]string, error) // returns affected version uids
	MarkBlockValid(ctx context.Context, uid types.BlockUID) error
	FindBlockByChecksum(ctx context.Context, storage string, checksum []byte) (types.Block, bool, error)
	CountReferences(ctx context.Context, uid types.BlockUID) (int64, error)
	NextBlockUID(ctx context.Context, storage string) (types.BlockUID, error)

	// Storages
	EnsureStorage(ctx context.Context, name string) (types.Storage, error)
	GetStorage(ctx context.Context, name string) (types.Storage, error)

	// Deletion candidates
	EnqueueDeletionCandidate(ctx context.Context, storage string, uid types.BlockUID, proposedAt time.Time) error
	DeletionCandidatesOlderThan(ctx context.Context, storage string, cutoff time.Time) ([]types.DeletionCandidate, error)
	RemoveDeletionCandidate(ctx context.Context, storage string, uid types.BlockUID) error

	// Locks. CountLocksWithPrefix backs the lock manager's "shared" mode:
	// storage locks taken by concurrent backups are stored under distinct
	// names within the storage scope, and rm/cleanup's exclusive
	// acquisition checks this count is zero before inserting its own
	// bare-name row.
	AcquireLock(ctx context.Context, scope types.LockScope, name, owner, reason string) error
	ReleaseLock(ctx context.Context, scope types.LockScope, name, owner string) error
	OverrideLock(ctx context.Context, scope types.LockScope, name string) error
	CountLocksWithPrefix(ctx context.Context, scope types.LockScope, namePrefix string) (int64, error)

	Close() error
}
