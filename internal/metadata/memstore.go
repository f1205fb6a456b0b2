package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/types"
)

// MemStore is a minimal in-process Store backing database-less restore:
// a single version-metadata document is imported into it,
// and only the read paths restore actually exercises are meaningful.
// Writes needed to seed the import are supported. Lock calls are no-ops
// and listing or removing deletion candidates finds nothing; enqueueing
// a deletion candidate, dedup lookups and allocating new version or
// block uids return ErrConfig.
type MemStore struct {
	mu       sync.Mutex
	versions map[string]types.Version
	blocks   map[string][]types.Block
}

func NewMemStore() *MemStore {
	return &MemStore{
		versions: map[string]types.Version{},
		blocks:   map[string][]types.Block{},
	}
}

func (m *MemStore) CreateVersion(ctx context.Context, v types.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[v.UID] = v
	return nil
}

func (m *MemStore) GetVersion(ctx context.Context, uid string) (types.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[uid]
	if !ok {
		return types.Version{}, fmt.Errorf("%w: version %s", berrors.ErrNotFound, uid)
	}
	return v, nil
}

func (m *MemStore) UpdateVersion(ctx context.Context, v types.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[v.UID] = v
	return nil
}

func (m *MemStore) DeleteVersion(ctx context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.versions, uid)
	delete(m.blocks, uid)
	return nil
}

func (m *MemStore) ListVersions(ctx context.Context, filter VersionFilter) (VersionIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := make([]types.Version, 0, len(m.versions))
	for _, v := range m.versions {
		if filter.Volume != "" && v.Volume != filter.Volume {
			continue
		}
		versions = append(versions, v)
	}
	return applyExpression(&memVersionIterator{versions: versions}, filter)
}

func (m *MemStore) NextVersionUID(ctx context.Context) (string, error) {
	return "", fmt.Errorf("%w: database-less store does not allocate new version uids", berrors.ErrConfig)
}

type memVersionIterator struct {
	versions []types.Version
	pos      int
}

func (it *memVersionIterator) Next(ctx context.Context) (types.Version, bool, error) {
	if it.pos >= len(it.versions) {
		return types.Version{}, false, nil
	}
	v := it.versions[it.pos]
	it.pos++
	return v, true, nil
}

func (it *memVersionIterator) Close() error { return nil }

func (m *MemStore) InsertBlocks(ctx context.Context, storage string, blocks []types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(blocks) == 0 {
		return nil
	}
	m.blocks[blocks[0].VersionUID] = append(m.blocks[blocks[0].VersionUID], blocks...)
	return nil
}

type memBlockIterator struct {
	blocks []types.Block
	pos    int
}

func (it *memBlockIterator) Next(ctx context.Context) (types.Block, bool, error) {
	if it.pos >= len(it.blocks) {
		return types.Block{}, false, nil
	}
	b := it.blocks[it.pos]
	it.pos++
	return b, true, nil
}

func (it *memBlockIterator) Close() error { return nil }

func (m *MemStore) StreamBlocks(ctx context.Context, versionUID string) (BlockIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks := append([]types.Block(nil), m.blocks[versionUID]...)
	return &memBlockIterator{blocks: blocks}, nil
}

func (m *MemStore) GetBlock(ctx context.Context, versionUID string, idx int64) (types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks[versionUID] {
		if b.Idx == idx {
			return b, nil
		}
	}
	return types.Block{}, fmt.Errorf("%w: block %s/%d", berrors.ErrNotFound, versionUID, idx)
}

func (m *MemStore) MarkBlockInvalid(ctx context.Context, uid types.BlockUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected []string
	for versionUID, blocks := range m.blocks {
		for i := range blocks {
			if blocks[i].UID == uid {
				blocks[i].Valid = false
				affected = append(affected, versionUID)
			}
		}
	}
	for _, versionUID := range affected {
		if v, ok := m.versions[versionUID]; ok {
			v.Status = types.VersionInvalid
			m.versions[versionUID] = v
		}
	}
	return affected, nil
}

func (m *MemStore) MarkBlockValid(ctx context.Context, uid types.BlockUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, blocks := range m.blocks {
		for i := range blocks {
			if blocks[i].UID == uid {
				blocks[i].Valid = true
			}
		}
	}
	return nil
}

func (m *MemStore) FindBlockByChecksum(ctx context.Context, storage string, checksum []byte) (types.Block, bool, error) {
	return types.Block{}, false, fmt.Errorf("%w: database-less store does not support dedup lookups", berrors.ErrConfig)
}

func (m *MemStore) CountReferences(ctx context.Context, uid types.BlockUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, blocks := range m.blocks {
		for _, b := range blocks {
			if b.UID == uid {
				n++
			}
		}
	}
	return n, nil
}

func (m *MemStore) NextBlockUID(ctx context.Context, storage string) (types.BlockUID, error) {
	return types.BlockUID{}, fmt.Errorf("%w: database-less store does not allocate new block uids", berrors.ErrConfig)
}

func (m *MemStore) EnsureStorage(ctx context.Context, name string) (types.Storage, error) {
	return types.Storage{Name: name}, nil
}

func (m *MemStore) GetStorage(ctx context.Context, name string) (types.Storage, error) {
	return types.Storage{Name: name}, nil
}

func (m *MemStore) EnqueueDeletionCandidate(ctx context.Context, storage string, uid types.BlockUID, proposedAt time.Time) error {
	return fmt.Errorf("%w: database-less store does not track deletion candidates", berrors.ErrConfig)
}

func (m *MemStore) DeletionCandidatesOlderThan(ctx context.Context, storage string, cutoff time.Time) ([]types.DeletionCandidate, error) {
	return nil, nil
}

func (m *MemStore) RemoveDeletionCandidate(ctx context.Context, storage string, uid types.BlockUID) error {
	return nil
}

func (m *MemStore) AcquireLock(ctx context.Context, scope types.LockScope, name, owner, reason string) error {
	return nil
}

func (m *MemStore) ReleaseLock(ctx context.Context, scope types.LockScope, name, owner string) error {
	return nil
}

func (m *MemStore) OverrideLock(ctx context.Context, scope types.LockScope, name string) error {
	return nil
}

func (m *MemStore) CountLocksWithPrefix(ctx context.Context, scope types.LockScope, namePrefix string) (int64, error) {
	return 0, nil
}

func (m *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
