package nbd

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/hashindex"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/storageadapter"
	"github.com/benji-backup/benji/internal/transform"
	"github.com/benji-backup/benji/internal/types"
)

// resolvedBlocks remembers, for the lifetime of a single Fixate call,
// every checksum already resolved to a block_uid: by a pre-existing
// valid Block row, or by a block this fixation wrote. See the comment at
// its call site in Fixate for why this is needed on top of Guard.
type resolvedBlocks struct {
	mu   sync.Mutex
	uids map[string]types.BlockUID
}

func newResolvedBlocks() *resolvedBlocks {
	return &resolvedBlocks{uids: make(map[string]types.BlockUID)}
}

func (r *resolvedBlocks) get(checksum []byte) (types.BlockUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, ok := r.uids[hashindex.Hex(checksum)]
	return uid, ok
}

func (r *resolvedBlocks) set(checksum []byte, uid types.BlockUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uids[hashindex.Hex(checksum)] = uid
}

// COWStore holds dirtied block contents for in-flight read-write NBD
// exports, keyed by (cow_version_uid, block_idx). It is a
// separate on-disk area from the BlockCache (a different bbolt database)
// because its lifetime is one export session, not a long-lived cache.
type COWStore struct {
	db *bolt.DB
}

func NewCOWStore(path string) (*COWStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening cow store %s: %v", berrors.ErrConfig, path, err)
	}
	return &COWStore{db: db}, nil
}

func (s *COWStore) bucketName(cowUID string) []byte { return []byte("cow-" + cowUID) }

// Write records a dirtied block's full content (the NBD write path
// always operates at block granularity: a partial write is read-modify-
// written by the caller before reaching here).
func (s *COWStore) Write(cowUID string, idx int64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucketName(cowUID))
		if err != nil {
			return err
		}
		return b.Put(idxKey(idx), data)
	})
}

// Read returns a dirtied block's content, if this export session has
// written it.
func (s *COWStore) Read(cowUID string, idx int64) ([]byte, bool) {
	var out []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName(cowUID))
		if b == nil {
			return nil
		}
		if v := b.Get(idxKey(idx)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil
}

// DirtyIndices lists every block index written during this session, in
// ascending order, ready for the fixation pass on disconnect.
func (s *COWStore) DirtyIndices(cowUID string) ([]int64, error) {
	var idxs []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName(cowUID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			idxs = append(idxs, int64(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	return idxs, err
}

// Discard drops the session's bucket once fixation has completed.
func (s *COWStore) Discard(cowUID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket(s.bucketName(cowUID))
	})
}

func (s *COWStore) Close() error { return s.db.Close() }

func idxKey(idx int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(idx))
	return k[:]
}

// Fixator turns a COW session's dirtied blocks into a new, protected
// Version on disconnect: untouched indices inherit the original
// Block row verbatim (no new object written); dirtied indices run the
// normal post-backup pipeline (hash, dedup, transform, storage-put, row
// append). The ordering contract is: drain pending writes ->
// snapshot the COW store -> build the new Version deterministically ->
// release the original export, which the caller (Server) enforces by
// calling Fixate only after the connection's request loop has returned.
type Fixator struct {
	Store   metadata.Store
	Storage storageadapter.Adapter
	Chain   *transform.Chain
	Guard   *hashindex.WriteGuard
	COW     *COWStore
}

// Fixate builds and commits the COW Version for orig. cowUID is the
// session identifier the Server reserved at the first write (via
// Store.NextVersionUID) and used as the COW store's bucket name for
// every Write/Read during the session; Fixate reuses that same uid as
// the committed Version's primary key, so the "created lazily at first
// write" Version and its dirty-block bucket are always the same
// identifier end to end.
func (f *Fixator) Fixate(ctx context.Context, orig types.Version, cowUID string, transforms []string, now time.Time) (types.Version, error) {
	dirty, err := f.COW.DirtyIndices(cowUID)
	if err != nil {
		return types.Version{}, fmt.Errorf("listing dirtied blocks: %w", err)
	}
	dirtySet := make(map[int64]bool, len(dirty))
	for _, idx := range dirty {
		dirtySet[idx] = true
	}

	cowVersion := types.Version{
		UID:       cowUID,
		Date:      now,
		Volume:    orig.Volume,
		Snapshot:  fmt.Sprintf("nbd-cow-%s-%s", orig.UID, now.UTC().Format("2006-01-02T15:04:05Z")),
		Size:      orig.Size,
		BlockSize: orig.BlockSize,
		Status:    types.VersionIncomplete,
		Protected: true,
		Storage:   orig.Storage,
		Labels:    map[string]string{},
	}
	if err := f.Store.CreateVersion(ctx, cowVersion); err != nil {
		return types.Version{}, err
	}

	it, err := f.Store.StreamBlocks(ctx, orig.UID)
	if err != nil {
		return types.Version{}, fmt.Errorf("streaming original blocks: %w", err)
	}
	defer it.Close()

	var blocks []types.Block
	var bytesWritten int64

	// resolved tracks every checksum already written or reused during this
	// fixation pass. Fixation runs its blocks through one sequential loop,
	// so two dirtied blocks with identical content would both miss
	// Store.FindBlockByChecksum (neither is committed until InsertBlocks
	// at the end) and Guard.Once would not help either: a singleflight
	// call always re-executes for a caller that arrives after the prior
	// call for the same key has already returned, which is exactly what
	// happens between two sequential loop iterations. Consulting resolved
	// first keeps the equal-checksum-implies-shared-block_uid guarantee
	// within one fixation.
	resolved := newResolvedBlocks()
	for {
		blk, ok, err := it.Next(ctx)
		if err != nil {
			return cowVersion, err
		}
		if !ok {
			break
		}
		if !dirtySet[blk.Idx] {
			inherited := blk
			inherited.VersionUID = cowVersion.UID
			blocks = append(blocks, inherited)
			continue
		}
		newBlock, err := f.fixateDirtyBlock(ctx, cowVersion, cowUID, blk.Idx, transforms, resolved)
		if err != nil {
			return cowVersion, err
		}
		bytesWritten += newBlock.Size
		blocks = append(blocks, newBlock)
		delete(dirtySet, blk.Idx)
	}
	// Any dirtied index past the end of the original (source grew under
	// the export, or this is the first write to an otherwise-sparse
	// region beyond orig's block count) still needs a Block row.
	for idx := range dirtySet {
		newBlock, err := f.fixateDirtyBlock(ctx, cowVersion, cowUID, idx, transforms, resolved)
		if err != nil {
			return cowVersion, err
		}
		bytesWritten += newBlock.Size
		blocks = append(blocks, newBlock)
	}

	if err := f.Store.InsertBlocks(ctx, orig.Storage, blocks); err != nil {
		return cowVersion, fmt.Errorf("committing cow blocks: %w", err)
	}

	cowVersion.Status = types.VersionValid
	cowVersion.BytesWritten = bytesWritten
	cowVersion.Duration = time.Since(now)
	if err := f.Store.UpdateVersion(ctx, cowVersion); err != nil {
		return cowVersion, err
	}
	if err := f.COW.Discard(cowUID); err != nil {
		return cowVersion, fmt.Errorf("discarding cow session: %w", err)
	}
	return cowVersion, nil
}

func (f *Fixator) fixateDirtyBlock(ctx context.Context, version types.Version, cowUID string, idx int64, transforms []string, resolved *resolvedBlocks) (types.Block, error) {
	data, ok := f.COW.Read(cowUID, idx)
	if !ok {
		return types.Block{}, fmt.Errorf("nbd: dirtied block %d missing from cow store", idx)
	}
	length := int64(len(data))

	if hashindex.AllZero(data) {
		return types.Block{VersionUID: version.UID, Idx: idx, Size: length, Valid: true}, nil
	}
	checksum, err := hashindex.Sum(hashindex.Blake2b256, data)
	if err != nil {
		return types.Block{}, err
	}
	if existing, found, err := f.Store.FindBlockByChecksum(ctx, version.Storage, checksum); err != nil {
		return types.Block{}, err
	} else if found && existing.Valid {
		resolved.set(checksum, existing.UID)
		return types.Block{VersionUID: version.UID, Idx: idx, Size: length, Checksum: checksum, UID: existing.UID, Valid: true}, nil
	}

	if uid, ok := resolved.get(checksum); ok {
		return types.Block{VersionUID: version.UID, Idx: idx, Size: length, Checksum: checksum, UID: uid, Valid: true}, nil
	}

	result, err, _ := f.Guard.Once(checksum, func() (any, error) {
		blockUID, err := f.Store.NextBlockUID(ctx, version.Storage)
		if err != nil {
			return nil, err
		}
		transformed, headers, err := f.Chain.Forward(transforms, data)
		if err != nil {
			return nil, err
		}
		sidecar := storageadapter.Sidecar{
			SchemaVersion:    "2.0.0",
			Transforms:       transforms,
			OriginalSize:     length,
			TransformedSize:  int64(len(transformed)),
			TransformHeaders: toStringMapMap(headers),
		}
		key := storageadapter.ObjectKey(fmt.Sprintf("blocks/%d-%d", blockUID.Left, blockUID.Right))
		if err := f.Storage.Put(ctx, key, transformed, sidecar); err != nil {
			return nil, err
		}
		return blockUID, nil
	})
	if err != nil {
		return types.Block{}, fmt.Errorf("%w: storing cow block %d: %v", berrors.ErrStorage, idx, err)
	}
	blockUID := result.(types.BlockUID)
	resolved.set(checksum, blockUID)
	return types.Block{VersionUID: version.UID, Idx: idx, Size: length, Checksum: checksum, UID: blockUID, Valid: true}, nil
}

func toStringMapMap(h map[string]transform.Header) map[string]map[string]string {
	out := make(map[string]map[string]string, len(h))
	for k, v := range h {
		out[k] = map[string]string(v)
	}
	return out
}
