// Package pipeline implements the concurrent backup and restore data
// paths: bounded-channel producer/consumer stages between the source IO
// adapter, the hash/dedup stage, the transform chain, and the storage
// adapter, updating the metadata store as blocks complete. The stages
// fan out over an errgroup, since a backup run is a single bounded job
// rather than an unbounded loop.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/hashindex"
	"github.com/benji-backup/benji/internal/ioadapter"
	"github.com/benji-backup/benji/internal/lockmgr"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/metrics"
	"github.com/benji-backup/benji/internal/storageadapter"
	"github.com/benji-backup/benji/internal/transform"
	"github.com/benji-backup/benji/internal/types"
)

// BackupConfig parameterizes one backup run.
type BackupConfig struct {
	Volume      string
	Snapshot    string
	StorageName string
	BlockSize   int64
	Transforms  []string

	BaseVersionUID string // empty for a full backup

	// Hints, if set, overrides the IO adapter's own sparse-region
	// iterator (e.g. a hints file loaded from an external `rbd diff`).
	Hints ioadapter.HintIterator

	Concurrency int // number of parallel read/hash/store workers
	BatchSize   int // Block rows per InsertBlocks call
}

func (c BackupConfig) concurrency() int {
	if c.Concurrency <= 0 {
		return 4
	}
	return c.Concurrency
}

func (c BackupConfig) batchSize() int {
	if c.BatchSize <= 0 {
		return 500
	}
	return c.BatchSize
}

// Backup is the write-side pipeline: determine block count, seed a
// differential plan from the base version and source hints, stream
// blocks through hash/dedup/transform/storage, and commit Block rows in
// bounded batches. On success the Version transitions to valid; on
// failure it is left incomplete and already-written blocks are kept
// (they remain dedup-eligible on retry).
type Backup struct {
	Store   metadata.Store
	IO      ioadapter.Handle
	Storage storageadapter.Adapter
	Chain   *transform.Chain
	Guard   *hashindex.WriteGuard
	Locks   *lockmgr.Manager // optional; holds version:<uid> exclusive for the run
	Logger  zerolog.Logger

	// OnProgress, if set, is called after each committed batch with the
	// number of blocks committed so far and the total block count.
	// CLI progress bars are the only consumer.
	OnProgress func(done, total int64)
}

type blockPlan struct {
	idx      int64
	mustRead bool
	inherit  *types.Block
}

// Run executes the backup and returns the resulting Version.
func (b *Backup) Run(ctx context.Context, cfg BackupConfig) (types.Version, error) {
	timer := metrics.NewTimer()
	logger := b.Logger.With().Str("volume", cfg.Volume).Logger()

	size, err := b.IO.Size(ctx)
	if err != nil {
		return types.Version{}, fmt.Errorf("%w: reading source size: %v", berrors.ErrIO, err)
	}
	n := (size + cfg.BlockSize - 1) / cfg.BlockSize

	plan := make([]blockPlan, n)
	for i := range plan {
		plan[i] = blockPlan{idx: int64(i), mustRead: true}
	}

	var base types.Version
	if cfg.BaseVersionUID != "" {
		base, err = b.Store.GetVersion(ctx, cfg.BaseVersionUID)
		if err != nil {
			return types.Version{}, fmt.Errorf("loading base version: %w", err)
		}
		if base.Status != types.VersionValid {
			return types.Version{}, fmt.Errorf("%w: base version %s has status %s", berrors.ErrBaseInvalid, base.UID, base.Status)
		}
		if base.BlockSize != cfg.BlockSize {
			return types.Version{}, fmt.Errorf("%w: base block_size=%d, requested=%d", berrors.ErrBlockSizeMismatch, base.BlockSize, cfg.BlockSize)
		}
		if base.Size > size {
			return types.Version{}, fmt.Errorf("%w: source shrank from %d to %d bytes", berrors.ErrSourceTooSmall, base.Size, size)
		}
		if err := b.seedFromBase(ctx, base, plan); err != nil {
			return types.Version{}, err
		}
		if err := b.applyHints(ctx, cfg, plan); err != nil {
			return types.Version{}, err
		}
		// Without hints every index stays must-read: the entire source is
		// re-read and unchanged blocks fall out through dedup. Inheriting
		// the base without a hint saying "unchanged" would silently miss
		// every modified block.
	}

	uid, err := b.Store.NextVersionUID(ctx)
	if err != nil {
		return types.Version{}, fmt.Errorf("allocating version uid: %w", err)
	}
	if b.Locks != nil {
		held, err := b.Locks.Acquire(ctx, types.LockScopeVersion, uid, "backup "+cfg.Volume, false)
		if err != nil {
			return types.Version{}, err
		}
		defer held.Release(ctx)
	}
	version := types.Version{
		UID:       uid,
		Date:      time.Now().UTC(),
		Volume:    cfg.Volume,
		Snapshot:  cfg.Snapshot,
		Size:      size,
		BlockSize: cfg.BlockSize,
		Status:    types.VersionIncomplete,
		Storage:   cfg.StorageName,
		Labels:    map[string]string{},
	}
	if _, err := b.Store.EnsureStorage(ctx, cfg.StorageName); err != nil {
		return types.Version{}, err
	}
	if err := b.Store.CreateVersion(ctx, version); err != nil {
		return types.Version{}, err
	}

	counters, err := b.stream(ctx, logger, cfg, version, plan)
	if err != nil {
		return version, err
	}

	version.Status = types.VersionValid
	version.BytesRead = counters.bytesRead.Load()
	version.BytesWritten = counters.bytesWritten.Load()
	version.BytesDeduplicated = counters.bytesDeduplicated.Load()
	version.BytesSparse = counters.bytesSparse.Load()
	version.Duration = time.Since(version.Date)
	if err := b.Store.UpdateVersion(ctx, version); err != nil {
		return version, err
	}
	if err := WriteVersionMetadata(ctx, b.Store, b.Storage, b.Chain, cfg.Transforms, version); err != nil {
		return version, fmt.Errorf("writing version-metadata backup: %w", err)
	}

	metrics.BytesRead.WithLabelValues(cfg.Volume).Add(float64(counters.bytesRead.Load()))
	metrics.BytesWritten.WithLabelValues(cfg.Volume, cfg.StorageName).Add(float64(counters.bytesWritten.Load()))
	metrics.BytesDeduplicated.WithLabelValues(cfg.Volume).Add(float64(counters.bytesDeduplicated.Load()))
	metrics.BytesSparse.WithLabelValues(cfg.Volume).Add(float64(counters.bytesSparse.Load()))
	timer.ObserveDuration(metrics.BackupDuration)

	logger.Info().Str("version", version.UID).Int64("blocks", n).Msg("backup completed")
	return version, nil
}

// seedFromBase fills plan[i].inherit for every index covered by the base
// version. Inheritance candidates only; applyHints decides which of them
// actually skip the read.
func (b *Backup) seedFromBase(ctx context.Context, base types.Version, plan []blockPlan) error {
	it, err := b.Store.StreamBlocks(ctx, base.UID)
	if err != nil {
		return fmt.Errorf("streaming base blocks: %w", err)
	}
	defer it.Close()
	for {
		blk, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if blk.Idx < int64(len(plan)) {
			blockCopy := blk
			plan[blk.Idx].inherit = &blockCopy
		}
	}
	return nil
}

// applyHints is the differential-backup fast path: when a sparse-region
// iterator is available (an explicit hints file, or the IO adapter's own
// diff), every index with a base block is first marked inherited, then
// every index a hint covers as changed is re-marked must-read. With no
// iterator at all, nothing is inherited and every index keeps its
// default must-read.
func (b *Backup) applyHints(ctx context.Context, cfg BackupConfig, plan []blockPlan) error {
	it := cfg.Hints
	if it == nil {
		var err error
		it, err = b.IO.Hints(ctx)
		if err != nil {
			return fmt.Errorf("%w: reading hints: %v", berrors.ErrIO, err)
		}
	}
	if it == nil {
		return nil
	}

	for i := range plan {
		if plan[i].inherit != nil {
			plan[i].mustRead = false
		}
	}
	for {
		hint, ok, err := it.Next(ctx)
		if err != nil {
			return fmt.Errorf("%w: reading hints: %v", berrors.ErrIO, err)
		}
		if !ok {
			break
		}
		if !hint.Used {
			continue
		}
		startIdx := hint.Offset / cfg.BlockSize
		endIdx := (hint.Offset + hint.Length + cfg.BlockSize - 1) / cfg.BlockSize
		for i := startIdx; i < endIdx && i < int64(len(plan)); i++ {
			if i < 0 {
				continue
			}
			plan[i].mustRead = true
		}
	}
	return nil
}

// counters are incremented by concurrent processBlock workers, so every
// field is touched through sync/atomic; the plain reads in Run happen
// after the errgroup has joined.
type counters struct {
	bytesRead, bytesWritten, bytesDeduplicated, bytesSparse atomic.Int64
}

// resolvedBlocks remembers, for the lifetime of a single Backup.Run call,
// every checksum that has already been resolved to a block_uid, either
// by a pre-existing valid Block row or by a write this run performed.
// Store.FindBlockByChecksum only sees committed rows, and commitLoop only
// commits in batches (or at channel close for short runs), so two blocks
// sharing a checksum can both miss the DB lookup; Guard.Once alone isn't
// enough either, since a singleflight.Group forgets a key the instant
// its first caller returns, so a second block processed afterward would
// start a fresh call and write a duplicate object. Consulting this map
// before falling back to Guard.Once closes that gap and keeps the
// equal-checksum-implies-shared-block_uid guarantee within one run.
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

// stream runs the read/hash/dedup/transform/storage workers and commits
// Block rows in bounded batches: bounded channels, mandatory
// back-pressure, no stage blocking indefinitely on another holding a DB
// transaction.
func (b *Backup) stream(ctx context.Context, logger zerolog.Logger, cfg BackupConfig, version types.Version, plan []blockPlan) (*counters, error) {
	jobs := make(chan blockPlan, cfg.concurrency()*2)
	results := make(chan types.Block, cfg.concurrency()*2)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for _, p := range plan {
			select {
			case jobs <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	c := &counters{}
	resolved := newResolvedBlocks()
	for i := 0; i < cfg.concurrency(); i++ {
		g.Go(func() error {
			for p := range jobs {
				blk, err := b.processBlock(gctx, cfg, version, p, c, resolved)
				if err != nil {
					return err
				}
				select {
				case results <- blk:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	commitErr := make(chan error, 1)
	go func() {
		commitErr <- b.commitLoop(ctx, cfg, int64(len(plan)), results)
	}()

	workerErr := g.Wait()
	close(results)
	if err := <-commitErr; err != nil && workerErr == nil {
		workerErr = err
	}
	return c, workerErr
}

func (b *Backup) processBlock(ctx context.Context, cfg BackupConfig, version types.Version, p blockPlan, c *counters, resolved *resolvedBlocks) (types.Block, error) {
	if !p.mustRead && p.inherit != nil {
		inherited := *p.inherit
		inherited.VersionUID = version.UID
		return inherited, nil
	}

	length := cfg.BlockSize
	if (p.idx+1)*cfg.BlockSize > version.Size {
		length = version.Size - p.idx*cfg.BlockSize
	}
	data, err := b.IO.Read(ctx, p.idx*cfg.BlockSize, length)
	if err != nil {
		return types.Block{}, fmt.Errorf("%w: reading block %d: %v", berrors.ErrIO, p.idx, err)
	}
	c.bytesRead.Add(int64(len(data)))

	if hashindex.AllZero(data) {
		c.bytesSparse.Add(int64(len(data)))
		return types.Block{VersionUID: version.UID, Idx: p.idx, Size: int64(len(data)), Valid: true}, nil
	}

	checksum, err := hashindex.Sum(hashindex.Blake2b256, data)
	if err != nil {
		return types.Block{}, err
	}

	if existing, found, err := b.Store.FindBlockByChecksum(ctx, cfg.StorageName, checksum); err != nil {
		return types.Block{}, err
	} else if found && existing.Valid {
		c.bytesDeduplicated.Add(int64(len(data)))
		resolved.set(checksum, existing.UID)
		return types.Block{VersionUID: version.UID, Idx: p.idx, Size: int64(len(data)), Checksum: checksum, UID: existing.UID, Valid: true}, nil
	}

	if uid, ok := resolved.get(checksum); ok {
		c.bytesDeduplicated.Add(int64(len(data)))
		return types.Block{VersionUID: version.UID, Idx: p.idx, Size: int64(len(data)), Checksum: checksum, UID: uid, Valid: true}, nil
	}

	result, err, _ := b.Guard.Once(checksum, func() (any, error) {
		blockUID, err := b.Store.NextBlockUID(ctx, cfg.StorageName)
		if err != nil {
			return nil, err
		}
		transformed, headers, err := b.Chain.Forward(cfg.Transforms, data)
		if err != nil {
			return nil, err
		}
		sidecar := storageadapter.Sidecar{
			SchemaVersion:    "2.0.0",
			Transforms:       cfg.Transforms,
			OriginalSize:     int64(len(data)),
			TransformedSize:  int64(len(transformed)),
			TransformHeaders: toStringMapMap(headers),
		}
		key := storageadapter.ObjectKey(fmt.Sprintf("blocks/%d-%d", blockUID.Left, blockUID.Right))
		if err := b.Storage.Put(ctx, key, transformed, sidecar); err != nil {
			return nil, err
		}
		return blockUID, nil
	})
	if err != nil {
		return types.Block{}, fmt.Errorf("%w: storing block %d: %v", berrors.ErrStorage, p.idx, err)
	}
	blockUID := result.(types.BlockUID)
	resolved.set(checksum, blockUID)
	c.bytesWritten.Add(int64(len(data)))
	return types.Block{VersionUID: version.UID, Idx: p.idx, Size: int64(len(data)), Checksum: checksum, UID: blockUID, Valid: true}, nil
}

func toStringMapMap(h map[string]transform.Header) map[string]map[string]string {
	out := make(map[string]map[string]string, len(h))
	for k, v := range h {
		out[k] = map[string]string(v)
	}
	return out
}

func (b *Backup) commitLoop(ctx context.Context, cfg BackupConfig, total int64, results <-chan types.Block) error {
	batch := make([]types.Block, 0, cfg.batchSize())
	var committed int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := b.Store.InsertBlocks(ctx, cfg.StorageName, batch); err != nil {
			return err
		}
		committed += int64(len(batch))
		if b.OnProgress != nil {
			b.OnProgress(committed, total)
		}
		batch = batch[:0]
		return nil
	}
	for blk := range results {
		batch = append(batch, blk)
		if len(batch) >= cfg.batchSize() {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}
