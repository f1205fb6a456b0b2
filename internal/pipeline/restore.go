package pipeline

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/hashindex"
	"github.com/benji-backup/benji/internal/ioadapter"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/metrics"
	"github.com/benji-backup/benji/internal/storageadapter"
	"github.com/benji-backup/benji/internal/transform"
	"github.com/benji-backup/benji/internal/types"
)

// RestoreConfig parameterizes one restore run.
type RestoreConfig struct {
	VersionUID   string
	Sparse       bool // skip writing zero bytes for sparse blocks
	Force        bool // overwrite a non-empty destination
	DatabaseLess bool // import version-metadata from storage instead of the metadata store
}

// RestoreCounters are reported back to the caller but never persisted
// on the Version row.
type RestoreCounters struct {
	BytesRead    int64
	BytesWritten int64
	Mismatches   int64
}

// Restore streams a Version's blocks from storage onto a destination IO
// handle. A checksum mismatch marks the Block and every Version
// referencing it invalid, logs, and continues: restore is best-effort,
// not transactional.
type Restore struct {
	Store   metadata.Store
	IO      ioadapter.Handle
	Storage storageadapter.Adapter
	Chain   *transform.Chain
	Logger  zerolog.Logger
}

func (r *Restore) Run(ctx context.Context, cfg RestoreConfig) (RestoreCounters, error) {
	timer := metrics.NewTimer()
	logger := r.Logger.With().Str("version", cfg.VersionUID).Logger()

	store := r.Store
	if cfg.DatabaseLess {
		imported, err := ImportDatabaseLess(ctx, r.Storage, r.Chain, cfg.VersionUID)
		if err != nil {
			return RestoreCounters{}, err
		}
		store = imported
		defer imported.Close()
	}

	version, err := store.GetVersion(ctx, cfg.VersionUID)
	if err != nil {
		return RestoreCounters{}, err
	}

	destSize, err := r.IO.Size(ctx)
	if err != nil {
		return RestoreCounters{}, fmt.Errorf("%w: sizing destination: %v", berrors.ErrIO, err)
	}
	if destSize > 0 && !cfg.Force {
		return RestoreCounters{}, fmt.Errorf("%w: destination is not empty, use --force to overwrite", berrors.ErrPolicyViolation)
	}
	if cfg.Sparse {
		// Discard the whole extent up front so the sparse skips below leave
		// the covered regions unmapped (thin targets) or hole-punched (files).
		if err := r.IO.Discard(ctx, 0, version.Size); err != nil {
			return RestoreCounters{}, fmt.Errorf("%w: discarding destination extent: %v", berrors.ErrIO, err)
		}
	}

	it, err := store.StreamBlocks(ctx, cfg.VersionUID)
	if err != nil {
		return RestoreCounters{}, fmt.Errorf("streaming blocks: %w", err)
	}
	defer it.Close()

	var c RestoreCounters
	for {
		blk, ok, err := it.Next(ctx)
		if err != nil {
			return c, err
		}
		if !ok {
			break
		}

		offset := blk.Idx * version.BlockSize
		if blk.Sparse() {
			if cfg.Sparse {
				continue
			}
			zeros := make([]byte, blk.Size)
			if err := r.IO.Write(ctx, offset, zeros); err != nil {
				return c, fmt.Errorf("%w: writing sparse block %d: %v", berrors.ErrIO, blk.Idx, err)
			}
			c.BytesWritten += blk.Size
			continue
		}

		if err := r.restoreBlock(ctx, store, &logger, version, blk, offset, &c); err != nil {
			return c, err
		}
	}

	timer.ObserveDuration(metrics.RestoreDuration)
	logger.Info().Int64("bytes_written", c.BytesWritten).Int64("mismatches", c.Mismatches).Msg("restore completed")
	return c, nil
}

func (r *Restore) restoreBlock(ctx context.Context, store metadata.Store, logger *zerolog.Logger, version types.Version, blk types.Block, offset int64, c *RestoreCounters) error {
	key := storageadapter.ObjectKey(fmt.Sprintf("blocks/%d-%d", blk.UID.Left, blk.UID.Right))
	raw, sidecar, err := r.Storage.Get(ctx, key)
	if err != nil {
		return r.markCorrupt(ctx, store, logger, blk, fmt.Errorf("%w: fetching block %d: %v", berrors.ErrStorage, blk.Idx, err))
	}
	c.BytesRead += int64(len(raw))

	plaintext, err := r.Chain.Inverse(sidecar.Transforms, nilHeaders(sidecar), raw)
	if err != nil {
		return r.markCorrupt(ctx, store, logger, blk, fmt.Errorf("%w: inverse-transforming block %d: %v", berrors.ErrTransform, blk.Idx, err))
	}

	checksum, err := hashindex.Sum(hashindex.Blake2b256, plaintext)
	if err != nil {
		return err
	}
	if !bytes.Equal(checksum, blk.Checksum) {
		c.Mismatches++
		return r.markCorrupt(ctx, store, logger, blk, fmt.Errorf("%w: block %d checksum mismatch", berrors.ErrStorageIntegrity, blk.Idx))
	}

	if err := r.IO.Write(ctx, offset, plaintext); err != nil {
		return fmt.Errorf("%w: writing block %d: %v", berrors.ErrIO, blk.Idx, err)
	}
	c.BytesWritten += int64(len(plaintext))
	return nil
}

// markCorrupt logs, marks the block and every referencing Version
// invalid in the store this restore actually runs against (the imported
// in-memory one in database-less mode), then returns nil so the caller
// continues past it: restore only aborts on IO errors writing to the
// destination, never on a corrupt source block.
func (r *Restore) markCorrupt(ctx context.Context, store metadata.Store, logger *zerolog.Logger, blk types.Block, cause error) error {
	logger.Error().Err(cause).Int64("block_idx", blk.Idx).Msg("block failed verification, marking invalid")
	if _, err := store.MarkBlockInvalid(ctx, blk.UID); err != nil {
		return fmt.Errorf("marking block %d invalid after %v: %w", blk.Idx, cause, err)
	}
	return nil
}

func nilHeaders(sidecar storageadapter.Sidecar) map[string]transform.Header {
	headers := make(map[string]transform.Header, len(sidecar.TransformHeaders))
	for name, fields := range sidecar.TransformHeaders {
		headers[name] = transform.Header(fields)
	}
	return headers
}
