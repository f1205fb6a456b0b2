// Package scrub implements the light and deep verification passes:
// light scrub checks existence, sidecar HMAC, and recorded size
// without fetching block data; deep scrub additionally fetches, inverse
// transforms, and recomputes the checksum, optionally comparing against a
// live source. Both propagate invalidity: a corrupt Block atomically
// marks every Version referencing it invalid.
//
// Deep scrub reuses the same fetch-inverse-verify sequence as
// internal/pipeline/restore.go; the batch variants (batch-scrub,
// batch-deep-scrub) make one pass over the matching Versions per call.
package scrub

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"time"

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

// Mode selects light vs. deep verification.
type Mode string

const (
	Light Mode = "light"
	Deep  Mode = "deep"
)

// Config parameterizes one scrub run.
type Config struct {
	Mode            Mode
	BlockPercentage int    // 1-100, default 100; <100 may only downgrade status
	SourceURI       string // optional, Deep only: compare against a live source
}

func (c Config) percentage() int {
	if c.BlockPercentage <= 0 || c.BlockPercentage > 100 {
		return 100
	}
	return c.BlockPercentage
}

// Result summarizes one Version's scrub outcome.
type Result struct {
	VersionUID      string
	BlocksChecked   int64
	BlocksSkipped   int64
	Mismatches      int64
	StatusBefore    types.VersionStatus
	StatusAfter     types.VersionStatus
}

// Scrubber runs light and deep verification against the metadata store
// and storage adapter.
type Scrubber struct {
	Store   metadata.Store
	Storage storageadapter.Adapter
	Chain   *transform.Chain
	IO      *ioadapter.Registry
	Logger  zerolog.Logger
}

// Run scrubs a single Version per cfg.
func (s *Scrubber) Run(ctx context.Context, versionUID string, cfg Config) (Result, error) {
	timer := metrics.NewTimer()
	logger := s.Logger.With().Str("version", versionUID).Str("mode", string(cfg.Mode)).Logger()

	version, err := s.Store.GetVersion(ctx, versionUID)
	if err != nil {
		return Result{}, err
	}
	res := Result{VersionUID: versionUID, StatusBefore: version.Status}

	var source ioadapter.Handle
	if cfg.Mode == Deep && cfg.SourceURI != "" {
		source, err = s.IO.Open(ctx, cfg.SourceURI, ioadapter.ModeRead)
		if err != nil {
			return Result{}, fmt.Errorf("opening compare source: %w", err)
		}
		defer source.Close()
	}

	it, err := s.Store.StreamBlocks(ctx, versionUID)
	if err != nil {
		return Result{}, fmt.Errorf("streaming blocks: %w", err)
	}
	defer it.Close()

	sample := cfg.percentage()
	allValid := true
	for {
		blk, ok, err := it.Next(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		if blk.Sparse() {
			continue
		}
		if sample < 100 && rand.Intn(100) >= sample {
			res.BlocksSkipped++
			continue
		}

		ok, err = s.checkBlock(ctx, &logger, version, blk, cfg, source, sample == 100)
		res.BlocksChecked++
		if err != nil {
			return res, err
		}
		if !ok {
			res.Mismatches++
			allValid = false
		}
	}

	res.StatusAfter = res.StatusBefore
	// Only a full (100%) deep-scrub may restore invalid -> valid; any
	// other run may only downgrade.
	if !allValid {
		res.StatusAfter = types.VersionInvalid
	} else if cfg.Mode == Deep && sample == 100 && res.StatusBefore == types.VersionInvalid {
		version.Status = types.VersionValid
		if err := s.Store.UpdateVersion(ctx, version); err != nil {
			return res, err
		}
		res.StatusAfter = types.VersionValid
	}

	outcome := "ok"
	if res.Mismatches > 0 {
		outcome = "mismatch"
	}
	metrics.ScrubCyclesTotal.WithLabelValues(string(cfg.Mode), outcome).Inc()
	timer.ObserveDuration(metrics.ScrubDuration)
	logger.Info().Int64("checked", res.BlocksChecked).Int64("mismatches", res.Mismatches).Msg("scrub completed")
	return res, nil
}

// checkBlock verifies one Block and returns false (having already marked
// it and its versions invalid) on any integrity failure. A passing deep
// check during a full run also clears a previously-recorded invalid flag
// on the block, which is what lets a 100% deep-scrub restore
// invalid -> valid.
func (s *Scrubber) checkBlock(ctx context.Context, logger *zerolog.Logger, version types.Version, blk types.Block, cfg Config, source ioadapter.Handle, fullRun bool) (bool, error) {
	sidecar, err := s.Storage.GetMetadata(ctx, blockKey(blk.UID))
	if err != nil {
		return s.fail(ctx, logger, blk, fmt.Errorf("%w: block %d: %v", berrors.ErrStorageIntegrity, blk.Idx, err))
	}

	if cfg.Mode == Light {
		storedSize, err := s.Storage.Stat(ctx, blockKey(blk.UID))
		if err != nil {
			return s.fail(ctx, logger, blk, fmt.Errorf("%w: block %d: %v", berrors.ErrStorageIntegrity, blk.Idx, err))
		}
		if storedSize != sidecar.TransformedSize {
			return s.fail(ctx, logger, blk, fmt.Errorf("%w: block %d stored size %d does not match sidecar %d",
				berrors.ErrStorageIntegrity, blk.Idx, storedSize, sidecar.TransformedSize))
		}
		return true, nil
	}

	raw, fullSidecar, err := s.Storage.Get(ctx, blockKey(blk.UID))
	if err != nil {
		return s.fail(ctx, logger, blk, fmt.Errorf("%w: fetching block %d: %v", berrors.ErrStorageIntegrity, blk.Idx, err))
	}
	headers := make(map[string]transform.Header, len(fullSidecar.TransformHeaders))
	for name, fields := range fullSidecar.TransformHeaders {
		headers[name] = transform.Header(fields)
	}
	plaintext, err := s.Chain.Inverse(fullSidecar.Transforms, headers, raw)
	if err != nil {
		return s.fail(ctx, logger, blk, fmt.Errorf("%w: inverse-transforming block %d: %v", berrors.ErrTransform, blk.Idx, err))
	}
	checksum, err := hashindex.Sum(hashindex.Blake2b256, plaintext)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(checksum, blk.Checksum) {
		return s.fail(ctx, logger, blk, fmt.Errorf("%w: block %d checksum mismatch", berrors.ErrStorageIntegrity, blk.Idx))
	}

	if source != nil {
		live, err := source.Read(ctx, blk.Idx*version.BlockSize, blk.Size)
		if err != nil {
			return false, fmt.Errorf("%w: reading compare source at block %d: %v", berrors.ErrIO, blk.Idx, err)
		}
		if !bytes.Equal(live, plaintext) {
			return s.fail(ctx, logger, blk, fmt.Errorf("%w: block %d differs from live source", berrors.ErrStorageIntegrity, blk.Idx))
		}
	}

	if fullRun && !blk.Valid {
		if err := s.Store.MarkBlockValid(ctx, blk.UID); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Scrubber) fail(ctx context.Context, logger *zerolog.Logger, blk types.Block, cause error) (bool, error) {
	logger.Error().Err(cause).Int64("block_idx", blk.Idx).Msg("scrub found corrupt block")
	if _, err := s.Store.MarkBlockInvalid(ctx, blk.UID); err != nil {
		return false, fmt.Errorf("marking block %d invalid after %v: %w", blk.Idx, cause, err)
	}
	return false, nil
}

func blockKey(uid types.BlockUID) storageadapter.ObjectKey {
	return storageadapter.ObjectKey(fmt.Sprintf("blocks/%d-%d", uid.Left, uid.Right))
}

// BatchConfig parameterizes batch-scrub/batch-deep-scrub: scrub every
// Version matching Filter, sampling VersionPercentage of them.
type BatchConfig struct {
	Filter            string
	VersionPercentage int
	ScrubConfig       Config
}

func (c BatchConfig) versionPercentage() int {
	if c.VersionPercentage <= 0 || c.VersionPercentage > 100 {
		return 100
	}
	return c.VersionPercentage
}

// RunBatch scrubs every Version matching cfg.Filter, sampled by
// VersionPercentage, returning one Result per Version actually scrubbed.
func (s *Scrubber) RunBatch(ctx context.Context, now time.Time, cfg BatchConfig) ([]Result, error) {
	it, err := s.Store.ListVersions(ctx, metadata.VersionFilter{Expression: cfg.Filter})
	if err != nil {
		return nil, fmt.Errorf("listing versions for batch scrub: %w", err)
	}
	defer it.Close()

	sample := cfg.versionPercentage()
	var results []Result
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			return results, err
		}
		if !ok {
			break
		}
		if sample < 100 && rand.Intn(100) >= sample {
			continue
		}
		res, err := s.Run(ctx, v.UID, cfg.ScrubConfig)
		if err != nil {
			return results, fmt.Errorf("scrubbing version %s: %w", v.UID, err)
		}
		results = append(results, res)
	}
	return results, nil
}
