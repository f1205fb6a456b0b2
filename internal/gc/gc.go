// Package gc implements two-phase deletion: removing a Version is
// logical (row delete plus a DeletionCandidate per referenced
// block_uid); physical deletion happens later in Cleanup, once a
// candidate has aged past the grace window, closing the race against a
// concurrent backup that might have just reused the same block by
// checksum. Cleanup also supports a full orphan sweep that enumerates
// every object on a Storage and removes anything no surviving Block
// references.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/metrics"
	"github.com/benji-backup/benji/internal/storageadapter"
	"github.com/benji-backup/benji/internal/types"
)

// DefaultGraceWindow is the default grace window, an hour; callers pass
// the window actually used to Cleanup (the `cleanup --grace` flag). An
// hour is long enough that a deletion candidate proposed just before a
// backup started won't be swept before that backup finishes.
const DefaultGraceWindow = time.Hour

// GC removes Versions and sweeps their blocks after the grace window.
type GC struct {
	Store             metadata.Store
	Storage           storageadapter.Adapter
	StorageName       string
	Logger            zerolog.Logger
	SimultaneousRemovals int
}

func (g *GC) removalWorkers() int {
	if g.SimultaneousRemovals <= 0 {
		return 4
	}
	return g.SimultaneousRemovals
}

// Remove performs `rm`: it enforces disallowRemoveWhenYounger and
// protected-version policy, deletes the Version/Block
// rows, and enqueues every referenced block_uid as a DeletionCandidate.
func (g *GC) Remove(ctx context.Context, versionUID string, now time.Time, disallowYounger time.Duration, force bool) error {
	version, err := g.Store.GetVersion(ctx, versionUID)
	if err != nil {
		return err
	}
	if version.Protected {
		return fmt.Errorf("%w: version %s is protected", berrors.ErrPolicyViolation, versionUID)
	}
	if !force && now.Sub(version.Date) < disallowYounger {
		return fmt.Errorf("%w: version %s is younger than %s", berrors.ErrPolicyViolation, versionUID, disallowYounger)
	}

	it, err := g.Store.StreamBlocks(ctx, versionUID)
	if err != nil {
		return fmt.Errorf("streaming blocks for removal: %w", err)
	}
	var uids []types.BlockUID
	for {
		blk, ok, err := it.Next(ctx)
		if err != nil {
			it.Close()
			return err
		}
		if !ok {
			break
		}
		if !blk.Sparse() {
			uids = append(uids, blk.UID)
		}
	}
	it.Close()

	if err := g.Store.DeleteVersion(ctx, versionUID); err != nil {
		return fmt.Errorf("deleting version row: %w", err)
	}
	for _, uid := range uids {
		if err := g.Store.EnqueueDeletionCandidate(ctx, g.StorageName, uid, now); err != nil {
			return fmt.Errorf("enqueueing deletion candidate for %v: %w", uid, err)
		}
	}
	g.Logger.Info().Str("version", versionUID).Int("candidates", len(uids)).Msg("version removed, blocks queued for cleanup")
	return nil
}

// CleanupResult reports what a Cleanup pass did.
type CleanupResult struct {
	CandidatesExamined int
	ObjectsDeleted      int
	StillReferenced     int
}

// Cleanup iterates DeletionCandidates older than grace, physically
// deleting data+sidecar for any whose reference count has dropped to
// zero, batched by SimultaneousRemovals. It is idempotent and safe to
// restart.
func (g *GC) Cleanup(ctx context.Context, now time.Time, grace time.Duration) (CleanupResult, error) {
	timer := metrics.NewTimer()
	cutoff := now.Add(-grace)
	candidates, err := g.Store.DeletionCandidatesOlderThan(ctx, g.StorageName, cutoff)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("listing deletion candidates: %w", err)
	}

	var res CleanupResult
	res.CandidatesExamined = len(candidates)

	jobs := make(chan types.DeletionCandidate)
	g2, gctx := errgroup.WithContext(ctx)
	g2.Go(func() error {
		defer close(jobs)
		for _, c := range candidates {
			select {
			case jobs <- c:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	type outcome struct {
		deleted    bool
		referenced bool
	}
	outcomes := make(chan outcome, len(candidates))
	for i := 0; i < g.removalWorkers(); i++ {
		g2.Go(func() error {
			for c := range jobs {
				n, err := g.Store.CountReferences(gctx, c.BlockUID)
				if err != nil {
					return err
				}
				if n > 0 {
					outcomes <- outcome{referenced: true}
					continue
				}
				key := blockKey(c.BlockUID)
				if err := g.Storage.Delete(gctx, key); err != nil {
					return fmt.Errorf("%w: deleting object %v: %v", berrors.ErrStorage, c.BlockUID, err)
				}
				if err := g.Store.RemoveDeletionCandidate(gctx, g.StorageName, c.BlockUID); err != nil {
					return fmt.Errorf("removing deletion candidate %v: %w", c.BlockUID, err)
				}
				outcomes <- outcome{deleted: true}
			}
			return nil
		})
	}

	if err := g2.Wait(); err != nil {
		return res, err
	}
	close(outcomes)
	for o := range outcomes {
		if o.deleted {
			res.ObjectsDeleted++
		}
		if o.referenced {
			res.StillReferenced++
		}
	}

	metrics.ObjectsDeletedTotal.Add(float64(res.ObjectsDeleted))
	metrics.CleanupCyclesTotal.Inc()
	timer.ObserveDuration(metrics.CleanupDuration)
	g.Logger.Info().Int("examined", res.CandidatesExamined).Int("deleted", res.ObjectsDeleted).Msg("cleanup completed")
	return res, nil
}

// FullSweep enumerates every object under the "blocks/" prefix on the
// Storage and removes any whose block_uid has zero live references: the
// orphan-sweep variant of cleanup, independent of the deletion-candidate
// queue.
func (g *GC) FullSweep(ctx context.Context) (CleanupResult, error) {
	it, err := g.Storage.List(ctx, "blocks/")
	if err != nil {
		return CleanupResult{}, fmt.Errorf("listing storage objects: %w", err)
	}
	var res CleanupResult
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		uid, ok := parseBlockKey(entry.Key)
		if !ok {
			continue
		}
		res.CandidatesExamined++
		n, err := g.Store.CountReferences(ctx, uid)
		if err != nil {
			return res, err
		}
		if n > 0 {
			res.StillReferenced++
			continue
		}
		if err := g.Storage.Delete(ctx, entry.Key); err != nil {
			return res, fmt.Errorf("%w: deleting orphan object %v: %v", berrors.ErrStorage, uid, err)
		}
		res.ObjectsDeleted++
	}
	return res, nil
}

func blockKey(uid types.BlockUID) storageadapter.ObjectKey {
	return storageadapter.ObjectKey(fmt.Sprintf("blocks/%d-%d", uid.Left, uid.Right))
}

func parseBlockKey(key storageadapter.ObjectKey) (types.BlockUID, bool) {
	var left, right int64
	_, err := fmt.Sscanf(string(key), "blocks/%d-%d", &left, &right)
	if err != nil {
		return types.BlockUID{}, false
	}
	return types.BlockUID{Left: left, Right: right}, true
}
