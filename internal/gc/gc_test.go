package gc

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/storageadapter"
	"github.com/benji-backup/benji/internal/types"
)

func newTestGC(t *testing.T) (*GC, metadata.Store, storageadapter.Adapter) {
	t.Helper()
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	g := &GC{Store: store, Storage: storage, StorageName: "default", Logger: zerolog.Nop()}
	return g, store, storage
}

func putBlock(t *testing.T, storage storageadapter.Adapter, uid types.BlockUID) {
	t.Helper()
	ctx := context.Background()
	key := blockKey(uid)
	require.NoError(t, storage.Put(ctx, key, []byte("payload"), storageadapter.Sidecar{OriginalSize: 7, TransformedSize: 7}))
}

func TestRemove_ProtectedVersionRefused(t *testing.T) {
	g, store, _ := newTestGC(t)
	ctx := context.Background()
	v := types.Version{UID: "v1", Volume: "vol", Storage: "default", Date: time.Now().UTC(), Protected: true}
	require.NoError(t, store.CreateVersion(ctx, v))

	err := g.Remove(ctx, "v1", time.Now().UTC(), 0, false)
	require.Error(t, err)
}

func TestRemove_YoungerThanDisallowRefusedUnlessForced(t *testing.T) {
	g, store, _ := newTestGC(t)
	ctx := context.Background()
	now := time.Now().UTC()
	v := types.Version{UID: "v1", Volume: "vol", Storage: "default", Date: now}
	require.NoError(t, store.CreateVersion(ctx, v))

	err := g.Remove(ctx, "v1", now, 6*24*time.Hour, false)
	require.Error(t, err)

	err = g.Remove(ctx, "v1", now, 6*24*time.Hour, true)
	require.NoError(t, err)
}

func TestRemove_EnqueuesDeletionCandidatesForNonSparseBlocks(t *testing.T) {
	g, store, _ := newTestGC(t)
	ctx := context.Background()
	now := time.Now().UTC()
	v := types.Version{UID: "v1", Volume: "vol", Storage: "default", Date: now.Add(-7 * 24 * time.Hour)}
	require.NoError(t, store.CreateVersion(ctx, v))

	uid := types.BlockUID{Left: 1, Right: 1}
	blocks := []types.Block{
		{VersionUID: "v1", Idx: 0, UID: uid, Size: 4, Checksum: []byte{1, 2, 3, 4}},
		{VersionUID: "v1", Idx: 1, Size: 4}, // sparse: zero UID and checksum
	}
	require.NoError(t, store.InsertBlocks(ctx, "default", blocks))

	require.NoError(t, g.Remove(ctx, "v1", now, 6*24*time.Hour, false))

	_, err := store.GetVersion(ctx, "v1")
	require.Error(t, err, "version row should be gone after Remove")

	candidates, err := store.DeletionCandidatesOlderThan(ctx, "default", now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, uid, candidates[0].BlockUID)
}

func TestCleanup_DeletesUnreferencedCandidatesPastGrace(t *testing.T) {
	g, store, storage := newTestGC(t)
	ctx := context.Background()
	now := time.Now().UTC()

	uid := types.BlockUID{Left: 1, Right: 1}
	putBlock(t, storage, uid)
	require.NoError(t, store.EnqueueDeletionCandidate(ctx, "default", uid, now.Add(-2*time.Hour)))

	res, err := g.Cleanup(ctx, now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, res.CandidatesExamined)
	require.Equal(t, 1, res.ObjectsDeleted)
	require.Equal(t, 0, res.StillReferenced)

	_, _, err = storage.Get(ctx, blockKey(uid))
	require.Error(t, err)
}

func TestCleanup_SkipsCandidatesWithinGrace(t *testing.T) {
	g, store, _ := newTestGC(t)
	ctx := context.Background()
	now := time.Now().UTC()

	uid := types.BlockUID{Left: 2, Right: 2}
	require.NoError(t, store.EnqueueDeletionCandidate(ctx, "default", uid, now))

	res, err := g.Cleanup(ctx, now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, res.CandidatesExamined)
}

func TestCleanup_StillReferencedCandidateNotDeleted(t *testing.T) {
	g, store, storage := newTestGC(t)
	ctx := context.Background()
	now := time.Now().UTC()

	uid := types.BlockUID{Left: 3, Right: 3}
	putBlock(t, storage, uid)
	v := types.Version{UID: "v1", Volume: "vol", Storage: "default", Date: now}
	require.NoError(t, store.CreateVersion(ctx, v))
	require.NoError(t, store.InsertBlocks(ctx, "default", []types.Block{
		{VersionUID: "v1", Idx: 0, UID: uid, Size: 4, Checksum: []byte{1, 2, 3, 4}},
	}))
	require.NoError(t, store.EnqueueDeletionCandidate(ctx, "default", uid, now.Add(-2*time.Hour)))

	res, err := g.Cleanup(ctx, now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, res.StillReferenced)
	require.Equal(t, 0, res.ObjectsDeleted)

	_, _, err = storage.Get(ctx, blockKey(uid))
	require.NoError(t, err, "referenced object must survive cleanup")
}

func TestFullSweep_RemovesOrphanObjects(t *testing.T) {
	g, _, storage := newTestGC(t)
	ctx := context.Background()

	orphan := types.BlockUID{Left: 9, Right: 9}
	putBlock(t, storage, orphan)

	res, err := g.FullSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.CandidatesExamined)
	require.Equal(t, 1, res.ObjectsDeleted)

	_, _, err = storage.Get(ctx, blockKey(orphan))
	require.Error(t, err)
}
