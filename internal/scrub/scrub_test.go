package scrub

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/benji-backup/benji/internal/hashindex"
	"github.com/benji-backup/benji/internal/ioadapter"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/storageadapter"
	"github.com/benji-backup/benji/internal/transform"
	"github.com/benji-backup/benji/internal/types"
)

func newTestScrubber(t *testing.T) (*Scrubber, metadata.Store, storageadapter.Adapter) {
	t.Helper()
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	s := &Scrubber{
		Store:   store,
		Storage: storage,
		Chain:   transform.NewChain(),
		IO:      ioadapter.NewRegistry(),
		Logger:  zerolog.Nop(),
	}
	return s, store, storage
}

func seedValidBlock(t *testing.T, store metadata.Store, storage storageadapter.Adapter, versionUID string, idx int64, plaintext []byte) types.BlockUID {
	t.Helper()
	ctx := context.Background()
	checksum, err := hashindex.Sum(hashindex.Blake2b256, plaintext)
	require.NoError(t, err)
	uid := types.BlockUID{Left: idx, Right: 1}

	err = storage.Put(ctx, blockKey(uid), plaintext, storageadapter.Sidecar{OriginalSize: int64(len(plaintext)), TransformedSize: int64(len(plaintext))})
	require.NoError(t, err)

	blk := types.Block{VersionUID: versionUID, Idx: idx, UID: uid, Size: int64(len(plaintext)), Checksum: checksum, Valid: true}
	require.NoError(t, store.InsertBlocks(ctx, "default", []types.Block{blk}))
	return uid
}

func TestRun_LightScrubPassesOnIntactSidecar(t *testing.T) {
	s, store, storage := newTestScrubber(t)
	ctx := context.Background()
	now := time.Now().UTC()
	v := types.Version{UID: "v1", Volume: "vol", Storage: "default", BlockSize: 4096, Status: types.VersionValid, Date: now}
	require.NoError(t, store.CreateVersion(ctx, v))
	seedValidBlock(t, store, storage, "v1", 0, []byte("hello world"))

	res, err := s.Run(ctx, "v1", Config{Mode: Light})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.BlocksChecked)
	require.Equal(t, int64(0), res.Mismatches)
	require.Equal(t, types.VersionValid, res.StatusAfter)
}

func TestRun_DeepScrubDetectsCorruption(t *testing.T) {
	s, store, storage := newTestScrubber(t)
	ctx := context.Background()
	now := time.Now().UTC()
	v := types.Version{UID: "v1", Volume: "vol", Storage: "default", BlockSize: 4096, Status: types.VersionValid, Date: now}
	require.NoError(t, store.CreateVersion(ctx, v))
	uid := seedValidBlock(t, store, storage, "v1", 0, []byte("hello world"))

	// Corrupt the stored object directly, bypassing the checksum that was
	// computed over the original plaintext.
	require.NoError(t, storage.Put(ctx, blockKey(uid), []byte("TAMPERED!!!"), storageadapter.Sidecar{OriginalSize: 11, TransformedSize: 11}))

	res, err := s.Run(ctx, "v1", Config{Mode: Deep})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Mismatches)
	require.Equal(t, types.VersionInvalid, res.StatusAfter)

	updated, err := store.GetVersion(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, types.VersionInvalid, updated.Status)
}

func TestRun_DeepScrubRestoresValidOnFullPass(t *testing.T) {
	s, store, storage := newTestScrubber(t)
	ctx := context.Background()
	now := time.Now().UTC()
	v := types.Version{UID: "v1", Volume: "vol", Storage: "default", BlockSize: 4096, Status: types.VersionInvalid, Date: now}
	require.NoError(t, store.CreateVersion(ctx, v))
	seedValidBlock(t, store, storage, "v1", 0, []byte("hello world"))

	res, err := s.Run(ctx, "v1", Config{Mode: Deep, BlockPercentage: 100})
	require.NoError(t, err)
	require.Equal(t, types.VersionValid, res.StatusAfter)
}

func TestRunBatch_ScrubsEveryMatchingVersion(t *testing.T) {
	s, store, storage := newTestScrubber(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, uid := range []string{"v1", "v2"} {
		v := types.Version{UID: uid, Volume: "vol", Storage: "default", BlockSize: 4096, Status: types.VersionValid, Date: now}
		require.NoError(t, store.CreateVersion(ctx, v))
		seedValidBlock(t, store, storage, uid, int64(i), []byte("payload-"+uid))
	}

	results, err := s.RunBatch(ctx, now, BatchConfig{ScrubConfig: Config{Mode: Light}})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestRun_FullDeepScrubRevalidatesBlocks(t *testing.T) {
	s, store, storage := newTestScrubber(t)
	ctx := context.Background()
	v := types.Version{UID: "v1", Volume: "vol", Storage: "default", BlockSize: 4096, Status: types.VersionValid, Date: time.Now().UTC()}
	require.NoError(t, store.CreateVersion(ctx, v))
	uid := seedValidBlock(t, store, storage, "v1", 0, []byte("hello world"))

	// A previous scrub flagged the block (and so the version), but the
	// stored object itself is intact.
	_, err := store.MarkBlockInvalid(ctx, uid)
	require.NoError(t, err)

	res, err := s.Run(ctx, "v1", Config{Mode: Deep, BlockPercentage: 100})
	require.NoError(t, err)
	require.Equal(t, types.VersionValid, res.StatusAfter)

	blk, err := store.GetBlock(ctx, "v1", 0)
	require.NoError(t, err)
	require.True(t, blk.Valid)
}
