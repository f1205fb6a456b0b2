package nbd

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benji-backup/benji/internal/hashindex"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/storageadapter"
	"github.com/benji-backup/benji/internal/transform"
	"github.com/benji-backup/benji/internal/types"
)

func TestCOWStore_WriteReadDirtyIndices(t *testing.T) {
	store, err := NewCOWStore(filepath.Join(t.TempDir(), "cow.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	const cowUID = "sess1"
	_, ok := store.Read(cowUID, 0)
	require.False(t, ok)

	require.NoError(t, store.Write(cowUID, 3, []byte("c")))
	require.NoError(t, store.Write(cowUID, 1, []byte("a")))
	require.NoError(t, store.Write(cowUID, 2, []byte("b")))

	data, ok := store.Read(cowUID, 1)
	require.True(t, ok)
	require.Equal(t, []byte("a"), data)

	idxs, err := store.DirtyIndices(cowUID)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, idxs)
}

func TestCOWStore_DiscardDropsSession(t *testing.T) {
	store, err := NewCOWStore(filepath.Join(t.TempDir(), "cow.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Write("sess1", 0, []byte("x")))
	require.NoError(t, store.Discard("sess1"))

	idxs, err := store.DirtyIndices("sess1")
	require.NoError(t, err)
	require.Empty(t, idxs)
}

func TestFixator_Fixate_InheritsCleanBlocksAndCommitsDirty(t *testing.T) {
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	cow, err := NewCOWStore(filepath.Join(t.TempDir(), "cow.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { cow.Close() })

	now := time.Now().UTC()
	orig := types.Version{UID: "orig", Volume: "vol", Storage: "default", BlockSize: 4, Status: types.VersionValid, Date: now}
	require.NoError(t, store.CreateVersion(ctx, orig))

	cleanPlaintext := []byte("data")
	cleanChecksum, err := hashindex.Sum(hashindex.Blake2b256, cleanPlaintext)
	require.NoError(t, err)
	cleanUID := types.BlockUID{Left: 1, Right: 1}
	require.NoError(t, storage.Put(ctx, storageadapter.ObjectKey("blocks/1-1"), cleanPlaintext, storageadapter.Sidecar{OriginalSize: 4, TransformedSize: 4}))
	require.NoError(t, store.InsertBlocks(ctx, "default", []types.Block{
		{VersionUID: "orig", Idx: 0, UID: cleanUID, Size: 4, Checksum: cleanChecksum, Valid: true},
	}))

	const cowUID = "cow1"
	require.NoError(t, cow.Write(cowUID, 1, []byte("NEW!")))

	f := &Fixator{Store: store, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), COW: cow}
	fixed, err := f.Fixate(ctx, orig, cowUID, nil, now)
	require.NoError(t, err)
	require.Equal(t, types.VersionValid, fixed.Status)
	require.True(t, fixed.Protected)

	it, err := store.StreamBlocks(ctx, cowUID)
	require.NoError(t, err)
	defer it.Close()

	var blocks []types.Block
	for {
		b, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		blocks = append(blocks, b)
	}
	require.Len(t, blocks, 2)

	byIdx := map[int64]types.Block{}
	for _, b := range blocks {
		byIdx[b.Idx] = b
	}
	require.Equal(t, cleanUID, byIdx[0].UID, "untouched index must inherit the original block's uid verbatim")
	require.NotEqual(t, types.BlockUID{}, byIdx[1].UID)

	dirtyKey := storageadapter.ObjectKey(fmt.Sprintf("blocks/%d-%d", byIdx[1].UID.Left, byIdx[1].UID.Right))
	dirtyData, _, err := storage.Get(ctx, dirtyKey)
	require.NoError(t, err)
	require.Equal(t, []byte("NEW!"), dirtyData)
}

func TestFixator_Fixate_IdenticalDirtyBlocksShareBlockUID(t *testing.T) {
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	cow, err := NewCOWStore(filepath.Join(t.TempDir(), "cow.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { cow.Close() })

	now := time.Now().UTC()
	orig := types.Version{UID: "orig", Volume: "vol", Storage: "default", BlockSize: 4, Status: types.VersionValid, Date: now}
	require.NoError(t, store.CreateVersion(ctx, orig))
	require.NoError(t, store.InsertBlocks(ctx, "default", []types.Block{
		{VersionUID: "orig", Idx: 0, Size: 4, Valid: true},
		{VersionUID: "orig", Idx: 1, Size: 4, Valid: true},
	}))

	// Both writes dirty a different index with the same four bytes, so
	// fixation must assign them the same block_uid even
	// though neither block is committed to the metadata store until
	// after both have been processed by the same sequential fixation
	// loop.
	const cowUID = "cow2"
	require.NoError(t, cow.Write(cowUID, 0, []byte("DUPE")))
	require.NoError(t, cow.Write(cowUID, 1, []byte("DUPE")))

	f := &Fixator{Store: store, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), COW: cow}
	fixed, err := f.Fixate(ctx, orig, cowUID, nil, now)
	require.NoError(t, err)

	it, err := store.StreamBlocks(ctx, fixed.UID)
	require.NoError(t, err)
	defer it.Close()

	byIdx := map[int64]types.Block{}
	for {
		b, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		byIdx[b.Idx] = b
	}
	require.Len(t, byIdx, 2)
	require.Equal(t, byIdx[0].UID, byIdx[1].UID, "identical dirtied blocks must share one block_uid")
	require.NotEqual(t, types.BlockUID{}, byIdx[0].UID)
}
