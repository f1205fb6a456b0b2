package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/hashindex"
	"github.com/benji-backup/benji/internal/ioadapter"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/storageadapter"
	"github.com/benji-backup/benji/internal/transform"
	"github.com/benji-backup/benji/internal/types"
)

func newSourceFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.img")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func openSource(t *testing.T, path string) ioadapter.Handle {
	t.Helper()
	h, err := ioadapter.NewFileAdapter().Open(context.Background(), "file:"+path, ioadapter.ModeRead)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestBackup_Run_FullBackupWritesBlocksAndMetadata(t *testing.T) {
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	content := make([]byte, 8)
	copy(content, "ABCDEFGH")
	source := openSource(t, newSourceFile(t, content))

	b := &Backup{Store: store, IO: source, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	version, err := b.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 4})
	require.NoError(t, err)
	require.Equal(t, int64(8), version.BytesRead)
	require.Equal(t, int64(8), version.BytesWritten)

	var blocks int
	it, err := store.StreamBlocks(ctx, version.UID)
	require.NoError(t, err)
	defer it.Close()
	for {
		_, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		blocks++
	}
	require.Equal(t, 2, blocks)

	raw, _, err := storage.Get(ctx, metadataObjectKey(version.UID))
	require.NoError(t, err)
	require.NotEmpty(t, raw, "WriteVersionMetadata must have stored a version-metadata document")
}

func TestBackup_Run_SparseBlockSkipsStorage(t *testing.T) {
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	content := make([]byte, 4) // all-zero: sparse
	source := openSource(t, newSourceFile(t, content))

	b := &Backup{Store: store, IO: source, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	version, err := b.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 4})
	require.NoError(t, err)
	require.Equal(t, int64(4), version.BytesSparse)
	require.Equal(t, int64(0), version.BytesWritten)
}

func TestBackup_Run_IdenticalBlocksAcrossRunsDeduplicate(t *testing.T) {
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	content := []byte("REPEATED")
	source1 := openSource(t, newSourceFile(t, content))

	b := &Backup{Store: store, IO: source1, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	_, err = b.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 8})
	require.NoError(t, err)

	source2 := openSource(t, newSourceFile(t, content))
	b2 := &Backup{Store: store, IO: source2, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	version2, err := b2.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 8})
	require.NoError(t, err)
	require.Equal(t, int64(8), version2.BytesDeduplicated)
	require.Equal(t, int64(0), version2.BytesWritten)
}

func TestBackup_Run_IdenticalBlocksWithinOneRunDeduplicate(t *testing.T) {
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	// Three 4-byte blocks [A,A,B], A != B. The
	// two A blocks must share a block_uid and produce exactly one
	// dedup-attributed block, even though neither is committed to the
	// metadata store until after both have been processed.
	blockA := []byte("AAAA")
	blockB := []byte("BBBB")
	content := append(append(append([]byte{}, blockA...), blockA...), blockB...)
	source := openSource(t, newSourceFile(t, content))

	b := &Backup{Store: store, IO: source, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	version, err := b.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 4, Concurrency: 1, BatchSize: 1000})
	require.NoError(t, err)
	require.Equal(t, int64(4), version.BytesDeduplicated)
	require.Equal(t, int64(8), version.BytesWritten)

	it, err := store.StreamBlocks(ctx, version.UID)
	require.NoError(t, err)
	defer it.Close()

	uids := map[types.BlockUID]struct{}{}
	var blocks int
	for {
		blk, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		blocks++
		uids[blk.UID] = struct{}{}
	}
	require.Equal(t, 3, blocks)
	require.Len(t, uids, 2, "the two identical A blocks must share one block_uid")
}

func collectBlocks(t *testing.T, store metadata.Store, versionUID string) []types.Block {
	t.Helper()
	ctx := context.Background()
	it, err := store.StreamBlocks(ctx, versionUID)
	require.NoError(t, err)
	defer it.Close()
	var blocks []types.Block
	for {
		blk, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		blocks = append(blocks, blk)
	}
	return blocks
}

func TestBackup_Run_DifferentialWithoutHintsReadsEntireSource(t *testing.T) {
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	base := []byte("AAAABBBB")
	baseSource := openSource(t, newSourceFile(t, base))
	b := &Backup{Store: store, IO: baseSource, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	baseVersion, err := b.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 4})
	require.NoError(t, err)

	// The plain file adapter has no sparse-region iterator, so the whole
	// source must be re-read: a changed block gets a new block_uid, and
	// the unchanged one falls back to the base object through dedup.
	changedSource := openSource(t, newSourceFile(t, []byte("AAAACCCC")))
	b2 := &Backup{Store: store, IO: changedSource, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	version2, err := b2.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 4, BaseVersionUID: baseVersion.UID})
	require.NoError(t, err)
	require.Equal(t, int64(8), version2.BytesRead)
	require.Equal(t, int64(4), version2.BytesDeduplicated)
	require.Equal(t, int64(4), version2.BytesWritten)

	baseBlocks := collectBlocks(t, store, baseVersion.UID)
	newBlocks := collectBlocks(t, store, version2.UID)
	require.Len(t, newBlocks, len(baseBlocks))
	require.Equal(t, baseBlocks[0].UID, newBlocks[0].UID, "unchanged block dedups to the base object")
	require.NotEqual(t, baseBlocks[1].UID, newBlocks[1].UID, "changed block gets a new object")
}

func TestBackup_Run_DifferentialWithHintsInheritsUnhintedBlocks(t *testing.T) {
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	base := []byte("AAAABBBB")
	baseSource := openSource(t, newSourceFile(t, base))
	b := &Backup{Store: store, IO: baseSource, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	baseVersion, err := b.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 4})
	require.NoError(t, err)

	// A hint covering only block 0 as changed: block 0 is re-read (and
	// changed content stored under a new object), block 1 is inherited
	// from the base without any source read.
	hints, err := ioadapter.ParseHints([]byte(`[{"offset": 0, "length": 4, "exists": "true"}]`))
	require.NoError(t, err)

	changedSource := openSource(t, newSourceFile(t, []byte("CCCCBBBB")))
	b2 := &Backup{Store: store, IO: changedSource, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	version2, err := b2.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 4, BaseVersionUID: baseVersion.UID, Hints: hints})
	require.NoError(t, err)
	require.Equal(t, int64(4), version2.BytesRead, "only the hinted block is read")

	baseBlocks := collectBlocks(t, store, baseVersion.UID)
	newBlocks := collectBlocks(t, store, version2.UID)
	require.Len(t, newBlocks, len(baseBlocks))
	require.NotEqual(t, baseBlocks[0].UID, newBlocks[0].UID, "hinted block differs")
	require.Equal(t, baseBlocks[1].UID, newBlocks[1].UID, "unhinted block is inherited")
}

func TestBackup_Run_BlockSizeMismatchWithBaseFails(t *testing.T) {
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	baseSource := openSource(t, newSourceFile(t, []byte("AAAABBBB")))
	b := &Backup{Store: store, IO: baseSource, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	baseVersion, err := b.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 4})
	require.NoError(t, err)

	source2 := openSource(t, newSourceFile(t, []byte("AAAABBBB")))
	b2 := &Backup{Store: store, IO: source2, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	_, err = b2.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 8, BaseVersionUID: baseVersion.UID})
	require.Error(t, err)
}

func TestBackup_Run_InvalidBaseVersionIsRefused(t *testing.T) {
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	baseSource := openSource(t, newSourceFile(t, []byte("AAAABBBB")))
	b := &Backup{Store: store, IO: baseSource, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	baseVersion, err := b.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 4})
	require.NoError(t, err)

	baseVersion.Status = types.VersionInvalid
	require.NoError(t, store.UpdateVersion(ctx, baseVersion))

	source2 := openSource(t, newSourceFile(t, []byte("AAAABBBB")))
	b2 := &Backup{Store: store, IO: source2, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	_, err = b2.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: 4, BaseVersionUID: baseVersion.UID})
	require.ErrorIs(t, err, berrors.ErrBaseInvalid)
}
