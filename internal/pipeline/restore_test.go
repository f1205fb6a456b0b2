package pipeline

import (
	"context"
	"fmt"
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
)

func openDestination(t *testing.T, size int64) (ioadapter.Handle, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dest.img")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	h, err := ioadapter.NewFileAdapter().Open(context.Background(), "file:"+path, ioadapter.ModeReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h, path
}

func backupFixture(t *testing.T, content []byte, blockSize int64) (metadata.Store, storageadapter.Adapter, string) {
	t.Helper()
	ctx := context.Background()
	store, err := metadata.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage, err := storageadapter.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	source := openSource(t, newSourceFile(t, content))
	b := &Backup{Store: store, IO: source, Storage: storage, Chain: transform.NewChain(), Guard: hashindex.NewWriteGuard(), Logger: zerolog.Nop()}
	version, err := b.Run(ctx, BackupConfig{Volume: "vol", StorageName: "default", BlockSize: blockSize})
	require.NoError(t, err)
	return store, storage, version.UID
}

func TestRestore_Run_RoundTripsBackedUpContent(t *testing.T) {
	ctx := context.Background()
	content := []byte("ABCDEFGH")
	store, storage, versionUID := backupFixture(t, content, 4)

	dest, destPath := openDestination(t, int64(len(content)))
	r := &Restore{Store: store, IO: dest, Storage: storage, Chain: transform.NewChain(), Logger: zerolog.Nop()}
	counters, err := r.Run(ctx, RestoreConfig{VersionUID: versionUID, Force: true})
	require.NoError(t, err)
	require.Equal(t, int64(0), counters.Mismatches)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestRestore_Run_SparseBlockZeroFillsUnlessSkipped(t *testing.T) {
	ctx := context.Background()
	content := make([]byte, 8) // all zero: one sparse block
	store, storage, versionUID := backupFixture(t, content, 8)

	dest, destPath := openDestination(t, int64(len(content)))
	r := &Restore{Store: store, IO: dest, Storage: storage, Chain: transform.NewChain(), Logger: zerolog.Nop()}
	counters, err := r.Run(ctx, RestoreConfig{VersionUID: versionUID, Force: true})
	require.NoError(t, err)
	require.Equal(t, int64(8), counters.BytesWritten)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestRestore_Run_CorruptBlockMarksInvalidAndContinues(t *testing.T) {
	ctx := context.Background()
	content := []byte("ABCDEFGH")
	store, storage, versionUID := backupFixture(t, content, 4)

	it, err := store.StreamBlocks(ctx, versionUID)
	require.NoError(t, err)
	blk, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	it.Close()

	key := storageadapter.ObjectKey(fmt.Sprintf("blocks/%d-%d", blk.UID.Left, blk.UID.Right))
	require.NoError(t, storage.Put(ctx, key, []byte("XXXX"), storageadapter.Sidecar{OriginalSize: 4, TransformedSize: 4}))

	dest, _ := openDestination(t, int64(len(content)))
	r := &Restore{Store: store, IO: dest, Storage: storage, Chain: transform.NewChain(), Logger: zerolog.Nop()}
	counters, err := r.Run(ctx, RestoreConfig{VersionUID: versionUID, Force: true})
	require.NoError(t, err, "restore continues past a corrupt block rather than aborting")
	require.Equal(t, int64(1), counters.Mismatches)
}

func TestRestore_Run_RefusesNonEmptyDestinationWithoutForce(t *testing.T) {
	ctx := context.Background()
	content := []byte("ABCDEFGH")
	store, storage, versionUID := backupFixture(t, content, 4)

	dest, _ := openDestination(t, int64(len(content)))
	r := &Restore{Store: store, IO: dest, Storage: storage, Chain: transform.NewChain(), Logger: zerolog.Nop()}
	_, err := r.Run(ctx, RestoreConfig{VersionUID: versionUID})
	require.ErrorIs(t, err, berrors.ErrPolicyViolation)
}

func TestImportDatabaseLess_RoundTripsThroughVersionMetadata(t *testing.T) {
	ctx := context.Background()
	content := []byte("ABCDEFGH")
	store, storage, versionUID := backupFixture(t, content, 4)

	mem, err := ImportDatabaseLess(ctx, storage, transform.NewChain(), versionUID)
	require.NoError(t, err)
	defer mem.Close()

	v, err := mem.GetVersion(ctx, versionUID)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), v.Size)

	// DatabaseLess restore should reach the same bytes as a normal restore.
	dest, destPath := openDestination(t, int64(len(content)))
	r := &Restore{Store: store, IO: dest, Storage: storage, Chain: transform.NewChain(), Logger: zerolog.Nop()}
	_, err = r.Run(ctx, RestoreConfig{VersionUID: versionUID, Force: true, DatabaseLess: true})
	require.NoError(t, err)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}
