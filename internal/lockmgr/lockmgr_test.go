package lockmgr

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/metadata"
)

func openTestStore(t *testing.T) *metadata.SQLStore {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "benji.db")
	store, err := metadata.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAcquireAndReleaseVersionLock(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	m := New(store, zerolog.Nop())

	scope, name := VersionName("V0000000001")
	held, err := m.Acquire(ctx, scope, name, "backup", false)
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))

	// released locks are re-acquirable
	held, err = m.Acquire(ctx, scope, name, "backup", false)
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))
}

func TestSecondAcquirerFailsFast(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	first := New(store, zerolog.Nop())
	second := New(store, zerolog.Nop())

	scope, name := GlobalName("enforce:db01")
	held, err := first.Acquire(ctx, scope, name, "enforce", false)
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = second.Acquire(ctx, scope, name, "enforce", false)
	require.ErrorIs(t, err, berrors.ErrLockConflict)
}

func TestOverrideDeletesStaleLockBeforeAcquiring(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	crashed := New(store, zerolog.Nop())
	recovering := New(store, zerolog.Nop())

	scope, name := VersionName("V0000000002")
	_, err := crashed.Acquire(ctx, scope, name, "backup", false)
	require.NoError(t, err)
	// simulate crash: no Release call.

	_, err = recovering.Acquire(ctx, scope, name, "backup", false)
	require.ErrorIs(t, err, berrors.ErrLockConflict)

	held, err := recovering.Acquire(ctx, scope, name, "recovering crashed backup", true)
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))
}

func TestReleaseIsSafeOnNilHeld(t *testing.T) {
	var h *Held
	require.NoError(t, h.Release(context.Background()))
}

func TestStorageSharedAllowsConcurrentBackupsButBlocksExclusive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	backupA := New(store, zerolog.Nop())
	backupB := New(store, zerolog.Nop())
	rm := New(store, zerolog.Nop())

	heldA, err := backupA.AcquireStorageShared(ctx, "default", "backup")
	require.NoError(t, err)
	defer heldA.Release(ctx)

	heldB, err := backupB.AcquireStorageShared(ctx, "default", "backup")
	require.NoError(t, err)
	defer heldB.Release(ctx)

	_, err = rm.AcquireStorageExclusive(ctx, "default", "cleanup", false)
	require.ErrorIs(t, err, berrors.ErrLockConflict)

	require.NoError(t, heldA.Release(ctx))
	require.NoError(t, heldB.Release(ctx))

	held, err := rm.AcquireStorageExclusive(ctx, "default", "cleanup", false)
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))
}

func TestOwnerTokenIsUniquePerManager(t *testing.T) {
	store := openTestStore(t)
	a := New(store, zerolog.Nop())
	b := New(store, zerolog.Nop())
	assert.NotEqual(t, a.Owner(), b.Owner())
}
