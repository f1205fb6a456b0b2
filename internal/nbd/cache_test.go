package nbd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benji-backup/benji/internal/types"
)

func TestBlockCache_PutGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	cache, err := NewBlockCache(filepath.Join(t.TempDir(), "cache.bolt"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	uid := types.BlockUID{Left: 1, Right: 2}
	_, ok := cache.Get(ctx, uid)
	require.False(t, ok)

	cache.Put(ctx, uid, []byte("plaintext"))
	got, ok := cache.Get(ctx, uid)
	require.True(t, ok)
	require.Equal(t, []byte("plaintext"), got)
}

func TestBlockCache_EvictsOldestPastMaximumSize(t *testing.T) {
	ctx := context.Background()
	cache, err := NewBlockCache(filepath.Join(t.TempDir(), "cache.bolt"), 10)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	cache.Put(ctx, types.BlockUID{Left: 1}, []byte("0123456789"))
	cache.Put(ctx, types.BlockUID{Left: 2}, []byte("0123456789"))

	_, firstStillPresent := cache.Get(ctx, types.BlockUID{Left: 1})
	_, secondPresent := cache.Get(ctx, types.BlockUID{Left: 2})
	require.False(t, firstStillPresent, "oldest entry should be evicted once the cache exceeds maximumSize")
	require.True(t, secondPresent)
}
