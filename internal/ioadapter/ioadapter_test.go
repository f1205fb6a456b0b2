package ioadapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benji-backup/benji/internal/berrors"
)

func TestFileAdapterReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.raw")
	require.NoError(t, os.WriteFile(path, make([]byte, 16), 0o644))

	a := NewFileAdapter()
	h, err := a.Open(context.Background(), "file:"+path, ModeReadWrite)
	require.NoError(t, err)
	defer h.Close()

	size, err := h.Size(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 16, size)

	require.NoError(t, h.Write(context.Background(), 0, []byte("0123456789abcdef")))
	got, err := h.Read(context.Background(), 0, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), got)
}

func TestFileAdapterReadPastEOFZeroFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.raw")
	require.NoError(t, os.WriteFile(path, []byte("abcd"), 0o644))

	a := NewFileAdapter()
	h, err := a.Open(context.Background(), "file:"+path, ModeRead)
	require.NoError(t, err)
	defer h.Close()

	got, err := h.Read(context.Background(), 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd\x00\x00\x00\x00"), got)
}

func TestFileAdapterDiscardZeroFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.raw")
	require.NoError(t, os.WriteFile(path, []byte("abcdefgh"), 0o644))

	a := NewFileAdapter()
	h, err := a.Open(context.Background(), "file:"+path, ModeReadWrite)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Discard(context.Background(), 2, 4))
	got, err := h.Read(context.Background(), 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab\x00\x00\x00\x00gh"), got)
}

func TestFileAdapterOpenMissingFileFails(t *testing.T) {
	a := NewFileAdapter()
	_, err := a.Open(context.Background(), "file:/nonexistent/path/image.raw", ModeRead)
	require.ErrorIs(t, err, berrors.ErrIO)
}

func TestFileAdapterHintsIsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.raw")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	a := NewFileAdapter()
	h, err := a.Open(context.Background(), "file:"+path, ModeRead)
	require.NoError(t, err)
	defer h.Close()

	it, err := h.Hints(context.Background())
	require.NoError(t, err)
	assert.Nil(t, it, "a plain file carries no sparse-region hints: the engine must read it all")
}

func TestRegistryDispatchesByScheme(t *testing.T) {
	reg := NewRegistry()
	path := filepath.Join(t.TempDir(), "image.raw")
	require.NoError(t, os.WriteFile(path, make([]byte, 4), 0o644))

	h, err := reg.Open(context.Background(), "file:"+path, ModeRead)
	require.NoError(t, err)
	defer h.Close()
}

func TestRegistryRejectsUnknownScheme(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Open(context.Background(), "ftp:host/image", ModeRead)
	require.ErrorIs(t, err, berrors.ErrConfig)
}

func TestRegistryRejectsURIWithoutScheme(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Open(context.Background(), "no-scheme-here", ModeRead)
	require.ErrorIs(t, err, berrors.ErrConfig)
}

func TestParseHintsAcceptsStringAndBoolExists(t *testing.T) {
	it, err := ParseHints([]byte(`[
		{"offset": 0, "length": 4194304, "exists": "true"},
		{"offset": 4194304, "length": 4194304, "exists": "false"},
		{"offset": 8388608, "length": 4194304, "exists": true}
	]`))
	require.NoError(t, err)

	var hints []Hint
	for {
		h, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		hints = append(hints, h)
	}
	require.Len(t, hints, 3)
	require.True(t, hints[0].Used)
	require.False(t, hints[1].Used)
	require.True(t, hints[2].Used)
	require.Equal(t, int64(4194304), hints[1].Offset)
}

func TestParseHintsRejectsGarbage(t *testing.T) {
	_, err := ParseHints([]byte(`[{"offset": 0, "length": 4, "exists": "maybe"}]`))
	require.Error(t, err)

	_, err = ParseHints([]byte(`[{"offset": -1, "length": 4, "exists": "true"}]`))
	require.Error(t, err)
}

func TestLoadHintsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"offset": 0, "length": 8, "exists": "true"}]`), 0o644))

	it, err := LoadHintsFile(path)
	require.NoError(t, err)
	h, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(8), h.Length)

	_, err = LoadHintsFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
