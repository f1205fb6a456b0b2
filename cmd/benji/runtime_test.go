package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benji-backup/benji/internal/config"
)

func TestCfgString(t *testing.T) {
	m := map[string]any{"path": "/tmp/x", "count": 3}
	assert.Equal(t, "/tmp/x", cfgString(m, "path", "fallback"))
	assert.Equal(t, "fallback", cfgString(m, "missing", "fallback"))
	assert.Equal(t, "fallback", cfgString(m, "count", "fallback"), "non-string values fall back to default")
}

func TestCfgInt64(t *testing.T) {
	m := map[string]any{"a": 3, "b": int64(7), "c": float64(9), "d": "not a number"}
	assert.Equal(t, int64(3), cfgInt64(m, "a", 0))
	assert.Equal(t, int64(7), cfgInt64(m, "b", 0))
	assert.Equal(t, int64(9), cfgInt64(m, "c", 0), "YAML-unmarshaled numbers decode as float64")
	assert.Equal(t, int64(42), cfgInt64(m, "d", 42))
	assert.Equal(t, int64(42), cfgInt64(m, "missing", 42))
}

func TestCfgHexBytes(t *testing.T) {
	m := map[string]any{"key": "deadbeef", "bad": "not-hex"}
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, cfgHexBytes(m, "key"))
	assert.Nil(t, cfgHexBytes(m, "missing"))
	assert.Nil(t, cfgHexBytes(m, "bad"))
}

func TestBuildStorageRegistry_File(t *testing.T) {
	cfg := &config.Config{
		DefaultStorage: "local",
		Storages: []config.ModuleConfig{
			{Name: "local", Module: "file", Configuration: map[string]any{"path": t.TempDir()}},
		},
	}
	reg, err := buildStorageRegistry(cfg)
	require.NoError(t, err)
	adapter, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, "file", adapter.Module())
}

func TestBuildStorageRegistry_UnknownModule(t *testing.T) {
	cfg := &config.Config{
		DefaultStorage: "x",
		Storages:       []config.ModuleConfig{{Name: "x", Module: "nonsense"}},
	}
	_, err := buildStorageRegistry(cfg)
	require.Error(t, err)
}

func TestBuildChain_EmptyIsValid(t *testing.T) {
	cfg := &config.Config{}
	chain, err := buildChain(cfg)
	require.NoError(t, err)
	require.NotNil(t, chain)
	out, headers, err := chain.Forward(nil, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
	assert.Empty(t, headers)
}

func TestAppStorageName(t *testing.T) {
	a := &app{cfg: &config.Config{DefaultStorage: "default"}}
	assert.Equal(t, "default", a.storageName(""))
	assert.Equal(t, "override", a.storageName("override"))
}

func TestAppTransformNames(t *testing.T) {
	a := &app{cfg: &config.Config{Transforms: []config.ModuleConfig{
		{Name: "zstd1"}, {Name: "aes1"},
	}}}
	assert.Equal(t, []string{"zstd1", "aes1"}, a.transformNames())
}
