package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benji-backup/benji/internal/berrors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "benji.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalValidConfig = `
configurationVersion: 1
databaseEngine: "sqlite:///var/lib/benji/benji.db"
defaultStorage: default
storages:
  - name: default
    module: file
    configuration:
      path: /var/lib/benji/data
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalValidConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.EqualValues(t, defaultBlockSize, cfg.BlockSize)
	assert.Equal(t, defaultHashFunction, cfg.HashFunction)
	assert.Equal(t, defaultYoungerDays, cfg.DisallowRemoveWhenYoungerDays)
	assert.Equal(t, "default", cfg.DefaultStorage)
	require.Len(t, cfg.Storages, 1)
	assert.Equal(t, "file", cfg.Storages[0].Module)
}

func TestLoadHonorsExplicitOverrides(t *testing.T) {
	path := writeConfig(t, minimalValidConfig+"\nblockSize: 1048576\ndisallowRemoveWhenYounger: 3\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1048576, cfg.BlockSize)
	assert.Equal(t, 3, cfg.DisallowRemoveWhenYoungerDays)
}

func TestLoadRejectsUnsupportedConfigurationVersion(t *testing.T) {
	path := writeConfig(t, `
configurationVersion: 2
databaseEngine: "sqlite:///x.db"
defaultStorage: default
storages:
  - name: default
    module: file
`)
	_, err := Load(path)
	require.ErrorIs(t, err, berrors.ErrConfig)
}

func TestLoadRequiresDatabaseEngine(t *testing.T) {
	path := writeConfig(t, `
configurationVersion: 1
defaultStorage: default
storages:
  - name: default
    module: file
`)
	_, err := Load(path)
	require.ErrorIs(t, err, berrors.ErrConfig)
}

func TestLoadRejectsDuplicateStorageNames(t *testing.T) {
	path := writeConfig(t, `
configurationVersion: 1
databaseEngine: "sqlite:///x.db"
defaultStorage: default
storages:
  - name: default
    module: file
  - name: default
    module: s3
`)
	_, err := Load(path)
	require.ErrorIs(t, err, berrors.ErrConfig)
}

func TestLoadRejectsDefaultStorageNotConfigured(t *testing.T) {
	path := writeConfig(t, `
configurationVersion: 1
databaseEngine: "sqlite:///x.db"
defaultStorage: missing
storages:
  - name: default
    module: file
`)
	_, err := Load(path)
	require.ErrorIs(t, err, berrors.ErrConfig)
}

func TestLoadWithNoPathAndNothingInSearchPathFails(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	_, err := Load("")
	require.ErrorIs(t, err, berrors.ErrConfig)
}

func TestExperimentalEnabled(t *testing.T) {
	t.Setenv("BENJI_EXPERIMENTAL", "")
	assert.False(t, ExperimentalEnabled())
	t.Setenv("BENJI_EXPERIMENTAL", "1")
	assert.True(t, ExperimentalEnabled())
}
