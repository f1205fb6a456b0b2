// Package config loads the single YAML configuration document that
// drives every benji subcommand, following the search order and key set
// from the external-interfaces contract.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/benji-backup/benji/internal/berrors"
)

// ModuleConfig is the shared {name, module, configuration} shape used for
// ios, storages, and transforms entries.
type ModuleConfig struct {
	Name          string                 `yaml:"name"`
	Module        string                 `yaml:"module"`
	Configuration map[string]any         `yaml:"configuration"`
}

// NBDConfig configures the nbd subcommand's listener.
type NBDConfig struct {
	BindAddress string `yaml:"bindAddress"`
	BindPort    int    `yaml:"bindPort"`
	ReadOnly    bool   `yaml:"readOnly"`
	CacheDir    string `yaml:"cacheDir"`
	CacheSize   int64  `yaml:"maximumCacheSize"`
}

// Config is the top-level, immutable document. Once loaded it is passed
// by value (or as a read-only pointer) through every constructor;
// nothing in this package keeps a package-level copy.
type Config struct {
	ConfigurationVersion int    `yaml:"configurationVersion"`
	LogFile              string `yaml:"logFile"`
	BlockSize            int64  `yaml:"blockSize"`
	HashFunction         string `yaml:"hashFunction"`
	ProcessName          string `yaml:"processName"`

	DisallowRemoveWhenYoungerDays int    `yaml:"disallowRemoveWhenYounger"`
	DatabaseEngine                string `yaml:"databaseEngine"`

	IOs            []ModuleConfig `yaml:"ios"`
	Storages       []ModuleConfig `yaml:"storages"`
	DefaultStorage string         `yaml:"defaultStorage"`
	Transforms     []ModuleConfig `yaml:"transforms"`

	NBD NBDConfig `yaml:"nbd"`
}

const (
	defaultBlockSize    = 4 * 1024 * 1024
	defaultHashFunction = "BLAKE2b,digest_bits=256"
	defaultYoungerDays  = 6
)

// searchPaths mirrors the fixed lookup order from the external-interfaces
// contract; the two home-directory paths are left out when $HOME cannot
// be resolved.
func searchPaths() []string {
	home, _ := os.UserHomeDir()
	paths := []string{"/etc/benji.yaml", "/etc/benji/benji.yaml"}
	if home != "" {
		paths = append(paths, filepath.Join(home, ".benji.yaml"), filepath.Join(home, "benji.yaml"))
	}
	return paths
}

// Load resolves the configuration file. If override is non-empty it is
// used verbatim (the -c flag); otherwise the fixed search order is
// walked and the first existing file wins.
func Load(override string) (*Config, error) {
	path := override
	if path == "" {
		for _, p := range searchPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return nil, fmt.Errorf("%w: no configuration file found in search path and none given with -c", berrors.ErrConfig)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", berrors.ErrConfig, path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", berrors.ErrConfig, path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BlockSize == 0 {
		c.BlockSize = defaultBlockSize
	}
	if c.HashFunction == "" {
		c.HashFunction = defaultHashFunction
	}
	if c.DisallowRemoveWhenYoungerDays == 0 {
		c.DisallowRemoveWhenYoungerDays = defaultYoungerDays
	}
}

func (c *Config) validate() error {
	if c.ConfigurationVersion != 1 {
		return fmt.Errorf("%w: unsupported configurationVersion %d (expected 1)", berrors.ErrConfig, c.ConfigurationVersion)
	}
	if c.DatabaseEngine == "" {
		return fmt.Errorf("%w: databaseEngine is required", berrors.ErrConfig)
	}
	if c.DefaultStorage == "" {
		return fmt.Errorf("%w: defaultStorage is required", berrors.ErrConfig)
	}
	names := map[string]bool{}
	for _, s := range c.Storages {
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate storage name %q", berrors.ErrConfig, s.Name)
		}
		names[s.Name] = true
	}
	if c.DefaultStorage != "" && !names[c.DefaultStorage] {
		return fmt.Errorf("%w: defaultStorage %q is not among configured storages", berrors.ErrConfig, c.DefaultStorage)
	}
	return nil
}

// ExperimentalEnabled reports whether BENJI_EXPERIMENTAL unlocks
// experimental surfaces, per the external-interfaces environment variable.
func ExperimentalEnabled() bool {
	return os.Getenv("BENJI_EXPERIMENTAL") == "1"
}
