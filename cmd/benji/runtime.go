package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/blog"
	"github.com/benji-backup/benji/internal/config"
	"github.com/benji-backup/benji/internal/hashindex"
	"github.com/benji-backup/benji/internal/ioadapter"
	"github.com/benji-backup/benji/internal/lockmgr"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/metrics"
	"github.com/benji-backup/benji/internal/storageadapter"
	"github.com/benji-backup/benji/internal/transform"
)

// app holds everything a subcommand needs, wired once from the loaded
// Config in PersistentPreRunE and passed by pointer into every
// newXCmd(app) constructor: the same "build once, thread through
// constructors" discipline internal/pipeline and internal/nbd use for
// their own dependencies, kept out of a package-level var so tests (and
// a second app instance in the same process) never fight over it.
type app struct {
	cfgPath string
	machine bool

	cfg        *config.Config
	logger     zerolog.Logger
	store      metadata.Store
	ioReg      *ioadapter.Registry
	storageReg *storageadapter.Registry
	chain      *transform.Chain
	guard      *hashindex.WriteGuard
	locks      *lockmgr.Manager
}

// init loads configuration and wires every runtime dependency. It is
// idempotent only in the sense that it is called exactly once, from
// PersistentPreRunE, before any subcommand's RunE runs.
func (a *app) init(ctx context.Context) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.logger = blog.New(blog.Config{Level: blog.LevelInfo, JSONOutput: a.machine})

	store, err := metadata.Open(ctx, cfg.DatabaseEngine)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	a.store = store

	a.ioReg = ioadapter.NewRegistry()

	storageReg, err := buildStorageRegistry(cfg)
	if err != nil {
		return err
	}
	a.storageReg = storageReg

	chain, err := buildChain(cfg)
	if err != nil {
		return err
	}
	a.chain = chain

	a.guard = hashindex.NewWriteGuard()
	a.locks = lockmgr.New(a.store, a.logger)

	if err := a.verifyKDFParams(ctx); err != nil {
		return err
	}

	// Register is used instead of MustRegister so a second app instance
	// in the same process (tests) doesn't panic on the duplicate.
	for _, c := range metrics.Collectors() {
		_ = prometheus.DefaultRegisterer.Register(c)
	}
	return nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// transformNames returns every configured transform's name, in
// configuration order, the default chain a backup/restore applies absent
// an explicit --transforms override.
func (a *app) transformNames() []string {
	names := make([]string, 0, len(a.cfg.Transforms))
	for _, mc := range a.cfg.Transforms {
		names = append(names, mc.Name)
	}
	return names
}

func (a *app) storageName(override string) string {
	if override != "" {
		return override
	}
	return a.cfg.DefaultStorage
}

// kdfParamsKey is the fixed object the default storage carries once any
// password-derived encryption transform has written data through it.
const kdfParamsKey = storageadapter.ObjectKey("meta/kdf-params-aes_256_gcm")

// verifyKDFParams pins the aes_256_gcm KDF parameters to the default
// storage: the first run stamps a fingerprint object, every later run
// compares against it. Key rotation is unsupported, so a changed salt or
// iteration count is a configuration error, not a recoverable state.
func (a *app) verifyKDFParams(ctx context.Context) error {
	var fp string
	for _, mc := range a.cfg.Transforms {
		if mc.Module != "aes_256_gcm" || cfgString(mc.Configuration, "password", "") == "" {
			continue
		}
		iterations := int(cfgInt64(mc.Configuration, "kdfIterations", 0))
		if iterations == 0 {
			iterations = 200_000
		}
		fp = transform.KDFParamsFingerprint(cfgHexBytes(mc.Configuration, "kdfSalt"), iterations)
	}
	if fp == "" {
		return nil
	}

	storage, err := a.storageReg.Get(a.cfg.DefaultStorage)
	if err != nil {
		return err
	}
	stored, _, err := storage.Get(ctx, kdfParamsKey)
	if err != nil {
		if !errors.Is(err, berrors.ErrStorageIntegrity) {
			return fmt.Errorf("reading kdf parameters: %w", err)
		}
		// First use of this storage: stamp the parameters.
		sidecar := storageadapter.NewSidecar(time.Now().UTC(), nil, int64(len(fp)), int64(len(fp)))
		if err := storage.Put(ctx, kdfParamsKey, []byte(fp), sidecar); err != nil {
			return fmt.Errorf("stamping kdf parameters: %w", err)
		}
		return nil
	}
	if string(stored) != fp {
		return fmt.Errorf("%w: kdfSalt/kdfIterations changed since this storage was first written; existing ciphertexts would be unrecoverable", berrors.ErrConfig)
	}
	return nil
}

// buildStorageRegistry constructs one Adapter per configured storages
// entry, dispatching on Module by name, then wraps each with rate
// limiting and an optional read cache per its configuration map.
func buildStorageRegistry(cfg *config.Config) (*storageadapter.Registry, error) {
	reg := storageadapter.NewRegistry(cfg.DefaultStorage)
	for _, mc := range cfg.Storages {
		adapter, err := newStorageAdapter(mc)
		if err != nil {
			return nil, fmt.Errorf("storage %q: %w", mc.Name, err)
		}

		if cfgBool(mc.Configuration, "consistencyCheckWrites") {
			adapter = storageadapter.WithConsistencyCheck(adapter)
		}

		// B2 uploads get a larger retry budget than the other backends.
		writeAttempts := 3
		if mc.Module == "b2" {
			writeAttempts = 5
		}
		adapter = storageadapter.WithRetry(adapter, storageadapter.RetryConfig{
			ReadAttempts:  3,
			WriteAttempts: writeAttempts,
		})

		if hmacCfg, ok := mc.Configuration["hmac"].(map[string]any); ok {
			signer, err := transform.NewHMACSigner(transform.HMACConfig{
				Password:      cfgString(hmacCfg, "password", ""),
				Key:           cfgHexBytes(hmacCfg, "key"),
				KDFSalt:       cfgHexBytes(hmacCfg, "kdfSalt"),
				KDFIterations: int(cfgInt64(hmacCfg, "kdfIterations", 0)),
			})
			if err != nil {
				return nil, fmt.Errorf("%w: storage %q hmac: %v", berrors.ErrConfig, mc.Name, err)
			}
			adapter = storageadapter.WithSidecarHMAC(adapter, signer)
		}

		rl := storageadapter.RateLimitConfig{
			BandwidthRead:  cfgInt64(mc.Configuration, "bandwidthRead", 0),
			BandwidthWrite: cfgInt64(mc.Configuration, "bandwidthWrite", 0),
		}
		if rl.BandwidthRead > 0 || rl.BandwidthWrite > 0 {
			adapter = storageadapter.WithRateLimit(adapter, rl)
		}

		if cacheDir := cfgString(mc.Configuration, "readCacheDir", ""); cacheDir != "" {
			shards := int(cfgInt64(mc.Configuration, "readCacheShards", 8))
			maxSize := cfgInt64(mc.Configuration, "readCacheMaximumSize", 0)
			cached, err := storageadapter.NewReadCache(cacheDir, adapter, shards, maxSize)
			if err != nil {
				return nil, fmt.Errorf("storage %q read cache: %w", mc.Name, err)
			}
			adapter = cached
		}

		reg.Register(mc.Name, adapter)
	}
	return reg, nil
}

func newStorageAdapter(mc config.ModuleConfig) (storageadapter.Adapter, error) {
	switch mc.Module {
	case "file":
		return storageadapter.NewFileAdapter(cfgString(mc.Configuration, "path", ""))
	case "s3":
		return storageadapter.NewS3Adapter(storageadapter.S3Config{
			Endpoint:   cfgString(mc.Configuration, "endpoint", ""),
			Bucket:     cfgString(mc.Configuration, "bucket", ""),
			Prefix:     cfgString(mc.Configuration, "prefix", ""),
			Region:     cfgString(mc.Configuration, "region", ""),
			AccessKey:  cfgString(mc.Configuration, "awsAccessKeyId", ""),
			SecretKey:  cfgString(mc.Configuration, "awsSecretAccessKey", ""),
			DisableTLS: cfgBool(mc.Configuration, "disableTls"),
		}), nil
	case "b2":
		return storageadapter.NewB2Adapter(storageadapter.B2Config{
			AccountID:      cfgString(mc.Configuration, "accountId", ""),
			ApplicationKey: cfgString(mc.Configuration, "applicationKey", ""),
			BucketName:     cfgString(mc.Configuration, "bucketName", ""),
			Prefix:         cfgString(mc.Configuration, "prefix", ""),
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown storage module %q", berrors.ErrConfig, mc.Module)
	}
}

// buildChain constructs the ordered Transform list from cfg.Transforms,
// in file order, matching "the sidecar stores the ordered list of
// transform names that were applied" (internal/transform's Chain).
func buildChain(cfg *config.Config) (*transform.Chain, error) {
	transforms := make([]transform.Transform, 0, len(cfg.Transforms))
	for _, mc := range cfg.Transforms {
		t, err := newTransform(mc)
		if err != nil {
			return nil, fmt.Errorf("transform %q: %w", mc.Name, err)
		}
		transforms = append(transforms, t)
	}
	return transform.NewChain(transforms...), nil
}

func newTransform(mc config.ModuleConfig) (transform.Transform, error) {
	switch mc.Module {
	case "zstd":
		level := int(cfgInt64(mc.Configuration, "level", 3))
		return transform.NewZstdTransform(level, cfgHexBytes(mc.Configuration, "dictionary"))
	case "aes_256_gcm":
		return transform.NewAESGCMTransform(transform.AESGCMConfig{
			Password:      cfgString(mc.Configuration, "password", ""),
			MasterKey:     cfgHexBytes(mc.Configuration, "masterKey"),
			KDFSalt:       cfgHexBytes(mc.Configuration, "kdfSalt"),
			KDFIterations: int(cfgInt64(mc.Configuration, "kdfIterations", 0)),
		})
	case "aes_256_gcm_ecc":
		return transform.NewAESGCMECCTransform(transform.AESGCMECCConfig{
			Curve:      transform.ECCCurve(cfgString(mc.Configuration, "eccCurve", "")),
			PublicKey:  cfgHexBytes(mc.Configuration, "publicKey"),
			PrivateKey: cfgHexBytes(mc.Configuration, "privateKey"),
		})
	default:
		return nil, fmt.Errorf("%w: unknown transform module %q", berrors.ErrConfig, mc.Module)
	}
}

func cfgString(m map[string]any, key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func cfgBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func cfgInt64(m map[string]any, key string, def int64) int64 {
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return def
	}
}

func cfgHexBytes(m map[string]any, key string) []byte {
	s := cfgString(m, key, "")
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
