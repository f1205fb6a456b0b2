// Package storageadapter defines the object-store capability set
// (put/get/delete/list of a data object plus its metadata sidecar) and a
// by-name registry, the same interface-plus-registry shape used for
// source IO adapters.
package storageadapter

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/benji-backup/benji/internal/berrors"
)

// Sidecar accompanies every data object: schema version, timestamps, the
// ordered transform name list that was applied, sizes, optional HMAC,
// and per-transform headers (IVs, wrapped keys, EC ephemeral keys).
type Sidecar struct {
	SchemaVersion    string                       `json:"metadata_version"`
	Created          time.Time                    `json:"created"`
	Modified         time.Time                    `json:"modified"`
	Transforms       []string                     `json:"transforms"`
	OriginalSize     int64                        `json:"original_size"`
	TransformedSize  int64                        `json:"transformed_size"`
	HMAC             string                       `json:"hmac,omitempty"`
	TransformHeaders map[string]map[string]string `json:"transform_headers,omitempty"`
}

// ObjectKey names the pair of objects (data + sidecar) on a Storage.
type ObjectKey string

// ListEntry is one item yielded by a lazy List call.
type ListEntry struct {
	Key ObjectKey
}

// ListIterator is a lazy sequence of objects under a prefix.
type ListIterator interface {
	Next(ctx context.Context) (ListEntry, bool, error)
}

// Adapter is one configured backend instance (file/s3/b2).
type Adapter interface {
	Module() string
	Put(ctx context.Context, key ObjectKey, data []byte, sidecar Sidecar) error
	Get(ctx context.Context, key ObjectKey) ([]byte, Sidecar, error)
	GetMetadata(ctx context.Context, key ObjectKey) (Sidecar, error)
	// Stat reports the data object's stored size without fetching it,
	// the existence/size probe light scrub relies on.
	Stat(ctx context.Context, key ObjectKey) (int64, error)
	Delete(ctx context.Context, key ObjectKey) error
	List(ctx context.Context, prefix string) (ListIterator, error)
}

// RateLimitConfig carries token-bucket settings in bytes/second; 0 means
// unlimited. Burst is capped at one second's worth of tokens.
type RateLimitConfig struct {
	BandwidthRead  int64
	BandwidthWrite int64
}

func newLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
}

// limitedAdapter wraps an Adapter with read/write token-bucket limiters
// for per-connection bandwidth caps, built on golang.org/x/time/rate.
type limitedAdapter struct {
	Adapter
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter
}

// WithRateLimit wraps a, applying cfg's bandwidth caps to every Put/Get.
func WithRateLimit(a Adapter, cfg RateLimitConfig) Adapter {
	return &limitedAdapter{
		Adapter:      a,
		readLimiter:  newLimiter(cfg.BandwidthRead),
		writeLimiter: newLimiter(cfg.BandwidthWrite),
	}
}

func (a *limitedAdapter) Put(ctx context.Context, key ObjectKey, data []byte, sidecar Sidecar) error {
	if err := a.writeLimiter.WaitN(ctx, clampBurst(len(data), a.writeLimiter.Burst())); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", berrors.ErrStorage, err)
	}
	return a.Adapter.Put(ctx, key, data, sidecar)
}

func (a *limitedAdapter) Get(ctx context.Context, key ObjectKey) ([]byte, Sidecar, error) {
	data, sidecar, err := a.Adapter.Get(ctx, key)
	if err != nil {
		return data, sidecar, err
	}
	if werr := a.readLimiter.WaitN(ctx, clampBurst(len(data), a.readLimiter.Burst())); werr != nil {
		return nil, Sidecar{}, fmt.Errorf("%w: rate limit wait: %v", berrors.ErrStorage, werr)
	}
	return data, sidecar, nil
}

// clampBurst keeps WaitN's n argument within the limiter's burst size so
// a single large block never blocks forever waiting to accumulate more
// tokens than the bucket can ever hold.
func clampBurst(n, burst int) int {
	if burst > 0 && n > burst {
		return burst
	}
	if n == 0 {
		return 0
	}
	return n
}

var _ io.Closer = (*noopCloser)(nil)

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// Registry dispatches configured Storage instances by name.
type Registry struct {
	adapters map[string]Adapter
	fallback string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{adapters: map[string]Adapter{}, fallback: defaultName}
}

func (r *Registry) Register(name string, a Adapter) { r.adapters[name] = a }

func (r *Registry) Get(name string) (Adapter, error) {
	if name == "" {
		name = r.fallback
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown storage %q", berrors.ErrConfig, name)
	}
	return a, nil
}
