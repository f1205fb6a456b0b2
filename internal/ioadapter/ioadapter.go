// Package ioadapter defines the source-image capability set and a
// registry of adapters keyed by URI scheme: an interface plus a
// map[string]Interface registry, dispatched by name.
package ioadapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/benji-backup/benji/internal/berrors"
)

// Hint describes one region of a source image as changed or unchanged,
// as produced by an external diff (e.g. "rbd diff --format=json").
type Hint struct {
	Offset int64
	Length int64
	Used   bool
}

// HintIterator yields Hints lazily; it is finite and not restartable.
type HintIterator interface {
	Next(ctx context.Context) (Hint, bool, error)
}

// Handle is an open source image. Implementations must be safe for
// concurrent use by multiple reader/writer goroutines; any internal
// concurrency limits (simultaneousReads/Writes) are the adapter's concern.
type Handle interface {
	Size(ctx context.Context) (int64, error)
	BlockSizeHint() int64
	Read(ctx context.Context, offset, length int64) ([]byte, error)
	Write(ctx context.Context, offset int64, data []byte) error
	Discard(ctx context.Context, offset, length int64) error
	// Hints optionally returns a sparse-region iterator; nil means the
	// engine must read the entire source.
	Hints(ctx context.Context) (HintIterator, error)
	Close() error
}

// Mode selects how Open treats the target.
type Mode int

const (
	ModeRead Mode = iota
	ModeReadWrite
)

// Adapter opens handles for one URI scheme (file, rbd, rbdaio, iscsi).
type Adapter interface {
	Scheme() string
	Open(ctx context.Context, uri string, mode Mode) (Handle, error)
}

// Registry dispatches by URI prefix, mirroring VolumeManager's
// drivers map[string]VolumeDriver + GetDriver lookup.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry with the built-in adapters registered
// under their fixed scheme names.
func NewRegistry() *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range []Adapter{
		NewFileAdapter(),
		NewRBDAdapter(false),
		NewRBDAdapter(true),
		NewISCSIAdapter(),
	} {
		r.adapters[a.Scheme()] = a
	}
	return r
}

// Register adds or replaces an adapter, letting tests install fakes.
func (r *Registry) Register(a Adapter) { r.adapters[a.Scheme()] = a }

func splitScheme(uri string) (scheme, rest string, err error) {
	i := strings.Index(uri, ":")
	if i < 0 {
		return "", "", fmt.Errorf("%w: uri %q has no scheme", berrors.ErrConfig, uri)
	}
	return uri[:i], uri[i+1:], nil
}

// Open resolves uri's scheme and opens a Handle through the matching adapter.
func (r *Registry) Open(ctx context.Context, uri string, mode Mode) (Handle, error) {
	scheme, _, err := splitScheme(uri)
	if err != nil {
		return nil, err
	}
	a, ok := r.adapters[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: unknown io adapter %q", berrors.ErrConfig, scheme)
	}
	return a.Open(ctx, uri, mode)
}
