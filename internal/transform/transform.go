// Package transform implements the ordered, reversible per-block
// transform chain: zstd compression and the two envelope-encryption
// variants. Each Transform's Forward/Inverse pair is a left-inverse
// contract, Inverse(Forward(x)) == x, not a general round-trip
// guarantee on arbitrary byte equality of ciphertexts.
package transform

import (
	"fmt"

	"github.com/benji-backup/benji/internal/berrors"
)

// Header carries the per-object values a transform needs to invert
// itself (IVs, wrapped keys, EC ephemeral keys); stored in the sidecar's
// TransformHeaders map, keyed by transform name.
type Header map[string]string

// Transform is one named, composable step of the chain.
type Transform interface {
	Name() string
	Forward(plaintext []byte) (out []byte, header Header, err error)
	Inverse(data []byte, header Header) (plaintext []byte, err error)
}

// Chain applies named transforms in order on Forward and in reverse on
// Inverse, matching "the sidecar stores the ordered list of transform
// names that were applied so inverse can be composed in reverse".
type Chain struct {
	byName map[string]Transform
}

func NewChain(transforms ...Transform) *Chain {
	c := &Chain{byName: map[string]Transform{}}
	for _, t := range transforms {
		c.byName[t.Name()] = t
	}
	return c
}

// Forward runs names in order, returning the final bytes and a header map
// keyed by transform name for sidecar storage.
func (c *Chain) Forward(names []string, plaintext []byte) ([]byte, map[string]Header, error) {
	headers := map[string]Header{}
	data := plaintext
	for _, name := range names {
		t, ok := c.byName[name]
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown transform %q", berrors.ErrConfig, name)
		}
		out, header, err := t.Forward(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: transform %q forward: %v", berrors.ErrTransform, name, err)
		}
		data = out
		headers[name] = header
	}
	return data, headers, nil
}

// Inverse runs the recorded transform name list in reverse, exactly
// recovering the original plaintext.
func (c *Chain) Inverse(names []string, headers map[string]Header, data []byte) ([]byte, error) {
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		t, ok := c.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown transform %q", berrors.ErrConfig, name)
		}
		out, err := t.Inverse(data, headers[name])
		if err != nil {
			return nil, fmt.Errorf("%w: transform %q inverse: %v", berrors.ErrTransform, name, err)
		}
		data = out
	}
	return data, nil
}
