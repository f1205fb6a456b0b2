package storageadapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/transform"
)

// hmacAdapter signs every sidecar on Put and verifies it on Get and
// GetMetadata. A sidecar without an HMAC, or with one that does not
// verify, is treated as corrupt: once a Storage is configured with a
// signing key, unsigned sidecars are indistinguishable from tampered
// ones.
type hmacAdapter struct {
	Adapter
	signer *transform.HMACSigner
}

// WithSidecarHMAC wraps a so every sidecar carries an HMAC-SHA-256
// signature over its canonical field set.
func WithSidecarHMAC(a Adapter, signer *transform.HMACSigner) Adapter {
	return &hmacAdapter{Adapter: a, signer: signer}
}

// hmacFields is the canonical field set the signature covers: the object
// key, the recorded transform list, both sizes, and every per-transform
// header value, so a swapped IV or wrapped key fails verification just
// like a size edit would.
func hmacFields(key ObjectKey, s Sidecar) map[string]string {
	fields := map[string]string{
		"key":              string(key),
		"transforms":       strings.Join(s.Transforms, ","),
		"original_size":    strconv.FormatInt(s.OriginalSize, 10),
		"transformed_size": strconv.FormatInt(s.TransformedSize, 10),
	}
	for name, hdr := range s.TransformHeaders {
		for k, v := range hdr {
			fields["header."+name+"."+k] = v
		}
	}
	return fields
}

func (a *hmacAdapter) Put(ctx context.Context, key ObjectKey, data []byte, sidecar Sidecar) error {
	sidecar.HMAC = a.signer.Sign(hmacFields(key, sidecar))
	return a.Adapter.Put(ctx, key, data, sidecar)
}

func (a *hmacAdapter) verify(key ObjectKey, sidecar Sidecar) error {
	if sidecar.HMAC == "" {
		return fmt.Errorf("%w: sidecar %s carries no hmac", berrors.ErrStorageIntegrity, key)
	}
	if !a.signer.Verify(hmacFields(key, sidecar), sidecar.HMAC) {
		return fmt.Errorf("%w: sidecar %s failed hmac verification", berrors.ErrStorageIntegrity, key)
	}
	return nil
}

func (a *hmacAdapter) Get(ctx context.Context, key ObjectKey) ([]byte, Sidecar, error) {
	data, sidecar, err := a.Adapter.Get(ctx, key)
	if err != nil {
		return nil, Sidecar{}, err
	}
	if err := a.verify(key, sidecar); err != nil {
		return nil, Sidecar{}, err
	}
	return data, sidecar, nil
}

func (a *hmacAdapter) GetMetadata(ctx context.Context, key ObjectKey) (Sidecar, error) {
	sidecar, err := a.Adapter.GetMetadata(ctx, key)
	if err != nil {
		return Sidecar{}, err
	}
	if err := a.verify(key, sidecar); err != nil {
		return Sidecar{}, err
	}
	return sidecar, nil
}
