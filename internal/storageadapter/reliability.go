package storageadapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benji-backup/benji/internal/berrors"
)

// RetryConfig bounds per-operation retries with exponential backoff.
// Integrity failures are never retried: a failed HMAC or a missing
// object doesn't get better by asking again.
type RetryConfig struct {
	ReadAttempts  int
	WriteAttempts int
	BaseDelay     time.Duration
}

func (c RetryConfig) readAttempts() int {
	if c.ReadAttempts <= 0 {
		return 3
	}
	return c.ReadAttempts
}

func (c RetryConfig) writeAttempts() int {
	if c.WriteAttempts <= 0 {
		return 3
	}
	return c.WriteAttempts
}

func (c RetryConfig) baseDelay() time.Duration {
	if c.BaseDelay <= 0 {
		return 200 * time.Millisecond
	}
	return c.BaseDelay
}

type retryingAdapter struct {
	Adapter
	cfg RetryConfig
}

// WithRetry wraps a with bounded, backing-off retries on transient
// storage errors.
func WithRetry(a Adapter, cfg RetryConfig) Adapter {
	return &retryingAdapter{Adapter: a, cfg: cfg}
}

func retriable(err error) bool {
	return err != nil && !errors.Is(err, berrors.ErrStorageIntegrity) && !errors.Is(err, context.Canceled)
}

func (a *retryingAdapter) retry(ctx context.Context, attempts int, op func() error) error {
	var err error
	delay := a.cfg.baseDelay()
	for i := 0; i < attempts; i++ {
		if err = op(); !retriable(err) {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay *= 2
	}
	return err
}

func (a *retryingAdapter) Put(ctx context.Context, key ObjectKey, data []byte, sidecar Sidecar) error {
	return a.retry(ctx, a.cfg.writeAttempts(), func() error {
		return a.Adapter.Put(ctx, key, data, sidecar)
	})
}

func (a *retryingAdapter) Get(ctx context.Context, key ObjectKey) ([]byte, Sidecar, error) {
	var (
		out     []byte
		sidecar Sidecar
	)
	err := a.retry(ctx, a.cfg.readAttempts(), func() error {
		var err error
		out, sidecar, err = a.Adapter.Get(ctx, key)
		return err
	})
	return out, sidecar, err
}

func (a *retryingAdapter) GetMetadata(ctx context.Context, key ObjectKey) (Sidecar, error) {
	var sidecar Sidecar
	err := a.retry(ctx, a.cfg.readAttempts(), func() error {
		var err error
		sidecar, err = a.Adapter.GetMetadata(ctx, key)
		return err
	})
	return sidecar, err
}

func (a *retryingAdapter) Delete(ctx context.Context, key ObjectKey) error {
	return a.retry(ctx, a.cfg.writeAttempts(), func() error {
		return a.Adapter.Delete(ctx, key)
	})
}

// consistencyCheckAdapter re-reads every written object and compares it
// byte for byte, a development-only guard against a backend that
// acknowledges writes it didn't durably apply.
type consistencyCheckAdapter struct {
	Adapter
}

// WithConsistencyCheck wraps a with read-after-write verification.
func WithConsistencyCheck(a Adapter) Adapter {
	return &consistencyCheckAdapter{Adapter: a}
}

func (a *consistencyCheckAdapter) Put(ctx context.Context, key ObjectKey, data []byte, sidecar Sidecar) error {
	if err := a.Adapter.Put(ctx, key, data, sidecar); err != nil {
		return err
	}
	got, _, err := a.Adapter.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: read-after-write of %s: %v", berrors.ErrStorage, key, err)
	}
	if !bytes.Equal(got, data) {
		return fmt.Errorf("%w: read-after-write of %s returned different bytes", berrors.ErrStorageIntegrity, key)
	}
	return nil
}
