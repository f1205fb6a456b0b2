package storageadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/minio/blazer/b2"

	"github.com/benji-backup/benji/internal/berrors"
)

// B2Config names the connection parameters for the b2 Storage module.
type B2Config struct {
	AccountID      string
	ApplicationKey string
	BucketName     string
	Prefix         string
}

// B2Adapter implements Storage against Backblaze B2 via
// github.com/minio/blazer/b2. Authorization happens lazily on first use
// (b2.NewClient performs the b2_authorize_account round-trip), mirroring
// S3Adapter's lazy connect.
type B2Adapter struct {
	cfg B2Config

	mu     sync.Mutex
	bucket *b2.Bucket
}

func NewB2Adapter(cfg B2Config) *B2Adapter {
	return &B2Adapter{cfg: cfg}
}

func (*B2Adapter) Module() string { return "b2" }

func (a *B2Adapter) connect(ctx context.Context) (*b2.Bucket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bucket != nil {
		return a.bucket, nil
	}
	client, err := b2.NewClient(ctx, a.cfg.AccountID, a.cfg.ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("%w: authorizing b2 account: %v", berrors.ErrStorage, err)
	}
	bucket, err := client.Bucket(ctx, a.cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("%w: opening b2 bucket %s: %v", berrors.ErrStorage, a.cfg.BucketName, err)
	}
	a.bucket = bucket
	return bucket, nil
}

func (a *B2Adapter) objectName(key ObjectKey, suffix string) string {
	return a.cfg.Prefix + string(key) + suffix
}

func (a *B2Adapter) upload(ctx context.Context, name string, data []byte) error {
	bucket, err := a.connect(ctx)
	if err != nil {
		return err
	}
	w := bucket.Object(name).NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("%w: uploading %s: %v", berrors.ErrStorage, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: finishing upload of %s: %v", berrors.ErrStorage, name, err)
	}
	return nil
}

func (a *B2Adapter) download(ctx context.Context, name string) ([]byte, error) {
	bucket, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	r := bucket.Object(name).NewReader(ctx)
	defer r.Close()
	data, err := ioutil.ReadAll(r)
	if err != nil {
		if b2.IsNotExist(err) {
			return nil, fmt.Errorf("%w: object %s missing", berrors.ErrStorageIntegrity, name)
		}
		return nil, fmt.Errorf("%w: downloading %s: %v", berrors.ErrStorage, name, err)
	}
	return data, nil
}

func (a *B2Adapter) Put(ctx context.Context, key ObjectKey, data []byte, sidecar Sidecar) error {
	if err := a.upload(ctx, a.objectName(key, ".data"), data); err != nil {
		return err
	}
	meta, err := json.Marshal(sidecar)
	if err != nil {
		return fmt.Errorf("%w: encoding sidecar: %v", berrors.ErrStorage, err)
	}
	return a.upload(ctx, a.objectName(key, ".meta"), meta)
}

func (a *B2Adapter) Get(ctx context.Context, key ObjectKey) ([]byte, Sidecar, error) {
	sidecar, err := a.GetMetadata(ctx, key)
	if err != nil {
		return nil, Sidecar{}, err
	}
	data, err := a.download(ctx, a.objectName(key, ".data"))
	if err != nil {
		return nil, Sidecar{}, err
	}
	return data, sidecar, nil
}

func (a *B2Adapter) GetMetadata(ctx context.Context, key ObjectKey) (Sidecar, error) {
	raw, err := a.download(ctx, a.objectName(key, ".meta"))
	if err != nil {
		return Sidecar{}, err
	}
	var sidecar Sidecar
	if err := json.Unmarshal(raw, &sidecar); err != nil {
		return Sidecar{}, fmt.Errorf("%w: decoding sidecar %s: %v", berrors.ErrStorageIntegrity, key, err)
	}
	return sidecar, nil
}

func (a *B2Adapter) Stat(ctx context.Context, key ObjectKey) (int64, error) {
	bucket, err := a.connect(ctx)
	if err != nil {
		return 0, err
	}
	attrs, err := bucket.Object(a.objectName(key, ".data")).Attrs(ctx)
	if err != nil {
		if b2.IsNotExist(err) {
			return 0, fmt.Errorf("%w: data object %s missing", berrors.ErrStorageIntegrity, key)
		}
		return 0, fmt.Errorf("%w: statting %s: %v", berrors.ErrStorage, key, err)
	}
	return attrs.Size, nil
}

func (a *B2Adapter) Delete(ctx context.Context, key ObjectKey) error {
	bucket, err := a.connect(ctx)
	if err != nil {
		return err
	}
	for _, suffix := range []string{".data", ".meta"} {
		if err := bucket.Object(a.objectName(key, suffix)).Delete(ctx); err != nil && !b2.IsNotExist(err) {
			return fmt.Errorf("%w: deleting %s%s: %v", berrors.ErrStorage, key, suffix, err)
		}
	}
	return nil
}

func (a *B2Adapter) List(ctx context.Context, prefix string) (ListIterator, error) {
	bucket, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var keys []string
	var cursor *b2.Cursor
	for {
		objs, next, err := bucket.ListCurrentObjects(ctx, 1000, cursor)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: listing b2 objects: %v", berrors.ErrStorage, err)
		}
		for _, obj := range objs {
			name := obj.Name()
			if !strings.HasPrefix(name, a.cfg.Prefix+prefix) {
				continue
			}
			key := strings.TrimPrefix(strings.TrimSuffix(strings.TrimSuffix(name, ".data"), ".meta"), a.cfg.Prefix)
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
		if err == io.EOF {
			break
		}
		cursor = next
	}
	return &fileListIterator{keys: keys}, nil
}
