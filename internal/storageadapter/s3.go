package storageadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"

	minio "github.com/minio/minio-go"

	"github.com/benji-backup/benji/internal/berrors"
)

// S3Config names the connection parameters for the s3 Storage module.
type S3Config struct {
	Endpoint   string
	Bucket     string
	Prefix     string
	Region     string
	AccessKey  string
	SecretKey  string
	DisableTLS bool
}

// S3Adapter implements Storage against an S3-compatible endpoint via
// github.com/minio/minio-go. The client is constructed lazily on first
// use so building the registry never touches the network.
type S3Adapter struct {
	cfg S3Config

	mu     sync.Mutex
	client *minio.Client
}

func NewS3Adapter(cfg S3Config) *S3Adapter {
	return &S3Adapter{cfg: cfg}
}

func (*S3Adapter) Module() string { return "s3" }

func (a *S3Adapter) connect() (*minio.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(a.cfg.Endpoint, "https://"), "http://")
	secure := !a.cfg.DisableTLS && !strings.HasPrefix(a.cfg.Endpoint, "http://")
	var (
		client *minio.Client
		err    error
	)
	if a.cfg.Region != "" {
		client, err = minio.NewWithRegion(endpoint, a.cfg.AccessKey, a.cfg.SecretKey, secure, a.cfg.Region)
	} else {
		client, err = minio.New(endpoint, a.cfg.AccessKey, a.cfg.SecretKey, secure)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to s3 endpoint %s: %v", berrors.ErrStorage, endpoint, err)
	}
	a.client = client
	return client, nil
}

func (a *S3Adapter) objectName(key ObjectKey, suffix string) string {
	return a.cfg.Prefix + string(key) + suffix
}

// notFound maps minio's NoSuchKey onto the missing-object integrity error.
func notFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" || resp.StatusCode == 404
}

func (a *S3Adapter) put(ctx context.Context, name string, data []byte) error {
	client, err := a.connect()
	if err != nil {
		return err
	}
	_, err = client.PutObjectWithContext(ctx, a.cfg.Bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("%w: putting %s: %v", berrors.ErrStorage, name, err)
	}
	return nil
}

func (a *S3Adapter) get(ctx context.Context, name string) ([]byte, error) {
	client, err := a.connect()
	if err != nil {
		return nil, err
	}
	obj, err := client.GetObjectWithContext(ctx, a.cfg.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: getting %s: %v", berrors.ErrStorage, name, err)
	}
	defer obj.Close()
	data, err := ioutil.ReadAll(obj)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: object %s missing", berrors.ErrStorageIntegrity, name)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", berrors.ErrStorage, name, err)
	}
	return data, nil
}

func (a *S3Adapter) Put(ctx context.Context, key ObjectKey, data []byte, sidecar Sidecar) error {
	if err := a.put(ctx, a.objectName(key, ".data"), data); err != nil {
		return err
	}
	meta, err := json.Marshal(sidecar)
	if err != nil {
		return fmt.Errorf("%w: encoding sidecar: %v", berrors.ErrStorage, err)
	}
	return a.put(ctx, a.objectName(key, ".meta"), meta)
}

func (a *S3Adapter) Get(ctx context.Context, key ObjectKey) ([]byte, Sidecar, error) {
	sidecar, err := a.GetMetadata(ctx, key)
	if err != nil {
		return nil, Sidecar{}, err
	}
	data, err := a.get(ctx, a.objectName(key, ".data"))
	if err != nil {
		return nil, Sidecar{}, err
	}
	return data, sidecar, nil
}

func (a *S3Adapter) GetMetadata(ctx context.Context, key ObjectKey) (Sidecar, error) {
	raw, err := a.get(ctx, a.objectName(key, ".meta"))
	if err != nil {
		return Sidecar{}, err
	}
	var sidecar Sidecar
	if err := json.Unmarshal(raw, &sidecar); err != nil {
		return Sidecar{}, fmt.Errorf("%w: decoding sidecar %s: %v", berrors.ErrStorageIntegrity, key, err)
	}
	return sidecar, nil
}

func (a *S3Adapter) Stat(ctx context.Context, key ObjectKey) (int64, error) {
	client, err := a.connect()
	if err != nil {
		return 0, err
	}
	info, err := client.StatObject(a.cfg.Bucket, a.objectName(key, ".data"), minio.StatObjectOptions{})
	if err != nil {
		if notFound(err) {
			return 0, fmt.Errorf("%w: data object %s missing", berrors.ErrStorageIntegrity, key)
		}
		return 0, fmt.Errorf("%w: statting %s: %v", berrors.ErrStorage, key, err)
	}
	return info.Size, nil
}

func (a *S3Adapter) Delete(ctx context.Context, key ObjectKey) error {
	client, err := a.connect()
	if err != nil {
		return err
	}
	for _, suffix := range []string{".data", ".meta"} {
		if err := client.RemoveObject(a.cfg.Bucket, a.objectName(key, suffix)); err != nil && !notFound(err) {
			return fmt.Errorf("%w: deleting %s%s: %v", berrors.ErrStorage, key, suffix, err)
		}
	}
	return nil
}

func (a *S3Adapter) List(ctx context.Context, prefix string) (ListIterator, error) {
	client, err := a.connect()
	if err != nil {
		return nil, err
	}
	doneCh := make(chan struct{})
	defer close(doneCh)

	seen := map[string]bool{}
	var keys []string
	for info := range client.ListObjectsV2(a.cfg.Bucket, a.cfg.Prefix+prefix, true, doneCh) {
		if info.Err != nil {
			return nil, fmt.Errorf("%w: listing %s: %v", berrors.ErrStorage, prefix, info.Err)
		}
		key := strings.TrimPrefix(strings.TrimSuffix(strings.TrimSuffix(info.Key, ".data"), ".meta"), a.cfg.Prefix)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return &fileListIterator{keys: keys}, nil
}
