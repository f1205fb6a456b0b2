package storageadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benji-backup/benji/internal/berrors"
)

// FileAdapter is the local-disk Storage backend: every object is a pair
// of files, "<key>.data" and "<key>.meta", under a root directory.
type FileAdapter struct {
	root string
}

// NewFileAdapter creates (if needed) root and returns a backend rooted there.
func NewFileAdapter(root string) (*FileAdapter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating storage root %s: %v", berrors.ErrConfig, root, err)
	}
	return &FileAdapter{root: root}, nil
}

func (*FileAdapter) Module() string { return "file" }

func (a *FileAdapter) dataPath(key ObjectKey) string {
	return filepath.Join(a.root, string(key)+".data")
}

func (a *FileAdapter) metaPath(key ObjectKey) string {
	return filepath.Join(a.root, string(key)+".meta")
}

func (a *FileAdapter) Put(ctx context.Context, key ObjectKey, data []byte, sidecar Sidecar) error {
	if err := os.MkdirAll(filepath.Dir(a.dataPath(key)), 0o755); err != nil {
		return fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	if err := os.WriteFile(a.dataPath(key), data, 0o644); err != nil {
		return fmt.Errorf("%w: writing data object %s: %v", berrors.ErrStorage, key, err)
	}
	meta, err := json.Marshal(sidecar)
	if err != nil {
		return fmt.Errorf("%w: encoding sidecar for %s: %v", berrors.ErrStorage, key, err)
	}
	if err := os.WriteFile(a.metaPath(key), meta, 0o644); err != nil {
		return fmt.Errorf("%w: writing sidecar %s: %v", berrors.ErrStorage, key, err)
	}
	return nil
}

func (a *FileAdapter) Get(ctx context.Context, key ObjectKey) ([]byte, Sidecar, error) {
	sidecar, err := a.GetMetadata(ctx, key)
	if err != nil {
		return nil, Sidecar{}, err
	}
	data, err := os.ReadFile(a.dataPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Sidecar{}, fmt.Errorf("%w: data object %s missing", berrors.ErrStorageIntegrity, key)
		}
		return nil, Sidecar{}, fmt.Errorf("%w: reading data object %s: %v", berrors.ErrStorage, key, err)
	}
	if int64(len(data)) != sidecar.TransformedSize {
		return nil, Sidecar{}, fmt.Errorf("%w: data object %s size %d does not match sidecar %d",
			berrors.ErrStorageIntegrity, key, len(data), sidecar.TransformedSize)
	}
	return data, sidecar, nil
}

func (a *FileAdapter) GetMetadata(ctx context.Context, key ObjectKey) (Sidecar, error) {
	raw, err := os.ReadFile(a.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Sidecar{}, fmt.Errorf("%w: sidecar %s missing", berrors.ErrStorageIntegrity, key)
		}
		return Sidecar{}, fmt.Errorf("%w: reading sidecar %s: %v", berrors.ErrStorage, key, err)
	}
	var sidecar Sidecar
	if err := json.Unmarshal(raw, &sidecar); err != nil {
		return Sidecar{}, fmt.Errorf("%w: decoding sidecar %s: %v", berrors.ErrStorageIntegrity, key, err)
	}
	return sidecar, nil
}

func (a *FileAdapter) Stat(ctx context.Context, key ObjectKey) (int64, error) {
	info, err := os.Stat(a.dataPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: data object %s missing", berrors.ErrStorageIntegrity, key)
		}
		return 0, fmt.Errorf("%w: statting data object %s: %v", berrors.ErrStorage, key, err)
	}
	return info.Size(), nil
}

func (a *FileAdapter) Delete(ctx context.Context, key ObjectKey) error {
	if err := os.Remove(a.dataPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: deleting data object %s: %v", berrors.ErrStorage, key, err)
	}
	if err := os.Remove(a.metaPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: deleting sidecar %s: %v", berrors.ErrStorage, key, err)
	}
	return nil
}

func (a *FileAdapter) List(ctx context.Context, prefix string) (ListIterator, error) {
	var keys []string
	err := filepath.WalkDir(a.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.HasSuffix(path, ".data") {
			return nil
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(rel, ".data")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing prefix %s: %v", berrors.ErrStorage, prefix, err)
	}
	sort.Strings(keys)
	return &fileListIterator{keys: keys}, nil
}

type fileListIterator struct {
	keys []string
	pos  int
}

func (it *fileListIterator) Next(ctx context.Context) (ListEntry, bool, error) {
	if it.pos >= len(it.keys) {
		return ListEntry{}, false, nil
	}
	key := it.keys[it.pos]
	it.pos++
	return ListEntry{Key: ObjectKey(key)}, true, nil
}

// NewSidecar stamps Created/Modified in UTC with the now-parameter as
// provided by the caller, so tests remain deterministic.
func NewSidecar(now time.Time, transforms []string, originalSize, transformedSize int64) Sidecar {
	return Sidecar{
		SchemaVersion:   "2.0.0",
		Created:         now.UTC(),
		Modified:        now.UTC(),
		Transforms:      transforms,
		OriginalSize:    originalSize,
		TransformedSize: transformedSize,
	}
}
