package storageadapter

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/benji-backup/benji/internal/berrors"
)

// ReadCache is the optional sharded on-disk cache in front of an Adapter.
// It is backed by go.etcd.io/bbolt, bucket-per-shard, using the usual
// db.Update/db.View closure idiom for every operation.
type ReadCache struct {
	Adapter
	db          *bolt.DB
	shards      int
	maximumSize int64
}

const readCacheSizeBucket = "_sizes"

// NewReadCache opens (creating if needed) a bbolt database at path and
// wraps a with it. shards buckets objects by hash of key; once a shard
// holds more than maximumSize/shards bytes, its lowest-sorted keys are
// evicted. There is no access-order or insertion-order index, so the
// eviction order is neither LRU nor FIFO.
func NewReadCache(path string, a Adapter, shards int, maximumSize int64) (*ReadCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening read cache %s: %v", berrors.ErrStorage, path, err)
	}
	if shards <= 0 {
		shards = 1
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for i := 0; i < shards; i++ {
			if _, err := tx.CreateBucketIfNotExists(shardBucketName(i)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists([]byte(readCacheSizeBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing read cache buckets: %v", berrors.ErrStorage, err)
	}
	return &ReadCache{Adapter: a, db: db, shards: shards, maximumSize: maximumSize}, nil
}

func shardBucketName(i int) []byte {
	return []byte(fmt.Sprintf("shard-%d", i))
}

func (c *ReadCache) shardFor(key ObjectKey) []byte {
	sum := sha256.Sum256([]byte(key))
	idx := binary.BigEndian.Uint32(sum[:4]) % uint32(c.shards)
	return shardBucketName(int(idx))
}

// metaKey is the bucket key the sidecar is cached under, next to the
// data bytes, so a cache hit never touches the backend at all.
func metaKey(key ObjectKey) []byte { return []byte(string(key) + "\x00meta") }

func (c *ReadCache) Get(ctx context.Context, key ObjectKey) ([]byte, Sidecar, error) {
	var cached, cachedMeta []byte
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.shardFor(key))
		if v := b.Get([]byte(key)); v != nil {
			cached = append([]byte(nil), v...)
		}
		if v := b.Get(metaKey(key)); v != nil {
			cachedMeta = append([]byte(nil), v...)
		}
		return nil
	})
	if cached != nil && cachedMeta != nil {
		var sidecar Sidecar
		if err := json.Unmarshal(cachedMeta, &sidecar); err == nil {
			return cached, sidecar, nil
		}
	}

	data, sidecar, err := c.Adapter.Get(ctx, key)
	if err != nil {
		return nil, Sidecar{}, err
	}
	c.put(key, data, sidecar)
	return data, sidecar, nil
}

func (c *ReadCache) put(key ObjectKey, data []byte, sidecar Sidecar) {
	meta, err := json.Marshal(sidecar)
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.shardFor(key))
		if err := b.Put([]byte(key), data); err != nil {
			return err
		}
		if err := b.Put(metaKey(key), meta); err != nil {
			return err
		}
		return c.evictIfNeeded(tx, b)
	})
}

// evictIfNeeded drops a shard's keys in bbolt cursor order (key-sorted,
// not insertion order) once the shard's total bytes exceed
// maximumSize/shards.
func (c *ReadCache) evictIfNeeded(tx *bolt.Tx, b *bolt.Bucket) error {
	if c.maximumSize <= 0 {
		return nil
	}
	budget := c.maximumSize / int64(c.shards)
	var total int64
	cur := b.Cursor()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		total += int64(len(v))
	}
	for total > budget {
		k, v := cur.First()
		if k == nil {
			break
		}
		total -= int64(len(v))
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (c *ReadCache) Delete(ctx context.Context, key ObjectKey) error {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.shardFor(key))
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		return b.Delete(metaKey(key))
	})
	return c.Adapter.Delete(ctx, key)
}

func (c *ReadCache) Close() error { return c.db.Close() }
