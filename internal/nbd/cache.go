package nbd

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/types"
)

var blockCacheBucket = []byte("blocks")

// BlockCache is the directory-backed, bounded cache of decoded block
// contents keyed by block_uid, giving the read path an O(1) lookup
// instead of a Storage round-trip for hot blocks. Grounded on the same
// go.etcd.io/bbolt engine and db.Update/db.View closure idiom as
// internal/storageadapter's ReadCache; unlike that cache (which stores
// transformed bytes keyed by object key), this one stores already
// inverse-transformed plaintext keyed by the 16-byte block_uid, since the
// NBD read path never needs the transformed form again once decoded.
type BlockCache struct {
	db          *bolt.DB
	maximumSize int64
}

// NewBlockCache opens (creating if needed) a bbolt database at path.
func NewBlockCache(path string, maximumSize int64) (*BlockCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening nbd block cache %s: %v", berrors.ErrConfig, path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blockCacheBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BlockCache{db: db, maximumSize: maximumSize}, nil
}

func cacheKey(uid types.BlockUID) []byte {
	var k [16]byte
	binary.BigEndian.PutUint64(k[:8], uint64(uid.Left))
	binary.BigEndian.PutUint64(k[8:], uint64(uid.Right))
	return k[:]
}

// Get returns the cached plaintext for uid, if present.
func (c *BlockCache) Get(_ context.Context, uid types.BlockUID) ([]byte, bool) {
	var out []byte
	_ = c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(blockCacheBucket).Get(cacheKey(uid)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil
}

// Put stores plaintext for uid, evicting the oldest entries (bbolt
// cursor order, an insertion-order approximation for opaque keys) once
// the database exceeds maximumSize.
func (c *BlockCache) Put(_ context.Context, uid types.BlockUID, plaintext []byte) {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blockCacheBucket)
		if err := b.Put(cacheKey(uid), plaintext); err != nil {
			return err
		}
		if c.maximumSize <= 0 {
			return nil
		}
		var total int64
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			total += int64(len(v))
		}
		for total > c.maximumSize {
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
	})
}

func (c *BlockCache) Close() error { return c.db.Close() }
