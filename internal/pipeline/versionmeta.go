package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/storageadapter"
	"github.com/benji-backup/benji/internal/transform"
	"github.com/benji-backup/benji/internal/types"
)

// metadataObjectKey is the dedicated prefix every backup writes its
// version-metadata document under, independent of the block object keys.
func metadataObjectKey(versionUID string) storageadapter.ObjectKey {
	return storageadapter.ObjectKey(fmt.Sprintf("version-metadata/%s", versionUID))
}

// jsonBlock mirrors one entry of the "blocks" array in the schema 2.0.0
// version-metadata document.
type jsonBlock struct {
	UID      *jsonBlockUID `json:"uid"`
	Size     int64         `json:"size"`
	Valid    bool          `json:"valid"`
	Checksum *string       `json:"checksum"`
}

type jsonBlockUID struct {
	Left  int64 `json:"left"`
	Right int64 `json:"right"`
}

type jsonVersion struct {
	UID               string            `json:"uid"`
	Date              string            `json:"date"`
	Volume            string            `json:"volume"`
	Snapshot          string            `json:"snapshot"`
	Size              int64             `json:"size"`
	BlockSize         int64             `json:"block_size"`
	Storage           string            `json:"storage"`
	Status            string            `json:"status"`
	Protected         bool              `json:"protected"`
	BytesRead         int64             `json:"bytes_read"`
	BytesWritten      int64             `json:"bytes_written"`
	BytesDeduplicated int64             `json:"bytes_deduplicated"`
	BytesSparse       int64             `json:"bytes_sparse"`
	Duration          int64             `json:"duration"`
	Labels            map[string]string `json:"labels"`
	Blocks            []jsonBlock       `json:"blocks"`
}

type versionMetadataDocument struct {
	MetadataVersion string        `json:"metadata_version"`
	Versions        []jsonVersion `json:"versions"`
}

func toJSONVersion(v types.Version, blocks []types.Block) jsonVersion {
	jv := jsonVersion{
		UID:               v.UID,
		Date:              v.Date.UTC().Format("2006-01-02T15:04:05.999999999Z"),
		Volume:            v.Volume,
		Snapshot:          v.Snapshot,
		Size:              v.Size,
		BlockSize:         v.BlockSize,
		Storage:           v.Storage,
		Status:            string(v.Status),
		Protected:         v.Protected,
		BytesRead:         v.BytesRead,
		BytesWritten:      v.BytesWritten,
		BytesDeduplicated: v.BytesDeduplicated,
		BytesSparse:       v.BytesSparse,
		Duration:          v.Duration.Nanoseconds(),
		Labels:            v.Labels,
		Blocks:            make([]jsonBlock, len(blocks)),
	}
	for i, b := range blocks {
		jb := jsonBlock{Size: b.Size, Valid: b.Valid}
		if !b.Sparse() {
			hexsum := hex.EncodeToString(b.Checksum)
			jb.Checksum = &hexsum
			jb.UID = &jsonBlockUID{Left: b.UID.Left, Right: b.UID.Right}
		}
		jv.Blocks[i] = jb
	}
	return jv
}

func fromJSONVersion(jv jsonVersion) (types.Version, []types.Block, error) {
	date, err := time.Parse("2006-01-02T15:04:05.999999999Z", jv.Date)
	if err != nil {
		date, err = time.Parse(time.RFC3339Nano, jv.Date)
		if err != nil {
			return types.Version{}, nil, fmt.Errorf("parsing version date %q: %w", jv.Date, err)
		}
	}
	v := types.Version{
		UID:               jv.UID,
		Date:              date,
		Volume:            jv.Volume,
		Snapshot:          jv.Snapshot,
		Size:              jv.Size,
		BlockSize:         jv.BlockSize,
		Storage:           jv.Storage,
		Status:            types.VersionStatus(jv.Status),
		Protected:         jv.Protected,
		BytesRead:         jv.BytesRead,
		BytesWritten:      jv.BytesWritten,
		BytesDeduplicated: jv.BytesDeduplicated,
		BytesSparse:       jv.BytesSparse,
		Duration:          time.Duration(jv.Duration),
		Labels:            jv.Labels,
	}
	blocks := make([]types.Block, len(jv.Blocks))
	for i, jb := range jv.Blocks {
		b := types.Block{VersionUID: jv.UID, Idx: int64(i), Size: jb.Size, Valid: jb.Valid}
		if jb.Checksum != nil {
			sum, err := hex.DecodeString(*jb.Checksum)
			if err != nil {
				return types.Version{}, nil, fmt.Errorf("decoding checksum for block %d: %w", i, err)
			}
			b.Checksum = sum
			if jb.UID != nil {
				b.UID = types.BlockUID{Left: jb.UID.Left, Right: jb.UID.Right}
			}
		}
		blocks[i] = b
	}
	return v, blocks, nil
}

// WriteVersionMetadata serializes version and its blocks to the schema
// 2.0.0 JSON document, applies chain, and stores it under the
// version-metadata prefix: the "version metadata backup" step run
// after every successful backup.
func WriteVersionMetadata(ctx context.Context, store metadata.Store, storage storageadapter.Adapter, chain *transform.Chain, transforms []string, version types.Version) error {
	it, err := store.StreamBlocks(ctx, version.UID)
	if err != nil {
		return err
	}
	defer it.Close()
	var blocks []types.Block
	for {
		blk, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		blocks = append(blocks, blk)
	}

	doc := versionMetadataDocument{
		MetadataVersion: "2.0.0",
		Versions:        []jsonVersion{toJSONVersion(version, blocks)},
	}
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	transformed, headers, err := chain.Forward(transforms, plaintext)
	if err != nil {
		return err
	}
	sidecar := storageadapter.Sidecar{
		SchemaVersion:    "2.0.0",
		Created:          time.Now().UTC(),
		Transforms:       transforms,
		OriginalSize:     int64(len(plaintext)),
		TransformedSize:  int64(len(transformed)),
		TransformHeaders: toStringMapMap(headers),
	}
	return storage.Put(ctx, metadataObjectKey(version.UID), transformed, sidecar)
}

// ImportDatabaseLess fetches a version-metadata document from storage and
// loads it into a fresh in-memory metadata.Store, enabling restore to run
// against a Version whose row never existed in (or was lost from) the
// relational store.
func ImportDatabaseLess(ctx context.Context, storage storageadapter.Adapter, chain *transform.Chain, versionUID string) (metadata.Store, error) {
	raw, sidecar, err := storage.Get(ctx, metadataObjectKey(versionUID))
	if err != nil {
		return nil, fmt.Errorf("fetching version metadata for %s: %w", versionUID, err)
	}
	headers := make(map[string]transform.Header, len(sidecar.TransformHeaders))
	for name, fields := range sidecar.TransformHeaders {
		headers[name] = transform.Header(fields)
	}
	plaintext, err := chain.Inverse(sidecar.Transforms, headers, raw)
	if err != nil {
		return nil, fmt.Errorf("inverse-transforming version metadata for %s: %w", versionUID, err)
	}

	var doc versionMetadataDocument
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("parsing version metadata json: %w", err)
	}
	if len(doc.Versions) != 1 {
		return nil, fmt.Errorf("expected exactly one version in metadata document, got %d", len(doc.Versions))
	}
	v, blocks, err := fromJSONVersion(doc.Versions[0])
	if err != nil {
		return nil, err
	}

	mem := metadata.NewMemStore()
	if err := mem.CreateVersion(ctx, v); err != nil {
		return nil, err
	}
	if err := mem.InsertBlocks(ctx, v.Storage, blocks); err != nil {
		return nil, err
	}
	return mem, nil
}

// ExportVersionsJSON serializes every Version (and its blocks) matching
// filter into one schema 2.0.0 document, the `metadata-export` command's
// payload.
func ExportVersionsJSON(ctx context.Context, store metadata.Store, filter metadata.VersionFilter) ([]byte, error) {
	it, err := store.ListVersions(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	doc := versionMetadataDocument{MetadataVersion: "2.0.0"}
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		bit, err := store.StreamBlocks(ctx, v.UID)
		if err != nil {
			return nil, err
		}
		var blocks []types.Block
		for {
			blk, ok, err := bit.Next(ctx)
			if err != nil {
				bit.Close()
				return nil, err
			}
			if !ok {
				break
			}
			blocks = append(blocks, blk)
		}
		bit.Close()
		doc.Versions = append(doc.Versions, toJSONVersion(v, blocks))
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ImportVersionsJSON parses a document produced by ExportVersionsJSON and
// creates every Version and its Blocks in store, the `metadata-import`
// command's effect.
func ImportVersionsJSON(ctx context.Context, store metadata.Store, data []byte) (int, error) {
	var doc versionMetadataDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parsing version metadata json: %w", err)
	}
	for _, jv := range doc.Versions {
		v, blocks, err := fromJSONVersion(jv)
		if err != nil {
			return 0, err
		}
		if _, err := store.EnsureStorage(ctx, v.Storage); err != nil {
			return 0, err
		}
		if err := store.CreateVersion(ctx, v); err != nil {
			return 0, fmt.Errorf("creating version %s: %w", v.UID, err)
		}
		if err := store.InsertBlocks(ctx, v.Storage, blocks); err != nil {
			return 0, fmt.Errorf("inserting blocks for %s: %w", v.UID, err)
		}
	}
	return len(doc.Versions), nil
}

// RestoreVersionMetadata fetches versionUID's version-metadata document
// from storage and inserts it into store directly, unlike
// ImportDatabaseLess which loads into a throwaway MemStore for a single
// restore run: this is the `metadata-restore` command's effect.
func RestoreVersionMetadata(ctx context.Context, store metadata.Store, storage storageadapter.Adapter, chain *transform.Chain, versionUID string) error {
	mem, err := ImportDatabaseLess(ctx, storage, chain, versionUID)
	if err != nil {
		return err
	}
	defer mem.Close()

	v, err := mem.GetVersion(ctx, versionUID)
	if err != nil {
		return err
	}
	it, err := mem.StreamBlocks(ctx, versionUID)
	if err != nil {
		return err
	}
	defer it.Close()
	var blocks []types.Block
	for {
		blk, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		blocks = append(blocks, blk)
	}

	if _, err := store.EnsureStorage(ctx, v.Storage); err != nil {
		return err
	}
	if err := store.CreateVersion(ctx, v); err != nil {
		return err
	}
	return store.InsertBlocks(ctx, v.Storage, blocks)
}
