package metadata

import "context"

// CountRows reports the total number of Version and Block rows a Store
// holds, by walking the same iterator-backed queries every other caller
// uses. benji-migrate's post-migration summary is the only consumer, so
// a dedicated COUNT(*) per backend isn't worth a second code path.
func CountRows(ctx context.Context, store Store) (versions int, blocks int, err error) {
	it, err := store.ListVersions(ctx, VersionFilter{})
	if err != nil {
		return 0, 0, err
	}
	defer it.Close()
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			return versions, blocks, err
		}
		if !ok {
			break
		}
		versions++
		bit, err := store.StreamBlocks(ctx, v.UID)
		if err != nil {
			return versions, blocks, err
		}
		for {
			_, ok, err := bit.Next(ctx)
			if err != nil {
				bit.Close()
				return versions, blocks, err
			}
			if !ok {
				break
			}
			blocks++
		}
		bit.Close()
	}
	return versions, blocks, nil
}
