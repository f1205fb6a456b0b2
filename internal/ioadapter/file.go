package ioadapter

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/diskfs/go-diskfs"

	"github.com/benji-backup/benji/internal/berrors"
)

// FileAdapter reads/writes plain image files and raw block devices.
// Raw device sizing uses go-diskfs rather than os.Stat, because block
// devices report a zero-length Stat().Size() on Linux.
type FileAdapter struct{}

func NewFileAdapter() *FileAdapter { return &FileAdapter{} }

func (*FileAdapter) Scheme() string { return "file" }

func (a *FileAdapter) Open(ctx context.Context, uri string, mode Mode) (Handle, error) {
	path := strings.TrimPrefix(uri, "file:")
	flags := os.O_RDONLY
	if mode == ModeReadWrite {
		// Restore targets may not exist yet; an existing non-empty
		// destination is refused higher up unless forced.
		flags = os.O_RDWR | os.O_CREATE
	}

	info, err := os.Stat(path)
	isDevice := err == nil && info.Mode()&os.ModeDevice != 0

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", berrors.ErrIO, path, err)
	}

	size, err := sizeOf(path, f, isDevice)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: sizing %s: %v", berrors.ErrIO, path, err)
	}

	return &fileHandle{f: f, size: size, device: isDevice}, nil
}

func sizeOf(path string, f *os.File, isDevice bool) (int64, error) {
	if !isDevice {
		info, err := f.Stat()
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	disk, err := diskfs.Open(path)
	if err != nil {
		return 0, err
	}
	defer disk.Close()
	return disk.Size, nil
}

type fileHandle struct {
	f      *os.File
	size   int64
	device bool
}

func (h *fileHandle) Size(ctx context.Context) (int64, error) { return h.size, nil }

// BlockSizeHint returns 0: plain files carry no adapter-preferred block
// size, so the engine's configured blockSize always wins.
func (h *fileHandle) BlockSizeHint() int64 { return 0 }

func (h *fileHandle) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := h.f.ReadAt(buf, offset)
	if n == len(buf) {
		return buf, nil
	}
	if err != nil && err != io.EOF {
		return buf[:n], fmt.Errorf("%w: reading at %d: %v", berrors.ErrIO, offset, err)
	}
	// short read past EOF: zero-fill the remainder, the caller treats a
	// fully-zero block as sparse regardless of whether that came from
	// disk content or end-of-file padding.
	return buf, nil
}

func (h *fileHandle) Write(ctx context.Context, offset int64, data []byte) error {
	if _, err := h.f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: writing at %d: %v", berrors.ErrIO, offset, err)
	}
	return nil
}

func (h *fileHandle) Discard(ctx context.Context, offset, length int64) error {
	// A whole-extent discard of a plain file becomes a truncate-to-zero
	// followed by a truncate to the full length, which leaves a sparse
	// file of the right size without writing a byte. Partial discards
	// zero-fill, so a subsequent read still observes an all-zero region.
	if offset == 0 && length >= h.size && !h.device {
		if err := h.f.Truncate(0); err != nil {
			return fmt.Errorf("%w: truncating for discard: %v", berrors.ErrIO, err)
		}
		if err := h.f.Truncate(length); err != nil {
			return fmt.Errorf("%w: extending after discard: %v", berrors.ErrIO, err)
		}
		return nil
	}
	zeros := make([]byte, length)
	return h.Write(ctx, offset, zeros)
}

func (h *fileHandle) Hints(ctx context.Context) (HintIterator, error) { return nil, nil }

func (h *fileHandle) Close() error { return h.f.Close() }
