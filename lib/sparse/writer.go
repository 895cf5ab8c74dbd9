// Package sparse places decompressed disk-image bytes into a
// pre-truncated output file, eliding all-zero regions at a fixed
// granularity so the result stays a sparse file on filesystems that
// support holes. Grounded on the truncate-then-populate idiom in
// the teacher's disk image creation helpers.
package sparse

import (
	"bytes"
	"fmt"
	"os"

	"github.com/trycua/lume/lib/lz4codec"
)

// HoleGranularity is the fixed slice size at which the writer detects
// and skips all-zero regions (spec.md §4.C).
const HoleGranularity = 4 << 20 // 4 MiB

var zeroSlice = make([]byte, HoleGranularity)

// Writer writes decompressed chunk payloads into f starting at a
// caller-supplied absolute offset, advancing the logical write offset
// without issuing a write whenever a full-granularity slice is all
// zeros.
type Writer struct {
	f *os.File
}

// New wraps an already-opened, pre-truncated output file.
func New(f *os.File) *Writer {
	return &Writer{f: f}
}

// PlaceChunk decompresses everything the decompressor yields and
// writes it starting at startOffset, preserving sparseness. Returns
// the number of decompressed bytes processed; callers chain chunks by
// passing startOffset_next = startOffset + returned value.
func (w *Writer) PlaceChunk(dec *lz4codec.StreamDecompressor, startOffset int64) (int64, error) {
	offset := startOffset
	var writeErr error

	total, err := dec.CopyTo(HoleGranularity, func(slice []byte) error {
		if len(slice) == HoleGranularity && isZero(slice) {
			offset += int64(len(slice))
			return nil
		}
		if _, err := w.f.Seek(offset, 0); err != nil {
			writeErr = fmt.Errorf("seek to offset %d: %w", offset, err)
			return writeErr
		}
		n, err := w.f.Write(slice)
		if err != nil {
			writeErr = fmt.Errorf("write %d bytes at offset %d: %w", len(slice), offset, err)
			return writeErr
		}
		offset += int64(n)
		return nil
	})
	if err != nil {
		return total, err
	}
	if writeErr != nil {
		return total, writeErr
	}

	if _, err := w.f.Seek(startOffset+total, 0); err != nil {
		return total, fmt.Errorf("seek to logical end %d: %w", startOffset+total, err)
	}
	if err := w.f.Sync(); err != nil {
		return total, fmt.Errorf("flush: %w", err)
	}

	return total, nil
}

// isZero reports whether slice is entirely zero bytes. Only called on
// full-granularity slices per spec.md §4.C ("a full-granularity slice
// equals the all-zeros block").
func isZero(slice []byte) bool {
	return bytes.Equal(slice, zeroSlice)
}

// Preallocate creates (or truncates) path to totalSize bytes, the
// sparse preallocation step that precedes chunk placement.
func Preallocate(path string, totalSize int64) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := f.Truncate(totalSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate %s to %d: %w", path, totalSize, err)
	}
	return f, nil
}
