// Package lz4codec wraps github.com/pierrec/lz4/v4 for the two shapes
// the transfer engine needs: whole-chunk block compression on push, and
// a pull-driven streaming decompressor on pull that never retains a
// full input or output buffer.
package lz4codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CompressBlock compresses data as a single LZ4 frame and returns the
// compressed bytes. Intended for chunks up to the configured chunk size
// (default 512 MiB); block-mode compression holds the whole chunk in
// memory, which is tolerable at that size per spec.md §4.B.
func CompressBlock(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: close: %w", err)
	}
	return buf.Bytes(), nil
}

// InputFunc supplies up to len(buf) bytes of compressed input on
// demand, returning the number of bytes placed in buf and io.EOF once
// no more compressed input remains. It mirrors spec.md §4.B's
// "pull-style input callback".
type InputFunc func(buf []byte) (n int, err error)

// funcReader adapts an InputFunc to io.Reader so it can drive
// lz4.Reader without materialising the whole compressed stream.
type funcReader struct {
	next InputFunc
}

func (r *funcReader) Read(buf []byte) (int, error) {
	return r.next(buf)
}

// StreamDecompressor produces decompressed output in bounded-size
// slices, pulling compressed input through an InputFunc. Neither the
// full input nor the full output is ever held in memory at once.
type StreamDecompressor struct {
	r *lz4.Reader
}

// NewStreamDecompressor wraps an InputFunc for streaming decompression.
func NewStreamDecompressor(next InputFunc) *StreamDecompressor {
	return &StreamDecompressor{r: lz4.NewReader(&funcReader{next: next})}
}

// CopyTo drains the decompressor into w in slices of at most
// sliceSize bytes, invoking onSlice for every slice before it is
// discarded (the Sparse Writer uses this hook to detect all-zero
// slices without a second pass over the data). Returns the total
// number of decompressed bytes produced.
func (d *StreamDecompressor) CopyTo(sliceSize int, onSlice func(slice []byte) error) (int64, error) {
	buf := make([]byte, sliceSize)
	var total int64
	for {
		n, err := d.r.Read(buf)
		if n > 0 {
			if cbErr := onSlice(buf[:n]); cbErr != nil {
				return total, cbErr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("lz4 decompress: %w", err)
		}
	}
}
