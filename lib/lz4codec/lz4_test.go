package lz4codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressRoundTripViaStreamDecompressor(t *testing.T) {
	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 10000)

	compressed, err := CompressBlock(original)
	require.NoError(t, err)
	require.NotEmpty(t, compressed)

	reader := bytes.NewReader(compressed)
	dec := NewStreamDecompressor(func(buf []byte) (int, error) {
		return reader.Read(buf)
	})

	var out bytes.Buffer
	total, err := dec.CopyTo(4<<20, func(slice []byte) error {
		_, werr := out.Write(slice)
		return werr
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(original)), total)
	require.Equal(t, original, out.Bytes())
}

func TestStreamDecompressorBoundedSlices(t *testing.T) {
	original := bytes.Repeat([]byte{0x41}, 1<<20)
	compressed, err := CompressBlock(original)
	require.NoError(t, err)

	reader := bytes.NewReader(compressed)
	dec := NewStreamDecompressor(func(buf []byte) (int, error) {
		return reader.Read(buf)
	})

	var maxSlice int
	var total int64
	_, err = dec.CopyTo(64*1024, func(slice []byte) error {
		if len(slice) > maxSlice {
			maxSlice = len(slice)
		}
		total += int64(len(slice))
		return nil
	})
	require.NoError(t, err)
	require.LessOrEqual(t, maxSlice, 64*1024)
	require.Equal(t, int64(len(original)), total)
}

func TestCompressEmpty(t *testing.T) {
	compressed, err := CompressBlock(nil)
	require.NoError(t, err)

	reader := bytes.NewReader(compressed)
	dec := NewStreamDecompressor(func(buf []byte) (int, error) {
		return reader.Read(buf)
	})

	var out bytes.Buffer
	total, err := dec.CopyTo(4096, func(slice []byte) error {
		_, werr := out.Write(slice)
		return werr
	})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Equal(t, 0, out.Len())
}
