package image

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskChunkDescriptorAnnotations(t *testing.T) {
	d := DiskChunkDescriptor("sha256:aaa", 100, "sha256:bbb", 512)
	require.Equal(t, MediaTypeDiskChunk, d.MediaType)
	require.Equal(t, int64(100), d.Size)

	size, ok := UncompressedSize(d)
	require.True(t, ok)
	require.Equal(t, int64(512), size)

	dig, ok := UncompressedDigest(d)
	require.True(t, ok)
	require.Equal(t, "sha256:bbb", dig)
}

func TestUncompressedSizeFallsBackToLegacyKey(t *testing.T) {
	d := Descriptor{Annotations: map[string]string{
		AnnotationUncompressedSizeLegacy: "2048",
	}}
	size, ok := UncompressedSize(d)
	require.True(t, ok)
	require.Equal(t, int64(2048), size)
}

func TestImageUncompressedDiskSizeRoundTrip(t *testing.T) {
	m := NewManifest()
	SetImageUncompressedDiskSize(&m, 123456)

	size, ok := ImageUncompressedDiskSize(m)
	require.True(t, ok)
	require.Equal(t, int64(123456), size)
	require.Equal(t, "123456", m.Annotations[AnnotationImageUncompressedDiskSize])
	_, legacySet := m.Annotations[AnnotationImageUncompressedDiskSizeLegacy]
	require.False(t, legacySet)
}

func TestDiskChunkLayersPreservesOrder(t *testing.T) {
	m := NewManifest()
	m.Layers = []Descriptor{
		ConfigDescriptor("sha256:cfg", 10),
		DiskChunkDescriptor("sha256:c0", 10, "sha256:u0", 20),
		DiskChunkDescriptor("sha256:c1", 10, "sha256:u1", 20),
	}

	chunks := DiskChunkLayers(m)
	require.Len(t, chunks, 2)
	require.Equal(t, "sha256:c0", chunks[0].Digest.String())
	require.Equal(t, "sha256:c1", chunks[1].Digest.String())
}

func TestNVRAMLayerFound(t *testing.T) {
	m := NewManifest()
	m.Layers = []Descriptor{
		NVRAMDescriptor("sha256:nv", 5, "sha256:nvu", 8),
	}
	nv, ok := NVRAMLayer(m)
	require.True(t, ok)
	require.Equal(t, MediaTypeNVRAM, nv.MediaType)
}

func TestDigestIsStableAcrossRemarshal(t *testing.T) {
	m := NewManifest()
	m.Layers = []Descriptor{
		DiskChunkDescriptor("sha256:c0", 10, "sha256:u0", 20),
	}
	SetImageUncompressedDiskSize(&m, 20)

	d1, err := Digest(m)
	require.NoError(t, err)

	raw, err := CanonicalJSON(m)
	require.NoError(t, err)

	var roundTripped Manifest
	require.NoError(t, json.Unmarshal(raw, &roundTripped))

	d2, err := Digest(roundTripped)
	require.NoError(t, err)

	require.Equal(t, d1, d2)
}
