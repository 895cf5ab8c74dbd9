// Package image models the OCI image manifest shape this engine reads
// and writes: media types, annotation keys (current plus legacy),
// descriptor construction, and the byte-exact manifest digest
// computation invariant I4 depends on.
package image

import (
	"bytes"
	"encoding/json"
	"fmt"

	opendigest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/trycua/lume/lib/digest"
)

// godigestFrom converts a canonical "sha256:<hex>" string into the
// digest.Digest type the OCI descriptor struct requires.
func godigestFrom(canonical string) opendigest.Digest {
	return opendigest.Digest(canonical)
}

// Recognised media types (spec.md §3).
const (
	MediaTypeConfig    = "application/vnd.oci.image.config.v1+json"
	MediaTypeNVRAM     = "application/octet-stream"
	MediaTypeDiskChunk = "application/octet-stream+lz4"
)

// Annotation keys. Current keys are written on push; legacy keys are
// read as a fallback on pull for manifests produced by older
// implementations of this transfer format.
const (
	AnnotationUncompressedSize          = "org.trycua.lume.uncompressed-size"
	AnnotationUncompressedSizeLegacy    = "com.trycua.lume.disk.uncompressed_size"
	AnnotationUncompressedDigest        = "org.trycua.lume.uncompressed-content-digest"
	AnnotationUncompressedDigestLegacy  = "com.trycua.lume.disk.uncompressed_digest"
	AnnotationImageUncompressedDiskSize = "org.trycua.lume.uncompressed-disk-size"
	AnnotationImageUncompressedDiskSizeLegacy = "com.trycua.lume.disk.uncompressed_size"
	AnnotationUploadedAt                = "org.trycua.lume.uploaded-at"
)

// SchemaVersion and the manifest content type, spec-mandated constants
// for the OCI image manifest shape.
const (
	SchemaVersion      = 2
	ManifestMediaType  = "application/vnd.oci.image.manifest.v1+json"
)

// Manifest wraps the upstream OCI type alias so call sites in this
// module stay within the image package rather than importing
// opencontainers/image-spec directly everywhere.
type Manifest = v1.Manifest

// Descriptor is the upstream descriptor type.
type Descriptor = v1.Descriptor

// NewManifest builds an empty manifest with the schema version and
// media type this engine always writes.
func NewManifest() Manifest {
	return Manifest{
		SchemaVersion: SchemaVersion,
		MediaType:     ManifestMediaType,
		Annotations:   map[string]string{},
	}
}

// DiskChunkDescriptor builds the descriptor for one compressed disk
// chunk. Only the current annotation keys are written; readers accept
// either current or legacy (see UncompressedSize/UncompressedDigest).
func DiskChunkDescriptor(compressedDigest string, compressedSize int64, uncompressedDigest string, uncompressedSize int64) Descriptor {
	return Descriptor{
		MediaType: MediaTypeDiskChunk,
		Digest:    godigestFrom(compressedDigest),
		Size:      compressedSize,
		Annotations: map[string]string{
			AnnotationUncompressedSize:   fmt.Sprintf("%d", uncompressedSize),
			AnnotationUncompressedDigest: uncompressedDigest,
		},
	}
}

// ConfigDescriptor builds the descriptor for the opaque config.json blob.
func ConfigDescriptor(blobDigest string, size int64) Descriptor {
	return Descriptor{
		MediaType: MediaTypeConfig,
		Digest:    godigestFrom(blobDigest),
		Size:      size,
	}
}

// NVRAMDescriptor builds the descriptor for the (LZ4-compressed)
// nvram blob, which reuses the uncompressed-size/digest annotation
// convention even though it is not chunk-indexed.
func NVRAMDescriptor(compressedDigest string, compressedSize int64, uncompressedDigest string, uncompressedSize int64) Descriptor {
	d := DiskChunkDescriptor(compressedDigest, compressedSize, uncompressedDigest, uncompressedSize)
	d.MediaType = MediaTypeNVRAM
	return d
}

// UncompressedSize reads a disk-chunk or nvram descriptor's
// uncompressed-size annotation, preferring the current key and
// falling back to the legacy key.
func UncompressedSize(d Descriptor) (int64, bool) {
	return readAnnotationInt(d.Annotations, AnnotationUncompressedSize, AnnotationUncompressedSizeLegacy)
}

// UncompressedDigest reads a disk-chunk or nvram descriptor's
// uncompressed-content-digest annotation, current key first.
func UncompressedDigest(d Descriptor) (string, bool) {
	if v, ok := d.Annotations[AnnotationUncompressedDigest]; ok && v != "" {
		return v, true
	}
	if v, ok := d.Annotations[AnnotationUncompressedDigestLegacy]; ok && v != "" {
		return v, true
	}
	return "", false
}

// ImageUncompressedDiskSize reads the image-level uncompressed disk
// size annotation, current key first, falling back to legacy.
func ImageUncompressedDiskSize(m Manifest) (int64, bool) {
	return readAnnotationInt(m.Annotations, AnnotationImageUncompressedDiskSize, AnnotationImageUncompressedDiskSizeLegacy)
}

// SetImageUncompressedDiskSize sets the current image-level size
// annotation. Readers fall back to the legacy key (see
// ImageUncompressedDiskSize) for manifests written by older clients.
func SetImageUncompressedDiskSize(m *Manifest, size int64) {
	if m.Annotations == nil {
		m.Annotations = map[string]string{}
	}
	m.Annotations[AnnotationImageUncompressedDiskSize] = fmt.Sprintf("%d", size)
}

// DiskChunkLayers returns the subset of m.Layers whose media type is
// a disk chunk, in manifest order (invariant I2 relies on this order
// being preserved, not re-sorted).
func DiskChunkLayers(m Manifest) []Descriptor {
	var out []Descriptor
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeDiskChunk {
			out = append(out, l)
		}
	}
	return out
}

// NVRAMLayer returns the first nvram-media-type layer, if any.
func NVRAMLayer(m Manifest) (Descriptor, bool) {
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeNVRAM {
			return l, true
		}
	}
	return Descriptor{}, false
}

// CanonicalJSON marshals v with sorted map keys and no HTML escaping,
// producing the exact byte sequence this engine both PUTs to the
// registry and later re-derives the manifest digest from (invariant
// I4: "recomputing from cached manifest.json yields the same
// manifestId"). encoding/json already sorts map[string]string keys
// when marshalling, so the only requirement here is disabling HTML
// escaping, which would otherwise mutate bytes on re-marshal.
func CanonicalJSON(m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; registries
	// generally accept it, but strip it so the digest is taken over
	// exactly the bytes a reader would expect from json.Marshal.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest computes the canonical content digest of m's JSON
// serialisation, the manifestId used to key the local cache.
func Digest(m Manifest) (string, error) {
	raw, err := CanonicalJSON(m)
	if err != nil {
		return "", err
	}
	return digest.Bytes(raw), nil
}

func readAnnotationInt(annotations map[string]string, key, legacyKey string) (int64, bool) {
	raw, ok := annotations[key]
	if !ok || raw == "" {
		raw, ok = annotations[legacyKey]
		if !ok || raw == "" {
			return 0, false
		}
	}
	var n int64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
