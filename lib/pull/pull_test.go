package pull

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trycua/lume/lib/cache"
	"github.com/trycua/lume/lib/digest"
	"github.com/trycua/lume/lib/image"
	"github.com/trycua/lume/lib/lz4codec"
	"github.com/trycua/lume/lib/ociclient"
	"github.com/trycua/lume/lib/paths"
)

// fakeRegistry serves one manifest and its blobs from memory, mimicking
// just enough of the OCI Distribution Spec v2 surface for the pull
// orchestrator's HTTP calls.
type fakeRegistry struct {
	manifestRaw []byte
	manifestID  string
	blobs       map[string][]byte
}

func newFakeRegistry(manifestRaw []byte, manifestID string, blobs map[string][]byte) *httptest.Server {
	reg := &fakeRegistry{manifestRaw: manifestRaw, manifestID: manifestID, blobs: blobs}
	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "test-token"})
	})

	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/manifests/"):
			w.Header().Set("Docker-Content-Digest", reg.manifestID)
			w.Header().Set("Content-Type", image.ManifestMediaType)
			w.Write(reg.manifestRaw)
		case strings.Contains(r.URL.Path, "/blobs/"):
			parts := strings.Split(r.URL.Path, "/blobs/")
			digest := parts[len(parts)-1]
			data, ok := reg.blobs[digest]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	return httptest.NewServer(mux)
}

// buildFixture compresses a small disk image into two chunks plus a
// config blob, and returns a manifest + blob map wired to real digests
// so the orchestrator's own validation logic is exercised end to end.
func buildFixture(t *testing.T) ([]byte, string, map[string][]byte, []byte) {
	t.Helper()

	diskImage := bytes.Repeat([]byte{0}, 8<<20)
	copy(diskImage[1<<20:], bytes.Repeat([]byte{0xAB}, 1024))
	copy(diskImage[5<<20:], bytes.Repeat([]byte{0xCD}, 2048))

	chunkSize := 4 << 20
	var layers []image.Descriptor
	blobs := map[string][]byte{}

	for i := 0; i*chunkSize < len(diskImage); i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(diskImage) {
			end = len(diskImage)
		}
		raw := diskImage[start:end]
		compressed, err := lz4codec.CompressBlock(raw)
		require.NoError(t, err)

		uncompressedDigest := digest.Bytes(raw)
		compressedDigest := digest.Bytes(compressed)
		desc := image.DiskChunkDescriptor(compressedDigest, int64(len(compressed)), uncompressedDigest, int64(len(raw)))
		layers = append(layers, desc)
		blobs[compressedDigest] = compressed
	}

	configRaw := []byte(`{"name":"test-vm"}`)
	configDigest := digest.Bytes(configRaw)
	configDesc := image.ConfigDescriptor(configDigest, int64(len(configRaw)))
	blobs[configDigest] = configRaw

	manifest := image.NewManifest()
	manifest.Config = configDesc
	manifest.Layers = layers
	image.SetImageUncompressedDiskSize(&manifest, int64(len(diskImage)))

	raw, err := image.CanonicalJSON(manifest)
	require.NoError(t, err)
	manifestID, err := image.Digest(manifest)
	require.NoError(t, err)

	return raw, manifestID, blobs, diskImage
}

func newOrchestrator(t *testing.T, srv *httptest.Server) (*Orchestrator, *cache.Cache, string) {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")

	client := ociclient.New(ociclient.Config{
		Host:            host,
		Insecure:        true,
		MaxConnsPerHost: 4,
		MaxAttempts:     3,
	})

	cacheRoot := t.TempDir()
	p := paths.New(cacheRoot)
	c := cache.New(p, "testorg")

	return New(client, c, "testorg", Options{Concurrency: 2}, nil), c, cacheRoot
}

func TestPullRoundTripsDiskImage(t *testing.T) {
	manifestRaw, manifestID, blobs, diskImage := buildFixture(t)
	srv := newFakeRegistry(manifestRaw, manifestID, blobs)
	defer srv.Close()

	orch, _, _ := newOrchestrator(t, srv)
	destDir := filepath.Join(t.TempDir(), "vm")

	ref, err := image.ParseReference("ghcr.io/testorg/myrepo:latest")
	require.NoError(t, err)

	result, err := orch.Pull(t.Context(), ref, destDir)
	require.NoError(t, err)
	require.False(t, result.CacheHit)
	require.Equal(t, manifestID, result.ManifestID)

	got, err := os.ReadFile(paths.DiskImage(destDir))
	require.NoError(t, err)
	require.True(t, bytes.Equal(got[:len(diskImage)], diskImage))

	configData, err := os.ReadFile(paths.ConfigFile(destDir))
	require.NoError(t, err)
	require.Contains(t, string(configData), "test-vm")
}

func TestPullReusesValidCache(t *testing.T) {
	manifestRaw, manifestID, blobs, _ := buildFixture(t)
	srv := newFakeRegistry(manifestRaw, manifestID, blobs)
	defer srv.Close()

	orch, _, _ := newOrchestrator(t, srv)
	destDir := filepath.Join(t.TempDir(), "vm")
	ref, err := image.ParseReference("ghcr.io/testorg/myrepo:latest")
	require.NoError(t, err)

	_, err = orch.Pull(t.Context(), ref, destDir)
	require.NoError(t, err)

	destDir2 := filepath.Join(t.TempDir(), "vm2")
	result, err := orch.Pull(t.Context(), ref, destDir2)
	require.NoError(t, err)
	require.True(t, result.CacheHit)

	got, err := os.ReadFile(paths.DiskImage(destDir2))
	require.NoError(t, err)
	require.NotEmpty(t, got)
}

func TestPullRefetchesCorruptedCacheEntry(t *testing.T) {
	manifestRaw, manifestID, blobs, diskImage := buildFixture(t)
	srv := newFakeRegistry(manifestRaw, manifestID, blobs)
	defer srv.Close()

	orch, c, _ := newOrchestrator(t, srv)
	ref, err := image.ParseReference("ghcr.io/testorg/myrepo:latest")
	require.NoError(t, err)

	firstDir := filepath.Join(t.TempDir(), "vm")
	_, err = orch.Pull(t.Context(), ref, firstDir)
	require.NoError(t, err)

	var firstChunkDigest string
	for d := range blobs {
		if d != digest.Bytes([]byte(`{"name":"test-vm"}`)) {
			firstChunkDigest = d
			break
		}
	}
	require.NotEmpty(t, firstChunkDigest)

	layerPath := c.LayerPath(manifestID, firstChunkDigest)
	require.NoError(t, os.WriteFile(layerPath, []byte("corrupted"), 0644))

	secondDir := filepath.Join(t.TempDir(), "vm2")
	result, err := orch.Pull(t.Context(), ref, secondDir)
	require.NoError(t, err)
	require.False(t, result.CacheHit)

	got, err := os.ReadFile(paths.DiskImage(secondDir))
	require.NoError(t, err)
	require.True(t, bytes.Equal(got[:len(diskImage)], diskImage))

	require.True(t, c.VerifyLayer(manifestID, firstChunkDigest))
}

func TestPullRejectsMissingTag(t *testing.T) {
	_, err := image.ParseReference("ghcr.io/trycua/macos-sequoia")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid image format")
}

func TestPullFailsWhenManifestMissingDigestHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "t"})
	})
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	orch, _, _ := newOrchestrator(t, srv)
	ref, err := image.ParseReference("ghcr.io/testorg/myrepo:latest")
	require.NoError(t, err)

	_, err = orch.Pull(t.Context(), ref, t.TempDir())
	require.Error(t, err)
}

func TestPullDedupesRepeatedChunkDigests(t *testing.T) {
	raw := bytes.Repeat([]byte{0x11}, 1<<20)
	compressed, err := lz4codec.CompressBlock(raw)
	require.NoError(t, err)

	uncompressedDigest := digest.Bytes(raw)
	compressedDigest := digest.Bytes(compressed)
	desc := image.DiskChunkDescriptor(compressedDigest, int64(len(compressed)), uncompressedDigest, int64(len(raw)))

	configRaw := []byte(`{"name":"dup"}`)
	configDigest := digest.Bytes(configRaw)
	configDesc := image.ConfigDescriptor(configDigest, int64(len(configRaw)))

	manifest := image.NewManifest()
	manifest.Config = configDesc
	manifest.Layers = []image.Descriptor{desc, desc}
	image.SetImageUncompressedDiskSize(&manifest, int64(len(raw)*2))

	manifestRaw, err := image.CanonicalJSON(manifest)
	require.NoError(t, err)
	manifestID, err := image.Digest(manifest)
	require.NoError(t, err)

	blobs := map[string][]byte{
		compressedDigest: compressed,
		configDigest:     configRaw,
	}
	srv := newFakeRegistry(manifestRaw, manifestID, blobs)
	defer srv.Close()

	orch, _, _ := newOrchestrator(t, srv)
	destDir := filepath.Join(t.TempDir(), "vm")
	ref, err := image.ParseReference("ghcr.io/testorg/myrepo:latest")
	require.NoError(t, err)

	result, err := orch.Pull(t.Context(), ref, destDir)
	require.NoError(t, err)

	got, err := os.ReadFile(paths.DiskImage(destDir))
	require.NoError(t, err)
	require.Equal(t, len(raw)*2, len(got))
	require.True(t, bytes.Equal(got[:len(raw)], raw))
	require.True(t, bytes.Equal(got[len(raw):], raw))
	require.Equal(t, manifestID, result.ManifestID)
}
