package push

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trycua/lume/lib/digest"
	"github.com/trycua/lume/lib/image"
	"github.com/trycua/lume/lib/ociclient"
	"github.com/trycua/lume/lib/paths"
)

// fakeRegistry accepts blob HEAD/POST/PUT and manifest PUT, recording
// what was uploaded so tests can assert on it without a live registry.
type fakeRegistry struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	manifest map[string][]byte
}

func newFakeRegistry() (*httptest.Server, *fakeRegistry) {
	reg := &fakeRegistry{blobs: map[string][]byte{}, manifest: map[string][]byte{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "test-token"})
	})

	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		switch {
		case strings.Contains(r.URL.Path, "/blobs/uploads/") && r.Method == http.MethodPost:
			w.Header().Set("Location", r.URL.Path+"session1")
			w.WriteHeader(http.StatusAccepted)
		case strings.Contains(r.URL.Path, "/blobs/") && r.Method == http.MethodPut:
			digest := r.URL.Query().Get("digest")
			data, _ := readAll(r)
			reg.blobs[digest] = data
			w.WriteHeader(http.StatusCreated)
		case strings.Contains(r.URL.Path, "/blobs/") && r.Method == http.MethodHead:
			parts := strings.Split(r.URL.Path, "/blobs/")
			digest := parts[len(parts)-1]
			if _, ok := reg.blobs[digest]; ok {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case strings.Contains(r.URL.Path, "/manifests/") && r.Method == http.MethodPut:
			parts := strings.Split(r.URL.Path, "/manifests/")
			tag := parts[len(parts)-1]
			data, _ := readAll(r)
			reg.manifest[tag] = data
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	return httptest.NewServer(mux), reg
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}

func newVMDir(t *testing.T, diskSize int) string {
	t.Helper()
	vmDir := t.TempDir()

	disk := bytes.Repeat([]byte{0}, diskSize)
	copy(disk[1024:], bytes.Repeat([]byte{0x42}, 512))
	require.NoError(t, os.WriteFile(paths.DiskImage(vmDir), disk, 0644))
	require.NoError(t, os.WriteFile(paths.ConfigFile(vmDir), []byte(`{"name":"test-vm","diskSize":`+strconv.Itoa(diskSize)+`}`), 0644))
	return vmDir
}

func newPushOrchestrator(t *testing.T, srv *httptest.Server, opts Options) *Orchestrator {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	client := ociclient.New(ociclient.Config{
		Host:            host,
		Insecure:        true,
		MaxConnsPerHost: 4,
		MaxAttempts:     3,
	})
	return New(client, "testorg", opts, nil)
}

func TestPushUploadsChunksAndManifest(t *testing.T) {
	srv, reg := newFakeRegistry()
	defer srv.Close()

	vmDir := newVMDir(t, 2<<20)
	orch := newPushOrchestrator(t, srv, Options{Concurrency: 2, ChunkSizeMb: 1})

	result, err := orch.Push(t.Context(), vmDir, "myrepo", []string{"latest", "v1"}, Options{Concurrency: 2, ChunkSizeMb: 1})
	require.NoError(t, err)
	require.NotEmpty(t, result.ManifestID)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	require.Len(t, reg.manifest, 2)
	require.Contains(t, reg.manifest, "latest")
	require.Contains(t, reg.manifest, "v1")
	require.GreaterOrEqual(t, len(reg.blobs), 3) // config + 2 chunks

	var m image.Manifest
	require.NoError(t, json.Unmarshal(reg.manifest["latest"], &m))
	chunks := image.DiskChunkLayers(m)
	require.Len(t, chunks, 2)

	size, ok := image.ImageUncompressedDiskSize(m)
	require.True(t, ok)
	require.Equal(t, int64(2<<20), size)
}

func TestPushDryRunSkipsRegistryCalls(t *testing.T) {
	srv, reg := newFakeRegistry()
	defer srv.Close()

	vmDir := newVMDir(t, 1<<20)
	orch := newPushOrchestrator(t, srv, Options{Concurrency: 1, ChunkSizeMb: 1})

	result, err := orch.Push(t.Context(), vmDir, "myrepo", []string{"latest"}, Options{Concurrency: 1, ChunkSizeMb: 1, DryRun: true})
	require.NoError(t, err)
	require.NotEmpty(t, result.ManifestID)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	require.Empty(t, reg.manifest)
	require.Empty(t, reg.blobs)

	// Chunk cache was still populated for a later real push to reuse.
	metaPath := paths.PushCacheChunkMetadata(vmDir, 0)
	_, err = os.Stat(metaPath)
	require.NoError(t, err)
}

func TestPushResumesFromExistingChunkCache(t *testing.T) {
	srv, reg := newFakeRegistry()
	defer srv.Close()

	vmDir := newVMDir(t, 1<<20)
	orch := newPushOrchestrator(t, srv, Options{Concurrency: 1, ChunkSizeMb: 1})

	_, err := orch.Push(t.Context(), vmDir, "myrepo", []string{"latest"}, Options{Concurrency: 1, ChunkSizeMb: 1, DryRun: true})
	require.NoError(t, err)
	_, err = os.ReadFile(paths.PushCacheChunkMetadata(vmDir, 0))
	require.NoError(t, err, "chunk cache must survive a dry run for the resumed push to reuse")

	result, err := orch.Push(t.Context(), vmDir, "myrepo", []string{"latest"}, Options{Concurrency: 1, ChunkSizeMb: 1})
	require.NoError(t, err)
	require.NotEmpty(t, result.ManifestID)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	require.NotEmpty(t, reg.blobs)
}

func TestPushMissingDiskImageFails(t *testing.T) {
	srv, _ := newFakeRegistry()
	defer srv.Close()

	emptyDir := t.TempDir()
	orch := newPushOrchestrator(t, srv, Options{Concurrency: 1, ChunkSizeMb: 1})

	_, err := orch.Push(t.Context(), emptyDir, "myrepo", []string{"latest"}, Options{Concurrency: 1, ChunkSizeMb: 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing required file")
}

func TestPushReassembleVerifiesChunkCache(t *testing.T) {
	srv, _ := newFakeRegistry()
	defer srv.Close()

	vmDir := newVMDir(t, 1<<20)
	orch := newPushOrchestrator(t, srv, Options{Concurrency: 1, ChunkSizeMb: 1})

	_, err := orch.Push(t.Context(), vmDir, "myrepo", []string{"latest"}, Options{Concurrency: 1, ChunkSizeMb: 1, Reassemble: true})
	require.NoError(t, err)
}

func TestPushOrdersDiskChunksByIndexRegardlessOfCompletionOrder(t *testing.T) {
	srv, reg := newFakeRegistry()
	defer srv.Close()

	vmDir := newVMDir(t, 4<<20)
	orch := newPushOrchestrator(t, srv, Options{Concurrency: 4, ChunkSizeMb: 1})

	_, err := orch.Push(t.Context(), vmDir, "myrepo", []string{"latest"}, Options{Concurrency: 4, ChunkSizeMb: 1})
	require.NoError(t, err)

	reg.mu.Lock()
	raw := reg.manifest["latest"]
	reg.mu.Unlock()

	var m image.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	chunks := image.DiskChunkLayers(m)
	require.Len(t, chunks, 4)

	var offsetSum int64
	for _, c := range chunks {
		size, ok := image.UncompressedSize(c)
		require.True(t, ok)
		offsetSum += size
	}
	require.Equal(t, int64(4<<20), offsetSum)

	disk, err := os.ReadFile(paths.DiskImage(vmDir))
	require.NoError(t, err)
	for i, c := range chunks {
		got, ok := image.UncompressedDigest(c)
		require.True(t, ok)
		require.Equal(t, digest.Bytes(disk[i<<20:(i+1)<<20]), got)
	}
}
