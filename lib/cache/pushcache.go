package cache

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/trycua/lume/lib/paths"
)

// ChunkMetadata mirrors spec.md §3's push-cache chunk sidecar:
// {uncompressedDigest, uncompressedSize, compressedDigest, compressedSize}.
type ChunkMetadata struct {
	UncompressedDigest string `json:"uncompressedDigest"`
	UncompressedSize   int64  `json:"uncompressedSize"`
	CompressedDigest   string `json:"compressedDigest"`
	CompressedSize     int64  `json:"compressedSize"`
}

// PushCache manages <vmDir>/.lume_push_cache/disk.img.parts/, letting
// a push resume from already-compressed chunks instead of
// recompressing from scratch.
type PushCache struct {
	vmDir string
}

// NewPushCache creates a PushCache rooted at a VM directory.
func NewPushCache(vmDir string) *PushCache {
	return &PushCache{vmDir: vmDir}
}

// Has reports whether chunk index has both its metadata sidecar and
// data file present.
func (c *PushCache) Has(index int) bool {
	if _, err := os.Stat(paths.PushCacheChunkMetadata(c.vmDir, index)); err != nil {
		return false
	}
	if _, err := os.Stat(paths.PushCacheChunkData(c.vmDir, index)); err != nil {
		return false
	}
	return true
}

// Load reads chunk index's metadata and compressed data.
func (c *PushCache) Load(index int) (ChunkMetadata, []byte, error) {
	var meta ChunkMetadata
	metaRaw, err := os.ReadFile(paths.PushCacheChunkMetadata(c.vmDir, index))
	if err != nil {
		return meta, nil, fmt.Errorf("read chunk %d metadata: %w", index, err)
	}
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return meta, nil, fmt.Errorf("parse chunk %d metadata: %w", index, err)
	}
	data, err := os.ReadFile(paths.PushCacheChunkData(c.vmDir, index))
	if err != nil {
		return meta, nil, fmt.Errorf("read chunk %d data: %w", index, err)
	}
	return meta, data, nil
}

// Store persists chunk index's metadata and compressed data,
// enabling a later resumed push to skip recompression.
func (c *PushCache) Store(index int, meta ChunkMetadata, data []byte) error {
	dir := paths.PushCachePartsDir(c.vmDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create push cache dir %s: %w", dir, err)
	}

	metaRaw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chunk %d metadata: %w", index, err)
	}

	metaPath := paths.PushCacheChunkMetadata(c.vmDir, index)
	tmpMeta := metaPath + ".tmp"
	if err := os.WriteFile(tmpMeta, metaRaw, 0644); err != nil {
		return fmt.Errorf("write chunk %d metadata: %w", index, err)
	}
	if err := os.Rename(tmpMeta, metaPath); err != nil {
		os.Remove(tmpMeta)
		return fmt.Errorf("rename chunk %d metadata: %w", index, err)
	}

	dataPath := paths.PushCacheChunkData(c.vmDir, index)
	tmpData := dataPath + ".tmp"
	if err := os.WriteFile(tmpData, data, 0644); err != nil {
		return fmt.Errorf("write chunk %d data: %w", index, err)
	}
	if err := os.Rename(tmpData, dataPath); err != nil {
		os.Remove(tmpData)
		return fmt.Errorf("rename chunk %d data: %w", index, err)
	}

	return nil
}

// Clear removes the entire push cache directory. Push does not call
// it: the chunk cache stays in place after a push, successful or not.
func (c *PushCache) Clear() error {
	dir := paths.PushCacheDir(c.vmDir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear push cache %s: %w", dir, err)
	}
	return nil
}
