// Package cache implements the local content-addressed cache used on
// both pull (manifest + layer files keyed by manifestId) and push
// (chunk resume metadata), atomically written and lazily validated.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/trycua/lume/lib/digest"
	"github.com/trycua/lume/lib/image"
	"github.com/trycua/lume/lib/paths"
)

// Metadata is the {image, manifestId, timestamp} record written
// alongside a cached manifest.
type Metadata struct {
	Image      string    `json:"image"`
	ManifestID string    `json:"manifestId"`
	Timestamp  time.Time `json:"timestamp"`
}

// Cache is the pull-side content-addressed cache rooted at
// <CacheRoot>/ghcr/<org>/. A Cache with Disabled set always misses on
// read and no-ops on write, per spec.md §4.E's "globally disabled
// caching" mode.
type Cache struct {
	paths    *paths.Paths
	org      string
	Disabled bool
}

// New creates a Cache for the given organisation under cacheRoot.
func New(p *paths.Paths, org string) *Cache {
	return &Cache{paths: p, org: org}
}

// HasManifest reports whether a manifest.json is cached for manifestID.
func (c *Cache) HasManifest(manifestID string) bool {
	if c.Disabled {
		return false
	}
	_, err := os.Stat(c.paths.ManifestFile(c.org, manifestID))
	return err == nil
}

// LoadManifest reads and parses the cached manifest.json.
func (c *Cache) LoadManifest(manifestID string) (image.Manifest, error) {
	var m image.Manifest
	if c.Disabled {
		return m, fmt.Errorf("cache: disabled")
	}
	data, err := os.ReadFile(c.paths.ManifestFile(c.org, manifestID))
	if err != nil {
		return m, fmt.Errorf("read cached manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse cached manifest: %w", err)
	}
	return m, nil
}

// HasLayer reports whether the layer file for layerDigest exists in
// manifestID's cache directory.
func (c *Cache) HasLayer(manifestID, layerDigest string) bool {
	if c.Disabled {
		return false
	}
	_, err := os.Stat(c.paths.LayerFile(c.org, manifestID, layerDigest))
	return err == nil
}

// LayerPath returns the on-disk path a layer is (or would be) cached
// at, regardless of whether it currently exists.
func (c *Cache) LayerPath(manifestID, layerDigest string) string {
	return c.paths.LayerFile(c.org, manifestID, layerDigest)
}

// VerifyLayer reports whether layerDigest's cached file exists and its
// content still hashes to layerDigest (I5: a cached layer is only
// trusted once its bytes are checked, not just its presence).
func (c *Cache) VerifyLayer(manifestID, layerDigest string) bool {
	if c.Disabled {
		return false
	}
	ok, err := digest.Verify(c.paths.LayerFile(c.org, manifestID, layerDigest), layerDigest)
	return err == nil && ok
}

// Valid reports whether the cached manifest's layer set matches want
// and every one of those layer files exists on disk with content that
// still hashes to its digest (see VerifyLayer).
func (c *Cache) Valid(manifestID string, want image.Manifest) bool {
	if c.Disabled {
		return false
	}
	cached, err := c.LoadManifest(manifestID)
	if err != nil {
		return false
	}
	if len(cached.Layers) != len(want.Layers) {
		return false
	}
	for i, l := range want.Layers {
		if cached.Layers[i].Digest != l.Digest || cached.Layers[i].MediaType != l.MediaType {
			return false
		}
		if !c.VerifyLayer(manifestID, l.Digest.String()) {
			return false
		}
	}
	return true
}

// Reset removes manifestID's cache directory entirely, the precursor
// to a full redownload when validation fails.
func (c *Cache) Reset(manifestID string) error {
	if c.Disabled {
		return nil
	}
	dir := c.paths.ManifestDir(c.org, manifestID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("reset cache dir %s: %w", dir, err)
	}
	return nil
}

// WriteManifest atomically writes manifest.json using its canonical
// JSON form, preserving the exact bytes invariant I4 depends on.
func (c *Cache) WriteManifest(manifestID string, m image.Manifest) error {
	if c.Disabled {
		return nil
	}
	raw, err := image.CanonicalJSON(m)
	if err != nil {
		return err
	}
	return c.writeAtomic(c.paths.ManifestFile(c.org, manifestID), raw)
}

// WriteMetadata atomically writes metadata.json for manifestID.
func (c *Cache) WriteMetadata(manifestID string, meta Metadata) error {
	if c.Disabled {
		return nil
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	return c.writeAtomic(c.paths.ManifestMetadataFile(c.org, manifestID), data)
}

// ReadMetadata reads metadata.json for manifestID.
func (c *Cache) ReadMetadata(manifestID string) (Metadata, error) {
	var meta Metadata
	if c.Disabled {
		return meta, fmt.Errorf("cache: disabled")
	}
	data, err := os.ReadFile(c.paths.ManifestMetadataFile(c.org, manifestID))
	if err != nil {
		return meta, fmt.Errorf("read cache metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse cache metadata: %w", err)
	}
	return meta, nil
}

// WriteLayer atomically writes a layer's content under the filename
// derived from layerDigest. The content is not hashed against
// layerDigest here; VerifyLayer does that on read.
func (c *Cache) WriteLayer(manifestID, layerDigest string, data []byte) error {
	if c.Disabled {
		return nil
	}
	return c.writeAtomic(c.paths.LayerFile(c.org, manifestID, layerDigest), data)
}

// GCExcept removes every cached manifest directory for this
// organisation whose metadata.json names the same image but a
// manifestId other than currentManifestID.
func (c *Cache) GCExcept(image_, currentManifestID string) ([]string, error) {
	if c.Disabled {
		return nil, nil
	}
	orgDir := c.paths.OrgDir(c.org)
	entries, err := os.ReadDir(orgDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read org cache dir %s: %w", orgDir, err)
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestID := unescapeManifestID(entry.Name())
		if manifestID == currentManifestID {
			continue
		}
		metaPath := filepath.Join(orgDir, entry.Name(), "metadata.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if meta.Image != image_ {
			continue
		}
		dir := filepath.Join(orgDir, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("gc cache dir %s: %w", dir, err)
		}
		removed = append(removed, dir)
	}
	return removed, nil
}

func unescapeManifestID(escaped string) string {
	return strings.Replace(escaped, "_", ":", 1)
}

func (c *Cache) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp cache file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename cache file %s: %w", path, err)
	}
	return nil
}
