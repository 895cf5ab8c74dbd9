// Package paths provides centralized path construction for the local
// content-addressed cache this engine reads and writes.
//
// Directory Structure:
//
//	{cacheRoot}/
//	  ghcr/
//	    {org}/
//	      {manifestId}/
//	        manifest.json
//	        metadata.json
//	        {algo}_{hex}         (one file per layer, content-addressed)
//
//	{vmDir}/                     (caller-supplied, anywhere on disk)
//	  disk.img
//	  nvram.bin
//	  config.json
//	  .lume_push_cache/
//	    disk.img.parts/
//	      chunk_metadata.{i}.json
//	      chunk.{i}
package paths

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Paths provides typed path construction for the local cache root.
type Paths struct {
	cacheRoot string
}

// New creates a new Paths instance rooted at cacheRoot.
func New(cacheRoot string) *Paths {
	return &Paths{cacheRoot: cacheRoot}
}

// Root returns the cache root directory.
func (p *Paths) Root() string {
	return p.cacheRoot
}

// EscapeManifestID turns a manifest digest ("sha256:<hex>") into a
// filesystem-safe directory component by replacing ':' with '_'.
func EscapeManifestID(manifestDigest string) string {
	return strings.ReplaceAll(manifestDigest, ":", "_")
}

// EscapeDigest turns a layer digest into a filesystem-safe filename.
func EscapeDigest(layerDigest string) string {
	return strings.ReplaceAll(layerDigest, ":", "_")
}

// ManifestDir returns the pull-cache directory for one manifest:
// <CacheRoot>/ghcr/<org>/<manifestId>/.
func (p *Paths) ManifestDir(org, manifestDigest string) string {
	return filepath.Join(p.cacheRoot, "ghcr", org, EscapeManifestID(manifestDigest))
}

// ManifestFile returns the path to the cached manifest.json.
func (p *Paths) ManifestFile(org, manifestDigest string) string {
	return filepath.Join(p.ManifestDir(org, manifestDigest), "manifest.json")
}

// ManifestMetadataFile returns the path to the cached metadata.json
// ({image, manifestId, timestamp}).
func (p *Paths) ManifestMetadataFile(org, manifestDigest string) string {
	return filepath.Join(p.ManifestDir(org, manifestDigest), "metadata.json")
}

// LayerFile returns the path to a cached layer, named by its digest
// with ':' replaced by '_'.
func (p *Paths) LayerFile(org, manifestDigest, layerDigest string) string {
	return filepath.Join(p.ManifestDir(org, manifestDigest), EscapeDigest(layerDigest))
}

// OrgDir returns the directory holding every cached manifest for an
// organisation, used for garbage collection scans.
func (p *Paths) OrgDir(org string) string {
	return filepath.Join(p.cacheRoot, "ghcr", org)
}

// Push-cache path methods. These are rooted at a caller-supplied VM
// directory rather than the cache root, since a push reads its
// source files from wherever the VM directory lives.

// PushCacheDir returns <vmDir>/.lume_push_cache.
func PushCacheDir(vmDir string) string {
	return filepath.Join(vmDir, ".lume_push_cache")
}

// PushCachePartsDir returns <vmDir>/.lume_push_cache/disk.img.parts.
func PushCachePartsDir(vmDir string) string {
	return filepath.Join(PushCacheDir(vmDir), "disk.img.parts")
}

// PushCacheChunkMetadata returns the metadata sidecar for chunk i.
func PushCacheChunkMetadata(vmDir string, index int) string {
	return filepath.Join(PushCachePartsDir(vmDir), chunkMetadataName(index))
}

// PushCacheChunkData returns the compressed chunk payload for chunk i.
func PushCacheChunkData(vmDir string, index int) string {
	return filepath.Join(PushCachePartsDir(vmDir), chunkDataName(index))
}

func chunkMetadataName(index int) string {
	return "chunk_metadata." + strconv.Itoa(index) + ".json"
}

func chunkDataName(index int) string {
	return "chunk." + strconv.Itoa(index)
}

// VM disk path methods, for the canonical files inside a VM directory.

// DiskImage returns <vmDir>/disk.img.
func DiskImage(vmDir string) string {
	return filepath.Join(vmDir, "disk.img")
}

// NVRAMFile returns <vmDir>/nvram.bin.
func NVRAMFile(vmDir string) string {
	return filepath.Join(vmDir, "nvram.bin")
}

// ConfigFile returns <vmDir>/config.json.
func ConfigFile(vmDir string) string {
	return filepath.Join(vmDir, "config.json")
}
