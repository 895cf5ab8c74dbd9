// Package pull implements the Pull Orchestrator (spec.md §4.H): parse
// a reference, fetch its manifest, validate or repopulate the local
// cache, download layers with bounded parallelism, and reassemble a
// sparse disk.img in manifest order. Grounded on the image manager's
// status machine in the teacher's image build pipeline, generalized
// from "pending -> ready" to "planned -> placed" per layer.
package pull

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/trycua/lume/lib/cache"
	"github.com/trycua/lume/lib/errs"
	"github.com/trycua/lume/lib/image"
	"github.com/trycua/lume/lib/lz4codec"
	"github.com/trycua/lume/lib/ociclient"
	"github.com/trycua/lume/lib/paths"
	"github.com/trycua/lume/lib/scheduler"
	"github.com/trycua/lume/lib/sparse"

	"go.opentelemetry.io/otel/trace"
)

// Options configures a single pull.
type Options struct {
	Concurrency int
}

// Orchestrator runs pulls against one registry/cache pair.
type Orchestrator struct {
	client    *ociclient.Client
	cache     *cache.Cache
	org       string
	logger    *slog.Logger
	scheduler *scheduler.Scheduler
	tracer    trace.Tracer
}

// New builds a pull Orchestrator.
func New(client *ociclient.Client, c *cache.Cache, org string, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	sched := scheduler.New(opts.Concurrency)
	sched.Direction = "pull"
	return &Orchestrator{
		client:    client,
		cache:     c,
		org:       org,
		logger:    logger,
		scheduler: sched,
	}
}

// SetTracer attaches an OTel tracer, enabling a span around each pull
// and around every scheduled layer download; nil disables tracing.
func (o *Orchestrator) SetTracer(t trace.Tracer) {
	o.tracer = t
	o.scheduler.SetTracer(t)
}

// SetMetrics attaches OTel instruments to this orchestrator's
// scheduler and OCI client; nil disables recording.
func (o *Orchestrator) SetMetrics(schedMetrics *scheduler.Metrics, clientMetrics *ociclient.Metrics) {
	o.scheduler.SetMetrics(schedMetrics)
	o.client.SetMetrics(clientMetrics)
}

// Result describes a completed pull.
type Result struct {
	VMDir      string
	ManifestID string
	CacheHit   bool
}

// Pull fetches ref ("<repo>:<tag>") and materialises it at destDir,
// following spec.md §4.H's numbered steps.
func (o *Orchestrator) Pull(ctx context.Context, ref image.Reference, destDir string) (Result, error) {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, "lume.pull")
		defer span.End()
	}

	if ref.Repository == "" || ref.Identifier == "" {
		return Result{}, &errs.InvalidImageFormat{Ref: ref.Raw}
	}

	scope := fmt.Sprintf("repository:%s/%s:pull", o.org, ref.Repository)
	token, err := o.client.Token(ctx, scope)
	if err != nil {
		return Result{}, err
	}

	manifestResult, err := o.client.GetManifest(ctx, token, ref.Repository, ref.Identifier)
	if err != nil {
		return Result{}, err
	}
	manifestID := manifestResult.ManifestID
	manifest := manifestResult.Manifest

	cacheValid := o.cache.Valid(manifestID, manifest)
	if !cacheValid {
		if err := o.cache.Reset(manifestID); err != nil {
			return Result{}, err
		}
		if err := o.cache.WriteManifest(manifestID, manifest); err != nil {
			return Result{}, err
		}
		if err := o.cache.WriteMetadata(manifestID, cache.Metadata{
			Image:      ref.Raw,
			ManifestID: manifestID,
			Timestamp:  time.Now(),
		}); err != nil {
			return Result{}, err
		}
		if err := o.downloadLayers(ctx, token, ref.Repository, manifestID, manifest); err != nil {
			return Result{}, err
		}
	} else {
		o.logger.InfoContext(ctx, "cache hit, skipping layer downloads", "manifestId", manifestID)
	}

	tmpDir, err := os.MkdirTemp("", "lume-pull-*")
	if err != nil {
		return Result{}, &errs.FileCreationFailed{Path: tmpDir, Err: err}
	}
	defer os.RemoveAll(tmpDir)

	if err := o.materialize(ctx, manifestID, manifest, tmpDir); err != nil {
		var corrupt *errs.CacheCorrupted
		if !errors.As(err, &corrupt) {
			return Result{}, err
		}

		o.logger.WarnContext(ctx, "cached layer failed digest verification, refetching", "digest", corrupt.Digest)
		if err := o.cache.Reset(manifestID); err != nil {
			return Result{}, err
		}
		if err := o.cache.WriteManifest(manifestID, manifest); err != nil {
			return Result{}, err
		}
		if err := o.cache.WriteMetadata(manifestID, cache.Metadata{
			Image:      ref.Raw,
			ManifestID: manifestID,
			Timestamp:  time.Now(),
		}); err != nil {
			return Result{}, err
		}
		if err := o.downloadLayers(ctx, token, ref.Repository, manifestID, manifest); err != nil {
			return Result{}, err
		}
		cacheValid = false

		if err := o.materialize(ctx, manifestID, manifest, tmpDir); err != nil {
			return Result{}, err
		}
	}

	if err := os.RemoveAll(destDir); err != nil {
		return Result{}, &errs.TargetDirectoryError{Msg: fmt.Sprintf("remove existing %s: %v", destDir, err)}
	}
	if err := os.Rename(tmpDir, destDir); err != nil {
		return Result{}, &errs.TargetDirectoryError{Msg: fmt.Sprintf("move %s to %s: %v", tmpDir, destDir, err)}
	}

	if removed, gcErr := o.cache.GCExcept(ref.Raw, manifestID); gcErr == nil && len(removed) > 0 {
		o.logger.InfoContext(ctx, "garbage collected stale cache entries", "count", len(removed))
	}

	return Result{VMDir: destDir, ManifestID: manifestID, CacheHit: cacheValid}, nil
}

// downloadLayers fetches the config blob and every layer not already
// cache-valid, using the scheduler's bounded parallelism and in-flight
// dedup.
func (o *Orchestrator) downloadLayers(ctx context.Context, token, repo, manifestID string, manifest image.Manifest) error {
	layers := manifest.Layers
	if manifest.Config.Digest != "" {
		layers = append([]image.Descriptor{manifest.Config}, manifest.Layers...)
	}
	var tasks []scheduler.Task
	for i, layer := range layers {
		layer := layer
		idx := i
		tasks = append(tasks, scheduler.Task{
			Index:     idx,
			MediaType: layer.MediaType,
			Run: func(ctx context.Context) (scheduler.Result, error) {
				digest := layer.Digest.String()
				layerPath := o.cache.LayerPath(manifestID, digest)

				leader, wait := o.scheduler.AcquireDownload(digest)
				if !leader {
					<-wait
					if o.cache.VerifyLayer(manifestID, digest) {
						return scheduler.Result{Output: layerPath, Bytes: layer.Size}, nil
					}
				}
				defer func() {
					if leader {
						o.scheduler.ReleaseDownload(digest)
					}
				}()

				if o.cache.VerifyLayer(manifestID, digest) {
					return scheduler.Result{Output: layerPath, Bytes: layer.Size}, nil
				}

				data, err := o.client.GetBlob(ctx, token, repo, digest)
				if err != nil {
					return scheduler.Result{}, err
				}
				if err := o.cache.WriteLayer(manifestID, digest, data); err != nil {
					return scheduler.Result{}, err
				}
				return scheduler.Result{Output: layerPath, Bytes: layer.Size}, nil
			},
		})
	}

	_, err := o.scheduler.Run(ctx, tasks, func(task scheduler.Task, result scheduler.Result) {
		o.logger.DebugContext(ctx, "layer downloaded", "path", result.Output, "bytes", result.Bytes)
	})
	return err
}

// materialize copies config/nvram layers verbatim and reassembles
// disk chunks into a sparse disk.img inside dir, per manifest order.
func (o *Orchestrator) materialize(ctx context.Context, manifestID string, manifest image.Manifest, dir string) error {
	if manifest.Config.Size > 0 || manifest.Config.Digest != "" {
		if err := o.copyLayer(manifestID, manifest.Config.Digest.String(), paths.ConfigFile(dir)); err != nil {
			return err
		}
	}

	if nvram, ok := image.NVRAMLayer(manifest); ok {
		if err := o.placeNVRAM(manifestID, nvram, paths.NVRAMFile(dir)); err != nil {
			return err
		}
	}

	chunks := image.DiskChunkLayers(manifest)
	if len(chunks) == 0 {
		return nil
	}

	totalSize, ok := image.ImageUncompressedDiskSize(manifest)
	if !ok {
		var configSize int64
		if cfgOK, sz := o.diskSizeFromConfig(dir); cfgOK {
			configSize = sz
		} else {
			return &errs.MissingUncompressedSizeAnnotation{}
		}
		totalSize = configSize
	}

	diskPath := paths.DiskImage(dir)
	f, err := sparse.Preallocate(diskPath, totalSize)
	if err != nil {
		return &errs.ReassemblySetupFailed{Path: diskPath, Err: err}
	}
	defer f.Close()

	writer := sparse.New(f)
	var offset int64
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunkDigest := chunk.Digest.String()
		layerPath := o.cache.LayerPath(manifestID, chunkDigest)
		if _, err := os.Stat(layerPath); err != nil {
			return &errs.MissingPart{Index: i}
		}
		if !o.cache.VerifyLayer(manifestID, chunkDigest) {
			return &errs.CacheCorrupted{ManifestID: manifestID, Digest: chunkDigest}
		}

		compressed, err := os.ReadFile(layerPath)
		if err != nil {
			return &errs.ReassemblySetupFailed{Path: layerPath, Err: err}
		}

		dec := lz4codec.NewStreamDecompressor(compressedInputFunc(compressed))

		n, err := writer.PlaceChunk(dec, offset)
		if err != nil {
			return &errs.ReassemblySetupFailed{Path: diskPath, Err: err}
		}
		offset += n
	}

	return nil
}

// compressedInputFunc adapts an in-memory compressed buffer to
// lz4codec.InputFunc, signalling end of input with io.EOF as
// StreamDecompressor requires.
func compressedInputFunc(compressed []byte) func(buf []byte) (int, error) {
	idx := 0
	return func(buf []byte) (int, error) {
		if idx >= len(compressed) {
			return 0, io.EOF
		}
		n := copy(buf, compressed[idx:])
		idx += n
		return n, nil
	}
}

func (o *Orchestrator) copyLayer(manifestID, digest, destPath string) error {
	if !o.cache.VerifyLayer(manifestID, digest) {
		return &errs.CacheCorrupted{ManifestID: manifestID, Digest: digest}
	}
	layerPath := o.cache.LayerPath(manifestID, digest)
	data, err := os.ReadFile(layerPath)
	if err != nil {
		return &errs.ReassemblySetupFailed{Path: layerPath, Err: err}
	}
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return &errs.FileCreationFailed{Path: destPath, Err: err}
	}
	return nil
}

func (o *Orchestrator) placeNVRAM(manifestID string, layer image.Descriptor, destPath string) error {
	nvramDigest := layer.Digest.String()
	if !o.cache.VerifyLayer(manifestID, nvramDigest) {
		return &errs.CacheCorrupted{ManifestID: manifestID, Digest: nvramDigest}
	}
	layerPath := o.cache.LayerPath(manifestID, nvramDigest)
	compressed, err := os.ReadFile(layerPath)
	if err != nil {
		return &errs.ReassemblySetupFailed{Path: layerPath, Err: err}
	}

	size, _ := image.UncompressedSize(layer)
	f, err := sparse.Preallocate(destPath, size)
	if err != nil {
		return &errs.ReassemblySetupFailed{Path: destPath, Err: err}
	}
	defer f.Close()

	dec := lz4codec.NewStreamDecompressor(compressedInputFunc(compressed))
	writer := sparse.New(f)
	_, err = writer.PlaceChunk(dec, 0)
	return err
}

func (o *Orchestrator) diskSizeFromConfig(dir string) (bool, int64) {
	data, err := os.ReadFile(paths.ConfigFile(dir))
	if err != nil {
		return false, 0
	}
	var parsed struct {
		DiskSize int64 `json:"diskSize"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.DiskSize == 0 {
		return false, 0
	}
	return true, parsed.DiskSize
}
