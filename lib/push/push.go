// Package push implements the Push Orchestrator (spec.md §4.I): plan
// a VM directory's disk image into chunks, compress and upload them
// (resuming from the local push cache where possible), and publish a
// manifest under every requested tag. Grounded on the same pull/push
// status-machine shape as lib/pull, mirrored for the upload direction.
package push

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/trycua/lume/lib/cache"
	"github.com/trycua/lume/lib/chunker"
	"github.com/trycua/lume/lib/digest"
	"github.com/trycua/lume/lib/errs"
	"github.com/trycua/lume/lib/image"
	"github.com/trycua/lume/lib/lz4codec"
	"github.com/trycua/lume/lib/ociclient"
	"github.com/trycua/lume/lib/paths"
	"github.com/trycua/lume/lib/scheduler"
	"github.com/trycua/lume/lib/sparse"

	"go.opentelemetry.io/otel/trace"
)

// Options configures a single push.
type Options struct {
	Concurrency int
	ChunkSizeMb int
	// DryRun performs all hashing and chunk-cache population but skips
	// every HEAD/POST/PUT against the registry.
	DryRun bool
	// Reassemble, after every chunk has been compressed (and uploaded,
	// unless DryRun), decompresses every cached chunk into a fresh
	// sparse file and compares its digest against the source disk
	// image, before the manifest is published.
	Reassemble bool
}

// Orchestrator runs pushes of one VM directory to one registry.
type Orchestrator struct {
	client    *ociclient.Client
	org       string
	logger    *slog.Logger
	scheduler *scheduler.Scheduler
	tracer    trace.Tracer
}

// New builds a push Orchestrator.
func New(client *ociclient.Client, org string, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	sched := scheduler.New(opts.Concurrency)
	sched.Direction = "push"
	return &Orchestrator{
		client:    client,
		org:       org,
		logger:    logger,
		scheduler: sched,
	}
}

// SetTracer attaches an OTel tracer, enabling a span around each push
// and around every scheduled chunk upload; nil disables tracing.
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

// Result describes a completed push.
type Result struct {
	ManifestID  string
	Tags        []string
	BytesPushed int64
}

// Push uploads vmDir's disk/nvram/config to repo under every tag, per
// spec.md §4.I's numbered steps.
func (o *Orchestrator) Push(ctx context.Context, vmDir, repo string, tags []string, opts Options) (Result, error) {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, "lume.push")
		defer span.End()
	}

	diskPath := paths.DiskImage(vmDir)
	configPath := paths.ConfigFile(vmDir)
	if _, err := os.Stat(diskPath); err != nil {
		return Result{}, &errs.MissingDiskImage{Path: diskPath}
	}
	if _, err := os.Stat(configPath); err != nil {
		return Result{}, &errs.MissingDiskImage{Path: configPath}
	}

	scope := fmt.Sprintf("repository:%s/%s:pull,push", o.org, repo)
	var token string
	if !opts.DryRun {
		var err error
		token, err = o.client.Token(ctx, scope)
		if err != nil {
			return Result{}, err
		}
	}

	configDesc, err := o.pushConfig(ctx, token, repo, configPath, opts.DryRun)
	if err != nil {
		return Result{}, err
	}

	var nvramDesc *image.Descriptor
	nvramPath := resolveNVRAMPath(vmDir)
	if nvramPath != "" {
		desc, err := o.pushNVRAM(ctx, token, repo, nvramPath, opts.DryRun)
		if err != nil {
			return Result{}, err
		}
		nvramDesc = &desc
	}

	chunkSizeBytes := int64(opts.ChunkSizeMb) << 20
	ranges, err := chunker.PlanFile(diskPath, chunkSizeBytes)
	if err != nil {
		return Result{}, err
	}

	pc := cache.NewPushCache(vmDir)
	diskLayers, totalUncompressed, bytesPushed, err := o.pushChunks(ctx, token, repo, diskPath, ranges, pc, opts)
	if err != nil {
		return Result{}, err
	}

	if opts.Reassemble {
		if err := verifyReassembly(diskPath, pc, len(ranges)); err != nil {
			return Result{}, err
		}
	}

	manifest := image.NewManifest()
	manifest.Config = configDesc
	if nvramDesc != nil {
		manifest.Layers = append(manifest.Layers, *nvramDesc)
	}
	manifest.Layers = append(manifest.Layers, diskLayers...)
	image.SetImageUncompressedDiskSize(&manifest, totalUncompressed)
	manifest.Annotations[image.AnnotationUploadedAt] = time.Now().UTC().Format(time.RFC3339)

	raw, err := image.CanonicalJSON(manifest)
	if err != nil {
		return Result{}, err
	}
	manifestID, err := image.Digest(manifest)
	if err != nil {
		return Result{}, err
	}

	if opts.DryRun {
		return Result{ManifestID: manifestID, Tags: tags, BytesPushed: bytesPushed}, nil
	}

	for _, tag := range tags {
		if err := o.client.PutManifest(ctx, token, repo, tag, raw); err != nil {
			return Result{}, err
		}
	}

	return Result{ManifestID: manifestID, Tags: tags, BytesPushed: bytesPushed}, nil
}

func (o *Orchestrator) pushConfig(ctx context.Context, token, repo, configPath string, dryRun bool) (image.Descriptor, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return image.Descriptor{}, &errs.MissingDiskImage{Path: configPath}
	}
	blobDigest := digest.Bytes(data)
	desc := image.ConfigDescriptor(blobDigest, int64(len(data)))

	if dryRun {
		return desc, nil
	}
	if err := o.pushBlobIfMissing(ctx, token, repo, blobDigest, data); err != nil {
		return image.Descriptor{}, err
	}
	return desc, nil
}

func (o *Orchestrator) pushNVRAM(ctx context.Context, token, repo, nvramPath string, dryRun bool) (image.Descriptor, error) {
	raw, err := os.ReadFile(nvramPath)
	if err != nil {
		return image.Descriptor{}, &errs.ReassemblySetupFailed{Path: nvramPath, Err: err}
	}
	compressed, err := lz4codec.CompressBlock(raw)
	if err != nil {
		return image.Descriptor{}, err
	}
	uncompressedDigest := digest.Bytes(raw)
	compressedDigest := digest.Bytes(compressed)
	desc := image.NVRAMDescriptor(compressedDigest, int64(len(compressed)), uncompressedDigest, int64(len(raw)))

	if dryRun {
		return desc, nil
	}
	if err := o.pushBlobIfMissing(ctx, token, repo, compressedDigest, compressed); err != nil {
		return image.Descriptor{}, err
	}
	return desc, nil
}

// resolveNVRAMPath accepts both nvram.bin and the legacy bare "nvram"
// filename (spec.md §6), preferring nvram.bin when both exist.
func resolveNVRAMPath(vmDir string) string {
	if _, err := os.Stat(paths.NVRAMFile(vmDir)); err == nil {
		return paths.NVRAMFile(vmDir)
	}
	legacy := vmDir + "/nvram"
	if _, err := os.Stat(legacy); err == nil {
		return legacy
	}
	return ""
}

// pushChunks compresses and uploads every planned disk chunk with
// bounded parallelism, resuming from the push cache where possible,
// and returns layer descriptors sorted back into manifest order.
func (o *Orchestrator) pushChunks(ctx context.Context, token, repo, diskPath string, ranges []chunker.Range, pc *cache.PushCache, opts Options) ([]image.Descriptor, int64, int64, error) {
	var tasks []scheduler.Task
	for _, r := range ranges {
		r := r
		tasks = append(tasks, scheduler.Task{
			Index:     r.Index,
			MediaType: image.MediaTypeDiskChunk,
			Run: func(ctx context.Context) (scheduler.Result, error) {
				return o.pushOneChunk(ctx, token, repo, diskPath, r, pc, opts.DryRun)
			},
		})
	}

	var bytesPushed int64
	results, err := o.scheduler.Run(ctx, tasks, func(task scheduler.Task, result scheduler.Result) {
		bytesPushed += result.Bytes
		o.logger.DebugContext(ctx, "chunk uploaded", "index", task.Index, "compressedBytes", result.Bytes)
	})
	if err != nil {
		return nil, 0, 0, err
	}

	descriptors := make([]image.Descriptor, len(ranges))
	var totalUncompressed int64
	for _, r := range ranges {
		desc, ok := results[r.Index].Output.(image.Descriptor)
		if !ok {
			return nil, 0, 0, &errs.MissingPart{Index: r.Index}
		}
		descriptors[r.Index] = desc
		totalUncompressed += r.Length
	}

	return descriptors, totalUncompressed, bytesPushed, nil
}

func (o *Orchestrator) pushOneChunk(ctx context.Context, token, repo, diskPath string, r chunker.Range, pc *cache.PushCache, dryRun bool) (scheduler.Result, error) {
	var meta cache.ChunkMetadata
	var compressed []byte

	if pc.Has(r.Index) {
		m, data, err := pc.Load(r.Index)
		if err == nil {
			meta, compressed = m, data
		}
	}

	if compressed == nil {
		raw, err := readRange(diskPath, r.Offset, r.Length)
		if err != nil {
			return scheduler.Result{}, err
		}
		uncompressedDigest := digest.Bytes(raw)
		c, err := lz4codec.CompressBlock(raw)
		if err != nil {
			return scheduler.Result{}, err
		}
		compressedDigest := digest.Bytes(c)

		meta = cache.ChunkMetadata{
			UncompressedDigest: uncompressedDigest,
			UncompressedSize:   r.Length,
			CompressedDigest:   compressedDigest,
			CompressedSize:     int64(len(c)),
		}
		compressed = c

		if err := pc.Store(r.Index, meta, compressed); err != nil {
			return scheduler.Result{}, err
		}
	}

	desc := image.DiskChunkDescriptor(meta.CompressedDigest, meta.CompressedSize, meta.UncompressedDigest, meta.UncompressedSize)

	if !dryRun {
		if err := o.pushBlobIfMissing(ctx, token, repo, meta.CompressedDigest, compressed); err != nil {
			return scheduler.Result{}, err
		}
	}

	return scheduler.Result{Output: desc, Bytes: meta.CompressedSize}, nil
}

func (o *Orchestrator) pushBlobIfMissing(ctx context.Context, token, repo, blobDigest string, data []byte) error {
	has, err := o.client.HasBlob(ctx, token, repo, blobDigest)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	location, err := o.client.InitiateUpload(ctx, token, repo)
	if err != nil {
		return err
	}
	return o.client.PutBlob(ctx, token, location, blobDigest, data)
}

func readRange(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.ReassemblySetupFailed{Path: path, Err: err}
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, &errs.ReassemblySetupFailed{Path: path, Err: err}
	}
	return buf, nil
}

// verifyReassembly decompresses every cached chunk into a scratch
// sparse file and compares its digest against the source disk image,
// the optional verification step spec.md §4.I describes.
func verifyReassembly(diskPath string, pc *cache.PushCache, chunkCount int) error {
	info, err := os.Stat(diskPath)
	if err != nil {
		return &errs.ReassemblySetupFailed{Path: diskPath, Err: err}
	}

	scratch := diskPath + ".reassemble-check"
	f, err := sparse.Preallocate(scratch, info.Size())
	if err != nil {
		return &errs.ReassemblySetupFailed{Path: scratch, Err: err}
	}
	defer os.Remove(scratch)
	defer f.Close()

	writer := sparse.New(f)
	var offset int64
	for i := 0; i < chunkCount; i++ {
		_, compressed, err := pc.Load(i)
		if err != nil {
			return &errs.MissingPart{Index: i}
		}
		idx := 0
		dec := lz4codec.NewStreamDecompressor(func(buf []byte) (int, error) {
			if idx >= len(compressed) {
				return 0, io.EOF
			}
			n := copy(buf, compressed[idx:])
			idx += n
			return n, nil
		})
		n, err := writer.PlaceChunk(dec, offset)
		if err != nil {
			return &errs.ReassemblySetupFailed{Path: scratch, Err: err}
		}
		offset += n
	}
	f.Close()

	sourceDigest, err := digest.Ranged(diskPath, 0, info.Size())
	if err != nil {
		return err
	}
	reassembledDigest, err := digest.Ranged(scratch, 0, info.Size())
	if err != nil {
		return err
	}
	if sourceDigest != reassembledDigest {
		return &errs.ReassemblySetupFailed{Path: scratch, Err: fmt.Errorf("reassembled digest %s does not match source digest %s", reassembledDigest, sourceDigest)}
	}
	return nil
}
