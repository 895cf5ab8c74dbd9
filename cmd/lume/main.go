package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/trycua/lume/lib/cache"
	"github.com/trycua/lume/lib/config"
	"github.com/trycua/lume/lib/image"
	"github.com/trycua/lume/lib/logger"
	"github.com/trycua/lume/lib/ociclient"
	"github.com/trycua/lume/lib/otel"
	"github.com/trycua/lume/lib/paths"
	"github.com/trycua/lume/lib/pull"
	"github.com/trycua/lume/lib/push"
	"github.com/trycua/lume/lib/scheduler"

	"go.opentelemetry.io/otel/trace"
)

// telemetryOrchestrator is implemented by both pull.Orchestrator and
// push.Orchestrator, letting runPull/runPush share one wiring path.
type telemetryOrchestrator interface {
	SetTracer(trace.Tracer)
	SetMetrics(*scheduler.Metrics, *ociclient.Metrics)
}

// attachTelemetry wires orch's scheduler and OCI client to provider's
// tracer/meter, mirroring the teacher's "construct *Metrics in main,
// hand it to the domain package" pattern. provider is nil when
// otel.Init failed outright (run logs a warning and continues
// untraced); a disabled provider is never nil, just backed by
// no-op Tracer/Meter instances.
func attachTelemetry(orch telemetryOrchestrator, provider *otel.Provider, log *slog.Logger) {
	if provider == nil {
		return
	}
	orch.SetTracer(provider.Tracer)

	schedMetrics, err := scheduler.NewMetrics(provider.Meter)
	if err != nil {
		log.Warn("failed to create scheduler metrics", "error", err)
		return
	}
	clientMetrics, err := ociclient.NewMetrics(provider.Meter)
	if err != nil {
		log.Warn("failed to create OCI client metrics", "error", err)
		return
	}
	orch.SetMetrics(schedMetrics, clientMetrics)
}

func main() {
	if err := run(); err != nil {
		slog.Error("lume terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	otelCfg := otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	}
	otelProvider, otelShutdown, err := otel.Init(context.Background(), otelCfg)
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	logCfg := logger.NewConfig()
	log := logger.NewLogger(logCfg)
	slog.SetDefault(log)

	switch os.Args[1] {
	case "pull":
		return runPull(cfg, otelProvider, os.Args[2:])
	case "push":
		return runPush(cfg, otelProvider, os.Args[2:])
	default:
		usage()
		os.Exit(1)
		return nil
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: lume <pull|push> [options]\n\n")
	fmt.Fprintf(os.Stderr, "  lume pull <image> [--name N] [--location L]\n")
	fmt.Fprintf(os.Stderr, "  lume push <vmDir> <imageName> <tag...> [--chunk-size-mb 512] [--dry-run] [--reassemble] [--verbose]\n")
}

func runPull(cfg *config.Config, otelProvider *otel.Provider, args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	name := fs.String("name", "", "destination VM directory name (defaults to the repository's last path segment)")
	location := fs.String("location", "", "destination parent directory (defaults to the current directory)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("pull requires an <image> argument")
	}
	imageRef := fs.Arg(0)

	ref, err := image.ParseReference(imageRef)
	if err != nil {
		return err
	}

	destName := *name
	if destName == "" {
		parts := strings.Split(ref.Repository, "/")
		destName = parts[len(parts)-1]
	}
	destDir := destName
	if *location != "" {
		destDir = *location + "/" + destName
	}

	client := ociclient.New(ociclient.Config{
		Host:            cfg.RegistryHost,
		RequestTimeout:  cfg.RequestTimeout,
		ResourceTimeout: cfg.ResourceTimeout,
		MaxConnsPerHost: 8,
		MaxAttempts:     5,
		Insecure:        cfg.Insecure,
	})

	p := paths.New(cfg.CacheRoot)
	c := cache.New(p, cfg.Org)
	c.Disabled = cfg.CacheDisabled

	pullLog := logger.NewSubsystemLogger(logger.SubsystemPull, logger.NewConfig(), nil)
	orch := pull.New(client, c, cfg.Org, pull.Options{Concurrency: cfg.Concurrency}, pullLog)
	attachTelemetry(orch, otelProvider, pullLog)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ResourceTimeout)
	defer cancel()

	result, err := orch.Pull(ctx, ref, destDir)
	if err != nil {
		return err
	}

	fmt.Printf("pulled %s -> %s (manifestId=%s, cacheHit=%v)\n", imageRef, destDir, result.ManifestID, result.CacheHit)
	return nil
}

func runPush(cfg *config.Config, otelProvider *otel.Provider, args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	chunkSizeMb := fs.Int("chunk-size-mb", cfg.ChunkSizeMb, "disk chunk size in MiB")
	dryRun := fs.Bool("dry-run", false, "hash and compress chunks without contacting the registry")
	reassemble := fs.Bool("reassemble", false, "verify the chunk cache by reassembling and comparing digests")
	verbose := fs.Bool("verbose", false, "log per-chunk progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("push requires <vmDir> <imageName> <tag...> arguments")
	}

	vmDir := fs.Arg(0)
	repo := fs.Arg(1)
	tags := fs.Args()[2:]
	if len(tags) == 0 {
		tags = []string{"latest"}
	}

	client := ociclient.New(ociclient.Config{
		Host:            cfg.RegistryHost,
		RequestTimeout:  cfg.RequestTimeout,
		ResourceTimeout: cfg.ResourceTimeout,
		MaxConnsPerHost: 8,
		MaxAttempts:     5,
		Insecure:        cfg.Insecure,
	})

	pushLevel := logger.SubsystemPush
	if *verbose {
		os.Setenv("LOG_LEVEL_"+pushLevel, "debug")
	}
	pushLog := logger.NewSubsystemLogger(pushLevel, logger.NewConfig(), nil)

	opts := push.Options{
		Concurrency: cfg.Concurrency,
		ChunkSizeMb: *chunkSizeMb,
		DryRun:      *dryRun,
		Reassemble:  *reassemble,
	}
	orch := push.New(client, cfg.Org, opts, pushLog)
	attachTelemetry(orch, otelProvider, pushLog)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ResourceTimeout)
	defer cancel()

	result, err := orch.Push(ctx, vmDir, repo, tags, opts)
	if err != nil {
		return err
	}

	fmt.Printf("pushed %s -> %s:%s (manifestId=%s, bytes=%d)\n", vmDir, repo, strings.Join(tags, ","), result.ManifestID, result.BytesPushed)
	return nil
}
