// Package scheduler runs chunk transfer tasks with bounded
// parallelism, first-error cancellation, progress accounting, and
// in-flight download deduplication. Grounded on errgroup.WithContext
// as used for the teacher's coordinated server/shutdown group in
// cmd/api/main.go, generalized here from "two long-lived goroutines"
// to "K short-lived chunk tasks bounded by a semaphore".
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Result is what one task contributes: its output (a layer descriptor
// on push, an on-disk path on pull) and the bytes it moved, for
// progress accounting.
type Result struct {
	Output any
	Bytes  int64
}

// Task is one unit of scheduled work; Index is the caller's
// stable identifier (e.g. planned chunk index), used to key results
// independent of completion order. MediaType, if set, labels the
// transfer-bytes metric recorded for this task.
type Task struct {
	Index     int
	MediaType string
	Run       func(ctx context.Context) (Result, error)
}

// Scheduler runs tasks with at most Concurrency in flight at once.
type Scheduler struct {
	Concurrency int
	// Direction labels this scheduler's metrics ("pull" or "push").
	Direction string

	mu            sync.Mutex
	inFlight      map[string]chan struct{}
	inflightCount atomic.Int64
	metrics       *Metrics
	tracer        trace.Tracer
}

// New creates a Scheduler bounded to concurrency simultaneous tasks.
// concurrency <= 0 is treated as 1.
func New(concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		Concurrency: concurrency,
		inFlight:    make(map[string]chan struct{}),
	}
}

// SetMetrics attaches OTel instruments; nil disables recording. Also
// registers the lume_transfer_inflight gauge callback against this
// scheduler's live in-flight count.
func (s *Scheduler) SetMetrics(m *Metrics) {
	s.metrics = m
	if m != nil {
		_ = m.attachInflight(s)
	}
}

// SetTracer attaches an OTel tracer; nil disables per-task spans.
func (s *Scheduler) SetTracer(t trace.Tracer) { s.tracer = t }

// InflightCount returns the number of tasks currently executing,
// observed by the lume_transfer_inflight gauge.
func (s *Scheduler) InflightCount() int64 { return s.inflightCount.Load() }

// ProgressFunc is invoked after every task completes with the bytes
// it contributed, for callers that want running totals or logging.
type ProgressFunc func(task Task, result Result)

// Run executes tasks with bounded parallelism via errgroup, returning
// results indexed by Task.Index (not completion order). On the first
// task error, the group's context is cancelled and remaining tasks'
// partial outputs are discarded; Run returns that first error.
func (s *Scheduler) Run(ctx context.Context, tasks []Task, onProgress ProgressFunc) (map[int]Result, error) {
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(s.Concurrency)

	results := make(map[int]Result, len(tasks))
	var mu sync.Mutex

	for _, task := range tasks {
		task := task
		grp.Go(func() error {
			s.inflightCount.Add(1)
			defer s.inflightCount.Add(-1)

			taskCtx := gctx
			if s.tracer != nil {
				var span trace.Span
				taskCtx, span = s.tracer.Start(gctx, "lume.scheduled_task")
				defer span.End()
			}

			start := time.Now()
			result, err := task.Run(taskCtx)
			if s.metrics != nil {
				outcome := "success"
				if err != nil {
					outcome = "error"
				}
				s.metrics.recordDuration(gctx, s.Direction, outcome, time.Since(start).Seconds())
			}
			if err != nil {
				return err
			}

			if s.metrics != nil {
				s.metrics.recordBytes(gctx, s.Direction, task.MediaType, result.Bytes)
			}

			mu.Lock()
			results[task.Index] = result
			mu.Unlock()
			if onProgress != nil {
				onProgress(task, result)
			}
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AcquireDownload registers digest as in-flight, returning (true,
// nil) if this caller is the one who should perform the download.
// A second caller for the same digest gets (false, wait) where wait
// is closed once the first caller finishes, so the waiter can then
// read the now-populated cache entry instead of issuing a duplicate
// request (spec.md §4.G: "a second request ... waits ... rather than
// issuing a parallel GET").
func (s *Scheduler) AcquireDownload(digest string) (leader bool, wait <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.inFlight[digest]; ok {
		return false, ch
	}
	ch := make(chan struct{})
	s.inFlight[digest] = ch
	return true, ch
}

// ReleaseDownload signals waiters that digest's download finished
// (successfully or not) and clears the in-flight entry.
func (s *Scheduler) ReleaseDownload(digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.inFlight[digest]; ok {
		close(ch)
		delete(s.inFlight, digest)
	}
}
