package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docextract/internal/metrics"
)

// Dispatcher runs job executions on a bounded pool of goroutines. When the
// queue is full the submitting goroutine runs the job itself. A job id that
// is already queued or running is never scheduled a second time.
type Dispatcher struct {
	proc    Processor
	logger  *slog.Logger
	workers int

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[uuid.UUID]struct{}
}

var _ Queue = (*Dispatcher)(nil)

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.ch = make(chan Job, n)
		}
	}
}

func NewDispatcher(proc Processor, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		proc:     proc,
		logger:   logger,
		workers:  5,
		ch:       make(chan Job, 100),
		baseCtx:  ctx,
		cancel:   cancel,
		inflight: make(map[uuid.UUID]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.start()
	return d
}

func (d *Dispatcher) start() {
	d.once.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go func(workerID int) {
				defer d.wg.Done()
				d.logger.Debug("dispatch worker started", "worker_id", workerID)
				for job := range d.ch {
					d.run(d.baseCtx, workerID, job)
				}
				d.logger.Debug("dispatch worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Dispatch schedules each id and returns how many were accepted. Ids already
// in flight are skipped. Call it only after the job records are committed.
func (d *Dispatcher) Dispatch(ctx context.Context, ids ...uuid.UUID) int {
	accepted := 0
	for _, id := range ids {
		job := Job{JobID: id, SubmittedAt: time.Now()}
		queued, ok := d.enqueue(job)
		if !ok {
			continue
		}
		accepted++
		if !queued {
			metrics.IncBackpressure()
			d.logger.Warn("dispatch queue full, running job on caller", "job_id", id)
			// The caller's cancellation must not abandon a job that was
			// already claimed.
			d.run(context.WithoutCancel(ctx), 0, job)
		}
	}
	return accepted
}

// enqueue marks job in flight and tries the queue. ok is false when the job
// is already in flight or the dispatcher is closed; queued is false when
// the caller must run it.
func (d *Dispatcher) enqueue(job Job) (queued, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("cannot dispatch: dispatcher is shutting down", "job_id", job.JobID)
		return false, false
	}
	if _, busy := d.inflight[job.JobID]; busy {
		d.logger.Info("job already in flight, not scheduling again", "job_id", job.JobID)
		return false, false
	}
	d.inflight[job.JobID] = struct{}{}
	select {
	case d.ch <- job:
		d.logger.Debug("queued job for execution", "job_id", job.JobID)
		return true, true
	default:
		return false, true
	}
}

func (d *Dispatcher) run(ctx context.Context, workerID int, job Job) {
	defer d.done(job.JobID)
	start := time.Now()
	if err := d.proc.Process(ctx, job.JobID); err != nil {
		d.logger.Error("job execution failed", "worker_id", workerID, "job_id", job.JobID, "error", err)
		return
	}
	d.logger.Debug("job execution finished", "worker_id", workerID, "job_id", job.JobID,
		"queued_ms", start.Sub(job.SubmittedAt).Milliseconds(),
		"duration_ms", time.Since(start).Milliseconds())
}

func (d *Dispatcher) done(id uuid.UUID) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// InFlight reports whether id is queued or running.
func (d *Dispatcher) InFlight(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[id]
	return ok
}

// Shutdown stops accepting jobs and waits for queued ones to drain. If ctx
// ends first, running executions are canceled.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); d.wg.Wait() }()

	select {
	case <-ctx.Done():
		d.cancel()
		d.logger.Warn("dispatcher shutdown interrupted, canceling running jobs")
	case <-done:
		d.cancel()
		d.logger.Info("dispatcher drained, shutdown complete")
	}
}
