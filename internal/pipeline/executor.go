package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/core/limiter"
	"github.com/joseph-ayodele/docextract/internal/core/worker"
	"github.com/joseph-ayodele/docextract/internal/metrics"
)

const tracerName = "github.com/joseph-ayodele/docextract/internal/pipeline"

// Progress offsets for retried attempts: attempt k reports attemptBase+(k-1)*attemptStep.
const (
	attemptBase = 50
	attemptStep = 15
)

// Attempter runs a single worker attempt.
type Attempter interface {
	Invoke(ctx context.Context, d worker.Descriptor, onProgress worker.ProgressFunc) (*worker.Result, error)
}

// Reporter receives stage/progress updates for the job being executed.
type Reporter func(stage constants.Stage, progress int)

// RetryLimitExceededError is returned after every attempt failed.
type RetryLimitExceededError struct {
	Attempts int
	Last     error
}

func (e *RetryLimitExceededError) Error() string {
	return fmt.Sprintf("retry limit exceeded after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryLimitExceededError) Unwrap() error { return e.Last }

func (e *RetryLimitExceededError) Is(target error) bool {
	return target == common.ErrRetryLimitExceeded
}

// Outcome describes one execution of a job.
type Outcome struct {
	Result   *worker.Result
	Partial  bool
	Attempts int
	Failed   int
}

type ExecutorConfig struct {
	MaxRetries    int
	RetryInterval time.Duration
	// SlotTimeout bounds the wait for a concurrency permit before each attempt.
	SlotTimeout time.Duration
}

// Executor retries worker attempts. Each attempt holds a limiter permit only
// while the worker runs; the sleep between attempts holds none.
type Executor struct {
	worker  Attempter
	limiter *limiter.Limiter
	cfg     ExecutorConfig
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewExecutor(w Attempter, l *limiter.Limiter, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Executor{
		worker:  w,
		limiter: l,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
}

// Execute drives up to MaxRetries attempts. A result is accepted when its
// status is "success" or it carries data, in which case it is marked
// partial. The returned Outcome is never nil.
func (e *Executor) Execute(ctx context.Context, d worker.Descriptor, report Reporter) (*Outcome, error) {
	out := &Outcome{}
	var lastErr error
	log := e.logger.With("job_id", d.JobID)

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, e.cfg.RetryInterval); err != nil {
				return out, err
			}
		}
		if report != nil {
			report(constants.StageExtracting, attemptBase+(attempt-1)*attemptStep)
		}

		out.Attempts++
		res, err := e.attempt(ctx, d, attempt, report)
		if err == nil {
			if res.Status() == "success" {
				metrics.IncAttempt("success")
				out.Result = res
				log.Info("pipeline.attempt.ok", "attempt", attempt, "placeholder", res.Placeholder)
				return out, nil
			}
			if !res.Data().IsNull() {
				marked, merr := res.Value.With("partial", true)
				if merr != nil {
					return out, merr
				}
				metrics.IncAttempt("partial")
				out.Result = &worker.Result{Value: marked}
				out.Partial = true
				log.Warn("pipeline.attempt.partial", "attempt", attempt, "status", res.Status())
				return out, nil
			}
			err = fmt.Errorf("%w: worker reported status %q without data", worker.ErrAttemptFailed, res.Status())
		}

		if !errors.Is(err, worker.ErrAttemptFailed) {
			// Slot timeouts, cancellation and other structural errors are not retried.
			return out, err
		}
		recordAttemptFailure(err)
		out.Failed++
		lastErr = err
		log.Warn("pipeline.attempt.failed", "attempt", attempt, "max_retries", e.cfg.MaxRetries, "error", err)
	}

	log.Error("pipeline.retry.exhausted", "attempts", out.Attempts, "error", lastErr)
	return out, &RetryLimitExceededError{Attempts: out.Attempts, Last: lastErr}
}

func (e *Executor) attempt(ctx context.Context, d worker.Descriptor, n int, report Reporter) (*worker.Result, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.attempt", trace.WithAttributes(
		attribute.String("job.id", d.JobID.String()),
		attribute.Int("attempt", n),
	))
	defer span.End()

	var res *worker.Result
	err := e.limiter.Do(ctx, e.cfg.SlotTimeout, func(ctx context.Context) error {
		var err error
		res, err = e.worker.Invoke(ctx, d, forward(report))
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("result.status", res.Status()))
	return res, nil
}

// forward relays worker progress lines to report. Lines without a stage are
// attributed to the extracting stage, and so are terminal stages: only the
// processor commits COMPLETED or FAILED.
func forward(report Reporter) worker.ProgressFunc {
	if report == nil {
		return nil
	}
	return func(u worker.Update) {
		stage := u.Stage
		if stage == "" || stage.IsTerminal() {
			stage = constants.StageExtracting
		}
		report(stage, u.Progress)
	}
}

func recordAttemptFailure(err error) {
	var (
		timeout *worker.ProcessTimeoutError
		exit    *worker.NonZeroExitError
		parse   *worker.OutputParseError
	)
	switch {
	case errors.As(err, &timeout):
		metrics.IncAttempt("timeout")
	case errors.As(err, &exit):
		metrics.IncAttempt("non_zero_exit")
	case errors.As(err, &parse):
		metrics.IncAttempt("parse_error")
	default:
		metrics.IncAttempt("error")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
