package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/core/worker"
	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
	"github.com/joseph-ayodele/docextract/internal/metrics"
	"github.com/joseph-ayodele/docextract/internal/progress"
	"github.com/joseph-ayodele/docextract/internal/repository"
)

// Progress published before the first worker attempt.
const (
	progressDescriptorReady = 10
	progressOCR             = 30
)

// placeholderStageText marks jobs completed without a real worker.
const placeholderStageText = "Completed (worker unavailable)"

// Processor executes one job end to end: claim it, run the retrying
// executor, and commit the terminal state.
type Processor struct {
	jobs      repository.JobRepository
	publisher progress.Publisher
	executor  *Executor
	model     string
	logger    *slog.Logger
	now       func() time.Time
}

func NewProcessor(jobs repository.JobRepository, pub progress.Publisher, exec *Executor, defaultModel string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		jobs:      jobs,
		publisher: pub,
		executor:  exec,
		model:     defaultModel,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Process runs the job if it is still Pending. A job that another writer
// already claimed, or that was deleted, is skipped without error.
func (p *Processor) Process(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := p.executor.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("job.id", jobID.String()),
	))
	defer span.End()
	log := p.logger.With("job_id", jobID)

	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			log.Warn("processor.skip: job deleted before execution")
			return nil
		}
		return err
	}
	if err := job.Start(p.now()); err != nil {
		log.Warn("processor.skip: job not pending", "status", job.Status)
		return nil
	}
	if err := p.jobs.Save(ctx, job, constants.JobStatusPending); err != nil {
		if errors.Is(err, common.ErrStaleJob) {
			log.Warn("processor.skip: job claimed or deleted concurrently")
			return nil
		}
		return err
	}
	log.Info("processor.started", "batch_name", job.BatchName, "file", job.File.FileName, "mode", job.ModelMode)

	report := func(stage constants.Stage, pct int) {
		p.publish(ctx, job, stage, "", pct, "")
	}
	report(constants.StageUploading, entity.ProgressStarted)

	desc := worker.Descriptor{
		JobID:       job.ID,
		TaskName:    job.BatchName,
		OwnerID:     job.OwnerID,
		FileName:    job.File.FileName,
		FilePath:    job.File.FilePath,
		TaskDataDir: job.File.TaskDataDir,
		Fields:      job.ExtractFields,
		Mode:        job.ModelMode,
	}
	report(constants.StageUploading, progressDescriptorReady)
	report(constants.StageOCRProcessing, progressOCR)

	outcome, execErr := p.executor.Execute(ctx, desc, report)

	// Terminal writes must land even when the caller is shutting down.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		return p.fail(commitCtx, log, job, execErr, outcome.Failed)
	}
	return p.complete(commitCtx, log, job, outcome)
}

func (p *Processor) complete(ctx context.Context, log *slog.Logger, job *entity.Job, outcome *Outcome) error {
	res := outcome.Result
	model := res.Model()
	if model == "" {
		model = p.model
	}
	detailsMap := map[string]any{
		"model":       model,
		"modelMode":   job.ModelMode,
		"confidence":  res.Confidence(),
		"processedAt": p.now().Format(time.RFC3339),
		"attempts":    outcome.Attempts,
	}
	if outcome.Partial {
		detailsMap["partial"] = true
	}
	if res.Placeholder {
		detailsMap["placeholder"] = true
	}
	details, err := jsonval.Object(detailsMap)
	if err != nil {
		return err
	}

	if err := job.Complete(res.Value, details, p.now()); err != nil {
		return err
	}
	if err := p.jobs.Save(ctx, job, constants.JobStatusProcessing); err != nil {
		if errors.Is(err, common.ErrStaleJob) {
			log.Warn("processor.discard: job deleted during execution, result dropped")
			p.forget(ctx, log, job)
			return nil
		}
		return err
	}
	text := ""
	if res.Placeholder {
		text = placeholderStageText
	}
	p.publish(ctx, job, constants.StageCompleted, text, entity.ProgressFinished, "")
	metrics.IncJobFinished(string(constants.JobStatusCompleted))
	log.Info("processor.completed", "model", model, "partial", outcome.Partial, "placeholder", res.Placeholder, "attempts", outcome.Attempts)
	return nil
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, job *entity.Job, cause error, failedAttempts int) error {
	msg := cause.Error()
	if err := job.Fail(msg, failedAttempts, p.now()); err != nil {
		return err
	}
	if err := p.jobs.Save(ctx, job, constants.JobStatusProcessing); err != nil {
		if errors.Is(err, common.ErrStaleJob) {
			log.Warn("processor.discard: job deleted during execution, failure dropped", "error", msg)
			p.forget(ctx, log, job)
			return nil
		}
		return err
	}
	p.publish(ctx, job, constants.StageFailed, "", job.Progress, msg)
	metrics.IncJobFinished(string(constants.JobStatusFailed))
	log.Error("processor.failed", "error", msg, "retry_count", job.RetryCount)
	return nil
}

func (p *Processor) publish(ctx context.Context, job *entity.Job, stage constants.Stage, text string, pct int, errMsg string) {
	if text == "" {
		text = stage.Text()
	}
	err := p.publisher.Set(ctx, entity.Snapshot{
		JobID:        job.ID,
		Stage:        stage,
		StageText:    text,
		Progress:     pct,
		CurrentFile:  job.File.FileName,
		ErrorMessage: errMsg,
	})
	if err != nil {
		p.logger.Warn("progress publish failed", "job_id", job.ID, "stage", stage, "error", err)
	}
}

// forget removes a snapshot that progress lines recreated after the job
// record was deleted.
func (p *Processor) forget(ctx context.Context, log *slog.Logger, job *entity.Job) {
	if _, err := p.jobs.Get(ctx, job.ID); !errors.Is(err, common.ErrNotFound) {
		return
	}
	if err := p.publisher.Delete(ctx, job.ID); err != nil {
		log.Warn("progress snapshot cleanup failed", "error", err)
	}
}
