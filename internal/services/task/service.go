package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/async"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/ingest"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
	"github.com/joseph-ayodele/docextract/internal/progress"
	"github.com/joseph-ayodele/docextract/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ProgressReader returns the freshest snapshot of a job.
type ProgressReader interface {
	Current(ctx context.Context, jobID uuid.UUID) (entity.Snapshot, error)
}

type Config struct {
	MaxActivePerOwner int
	MaxRetries        int
}

// Service handles task submission, queries, retries and deletion.
type Service struct {
	jobs      repository.JobRepository
	store     ingest.Store
	queue     async.Queue
	publisher progress.Publisher
	progress  ProgressReader
	validator *common.Validator
	admission ownerLocks
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(
	jobs repository.JobRepository,
	store ingest.Store,
	queue async.Queue,
	pub progress.Publisher,
	reader ProgressReader,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxActivePerOwner <= 0 {
		cfg.MaxActivePerOwner = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Service{
		jobs:      jobs,
		store:     store,
		queue:     queue,
		publisher: pub,
		progress:  reader,
		validator: common.NewValidator(),
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SubmitRequest is one multi-file submission.
type SubmitRequest struct {
	OwnerID       string          `validate:"required,max=128"`
	BatchName     string          `validate:"required,max=255,batchname"`
	ExtractFields jsonval.Value   `validate:"-"`
	ModelMode     string          `validate:"omitempty,oneof=normal fast accurate"`
	Files         []ingest.Upload `validate:"required,min=1"`
}

// Submit admits the batch, stores its documents, persists one Pending job
// per document and only then dispatches them.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) ([]*entity.Job, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.BatchName = strings.TrimSpace(req.BatchName)
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	if err := ValidateFields(req.ExtractFields); err != nil {
		return nil, err
	}
	mode := req.ModelMode
	if mode == "" {
		mode = constants.ModeNormal
	}

	release := s.admission.lock(req.OwnerID)
	defer release()
	active, err := s.jobs.CountActive(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if active >= s.cfg.MaxActivePerOwner {
		s.logger.Warn("batch admission rejected", "owner_id", req.OwnerID, "active", active, "limit", s.cfg.MaxActivePerOwner)
		return nil, common.AdmissionRejected(req.OwnerID, active, s.cfg.MaxActivePerOwner)
	}

	now := s.now()
	jobs := make([]*entity.Job, 0, len(req.Files))
	cleanup := func() {
		for _, j := range jobs {
			if err := s.store.Remove(j.File); err != nil {
				s.logger.Warn("cleanup of stored document failed", "path", j.File.FilePath, "error", err)
			}
		}
	}
	for _, up := range req.Files {
		fi, err := s.store.Save(ctx, req.BatchName, up)
		if err != nil {
			cleanup()
			return nil, err
		}
		jobs = append(jobs, entity.NewJob(req.OwnerID, req.BatchName, fi, req.ExtractFields, mode, now))
	}

	if err := s.jobs.CreateBatch(ctx, jobs); err != nil {
		cleanup()
		return nil, err
	}
	// Dispatch may run a job on this goroutine.
	release()

	ids := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	s.logger.Info("batch submitted", "owner_id", req.OwnerID, "batch_name", req.BatchName, "jobs", len(jobs), "mode", mode)
	s.queue.Dispatch(ctx, ids...)
	return jobs, nil
}

// Get returns one job. A non-empty ownerID must match the job's owner.
func (s *Service) Get(ctx context.Context, ownerID string, id uuid.UUID) (*entity.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return nil, common.TaskNotFound(id.String())
	}
	return job, nil
}

// Page is one page of an owner's jobs, newest first.
type Page struct {
	Items []*entity.Job `json:"items"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

// List pages through an owner's jobs. page is 1-based.
func (s *Service) List(ctx context.Context, ownerID string, page, size int) (*Page, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, common.InvalidInput("owner id is required")
	}
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	size = min(size, maxPageSize)
	items, total, err := s.jobs.ListByOwner(ctx, ownerID, page-1, size)
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, Total: total, Page: page, Size: size}, nil
}

// Progress returns the cached snapshot, falling back to the job record.
// Ownership is checked the same way as Get.
func (s *Service) Progress(ctx context.Context, ownerID string, id uuid.UUID) (entity.Snapshot, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return entity.Snapshot{}, err
	}
	return s.progress.Current(ctx, id)
}

type RetryRequest struct {
	OwnerID string
	JobID   uuid.UUID
	// ExtractFields replaces the stored field schema when not null.
	ExtractFields jsonval.Value
}

// Retry resets a Failed job to Pending and dispatches it again.
func (s *Service) Retry(ctx context.Context, req RetryRequest) (*entity.Job, error) {
	job, err := s.Get(ctx, req.OwnerID, req.JobID)
	if err != nil {
		return nil, err
	}
	if !req.ExtractFields.IsNull() {
		if err := ValidateFields(req.ExtractFields); err != nil {
			return nil, err
		}
		job.ExtractFields = req.ExtractFields
	}
	if err := job.ResetForRetry(s.cfg.MaxRetries, s.now()); err != nil {
		return nil, common.NewAppError("RETRY_NOT_ALLOWED", err.Error(), err)
	}
	if err := s.jobs.Save(ctx, job, constants.JobStatusFailed); err != nil {
		if errors.Is(err, common.ErrStaleJob) {
			return nil, common.NewAppError("RETRY_NOT_ALLOWED", "task changed while retrying",
				fmt.Errorf("%w: %v", common.ErrRetryNotAllowed, err))
		}
		return nil, err
	}
	// Replace the cached FAILED snapshot so readers do not see a stale terminal stage.
	if err := s.publisher.Set(ctx, job.Snapshot()); err != nil {
		s.logger.Warn("progress publish failed", "job_id", job.ID, "error", err)
	}
	s.logger.Info("task retry requested", "job_id", job.ID, "retry_count", job.RetryCount)
	s.queue.Dispatch(ctx, job.ID)
	return job, nil
}

// Delete removes a job, its stored document and its snapshot. An attempt
// still running for the job finishes without effect.
func (s *Service) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	job, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	n, err := s.jobs.Delete(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return common.TaskNotFound(id.String())
	}
	s.discard(ctx, job)
	return nil
}

// DeleteMany deletes every listed job the owner can see and returns how many
// were removed. Unknown ids are skipped.
func (s *Service) DeleteMany(ctx context.Context, ownerID string, ids []uuid.UUID) (int, error) {
	var found []*entity.Job
	for _, id := range ids {
		job, err := s.Get(ctx, ownerID, id)
		if errors.Is(err, common.ErrNotFound) {
			s.logger.Debug("delete skipped missing task", "job_id", id)
			continue
		}
		if err != nil {
			return 0, err
		}
		found = append(found, job)
	}
	return s.deleteJobs(ctx, found)
}

func (s *Service) deleteJobs(ctx context.Context, jobs []*entity.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	ids := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	n, err := s.jobs.Delete(ctx, ids...)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		s.discard(ctx, j)
	}
	s.logger.Info("tasks deleted", "requested", len(ids), "deleted", n)
	return n, nil
}

// DeleteBatch deletes every job of one batch.
func (s *Service) DeleteBatch(ctx context.Context, ownerID, batchName string) (int, error) {
	jobs, err := s.jobs.ListBatch(ctx, ownerID, batchName)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, common.NewAppError("BATCH_NOT_FOUND", "batch "+batchName+" does not exist", common.ErrTaskNotFound)
	}
	return s.deleteJobs(ctx, jobs)
}

func (s *Service) discard(ctx context.Context, job *entity.Job) {
	if err := s.store.Remove(job.File); err != nil {
		s.logger.Warn("remove stored document failed", "job_id", job.ID, "path", job.File.FilePath, "error", err)
	}
	if err := s.publisher.Delete(ctx, job.ID); err != nil {
		s.logger.Warn("remove progress snapshot failed", "job_id", job.ID, "error", err)
	}
}
