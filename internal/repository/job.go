package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
)

const jobsTable = "extract_jobs"

var jobColumns = []string{
	"id", "owner_id", "batch_name",
	"file_name", "file_path", "task_data_dir", "size_bytes", "page_count",
	"status", "stage", "progress", "retry_count", "model_mode",
	"extract_fields", "result", "error_message", "processing_details",
	"created_at", "updated_at", "started_at", "finished_at",
}

// JobRepository persists extraction jobs. Every state change goes through
// Save, which only applies when the stored status still matches.
type JobRepository interface {
	CreateBatch(ctx context.Context, jobs []*entity.Job) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ListByOwner(ctx context.Context, ownerID string, page, size int) ([]*entity.Job, int, error)
	ListAllByOwner(ctx context.Context, ownerID string) ([]*entity.Job, error)
	ListBatch(ctx context.Context, ownerID, batchName string) ([]*entity.Job, error)
	CountActive(ctx context.Context, ownerID string) (int, error)
	Save(ctx context.Context, job *entity.Job, from constants.JobStatus) error
	Delete(ctx context.Context, ids ...uuid.UUID) (int, error)
}

type jobRepo struct {
	drv *entsql.Driver
	log *slog.Logger
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{drv: db.Driver, log: log}
}

func (r *jobRepo) builder() *entsql.DialectBuilder {
	return entsql.Dialect(r.drv.Dialect())
}

// CreateBatch inserts all jobs in one transaction; either every row is
// visible after it returns or none is.
func (r *jobRepo) CreateBatch(ctx context.Context, jobs []*entity.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	ins := r.builder().Insert(jobsTable).Columns(jobColumns...)
	for _, j := range jobs {
		vals, err := jobValues(j)
		if err != nil {
			return err
		}
		ins.Values(vals...)
	}
	query, args := ins.Query()

	tx, err := r.drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", common.ErrDatabase, err)
	}
	var res sql.Result
	if err := tx.Exec(ctx, query, args, &res); err != nil {
		_ = tx.Rollback()
		r.log.Error("extract_jobs insert failed", "jobs", len(jobs), "err", err)
		return fmt.Errorf("%w: insert jobs: %v", common.ErrDatabase, err)
	}
	if err := tx.Commit(); err != nil {
		r.log.Error("extract_jobs commit failed", "jobs", len(jobs), "err", err)
		return fmt.Errorf("%w: commit: %v", common.ErrDatabase, err)
	}
	r.log.Info("extract_jobs created", "jobs", len(jobs), "batch_name", jobs[0].BatchName, "owner_id", jobs[0].OwnerID)
	return nil
}

func (r *jobRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	b := r.builder()
	query, args := b.Select(jobColumns...).
		From(b.Table(jobsTable)).
		Where(entsql.EQ("id", id)).
		Query()
	jobs, err := r.query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, common.TaskNotFound(id.String())
	}
	return jobs[0], nil
}

// ListByOwner returns one page (0-based) of an owner's jobs, newest first, and the total count.
func (r *jobRepo) ListByOwner(ctx context.Context, ownerID string, page, size int) ([]*entity.Job, int, error) {
	if size <= 0 {
		size = 20
	}
	if page < 0 {
		page = 0
	}
	b := r.builder()
	countQ, countArgs := b.Select(entsql.Count("*")).
		From(b.Table(jobsTable)).
		Where(entsql.EQ("owner_id", ownerID)).
		Query()
	total, err := r.count(ctx, countQ, countArgs)
	if err != nil {
		return nil, 0, err
	}

	query, args := b.Select(jobColumns...).
		From(b.Table(jobsTable)).
		Where(entsql.EQ("owner_id", ownerID)).
		OrderBy(entsql.Desc("created_at"), entsql.Asc("id")).
		Limit(size).
		Offset(page * size).
		Query()
	jobs, err := r.query(ctx, query, args)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (r *jobRepo) ListAllByOwner(ctx context.Context, ownerID string) ([]*entity.Job, error) {
	b := r.builder()
	query, args := b.Select(jobColumns...).
		From(b.Table(jobsTable)).
		Where(entsql.EQ("owner_id", ownerID)).
		OrderBy(entsql.Asc("created_at"), entsql.Asc("id")).
		Query()
	return r.query(ctx, query, args)
}

func (r *jobRepo) ListBatch(ctx context.Context, ownerID, batchName string) ([]*entity.Job, error) {
	b := r.builder()
	query, args := b.Select(jobColumns...).
		From(b.Table(jobsTable)).
		Where(entsql.And(
			entsql.EQ("owner_id", ownerID),
			entsql.EQ("batch_name", batchName),
		)).
		OrderBy(entsql.Asc("created_at"), entsql.Asc("id")).
		Query()
	return r.query(ctx, query, args)
}

func (r *jobRepo) CountActive(ctx context.Context, ownerID string) (int, error) {
	statuses := make([]any, 0, len(constants.ActiveStatuses))
	for _, s := range constants.ActiveStatuses {
		statuses = append(statuses, string(s))
	}
	b := r.builder()
	query, args := b.Select(entsql.Count("*")).
		From(b.Table(jobsTable)).
		Where(entsql.And(
			entsql.EQ("owner_id", ownerID),
			entsql.In("status", statuses...),
		)).
		Query()
	return r.count(ctx, query, args)
}

// Save writes the mutable columns of job if its stored status is still from.
// It returns common.ErrStaleJob when no row matched (deleted, or moved by
// another writer).
func (r *jobRepo) Save(ctx context.Context, job *entity.Job, from constants.JobStatus) error {
	extractFields, err := nullableJSON(job.ExtractFields)
	if err != nil {
		return err
	}
	result, err := nullableJSON(job.Result)
	if err != nil {
		return err
	}
	details, err := nullableJSON(job.ProcessingDetails)
	if err != nil {
		return err
	}

	query, args := r.builder().Update(jobsTable).
		Set("status", string(job.Status)).
		Set("stage", string(job.Stage)).
		Set("progress", job.Progress).
		Set("retry_count", job.RetryCount).
		Set("model_mode", job.ModelMode).
		Set("extract_fields", extractFields).
		Set("result", result).
		Set("error_message", nullableString(job.ErrorMessage)).
		Set("processing_details", details).
		Set("updated_at", job.UpdatedAt.UTC()).
		Set("started_at", nullableTime(job.StartedAt)).
		Set("finished_at", nullableTime(job.FinishedAt)).
		Where(entsql.And(
			entsql.EQ("id", job.ID),
			entsql.EQ("status", string(from)),
		)).
		Query()

	var res sql.Result
	if err := r.drv.Exec(ctx, query, args, &res); err != nil {
		r.log.Error("extract_job save failed", "job_id", job.ID, "status", job.Status, "err", err)
		return fmt.Errorf("%w: update job: %v", common.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", common.ErrDatabase, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s expected %s", common.ErrStaleJob, job.ID, from)
	}
	r.log.Debug("extract_job saved", "job_id", job.ID, "from", from, "to", job.Status, "stage", job.Stage)
	return nil
}

func (r *jobRepo) Delete(ctx context.Context, ids ...uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query, qargs := r.builder().Delete(jobsTable).
		Where(entsql.In("id", args...)).
		Query()
	var res sql.Result
	if err := r.drv.Exec(ctx, query, qargs, &res); err != nil {
		r.log.Error("extract_jobs delete failed", "ids", len(ids), "err", err)
		return 0, fmt.Errorf("%w: delete jobs: %v", common.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", common.ErrDatabase, err)
	}
	r.log.Info("extract_jobs deleted", "requested", len(ids), "deleted", n)
	return int(n), nil
}

func (r *jobRepo) count(ctx context.Context, query string, args []any) (int, error) {
	var rows entsql.Rows
	if err := r.drv.Query(ctx, query, args, &rows); err != nil {
		return 0, fmt.Errorf("%w: count: %v", common.ErrDatabase, err)
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("%w: scan count: %v", common.ErrDatabase, err)
		}
	}
	return n, rows.Err()
}

func (r *jobRepo) query(ctx context.Context, query string, args []any) ([]*entity.Job, error) {
	var rows entsql.Rows
	if err := r.drv.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("%w: query jobs: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		j, err := scanJob(&rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate jobs: %v", common.ErrDatabase, err)
	}
	return out, nil
}

func scanJob(rows *entsql.Rows) (*entity.Job, error) {
	var (
		j                                      entity.Job
		status, stage                          string
		extractFields, result, errMsg, details sql.NullString
		startedAt, finishedAt                  sql.NullTime
	)
	err := rows.Scan(
		&j.ID, &j.OwnerID, &j.BatchName,
		&j.File.FileName, &j.File.FilePath, &j.File.TaskDataDir, &j.File.SizeBytes, &j.File.PageCount,
		&status, &stage, &j.Progress, &j.RetryCount, &j.ModelMode,
		&extractFields, &result, &errMsg, &details,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: scan job: %v", common.ErrDatabase, err)
	}
	j.Status = constants.JobStatus(status)
	j.Stage = constants.Stage(stage)
	if j.ExtractFields, err = parseNullable(extractFields); err != nil {
		return nil, err
	}
	if j.Result, err = parseNullable(result); err != nil {
		return nil, err
	}
	if j.ProcessingDetails, err = parseNullable(details); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		msg := errMsg.String
		j.ErrorMessage = &msg
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		j.FinishedAt = &t
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func jobValues(j *entity.Job) ([]any, error) {
	extractFields, err := nullableJSON(j.ExtractFields)
	if err != nil {
		return nil, err
	}
	result, err := nullableJSON(j.Result)
	if err != nil {
		return nil, err
	}
	details, err := nullableJSON(j.ProcessingDetails)
	if err != nil {
		return nil, err
	}
	return []any{
		j.ID, j.OwnerID, j.BatchName,
		j.File.FileName, j.File.FilePath, j.File.TaskDataDir, j.File.SizeBytes, j.File.PageCount,
		string(j.Status), string(j.Stage), j.Progress, j.RetryCount, j.ModelMode,
		extractFields, result, nullableString(j.ErrorMessage), details,
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(), nullableTime(j.StartedAt), nullableTime(j.FinishedAt),
	}, nil
}

func nullableJSON(v jsonval.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: encode json column: %v", common.ErrInternal, err)
	}
	return string(b), nil
}

func parseNullable(s sql.NullString) (jsonval.Value, error) {
	if !s.Valid {
		return jsonval.Null(), nil
	}
	v, err := jsonval.Parse([]byte(s.String))
	if err != nil {
		return jsonval.Null(), fmt.Errorf("%w: decode json column: %v", common.ErrDatabase, err)
	}
	return v, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
