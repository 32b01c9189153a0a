// Package batch derives batch rollups from the jobs of one submission.
package batch

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/entity"
)

// JobLister is the read side the aggregator needs.
type JobLister interface {
	ListAllByOwner(ctx context.Context, ownerID string) ([]*entity.Job, error)
	ListBatch(ctx context.Context, ownerID, batchName string) ([]*entity.Job, error)
}

type Service struct {
	jobs   JobLister
	logger *slog.Logger
}

func NewService(jobs JobLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

// List groups all of an owner's jobs by batch name. Batches are ordered by
// their earliest member's creation time, newest batch first.
func (s *Service) List(ctx context.Context, ownerID string) ([]entity.BatchRollup, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, common.InvalidInput("owner id is required")
	}
	jobs, err := s.jobs.ListAllByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	groups := map[string][]*entity.Job{}
	var names []string
	for _, j := range jobs {
		if _, ok := groups[j.BatchName]; !ok {
			names = append(names, j.BatchName)
		}
		groups[j.BatchName] = append(groups[j.BatchName], j)
	}

	out := make([]entity.BatchRollup, 0, len(names))
	for _, name := range names {
		out = append(out, Rollup(ownerID, name, groups[name]))
	}
	slices.SortStableFunc(out, func(a, b entity.BatchRollup) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	s.logger.Debug("batches listed", "owner_id", ownerID, "batches", len(out), "jobs", len(jobs))
	return out, nil
}

// Details returns the rollup of one batch.
func (s *Service) Details(ctx context.Context, ownerID, batchName string) (entity.BatchRollup, error) {
	jobs, err := s.jobs.ListBatch(ctx, ownerID, batchName)
	if err != nil {
		return entity.BatchRollup{}, err
	}
	if len(jobs) == 0 {
		return entity.BatchRollup{}, common.NewAppError("BATCH_NOT_FOUND", "batch "+batchName+" does not exist", common.ErrTaskNotFound)
	}
	return Rollup(ownerID, batchName, jobs), nil
}

// Rollup computes counts, aggregate status and the member list for jobs
// that share a batch. Members are ordered by creation time.
func Rollup(ownerID, batchName string, jobs []*entity.Job) entity.BatchRollup {
	r := entity.BatchRollup{
		BatchName: batchName,
		OwnerID:   ownerID,
		Members:   make([]entity.BatchMember, 0, len(jobs)),
	}
	sum := 0
	for _, j := range jobs {
		r.Counts.Total++
		switch j.Status {
		case constants.JobStatusPending:
			r.Counts.Pending++
		case constants.JobStatusProcessing:
			r.Counts.Processing++
		case constants.JobStatusCompleted:
			r.Counts.Completed++
		case constants.JobStatusFailed:
			r.Counts.Failed++
		}
		if r.CreatedAt.IsZero() || j.CreatedAt.Before(r.CreatedAt) {
			r.CreatedAt = j.CreatedAt
		}
		sum += j.Progress

		m := entity.BatchMember{
			JobID:     j.ID,
			FileName:  j.File.FileName,
			Status:    j.Status,
			Stage:     j.Stage,
			Progress:  j.Progress,
			CreatedAt: j.CreatedAt,
		}
		if j.ErrorMessage != nil {
			m.ErrorMessage = *j.ErrorMessage
		}
		r.Members = append(r.Members, m)
	}
	slices.SortStableFunc(r.Members, func(a, b entity.BatchMember) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if r.Counts.Total > 0 {
		r.Progress = sum / r.Counts.Total
	}
	r.Status = rollupStatus(r.Counts)
	return r
}

func rollupStatus(c entity.BatchCounts) constants.JobStatus {
	active := c.Pending + c.Processing
	switch {
	case c.Total > 0 && active == 0 && c.Failed > 0:
		return constants.JobStatusFailed
	case active > 0:
		return constants.JobStatusProcessing
	case c.Total > 0 && c.Completed == c.Total:
		return constants.JobStatusCompleted
	default:
		return constants.JobStatusPending
	}
}
