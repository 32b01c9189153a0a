package entity

import (
	"fmt"
	"time"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
)

// Progress values committed by lifecycle transitions.
const (
	ProgressStarted  = 5
	ProgressFinished = 100
)

func (j *Job) require(want constants.JobStatus, to constants.JobStatus) error {
	if j.Status != want {
		return fmt.Errorf("%w: %s -> %s", common.ErrIllegalTransition, j.Status, to)
	}
	return nil
}

// Start moves a Pending job to Processing.
func (j *Job) Start(now time.Time) error {
	if err := j.require(constants.JobStatusPending, constants.JobStatusProcessing); err != nil {
		return err
	}
	j.Status = constants.JobStatusProcessing
	j.Stage = constants.StageUploading
	j.Progress = ProgressStarted
	j.StartedAt = &now
	j.FinishedAt = nil
	j.UpdatedAt = now
	return nil
}

// Complete records a successful extraction. The result must not be null.
func (j *Job) Complete(result, details jsonval.Value, now time.Time) error {
	if err := j.require(constants.JobStatusProcessing, constants.JobStatusCompleted); err != nil {
		return err
	}
	if result.IsNull() {
		return fmt.Errorf("%w: completed job needs a result", common.ErrIllegalTransition)
	}
	j.Status = constants.JobStatusCompleted
	j.Stage = constants.StageCompleted
	j.Progress = ProgressFinished
	j.Result = result
	j.ProcessingDetails = details
	j.ErrorMessage = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail records a terminal failure. failedAttempts is the number of worker
// attempts consumed by this execution; the retry counter grows by at least one.
func (j *Job) Fail(message string, failedAttempts int, now time.Time) error {
	if err := j.require(constants.JobStatusProcessing, constants.JobStatusFailed); err != nil {
		return err
	}
	if message == "" {
		message = "unknown error"
	}
	j.Status = constants.JobStatusFailed
	j.Stage = constants.StageFailed
	j.ErrorMessage = &message
	j.RetryCount += max(failedAttempts, 1)
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// ResetForRetry moves a Failed job back to Pending when its retry budget allows.
func (j *Job) ResetForRetry(maxRetries int, now time.Time) error {
	if err := j.require(constants.JobStatusFailed, constants.JobStatusPending); err != nil {
		return err
	}
	if j.RetryCount >= maxRetries {
		return fmt.Errorf("%w: retry_count %d reached limit %d", common.ErrRetryNotAllowed, j.RetryCount, maxRetries)
	}
	j.Status = constants.JobStatusPending
	j.Stage = constants.StagePending
	j.Progress = 0
	j.ErrorMessage = nil
	j.Result = jsonval.Null()
	j.ModelMode = constants.ModeNormal
	j.StartedAt = &now
	j.FinishedAt = nil
	j.UpdatedAt = now
	return nil
}
