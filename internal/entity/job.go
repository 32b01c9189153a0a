package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
)

// FileInfo locates the stored input document of a job.
type FileInfo struct {
	FileName    string `json:"file_name"`
	FilePath    string `json:"file_path"`
	TaskDataDir string `json:"task_data_dir"`
	SizeBytes   int64  `json:"size_bytes"`
	PageCount   int    `json:"page_count,omitempty"`
}

// Job is one document's extraction unit of work.
type Job struct {
	ID                uuid.UUID           `json:"id"`
	OwnerID           string              `json:"owner_id"`
	BatchName         string              `json:"batch_name"`
	File              FileInfo            `json:"file"`
	Status            constants.JobStatus `json:"status"`
	Stage             constants.Stage     `json:"stage"`
	Progress          int                 `json:"progress"`
	RetryCount        int                 `json:"retry_count"`
	ModelMode         string              `json:"model_mode"`
	ExtractFields     jsonval.Value       `json:"extract_fields"`
	Result            jsonval.Value       `json:"result"`
	ErrorMessage      *string             `json:"error_message,omitempty"`
	ProcessingDetails jsonval.Value       `json:"processing_details"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	FinishedAt        *time.Time          `json:"finished_at,omitempty"`
}

// NewJob returns a Pending job for one uploaded document.
func NewJob(ownerID, batchName string, file FileInfo, extractFields jsonval.Value, mode string, now time.Time) *Job {
	return &Job{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		BatchName:     batchName,
		File:          file,
		Status:        constants.JobStatusPending,
		Stage:         constants.StagePending,
		ModelMode:     mode,
		ExtractFields: extractFields,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Snapshot returns the job's last committed progress as a Snapshot.
func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		JobID:       j.ID,
		Stage:       j.Stage,
		StageText:   j.Stage.Text(),
		Progress:    j.Progress,
		CurrentFile: j.File.FileName,
	}
	if j.ErrorMessage != nil {
		s.ErrorMessage = *j.ErrorMessage
	}
	return s
}
