package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docextract/constants"
)

// BatchMember is the drill-down row of one job inside a batch.
type BatchMember struct {
	JobID        uuid.UUID           `json:"job_id"`
	FileName     string              `json:"file_name"`
	Status       constants.JobStatus `json:"status"`
	Stage        constants.Stage     `json:"stage"`
	Progress     int                 `json:"progress"`
	ErrorMessage string              `json:"error_message,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// BatchCounts tallies member jobs per status.
type BatchCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// BatchRollup is derived on read from the jobs sharing a batch name and owner.
type BatchRollup struct {
	BatchName string              `json:"batch_name"`
	OwnerID   string              `json:"owner_id"`
	Status    constants.JobStatus `json:"status"`
	Counts    BatchCounts         `json:"counts"`
	Progress  int                 `json:"progress"`
	CreatedAt time.Time           `json:"created_at"`
	Members   []BatchMember       `json:"members"`
}
