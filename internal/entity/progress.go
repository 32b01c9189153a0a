package entity

import (
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docextract/constants"
)

// Snapshot is the latest known progress of a job, cached apart from the job row.
type Snapshot struct {
	JobID        uuid.UUID       `json:"jobId"`
	Stage        constants.Stage `json:"stage"`
	StageText    string          `json:"stageText"`
	Progress     int             `json:"progress"`
	CurrentFile  string          `json:"currentFile,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}
