package constants

// JobStatus is the coarse lifecycle state stored on the jobs table.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// ActiveStatuses count against an owner's in-flight quota.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusProcessing}

// IsTerminal reports whether no further transition happens without a retry request.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Stage is the fine-grained processing phase that drives UI text.
// Workers may report stages outside this set; they are passed through as-is.
type Stage string

const (
	StagePending       Stage = "PENDING"
	StageUploading     Stage = "UPLOADING"
	StageOCRProcessing Stage = "OCR_PROCESSING"
	StageExtracting    Stage = "EXTRACTING"
	StageCompleted     Stage = "COMPLETED"
	StageFailed        Stage = "FAILED"
)

var stageText = map[Stage]string{
	StagePending:       "Waiting",
	StageUploading:     "Uploading file",
	StageOCRProcessing: "Recognizing text",
	StageExtracting:    "Extracting fields",
	StageCompleted:     "Completed",
	StageFailed:        "Failed",
}

// Text returns the human-readable label for a stage.
func (s Stage) Text() string {
	if t, ok := stageText[s]; ok {
		return t
	}
	return "Processing"
}

// IsTerminal is true for COMPLETED and FAILED.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}
