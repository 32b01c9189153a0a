package async

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is one scheduled execution of a persisted job record.
type Job struct {
	JobID       uuid.UUID
	SubmittedAt time.Time
}

// Processor executes a single job to a terminal state.
type Processor interface {
	Process(ctx context.Context, jobID uuid.UUID) error
}

type Queue interface {
	Dispatch(ctx context.Context, ids ...uuid.UUID) int
	Shutdown(ctx context.Context)
}
