package ingest

import (
	"context"
	"io"

	"github.com/joseph-ayodele/docextract/internal/entity"
)

// Upload is one document received with a submission.
type Upload struct {
	FileName string
	Body     io.Reader
}

// Store is the behavior the task service depends on.
type Store interface {
	// Save writes the document under the batch's data directory.
	Save(ctx context.Context, batchName string, up Upload) (entity.FileInfo, error)
	// Remove deletes a stored document. A missing file is not an error.
	Remove(fi entity.FileInfo) error
}
