package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/entity"
)

// documentsDir is the subdirectory of a batch directory holding uploads.
const documentsDir = "pdf"

// FSStore keeps uploaded documents on the local filesystem under
// <root>/<sanitized batch>/pdf/<uuid>.<ext>.
type FSStore struct {
	root   string
	logger *slog.Logger
}

var _ Store = (*FSStore)(nil)

func NewFSStore(root string, logger *slog.Logger) (*FSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FSStore{root: abs, logger: logger}, nil
}

// Root is the absolute data directory.
func (s *FSStore) Root() string { return s.root }

// BatchDir is the absolute directory holding a batch's files.
func (s *FSStore) BatchDir(batchName string) string {
	return filepath.Join(s.root, SanitizeBatchName(batchName))
}

func (s *FSStore) Save(ctx context.Context, batchName string, up Upload) (entity.FileInfo, error) {
	var fi entity.FileInfo
	if err := ctx.Err(); err != nil {
		return fi, err
	}
	ext := constants.NormalizeExt(filepath.Ext(up.FileName))
	if ext == "" || !AllowedExt(ext) {
		return fi, common.InvalidInput(fmt.Sprintf("unsupported file type %q for %s", ext, up.FileName))
	}

	taskDir := s.BatchDir(batchName)
	docDir := filepath.Join(taskDir, documentsDir)
	if err := os.MkdirAll(docDir, 0o755); err != nil {
		return fi, fmt.Errorf("create document dir: %w", err)
	}

	path := filepath.Join(docDir, uuid.NewString()+"."+ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fi, fmt.Errorf("create document: %w", err)
	}
	n, err := io.Copy(f, up.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fi, fmt.Errorf("write document %s: %w", up.FileName, err)
	}

	fi = entity.FileInfo{
		FileName:    filepath.Base(up.FileName),
		FilePath:    path,
		TaskDataDir: taskDir,
		SizeBytes:   n,
	}
	if ext == "pdf" {
		pages, err := PageCount(path)
		if err != nil {
			s.logger.Warn("could not count pdf pages", "file", up.FileName, "error", err)
		}
		fi.PageCount = pages
	}
	s.logger.Debug("stored document", "batch_name", batchName, "file", fi.FileName, "path", path, "bytes", n)
	return fi, nil
}

func (s *FSStore) Remove(fi entity.FileInfo) error {
	if fi.FilePath == "" {
		return nil
	}
	if err := os.Remove(fi.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove document: %w", err)
	}
	return nil
}

// PageCount returns the number of pages in a PDF file.
func PageCount(path string) (n int, err error) {
	// The reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return r.NumPage(), nil
}
