package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/ingest"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
)

// BatchReader loads the members of one batch.
type BatchReader interface {
	ListBatch(ctx context.Context, ownerID, batchName string) ([]*entity.Job, error)
}

// Service renders a batch's results as an XLSX workbook or a ZIP bundle.
type Service struct {
	jobs   BatchReader
	logger *slog.Logger
}

func NewService(jobs BatchReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

func (s *Service) load(ctx context.Context, ownerID, batchName string) ([]*entity.Job, error) {
	jobs, err := s.jobs.ListBatch(ctx, ownerID, batchName)
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	if len(jobs) == 0 {
		return nil, common.NewAppError("BATCH_NOT_FOUND", "batch "+batchName+" does not exist", common.ErrTaskNotFound)
	}
	return jobs, nil
}

// BatchXLSX returns a workbook with one row per completed job and one column
// per top-level data key found in any of them.
func (s *Service) BatchXLSX(ctx context.Context, ownerID, batchName string) ([]byte, error) {
	start := time.Now()
	jobs, err := s.load(ctx, ownerID, batchName)
	if err != nil {
		return nil, err
	}

	var (
		rows []*entity.Job
		keys []string
		seen = map[string]struct{}{}
	)
	for _, j := range jobs {
		if j.Status != constants.JobStatusCompleted {
			continue
		}
		rows = append(rows, j)
		for _, k := range j.Result.Field("data").Keys() {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}

	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Results"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	headers := append([]string{"File Name", "Task ID"}, keys...)
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for r, j := range rows {
		row := r + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, j.File.FileName)
		write(2, j.ID.String())
		data := j.Result.Field("data")
		for c, k := range keys {
			write(c+3, cellValue(data.Field(k)))
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 32)
	_ = f.SetColWidth(sheet, "B", "B", 38)
	if len(keys) > 0 {
		last, _ := excelize.ColumnNumberToName(len(headers))
		_ = f.SetColWidth(sheet, "C", last, 20)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"batch_name", batchName,
		"rows", len(rows),
		"columns", len(headers),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// cellValue flattens a JSON value into something a spreadsheet cell can hold.
func cellValue(v jsonval.Value) any {
	switch v.Kind() {
	case jsonval.KindNull:
		return ""
	case jsonval.KindString:
		s, _ := v.String()
		return s
	case jsonval.KindNumber:
		n, _ := v.Number()
		return n
	case jsonval.KindBool:
		b, _ := v.Bool()
		return b
	default:
		b, err := v.MarshalJSON()
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// WriteBatchZIP streams a ZIP with, per job, the stored document under pdf/,
// the job record under json_data/ and, when completed, the result under
// result/, all below data/<sanitized batch>/.
func (s *Service) WriteBatchZIP(ctx context.Context, ownerID, batchName string, w io.Writer) error {
	start := time.Now()
	jobs, err := s.load(ctx, ownerID, batchName)
	if err != nil {
		return err
	}

	base := path.Join("data", ingest.SanitizeBatchName(batchName))
	zw := zip.NewWriter(w)
	entries := 0
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := j.ID.String()

		if j.File.FilePath != "" {
			name := path.Join(base, "pdf", id+"_"+j.File.FileName)
			switch err := addFile(zw, name, j.File.FilePath); {
			case err == nil:
				entries++
			case os.IsNotExist(err):
				s.logger.Warn("export.zip: document missing", "job_id", id, "path", j.File.FilePath)
			default:
				return err
			}
		}

		if err := addJSON(zw, path.Join(base, "json_data", id+".json"), j); err != nil {
			return err
		}
		entries++

		if j.Status == constants.JobStatusCompleted && !j.Result.IsNull() {
			if err := addJSON(zw, path.Join(base, "result", id+".json"), j.Result); err != nil {
				return err
			}
			entries++
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("zip close: %w", err)
	}

	s.logger.Info("export.zip.ok",
		"batch_name", batchName,
		"entries", entries,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func addFile(zw *zip.Writer, name, src string) error {
	f, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer f.Close()
	dst, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", name, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("zip entry %s: %w", name, err)
	}
	return nil
}

func addJSON(zw *zip.Writer, name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	dst, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", name, err)
	}
	_, err = dst.Write(b)
	return err
}
