package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
)

type batchJobs []*entity.Job

func (b batchJobs) ListBatch(_ context.Context, owner, batch string) ([]*entity.Job, error) {
	var out []*entity.Job
	for _, j := range b {
		if j.OwnerID == owner && j.BatchName == batch {
			out = append(out, j)
		}
	}
	return out, nil
}

func fixtureJobs(t *testing.T) batchJobs {
	t.Helper()
	dir := t.TempDir()
	doc := filepath.Join(dir, "a.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("%PDF-a"), 0o644))

	now := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)
	done := &entity.Job{
		ID: uuid.New(), OwnerID: "u1", BatchName: "April run",
		File:   entity.FileInfo{FileName: "a.pdf", FilePath: doc},
		Status: constants.JobStatusCompleted, Stage: constants.StageCompleted, Progress: 100,
		Result: jsonval.MustFrom(map[string]any{"status": "success", "data": map[string]any{
			"vendor": "Acme", "total": 12.5, "items": []any{"x", "y"},
		}}),
		CreatedAt: now,
	}
	partial := &entity.Job{
		ID: uuid.New(), OwnerID: "u1", BatchName: "April run",
		File:   entity.FileInfo{FileName: "b.png", FilePath: filepath.Join(dir, "gone.png")},
		Status: constants.JobStatusCompleted, Stage: constants.StageCompleted, Progress: 100,
		Result: jsonval.MustFrom(map[string]any{"status": "error", "partial": true, "data": map[string]any{
			"date": "2024-04-01", "vendor": nil,
		}}),
		CreatedAt: now.Add(time.Second),
	}
	msg := "worker exited"
	failed := &entity.Job{
		ID: uuid.New(), OwnerID: "u1", BatchName: "April run",
		File:         entity.FileInfo{FileName: "c.pdf"},
		Status:       constants.JobStatusFailed, Stage: constants.StageFailed,
		ErrorMessage: &msg,
		CreatedAt:    now.Add(2 * time.Second),
	}
	return batchJobs{done, partial, failed}
}

func TestBatchXLSX(t *testing.T) {
	jobs := fixtureJobs(t)
	svc := NewService(jobs, nil)

	b, err := svc.BatchXLSX(context.Background(), "u1", "April run")
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Results")
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus the two completed jobs")
	assert.Equal(t, []string{"File Name", "Task ID", "items", "total", "vendor", "date"}, rows[0])
	assert.Equal(t, "a.pdf", rows[1][0])
	assert.Equal(t, jobs[0].ID.String(), rows[1][1])
	assert.Equal(t, `["x","y"]`, rows[1][2])
	assert.Equal(t, "12.5", rows[1][3])
	assert.Equal(t, "Acme", rows[1][4])
	assert.Equal(t, "2024-04-01", rows[2][5])
}

func TestBatchXLSXUnknownBatch(t *testing.T) {
	svc := NewService(fixtureJobs(t), nil)
	_, err := svc.BatchXLSX(context.Background(), "u2", "April run")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestWriteBatchZIP(t *testing.T) {
	jobs := fixtureJobs(t)
	svc := NewService(jobs, nil)

	var buf bytes.Buffer
	require.NoError(t, svc.WriteBatchZIP(context.Background(), "u1", "April run", &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	files := map[string]*zip.File{}
	var names []string
	for _, f := range zr.File {
		files[f.Name] = f
		names = append(names, f.Name)
	}
	sort.Strings(names)

	base := "data/April_run/"
	want := []string{
		base + "json_data/" + jobs[0].ID.String() + ".json",
		base + "json_data/" + jobs[1].ID.String() + ".json",
		base + "json_data/" + jobs[2].ID.String() + ".json",
		base + "pdf/" + jobs[0].ID.String() + "_a.pdf",
		base + "result/" + jobs[0].ID.String() + ".json",
		base + "result/" + jobs[1].ID.String() + ".json",
	}
	sort.Strings(want)
	assert.Equal(t, want, names)

	doc := read(t, files[base+"pdf/"+jobs[0].ID.String()+"_a.pdf"])
	assert.Equal(t, "%PDF-a", string(doc))

	var record map[string]any
	require.NoError(t, json.Unmarshal(read(t, files[base+"json_data/"+jobs[2].ID.String()+".json"]), &record))
	assert.Equal(t, "FAILED", record["status"])
	assert.Equal(t, "worker exited", record["error_message"])
}

func read(t *testing.T, f *zip.File) []byte {
	t.Helper()
	require.NotNil(t, f)
	rc, err := f.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}
