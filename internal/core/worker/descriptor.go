package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docextract/internal/jsonval"
)

// Descriptor is everything one attempt needs to know about its job.
type Descriptor struct {
	JobID       uuid.UUID
	TaskName    string
	OwnerID     string
	FileName    string
	FilePath    string
	TaskDataDir string
	Fields      jsonval.Value
	Mode        string
}

type inputArtifact struct {
	TaskID           string           `json:"taskId"`
	TaskName         string           `json:"taskName"`
	OwnerID          string           `json:"ownerId"`
	FileInfo         artifactFileInfo `json:"fileInfo"`
	ExtractionConfig extractionConfig `json:"extractionConfig"`
	Mode             string           `json:"mode"`
}

type artifactFileInfo struct {
	FileName    string `json:"fileName"`
	FilePath    string `json:"filePath"`
	TaskDataDir string `json:"taskDataDir"`
}

type extractionConfig struct {
	Model            string `json:"model"`
	MaxImages        int    `json:"maxImages"`
	MaxContextLength int    `json:"maxContextLength"`
}

// writeArtifact serializes d into a fresh input_<jobId>_<millis>_*.json file
// under dir and returns its absolute path. Each call creates a new file.
func writeArtifact(dir string, d Descriptor, cfg Config, now time.Time) (string, error) {
	filePath, err := filepath.Abs(d.FilePath)
	if err != nil {
		return "", err
	}
	dataDir := d.TaskDataDir
	if dataDir != "" {
		if dataDir, err = filepath.Abs(dataDir); err != nil {
			return "", err
		}
	}
	body, err := json.MarshalIndent(inputArtifact{
		TaskID:   d.JobID.String(),
		TaskName: d.TaskName,
		OwnerID:  d.OwnerID,
		FileInfo: artifactFileInfo{
			FileName:    d.FileName,
			FilePath:    filePath,
			TaskDataDir: dataDir,
		},
		ExtractionConfig: extractionConfig{
			Model:            cfg.Model,
			MaxImages:        cfg.MaxImages,
			MaxContextLength: cfg.MaxContextLength,
		},
		Mode: d.Mode,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode input artifact: %w", err)
	}

	f, err := os.CreateTemp(dir, fmt.Sprintf("input_%s_%d_*.json", d.JobID, now.UnixMilli()))
	if err != nil {
		return "", fmt.Errorf("create input artifact: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write input artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close input artifact: %w", err)
	}
	return filepath.Abs(f.Name())
}
