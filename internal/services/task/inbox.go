package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/ingest"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
)

// InboxConfig describes a drop directory whose documents are submitted on
// arrival. A document under <Root>/<name>/ joins batch <name>; one dropped
// directly into Root gets a dated batch name.
type InboxConfig struct {
	Root      string
	OwnerID   string
	Fields    jsonval.Value
	ModelMode string
	Debounce  time.Duration
}

// RunInbox watches cfg.Root until ctx ends. Submitted documents are removed
// from the inbox; rejected ones stay in place.
func (s *Service) RunInbox(ctx context.Context, cfg InboxConfig) error {
	if err := ValidateFields(cfg.Fields); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return err
	}
	events, errs, err := ingest.Watch(ctx, ingest.WatchConfig{
		Root:        cfg.Root,
		InitialScan: true,
		Debounce:    cfg.Debounce,
	}, s.logger)
	if err != nil {
		return err
	}
	s.logger.Info("inbox watching", "root", cfg.Root, "owner_id", cfg.OwnerID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("inbox watcher reported error", "error", err)
		case path, ok := <-events:
			if !ok {
				return nil
			}
			s.submitInboxFile(ctx, cfg, path)
		}
	}
}

func (s *Service) submitInboxFile(ctx context.Context, cfg InboxConfig, path string) {
	log := s.logger.With("path", path)
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("inbox file unreadable", "error", err)
		}
		return
	}
	jobs, err := s.Submit(ctx, SubmitRequest{
		OwnerID:       cfg.OwnerID,
		BatchName:     inboxBatchName(cfg.Root, path, s.now()),
		ExtractFields: cfg.Fields,
		ModelMode:     cfg.ModelMode,
		Files:         []ingest.Upload{{FileName: filepath.Base(path), Body: f}},
	})
	_ = f.Close()
	if err != nil {
		if errors.Is(err, common.ErrBatchAdmissionRejected) {
			log.Warn("inbox file left in place, owner over quota", "error", err)
			return
		}
		log.Error("inbox submission failed", "error", err)
		return
	}
	if err := os.Remove(path); err != nil {
		log.Warn("inbox file submitted but not removed", "error", err)
	}
	log.Info("inbox file submitted", "job_id", jobs[0].ID, "batch_name", jobs[0].BatchName)
}

func inboxBatchName(root, path string, now time.Time) string {
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
		return first
	}
	return "inbox-" + now.Format("20060102")
}
