// Package worker runs one attempt of the external extraction process.
//
// The process is started as
//
//	<interpreter> <script> <input artifact> <field schema JSON>
//
// inside the worker directory. It writes a single JSON result object on
// stdout and may write {"progress": n, "stage": "..."} lines on stderr,
// interleaved with free-form logs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/docextract/internal/jsonval"
)

// Config describes where the worker lives and how it is bounded.
type Config struct {
	Interpreter      string
	Dir              string
	Script           string
	Timeout          time.Duration
	Model            string
	MaxImages        int
	MaxContextLength int
}

// Result is the parsed result object of a finished attempt.
type Result struct {
	Value jsonval.Value
	// Placeholder is set when the worker script is not installed and the
	// result was synthesized instead of extracted.
	Placeholder bool
}

func (r *Result) Status() string {
	s, _ := r.Value.Field("status").String()
	return s
}

func (r *Result) Data() jsonval.Value { return r.Value.Field("data") }

func (r *Result) Model() string {
	m, _ := r.Value.Field("model").String()
	return m
}

func (r *Result) Confidence() float64 {
	c, _ := r.Value.Field("confidence").Number()
	return c
}

// ProgressFunc receives each progress line as soon as it is parsed.
type ProgressFunc func(Update)

type Invoker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewInvoker(cfg Config, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Invoker{cfg: cfg, logger: logger, now: time.Now}
}

// ScriptPath is the absolute path of the worker script.
func (inv *Invoker) ScriptPath() string {
	p := inv.cfg.Script
	if !filepath.IsAbs(p) {
		p = filepath.Join(inv.cfg.Dir, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Invoke runs one attempt for d. Transient failures match ErrAttemptFailed.
// When the worker script is missing it returns a placeholder result without
// spawning anything.
func (inv *Invoker) Invoke(ctx context.Context, d Descriptor, onProgress ProgressFunc) (*Result, error) {
	script := inv.ScriptPath()
	if _, err := os.Stat(script); errors.Is(err, fs.ErrNotExist) {
		inv.logger.Warn("worker script not installed, returning placeholder result",
			"job_id", d.JobID, "script", script)
		return placeholderResult(), nil
	}

	artifact, err := writeArtifact(inv.cfg.Dir, d, inv.cfg, inv.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttemptFailed, err)
	}

	fields, err := d.Fields.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: encode field schema: %v", ErrAttemptFailed, err)
	}

	log := inv.logger.With("job_id", d.JobID)
	out, err := inv.run(ctx, log, []string{script, artifact, string(fields)}, onProgress)
	if err != nil {
		log.Warn("worker attempt failed, keeping input artifact", "artifact", artifact, "error", err)
		return nil, err
	}

	v, err := extractResult(out)
	if err != nil {
		log.Warn("worker output rejected, keeping input artifact", "artifact", artifact, "error", err)
		return nil, err
	}
	if err := os.Remove(artifact); err != nil {
		log.Debug("remove input artifact", "artifact", artifact, "error", err)
	}
	return &Result{Value: v}, nil
}

func placeholderResult() *Result {
	return &Result{
		Value: jsonval.MustFrom(map[string]any{
			"status":      "success",
			"message":     "worker script not installed; placeholder result",
			"placeholder": true,
			"model":       "placeholder",
			"confidence":  0,
			"data":        map[string]any{},
		}),
		Placeholder: true,
	}
}
