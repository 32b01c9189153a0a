package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// logCap bounds how much of the log channel is kept for diagnostics.
const logCap = 64 << 10

// logBuffer keeps the tail of the log channel.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) writeLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		b.buf.WriteByte('\n')
	}
	if over := b.buf.Len() - logCap; over > 0 {
		b.buf.Next(over)
	}
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// run starts the interpreter with args and drains stdout and stderr
// concurrently until the process exits or the timeout kills it.
func (inv *Invoker) run(ctx context.Context, log *slog.Logger, args []string, onProgress ProgressFunc) ([]byte, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.cfg.Interpreter, args...)
	cmd.Dir = inv.cfg.Dir
	cmd.Env = workerEnv(inv.cfg.Dir)
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrAttemptFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrAttemptFailed, err)
	}

	log.Debug("starting worker process", "cmd", inv.cfg.Interpreter, "args", strings.Join(args[:len(args)-1], " "))
	if err := cmd.Start(); err != nil {
		log.Error("worker process start failed", "cmd", inv.cfg.Interpreter, "error", err)
		return nil, fmt.Errorf("%w: start: %v", ErrAttemptFailed, err)
	}

	// Descendants may keep the pipes open after the kill; closing our ends
	// unblocks the readers.
	stopClose := context.AfterFunc(runCtx, func() {
		_ = stdout.Close()
		_ = stderr.Close()
	})

	var (
		result bytes.Buffer
		logs   logBuffer
		g      errgroup.Group
	)
	g.Go(func() error {
		_, err := io.Copy(&result, stdout)
		return err
	})
	g.Go(func() error {
		r := bufio.NewReaderSize(stderr, 64<<10)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				logs.writeLine(line)
				if u, ok := parseProgressLine(line); ok && onProgress != nil {
					onProgress(u)
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	})
	drainErr := g.Wait()
	stopClose()
	waitErr := cmd.Wait()
	dur := time.Since(start)

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Error("worker process timed out", "timeout", inv.cfg.Timeout, "duration_ms", dur.Milliseconds())
		return nil, &ProcessTimeoutError{Timeout: inv.cfg.Timeout, Logs: logs.String()}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		log.Error("worker process failed",
			"exit_code", exitErr.ExitCode(),
			"duration_ms", dur.Milliseconds(),
			"stderr", truncate(logs.String(), 8<<10), // cap at 8KB
		)
		return nil, &NonZeroExitError{ExitCode: exitErr.ExitCode(), Logs: logs.String()}
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%w: wait: %v", ErrAttemptFailed, waitErr)
	}
	if drainErr != nil {
		return nil, fmt.Errorf("%w: drain output: %v", ErrAttemptFailed, drainErr)
	}

	log.Debug("worker process ok",
		"duration_ms", dur.Milliseconds(),
		"stdout_bytes", result.Len(),
	)
	return result.Bytes(), nil
}

// workerEnv forces UTF-8 I/O and puts the worker directory on PYTHONPATH.
func workerEnv(dir string) []string {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	pythonPath := dir
	if existing := os.Getenv("PYTHONPATH"); existing != "" {
		pythonPath = dir + string(os.PathListSeparator) + existing
	}
	overrides := map[string]string{
		"PYTHONIOENCODING": "utf-8",
		"PYTHONUTF8":       "1",
		"PYTHONUNBUFFERED": "1",
		"LANG":             "C.UTF-8",
		"LC_ALL":           "C.UTF-8",
		"PYTHONPATH":       pythonPath,
	}
	env := make([]string, 0, len(os.Environ())+len(overrides))
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; !ok {
			env = append(env, kv)
		}
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
