package worker

import (
	"errors"
	"fmt"
	"time"
)

// ErrAttemptFailed matches every transient attempt failure (timeout,
// non-zero exit, unparsable output) via errors.Is.
var ErrAttemptFailed = errors.New("worker attempt failed")

// ProcessTimeoutError means the process outlived its wall-clock budget and was killed.
type ProcessTimeoutError struct {
	Timeout time.Duration
	Logs    string
}

func (e *ProcessTimeoutError) Error() string {
	return fmt.Sprintf("worker process timed out after %s", e.Timeout)
}

func (e *ProcessTimeoutError) Is(target error) bool { return target == ErrAttemptFailed }

// NonZeroExitError carries the exit code and the captured log channel.
type NonZeroExitError struct {
	ExitCode int
	Logs     string
}

func (e *NonZeroExitError) Error() string {
	if e.Logs == "" {
		return fmt.Sprintf("worker process exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("worker process exited with code %d: %s", e.ExitCode, lastLine(e.Logs))
}

func (e *NonZeroExitError) Is(target error) bool { return target == ErrAttemptFailed }

// OutputParseError means the result channel did not hold a valid result object.
type OutputParseError struct {
	Output string
	Cause  error
}

func (e *OutputParseError) Error() string {
	return fmt.Sprintf("unparsable worker output: %v", e.Cause)
}

func (e *OutputParseError) Unwrap() error { return e.Cause }

func (e *OutputParseError) Is(target error) bool { return target == ErrAttemptFailed }
