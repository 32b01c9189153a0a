package common

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")
)

// Orchestration errors. Worker attempt failures live in the worker package.
var (
	ErrTaskNotFound           = fmt.Errorf("task not found: %w", ErrNotFound)
	ErrBatchAdmissionRejected = errors.New("batch admission rejected")
	ErrConcurrencySlotTimeout = errors.New("concurrency slot timeout")
	ErrRetryLimitExceeded     = errors.New("retry limit exceeded")
	ErrRetryNotAllowed        = fmt.Errorf("retry not allowed: %w", ErrConflict)
	ErrIllegalTransition      = fmt.Errorf("illegal job transition: %w", ErrConflict)
	// ErrStaleJob means a conditional write matched no row: the job was
	// deleted or another writer moved it first.
	ErrStaleJob = errors.New("job changed or deleted concurrently")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// AdmissionRejected builds the error returned when an owner is over quota.
func AdmissionRejected(ownerID string, active, limit int) error {
	return NewAppError("BATCH_ADMISSION_REJECTED",
		fmt.Sprintf("owner %s has %d active tasks (limit %d)", ownerID, active, limit),
		ErrBatchAdmissionRejected)
}

// InvalidInput builds a client error for a rejected request.
func InvalidInput(message string) error {
	return NewAppError("INVALID_INPUT", message, ErrInvalidInput)
}

// TaskNotFound builds the not-found error for a job id.
func TaskNotFound(id string) error {
	return NewAppError("TASK_NOT_FOUND", "task "+id+" does not exist", ErrTaskNotFound)
}

// GRPCError converts domain errors to gRPC status errors.
func GRPCError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrBatchAdmissionRejected):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return InvalidArgumentError(fmt.Sprintf(format, args...))
}
