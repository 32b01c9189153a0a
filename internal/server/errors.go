package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/joseph-ayodele/docextract/internal/common"
)

// ErrResponse is the JSON body of every failed request.
type ErrResponse struct {
	HTTPStatusCode int    `json:"-"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	RequestID      string `json:"requestId,omitempty"`
}

func (e *ErrResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, common.ErrValidation), errors.Is(err, common.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, common.ErrBatchAdmissionRejected):
		return http.StatusTooManyRequests, "BATCH_ADMISSION_REJECTED"
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := statusFor(err)
	var appErr *common.AppError
	if errors.As(err, &appErr) && status != http.StatusInternalServerError {
		code = appErr.Code
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", common.RequestIDFromContext(r.Context()), "error", err)
		msg = "internal server error"
	} else {
		logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	_ = render.Render(w, r, &ErrResponse{
		HTTPStatusCode: status,
		Code:           code,
		Message:        msg,
		RequestID:      common.RequestIDFromContext(r.Context()),
	})
}
