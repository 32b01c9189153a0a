package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/core/limiter"
	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/export"
	"github.com/joseph-ayodele/docextract/internal/ingest"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
	"github.com/joseph-ayodele/docextract/internal/progress"
	"github.com/joseph-ayodele/docextract/internal/services/batch"
	"github.com/joseph-ayodele/docextract/internal/services/task"
)

// HTTPConfig wires the HTTP API to the services behind it.
type HTTPConfig struct {
	Tasks          *task.Service
	Batches        *batch.Service
	Exports        *export.Service
	Streamer       *progress.Streamer
	Limiter        *limiter.Limiter
	DBHealth       func(ctx context.Context) error
	MaxUploadBytes int64
	AllowedOrigins []string
}

type API struct {
	cfg    HTTPConfig
	logger *slog.Logger
}

func NewAPI(cfg HTTPConfig, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &API{cfg: cfg, logger: logger}
}

// Router returns the HTTP handler for the API, /health and /metrics.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", OwnerHeader, middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "Content-Disposition"},
		MaxAge:         300,
	}))
	r.Use(requestContext)

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.With(requireOwner(a.logger)).Post("/", a.submitTasks)
			r.With(requireOwner(a.logger)).Get("/", a.listTasks)
			r.With(requireOwner(a.logger)).Post("/delete", a.deleteTasks)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", a.getTask)
				r.Delete("/", a.deleteTask)
				r.Post("/retry", a.retryTask)
				r.Get("/progress", a.getProgress)
				r.Get("/stream", a.streamSSE)
				r.Get("/ws", a.streamWS)
			})
		})
		r.Route("/batches", func(r chi.Router) {
			r.Use(requireOwner(a.logger))
			r.Get("/", a.listBatches)
			r.Route("/{batchName}", func(r chi.Router) {
				r.Get("/", a.getBatch)
				r.Delete("/", a.deleteBatch)
				r.Get("/export.xlsx", a.exportXLSX)
				r.Get("/export.zip", a.exportZIP)
			})
		})
	})
	return r
}

type healthReply struct {
	Status          string `json:"status"`
	Database        string `json:"database"`
	ActiveProcesses int    `json:"activeProcesses"`
	MaxProcesses    int    `json:"maxProcesses"`
}

func (h healthReply) Render(http.ResponseWriter, *http.Request) error { return nil }

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	reply := healthReply{Status: "ok", Database: "ok"}
	if a.cfg.Limiter != nil {
		reply.ActiveProcesses = a.cfg.Limiter.InUse()
		reply.MaxProcesses = a.cfg.Limiter.Capacity()
	}
	if a.cfg.DBHealth != nil {
		if err := a.cfg.DBHealth(r.Context()); err != nil {
			a.logger.Warn("health check: database unavailable", "error", err)
			reply.Status, reply.Database = "degraded", "unavailable"
			render.Status(r, http.StatusServiceUnavailable)
		}
	}
	_ = render.Render(w, r, reply)
}

// jobReply wraps a job for render.
type jobReply struct{ *entity.Job }

func (jobReply) Render(http.ResponseWriter, *http.Request) error { return nil }

func jobList(jobs []*entity.Job) []render.Renderer {
	out := make([]render.Renderer, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobReply{j})
	}
	return out
}

func (a *API) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, a.logger, common.InvalidInput("task id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func (a *API) batchName(r *http.Request) string {
	name := chi.URLParam(r, "batchName")
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}
	return name
}

// submitTasks accepts multipart/form-data with batchName, extractFields
// (JSON), optional modelMode and one or more "files" parts.
func (a *API) submitTasks(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, a.logger, common.InvalidInput(fmt.Sprintf("invalid multipart form: %v", err)))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	fields, err := jsonval.Parse([]byte(r.FormValue("extractFields")))
	if err != nil {
		writeError(w, r, a.logger, common.InvalidInput("extractFields must be JSON"))
		return
	}

	headers := r.MultipartForm.File["files"]
	uploads := make([]ingest.Upload, 0, len(headers))
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, r, a.logger, common.InvalidInput(fmt.Sprintf("read upload %s: %v", fh.Filename, err)))
			return
		}
		opened = append(opened, f)
		uploads = append(uploads, ingest.Upload{FileName: fh.Filename, Body: f})
	}

	jobs, err := a.cfg.Tasks.Submit(r.Context(), task.SubmitRequest{
		OwnerID:       common.OwnerIDFromContext(r.Context()),
		BatchName:     r.FormValue("batchName"),
		ExtractFields: fields,
		ModelMode:     r.FormValue("modelMode"),
		Files:         uploads,
	})
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	_ = render.RenderList(w, r, jobList(jobs))
}

type pageReply struct{ *task.Page }

func (pageReply) Render(http.ResponseWriter, *http.Request) error { return nil }

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	p, err := a.cfg.Tasks.List(r.Context(), common.OwnerIDFromContext(r.Context()), page, size)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	_ = render.Render(w, r, pageReply{p})
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := a.taskID(w, r)
	if !ok {
		return
	}
	job, err := a.cfg.Tasks.Get(r.Context(), common.OwnerIDFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	_ = render.Render(w, r, jobReply{job})
}

type retryBody struct {
	ExtractFields json.RawMessage `json:"extractFields,omitempty"`
}

func (a *API) retryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := a.taskID(w, r)
	if !ok {
		return
	}
	var body retryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, a.logger, common.InvalidInput("invalid JSON body"))
		return
	}
	fields, err := jsonval.Parse(body.ExtractFields)
	if err != nil {
		writeError(w, r, a.logger, common.InvalidInput("extractFields must be JSON"))
		return
	}
	job, err := a.cfg.Tasks.Retry(r.Context(), task.RetryRequest{
		OwnerID:       common.OwnerIDFromContext(r.Context()),
		JobID:         id,
		ExtractFields: fields,
	})
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	_ = render.Render(w, r, jobReply{job})
}

func (a *API) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := a.taskID(w, r)
	if !ok {
		return
	}
	if err := a.cfg.Tasks.Delete(r.Context(), common.OwnerIDFromContext(r.Context()), id); err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deleteManyBody struct {
	IDs []uuid.UUID `json:"ids"`
}

type deletedReply struct {
	Deleted int `json:"deleted"`
}

func (deletedReply) Render(http.ResponseWriter, *http.Request) error { return nil }

func (a *API) deleteTasks(w http.ResponseWriter, r *http.Request) {
	var body deleteManyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, a.logger, common.InvalidInput("body must be {\"ids\": [...]} with UUIDs"))
		return
	}
	n, err := a.cfg.Tasks.DeleteMany(r.Context(), common.OwnerIDFromContext(r.Context()), body.IDs)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	_ = render.Render(w, r, deletedReply{Deleted: n})
}

type snapshotReply struct{ entity.Snapshot }

func (snapshotReply) Render(http.ResponseWriter, *http.Request) error { return nil }

func (a *API) getProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := a.taskID(w, r)
	if !ok {
		return
	}
	snap, err := a.cfg.Tasks.Progress(r.Context(), common.OwnerIDFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	_ = render.Render(w, r, snapshotReply{snap})
}

type rollupReply struct{ entity.BatchRollup }

func (rollupReply) Render(http.ResponseWriter, *http.Request) error { return nil }

func (a *API) listBatches(w http.ResponseWriter, r *http.Request) {
	rollups, err := a.cfg.Batches.List(r.Context(), common.OwnerIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	out := make([]render.Renderer, 0, len(rollups))
	for _, b := range rollups {
		out = append(out, rollupReply{b})
	}
	_ = render.RenderList(w, r, out)
}

func (a *API) getBatch(w http.ResponseWriter, r *http.Request) {
	rollup, err := a.cfg.Batches.Details(r.Context(), common.OwnerIDFromContext(r.Context()), a.batchName(r))
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	_ = render.Render(w, r, rollupReply{rollup})
}

func (a *API) deleteBatch(w http.ResponseWriter, r *http.Request) {
	n, err := a.cfg.Tasks.DeleteBatch(r.Context(), common.OwnerIDFromContext(r.Context()), a.batchName(r))
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	_ = render.Render(w, r, deletedReply{Deleted: n})
}

func (a *API) exportXLSX(w http.ResponseWriter, r *http.Request) {
	name := a.batchName(r)
	b, err := a.cfg.Exports.BatchXLSX(r.Context(), common.OwnerIDFromContext(r.Context()), name)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", attachment(name, "xlsx"))
	_, _ = w.Write(b)
}

func (a *API) exportZIP(w http.ResponseWriter, r *http.Request) {
	name := a.batchName(r)
	owner := common.OwnerIDFromContext(r.Context())
	// Resolve the batch first so a missing one still gets a JSON error.
	if _, err := a.cfg.Batches.Details(r.Context(), owner, name); err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(name, "zip"))
	if err := a.cfg.Exports.WriteBatchZIP(r.Context(), owner, name, w); err != nil {
		a.logger.Error("export.zip.failed", "batch_name", name, "error", err)
	}
}

func attachment(batchName, ext string) string {
	return fmt.Sprintf(`attachment; filename="%s.%s"; filename*=UTF-8''%s.%s`,
		ingest.SanitizeBatchName(batchName), ext, url.PathEscape(batchName), ext)
}

// Server runs the HTTP API until ctx ends.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(addr string, h http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("http listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
