package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/progress"
)

// sseSink writes each snapshot as a "progress" server-sent event.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseSink) Send(_ context.Context, snap entity.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: progress\ndata: %s\n\n", b); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseSink) close(reason progress.EndReason) {
	_, _ = fmt.Fprintf(s.w, "event: close\ndata: {\"reason\":%q}\n\n", reason)
	_ = s.rc.Flush()
}

func (a *API) streamSSE(w http.ResponseWriter, r *http.Request) {
	id, ok := a.taskID(w, r)
	if !ok {
		return
	}
	// Resolve the job before committing to an event stream.
	if _, err := a.cfg.Tasks.Get(r.Context(), common.OwnerIDFromContext(r.Context()), id); err != nil {
		writeError(w, r, a.logger, err)
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, rc: rc}
	reason, err := a.cfg.Streamer.Stream(r.Context(), id, sink)
	if err != nil {
		a.logger.Warn("sse stream ended with error", "job_id", id, "error", err)
		return
	}
	if reason != progress.EndDisconnected {
		sink.close(reason)
	}
	a.logger.Debug("sse stream closed", "job_id", id, "reason", reason, "request_id", common.RequestIDFromContext(r.Context()))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const wsWriteWait = 10 * time.Second

// wsSink writes snapshots as JSON text frames.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(_ context.Context, snap entity.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(snap)
}

func (s *wsSink) close(reason progress.EndReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := websocket.CloseNormalClosure
	if reason == progress.EndDisplaced {
		code = websocket.ClosePolicyViolation
	}
	msg := websocket.FormatCloseMessage(code, string(reason))
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func (a *API) streamWS(w http.ResponseWriter, r *http.Request) {
	id, ok := a.taskID(w, r)
	if !ok {
		return
	}
	if _, err := a.cfg.Tasks.Get(r.Context(), common.OwnerIDFromContext(r.Context()), id); err != nil {
		writeError(w, r, a.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The hijacked connection does not cancel the request context; a read
	// error means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if !errors.As(err, &ce) {
					a.logger.Debug("websocket read ended", "job_id", id, "error", err)
				}
				return
			}
		}
	}()

	sink := &wsSink{conn: conn}
	reason, err := a.cfg.Streamer.Stream(ctx, id, sink)
	if err != nil {
		a.logger.Warn("websocket stream ended with error", "job_id", id, "error", err)
		return
	}
	if reason != progress.EndDisconnected {
		sink.close(reason)
	}
	a.logger.Debug("websocket stream closed", "job_id", id, "reason", reason)
}
