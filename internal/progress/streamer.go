package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/metrics"
)

// Sink delivers one snapshot to a connected client. An error ends the stream.
type Sink interface {
	Send(ctx context.Context, s entity.Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s entity.Snapshot) error

func (f SinkFunc) Send(ctx context.Context, s entity.Snapshot) error { return f(ctx, s) }

// JobSource is the durable fallback when no snapshot is cached.
type JobSource interface {
	Get(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

// EndReason says why a stream closed.
type EndReason string

const (
	EndTerminal     EndReason = "terminal"
	EndIdle         EndReason = "idle_timeout"
	EndDisplaced    EndReason = "displaced"
	EndDisconnected EndReason = "disconnected"
	EndDeleted      EndReason = "deleted"
)

type StreamConfig struct {
	PollInterval time.Duration
	IdleTimeout  time.Duration
}

type subscription struct {
	cancel    context.CancelFunc
	displaced atomic.Bool
}

// Streamer pushes snapshots to at most one subscriber per job.
type Streamer struct {
	pub    Publisher
	jobs   JobSource
	cfg    StreamConfig
	logger *slog.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]*subscription
}

func NewStreamer(pub Publisher, jobs JobSource, cfg StreamConfig, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Streamer{
		pub:    pub,
		jobs:   jobs,
		cfg:    cfg,
		logger: logger,
		subs:   make(map[uuid.UUID]*subscription),
	}
}

// Current returns the cached snapshot, or the job record's committed
// progress when nothing is cached.
func (s *Streamer) Current(ctx context.Context, jobID uuid.UUID) (entity.Snapshot, error) {
	snap, ok, err := s.pub.Get(ctx, jobID)
	if err != nil {
		s.logger.Warn("progress snapshot lookup failed, falling back to job record", "job_id", jobID, "error", err)
	}
	if ok {
		return snap, nil
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return entity.Snapshot{}, err
	}
	return job.Snapshot(), nil
}

// Stream sends a snapshot immediately and then once per poll interval until
// the stage is terminal, the idle ceiling passes, ctx ends, or a newer
// subscriber for the same job displaces this one. A job that does not
// exist fails before anything is sent.
func (s *Streamer) Stream(ctx context.Context, jobID uuid.UUID, sink Sink) (EndReason, error) {
	first, err := s.Current(ctx, jobID)
	if err != nil {
		return "", err
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
	defer cancel()
	sub := s.register(jobID, cancel)
	defer s.unregister(jobID, sub)

	log := s.logger.With("job_id", jobID)
	log.Debug("progress stream opened")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	snap := first
	for {
		if err := sink.Send(streamCtx, snap); err != nil {
			if reason, done := s.endReason(ctx, streamCtx, sub); done {
				return reason, nil
			}
			log.Debug("progress stream send failed", "error", err)
			return EndDisconnected, nil
		}
		if snap.Stage.IsTerminal() {
			log.Debug("progress stream closed", "reason", EndTerminal, "stage", snap.Stage)
			return EndTerminal, nil
		}

		select {
		case <-streamCtx.Done():
			reason, _ := s.endReason(ctx, streamCtx, sub)
			log.Debug("progress stream closed", "reason", reason)
			return reason, nil
		case <-ticker.C:
		}

		snap, err = s.Current(streamCtx, jobID)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				log.Debug("progress stream closed", "reason", EndDeleted)
				return EndDeleted, nil
			}
			if reason, done := s.endReason(ctx, streamCtx, sub); done {
				return reason, nil
			}
			return "", err
		}
	}
}

func (s *Streamer) endReason(parent, streamCtx context.Context, sub *subscription) (EndReason, bool) {
	switch {
	case sub.displaced.Load():
		return EndDisplaced, true
	case parent.Err() != nil:
		return EndDisconnected, true
	case errors.Is(streamCtx.Err(), context.DeadlineExceeded):
		return EndIdle, true
	case streamCtx.Err() != nil:
		return EndDisconnected, true
	default:
		return "", false
	}
}

func (s *Streamer) register(jobID uuid.UUID, cancel context.CancelFunc) *subscription {
	sub := &subscription{cancel: cancel}
	s.mu.Lock()
	prev := s.subs[jobID]
	s.subs[jobID] = sub
	s.mu.Unlock()
	if prev != nil {
		prev.displaced.Store(true)
		prev.cancel()
		s.logger.Debug("progress stream displaced", "job_id", jobID)
	}
	metrics.AddStreamSubscribers(1)
	return sub
}

func (s *Streamer) unregister(jobID uuid.UUID, sub *subscription) {
	s.mu.Lock()
	if s.subs[jobID] == sub {
		delete(s.subs, jobID)
	}
	s.mu.Unlock()
	metrics.AddStreamSubscribers(-1)
}

// Subscribers reports open streams.
func (s *Streamer) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
