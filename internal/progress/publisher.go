// Package progress keeps the latest progress snapshot per job and streams
// it to subscribers.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"

	"github.com/joseph-ayodele/docextract/internal/entity"
)

// Publisher is a keyed snapshot store. Set overwrites and refreshes the TTL.
type Publisher interface {
	Set(ctx context.Context, s entity.Snapshot) error
	Get(ctx context.Context, jobID uuid.UUID) (entity.Snapshot, bool, error)
	Delete(ctx context.Context, jobID uuid.UUID) error
}

type entry struct {
	snap      entity.Snapshot
	expiresAt time.Time
}

// MemoryPublisher is an in-process Publisher with per-key expiry.
type MemoryPublisher struct {
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	items map[uuid.UUID]entry
}

func NewMemoryPublisher(ttl time.Duration, logger *slog.Logger) *MemoryPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryPublisher{
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		items:  make(map[uuid.UUID]entry),
	}
}

func (p *MemoryPublisher) Set(_ context.Context, s entity.Snapshot) error {
	if s.StageText == "" {
		s.StageText = s.Stage.Text()
	}
	p.mu.Lock()
	p.items[s.JobID] = entry{snap: s, expiresAt: p.now().Add(p.ttl)}
	p.mu.Unlock()
	return nil
}

func (p *MemoryPublisher) Get(_ context.Context, jobID uuid.UUID) (entity.Snapshot, bool, error) {
	p.mu.RLock()
	e, ok := p.items[jobID]
	p.mu.RUnlock()
	if !ok || !p.now().Before(e.expiresAt) {
		return entity.Snapshot{}, false, nil
	}
	return e.snap, true, nil
}

func (p *MemoryPublisher) Delete(_ context.Context, jobID uuid.UUID) error {
	p.mu.Lock()
	delete(p.items, jobID)
	p.mu.Unlock()
	return nil
}

// Len reports stored snapshots, expired ones included until the next sweep.
func (p *MemoryPublisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Sweep drops expired snapshots and returns how many were removed.
func (p *MemoryPublisher) Sweep() int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, e := range p.items {
		if !now.Before(e.expiresAt) {
			delete(p.items, id)
			n++
		}
	}
	return n
}

// Run sweeps expired snapshots on a jittered interval until ctx is done.
func (p *MemoryPublisher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 10})
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Debug("expired progress snapshots removed", "count", n)
			}
		}
	}
}
