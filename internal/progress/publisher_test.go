package progress

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/entity"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPublisher(ttl time.Duration) (*MemoryPublisher, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	p := NewMemoryPublisher(ttl, nil)
	p.now = clock.now
	return p, clock
}

func TestPublisherSetGetOverwrite(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPublisher(time.Hour)
	id := uuid.New()

	_, ok, err := p.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.Set(ctx, entity.Snapshot{JobID: id, Stage: constants.StageUploading, Progress: 5}))
	require.NoError(t, p.Set(ctx, entity.Snapshot{JobID: id, Stage: constants.StageOCRProcessing, Progress: 30}))

	got, ok, err := p.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30, got.Progress)
	assert.Equal(t, "Recognizing text", got.StageText)
	assert.Equal(t, 1, p.Len())

	require.NoError(t, p.Delete(ctx, id))
	_, ok, _ = p.Get(ctx, id)
	assert.False(t, ok)
}

func TestPublisherExpiry(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestPublisher(time.Minute)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, p.Set(ctx, entity.Snapshot{JobID: a, Stage: constants.StagePending}))
	clock.advance(30 * time.Second)
	require.NoError(t, p.Set(ctx, entity.Snapshot{JobID: b, Stage: constants.StagePending}))
	clock.advance(30 * time.Second)

	_, ok, _ := p.Get(ctx, a)
	assert.False(t, ok, "expired exactly at ttl")
	_, ok, _ = p.Get(ctx, b)
	assert.True(t, ok)

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, 1, p.Sweep())
	assert.Equal(t, 1, p.Len())
}

func TestPublisherSetRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestPublisher(time.Minute)
	id := uuid.New()

	require.NoError(t, p.Set(ctx, entity.Snapshot{JobID: id, Stage: constants.StageExtracting, Progress: 50}))
	clock.advance(50 * time.Second)
	require.NoError(t, p.Set(ctx, entity.Snapshot{JobID: id, Stage: constants.StageExtracting, Progress: 65}))
	clock.advance(50 * time.Second)

	got, ok, _ := p.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, 65, got.Progress)
}

func TestPublisherRunStopsOnCancel(t *testing.T) {
	p := NewMemoryPublisher(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
