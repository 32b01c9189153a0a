package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/core/limiter"
	"github.com/joseph-ayodele/docextract/internal/core/worker"
	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
	"github.com/joseph-ayodele/docextract/internal/progress"
	"github.com/joseph-ayodele/docextract/internal/repository"
	"github.com/joseph-ayodele/docextract/internal/repository/repotest"
)

type processorFixture struct {
	jobs repository.JobRepository
	pub  *progress.MemoryPublisher
	proc *Processor
	w    *scriptedWorker
}

func newProcessorFixture(t *testing.T, steps ...step) *processorFixture {
	t.Helper()
	_, jobs := repotest.NewSQLite(t)
	pub := progress.NewMemoryPublisher(time.Hour, repotest.Logger())
	w := &scriptedWorker{steps: steps}
	exec := NewExecutor(w, limiter.New(1), ExecutorConfig{MaxRetries: 3, RetryInterval: time.Millisecond, SlotTimeout: time.Second}, repotest.Logger())
	return &processorFixture{
		jobs: jobs,
		pub:  pub,
		proc: NewProcessor(jobs, pub, exec, "default-model", repotest.Logger()),
		w:    w,
	}
}

func (f *processorFixture) seed(t *testing.T) *entity.Job {
	t.Helper()
	j := entity.NewJob("u1", "batch", entity.FileInfo{FileName: "scan.png", FilePath: "/tmp/scan.png"},
		jsonval.MustFrom(map[string]any{"total": "amount"}), constants.ModeAccurate, time.Now().UTC())
	require.NoError(t, f.jobs.CreateBatch(context.Background(), []*entity.Job{j}))
	return j
}

func (f *processorFixture) snapshot(t *testing.T, id uuid.UUID) entity.Snapshot {
	t.Helper()
	s, ok, err := f.pub.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return s
}

func TestProcessCompletes(t *testing.T) {
	f := newProcessorFixture(t, step{result: map[string]any{"status": "success", "confidence": 0.9, "data": map[string]any{"total": "9.99"}}})
	j := f.seed(t)

	require.NoError(t, f.proc.Process(context.Background(), j.ID))

	got, err := f.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Zero(t, got.RetryCount)
	model, _ := got.ProcessingDetails.Field("model").String()
	assert.Equal(t, "default-model", model)
	mode, _ := got.ProcessingDetails.Field("modelMode").String()
	assert.Equal(t, constants.ModeAccurate, mode)
	attempts, _ := got.ProcessingDetails.Field("attempts").Number()
	assert.Equal(t, 1.0, attempts)
	assert.True(t, got.ProcessingDetails.Field("partial").IsNull())

	snap := f.snapshot(t, j.ID)
	assert.Equal(t, constants.StageCompleted, snap.Stage)
	assert.Equal(t, "Completed", snap.StageText)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, "scan.png", snap.CurrentFile)
}

func TestProcessPlaceholderResult(t *testing.T) {
	f := newProcessorFixture(t, step{
		result:      map[string]any{"status": "success", "model": "placeholder", "confidence": 0, "data": map[string]any{}},
		placeholder: true,
	})
	j := f.seed(t)
	require.NoError(t, f.proc.Process(context.Background(), j.ID))

	got, err := f.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
	ph, _ := got.ProcessingDetails.Field("placeholder").Bool()
	assert.True(t, ph)
	assert.Equal(t, placeholderStageText, f.snapshot(t, j.ID).StageText)
}

func TestProcessFailsAfterRetries(t *testing.T) {
	f := newProcessorFixture(t, step{err: errExit})
	j := f.seed(t)
	require.NoError(t, f.proc.Process(context.Background(), j.ID))

	got, err := f.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "retry limit exceeded")

	snap := f.snapshot(t, j.ID)
	assert.Equal(t, constants.StageFailed, snap.Stage)
	assert.Equal(t, *got.ErrorMessage, snap.ErrorMessage)
	assert.Equal(t, 3, f.w.Calls())
}

func TestProcessSkipsNonPendingJob(t *testing.T) {
	f := newProcessorFixture(t, step{result: success})
	j := f.seed(t)
	require.NoError(t, j.Start(time.Now()))
	require.NoError(t, f.jobs.Save(context.Background(), j, constants.JobStatusPending))

	require.NoError(t, f.proc.Process(context.Background(), j.ID))
	assert.Zero(t, f.w.Calls())
}

func TestProcessSkipsUnknownJob(t *testing.T) {
	f := newProcessorFixture(t, step{result: success})
	require.NoError(t, f.proc.Process(context.Background(), uuid.New()))
	assert.Zero(t, f.w.Calls())
}

func TestProcessDropsResultOfDeletedJob(t *testing.T) {
	f := newProcessorFixture(t)
	j := f.seed(t)
	ctx := context.Background()
	f.w.steps = []step{{
		result: success,
		hook: func() {
			_, err := f.jobs.Delete(ctx, j.ID)
			require.NoError(t, err)
			require.NoError(t, f.pub.Delete(ctx, j.ID))
		},
		after: []worker.Update{{Progress: 85}},
	}}

	require.NoError(t, f.proc.Process(ctx, j.ID))
	_, err := f.jobs.Get(ctx, j.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, ok, err := f.pub.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok, "late progress must not leave a snapshot behind")
	streamer := progress.NewStreamer(f.pub, f.jobs, progress.StreamConfig{}, repotest.Logger())
	_, err = streamer.Current(ctx, j.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestProcessFailureOfDeletedJobClearsSnapshot(t *testing.T) {
	f := newProcessorFixture(t)
	j := f.seed(t)
	ctx := context.Background()
	f.w.steps = []step{
		{err: errExit, hook: func() {
			_, err := f.jobs.Delete(ctx, j.ID)
			require.NoError(t, err)
			require.NoError(t, f.pub.Delete(ctx, j.ID))
		}},
		{err: errExit},
	}

	require.NoError(t, f.proc.Process(ctx, j.ID))
	_, ok, err := f.pub.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessWorkerTerminalStageIsNotPublished(t *testing.T) {
	f := newProcessorFixture(t,
		step{err: errExit, after: []worker.Update{{Progress: 90, Stage: constants.StageFailed}}},
		step{result: success, after: []worker.Update{{Progress: 95, Stage: constants.StageCompleted}}},
	)
	rec := &recordingPublisher{Publisher: f.pub}
	f.proc.publisher = rec
	j := f.seed(t)

	require.NoError(t, f.proc.Process(context.Background(), j.ID))

	got, err := f.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)

	// The snapshot left standing between attempt 1 and attempt 2 is the one
	// published just before the second attempt's 65% floor.
	second := -1
	for i, s := range rec.snaps {
		if s.Progress == 65 {
			second = i
			break
		}
	}
	require.Positive(t, second)
	between := rec.snaps[second-1]
	assert.Equal(t, 90, between.Progress)
	assert.False(t, between.Stage.IsTerminal(), "stage %s published while the job was processing", between.Stage)

	last := len(rec.snaps) - 1
	for _, s := range rec.snaps[:last] {
		assert.False(t, s.Stage.IsTerminal(), "intermediate snapshot %s/%d", s.Stage, s.Progress)
	}
	assert.Equal(t, constants.StageCompleted, rec.snaps[last].Stage)

	var sawNinety bool
	for _, s := range rec.snaps {
		if s.Progress == 90 {
			sawNinety = true
			assert.Equal(t, constants.StageExtracting, s.Stage)
		}
	}
	assert.True(t, sawNinety, "worker progress value is kept")
}

type recordingPublisher struct {
	progress.Publisher
	mu    sync.Mutex
	snaps []entity.Snapshot
}

func (r *recordingPublisher) Set(ctx context.Context, s entity.Snapshot) error {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
	return r.Publisher.Set(ctx, s)
}

func TestProcessPublishesStagesInOrder(t *testing.T) {
	f := newProcessorFixture(t, step{err: errExit}, step{result: success})
	rec := &recordingPublisher{Publisher: f.pub}
	f.proc.publisher = rec
	j := f.seed(t)

	require.NoError(t, f.proc.Process(context.Background(), j.ID))

	type seen struct {
		stage    constants.Stage
		progress int
	}
	var got []seen
	for _, s := range rec.snaps {
		got = append(got, seen{s.Stage, s.Progress})
	}
	assert.Equal(t, []seen{
		{constants.StageUploading, 5},
		{constants.StageUploading, 10},
		{constants.StageOCRProcessing, 30},
		{constants.StageExtracting, 50},
		{constants.StageExtracting, 70},
		{constants.StageExtracting, 65},
		{constants.StageExtracting, 70},
		{constants.StageCompleted, 100},
	}, got)
}
