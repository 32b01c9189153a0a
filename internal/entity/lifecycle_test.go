package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestJob() *Job {
	fields := jsonval.MustFrom([]any{map[string]any{"name": "invoice_no"}})
	return NewJob("u1", "march", FileInfo{FileName: "inv.pdf"}, fields, constants.ModeFast, t0)
}

func TestNewJobIsPending(t *testing.T) {
	j := newTestJob()
	assert.Equal(t, constants.JobStatusPending, j.Status)
	assert.Equal(t, constants.StagePending, j.Stage)
	assert.Zero(t, j.Progress)
	assert.Zero(t, j.RetryCount)
	assert.True(t, j.Result.IsNull())
	assert.Nil(t, j.StartedAt)
}

func TestHappyPath(t *testing.T) {
	j := newTestJob()
	require.NoError(t, j.Start(t0.Add(time.Second)))
	assert.Equal(t, constants.JobStatusProcessing, j.Status)
	assert.Equal(t, ProgressStarted, j.Progress)
	require.NotNil(t, j.StartedAt)

	result := jsonval.MustFrom(map[string]any{"invoice_no": "A-1"})
	details := jsonval.MustFrom(map[string]any{"model": "m"})
	require.NoError(t, j.Complete(result, details, t0.Add(time.Minute)))
	assert.Equal(t, constants.JobStatusCompleted, j.Status)
	assert.Equal(t, constants.StageCompleted, j.Stage)
	assert.Equal(t, 100, j.Progress)
	assert.Nil(t, j.ErrorMessage)
	require.NotNil(t, j.FinishedAt)
	assert.Equal(t, t0.Add(time.Minute), *j.FinishedAt)

	snap := j.Snapshot()
	assert.Equal(t, "Completed", snap.StageText)
	assert.Equal(t, "inv.pdf", snap.CurrentFile)
}

func TestCompleteRequiresResult(t *testing.T) {
	j := newTestJob()
	require.NoError(t, j.Start(t0))
	err := j.Complete(jsonval.Null(), jsonval.Null(), t0)
	assert.ErrorIs(t, err, common.ErrIllegalTransition)
	assert.Equal(t, constants.JobStatusProcessing, j.Status)
}

func TestIllegalTransitions(t *testing.T) {
	j := newTestJob()
	assert.ErrorIs(t, j.Complete(jsonval.MustFrom(map[string]any{}), jsonval.Null(), t0), common.ErrIllegalTransition)
	assert.ErrorIs(t, j.Fail("x", 1, t0), common.ErrIllegalTransition)
	assert.ErrorIs(t, j.ResetForRetry(3, t0), common.ErrIllegalTransition)

	require.NoError(t, j.Start(t0))
	err := j.Start(t0)
	assert.ErrorIs(t, err, common.ErrIllegalTransition)
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestFailAccumulatesRetryCount(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		want     int
	}{
		{"no attempt made", 0, 1},
		{"single attempt", 1, 1},
		{"exhausted attempts", 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newTestJob()
			require.NoError(t, j.Start(t0))
			require.NoError(t, j.Fail("", tt.attempts, t0))
			assert.Equal(t, tt.want, j.RetryCount)
			require.NotNil(t, j.ErrorMessage)
			assert.Equal(t, "unknown error", *j.ErrorMessage)
			assert.Equal(t, constants.StageFailed, j.Stage)
		})
	}
}

func TestResetForRetry(t *testing.T) {
	j := newTestJob()
	require.NoError(t, j.Start(t0))
	require.NoError(t, j.Fail("timeout", 1, t0))

	later := t0.Add(time.Hour)
	require.NoError(t, j.ResetForRetry(3, later))
	assert.Equal(t, constants.JobStatusPending, j.Status)
	assert.Equal(t, constants.StagePending, j.Stage)
	assert.Zero(t, j.Progress)
	assert.Nil(t, j.ErrorMessage)
	assert.Nil(t, j.FinishedAt)
	assert.True(t, j.Result.IsNull())
	assert.Equal(t, 1, j.RetryCount, "reset keeps the counter")
	assert.Equal(t, later, j.UpdatedAt)
}

func TestResetForRetryBudgetExhausted(t *testing.T) {
	j := newTestJob()
	require.NoError(t, j.Start(t0))
	require.NoError(t, j.Fail("bad output", 3, t0))

	err := j.ResetForRetry(3, t0)
	assert.ErrorIs(t, err, common.ErrRetryNotAllowed)
	assert.Equal(t, constants.JobStatusFailed, j.Status)
}
