package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageText(t *testing.T) {
	assert.Equal(t, "Waiting", StagePending.Text())
	assert.Equal(t, "Uploading file", StageUploading.Text())
	assert.Equal(t, "Recognizing text", StageOCRProcessing.Text())
	assert.Equal(t, "Extracting fields", StageExtracting.Text())
	assert.Equal(t, "Completed", StageCompleted.Text())
	assert.Equal(t, "Failed", StageFailed.Text())
	assert.Equal(t, "Processing", Stage("RENDERING").Text())
}

func TestTerminal(t *testing.T) {
	assert.True(t, StageCompleted.IsTerminal())
	assert.True(t, StageFailed.IsTerminal())
	assert.False(t, StageExtracting.IsTerminal())

	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
}

func TestNormalizeExt(t *testing.T) {
	assert.Equal(t, "pdf", NormalizeExt(".PDF"))
	assert.Equal(t, "jpeg", NormalizeExt("jpeg"))
}
