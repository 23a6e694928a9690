package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTransitionFollowsEdges(t *testing.T) {
	job := NewJob("job-1", "file:///media/dune.mkv", "Dune", "de")
	require.Equal(t, JobStatusPending, job.Status)

	assert.True(t, job.Transition(JobStatusDownloadQueued))
	assert.True(t, job.Transition(JobStatusDownloadInProgress))
	assert.True(t, job.Transition(JobStatusTranslateQueued))
	assert.True(t, job.Transition(JobStatusTranslateInProgress))
	assert.True(t, job.Transition(JobStatusDone))
}

func TestJobTransitionRejectsSkips(t *testing.T) {
	job := NewJob("job-1", "file:///media/dune.mkv", "Dune", "de")

	assert.False(t, job.Transition(JobStatusTranslateInProgress))
	assert.False(t, job.Transition(JobStatusDone))
	assert.Equal(t, JobStatusPending, job.Status)
}

func TestJobTransitionRejectsBackward(t *testing.T) {
	job := NewJob("job-1", "file:///media/dune.mkv", "Dune", "de")
	require.True(t, job.Transition(JobStatusDownloadQueued))

	assert.False(t, job.Transition(JobStatusPending))
	assert.Equal(t, JobStatusDownloadQueued, job.Status)
}

func TestJobTransitionRepeatIsNoOp(t *testing.T) {
	job := NewJob("job-1", "file:///media/dune.mkv", "Dune", "de")
	require.True(t, job.Transition(JobStatusDownloadQueued))
	before := job.UpdatedAt

	assert.False(t, job.Transition(JobStatusDownloadQueued))
	assert.Equal(t, before, job.UpdatedAt)
}

func TestJobFailFromAnyNonTerminalState(t *testing.T) {
	for _, status := range []JobStatus{
		JobStatusPending,
		JobStatusDownloadQueued,
		JobStatusDownloadInProgress,
		JobStatusTranslateQueued,
		JobStatusTranslateInProgress,
	} {
		job := NewJob("job-1", "file:///media/dune.mkv", "Dune", "de")
		job.Status = status
		assert.True(t, job.Fail("transient_infrastructure", "broker unreachable"), "fail from %s", status)
		assert.Equal(t, JobStatusFailed, job.Status)
		assert.Equal(t, "transient_infrastructure", job.ErrorType)
	}
}

func TestJobFailLeavesTerminalAlone(t *testing.T) {
	job := NewJob("job-1", "file:///media/dune.mkv", "Dune", "de")
	job.Status = JobStatusDone

	assert.False(t, job.Fail("permanent_client", "late failure"))
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Empty(t, job.ErrorType)
}

func TestJobSanitizedBlanksSubtitlePath(t *testing.T) {
	job := NewJob("job-1", "file:///media/dune.mkv", "Dune", "de")
	job.SubtitlePath = "/var/lib/verto/subtitles/job-1.de.srt"
	job.SetMetadata("provider", "opensubtitles")

	out := job.Sanitized()
	assert.Empty(t, out.SubtitlePath)
	assert.Equal(t, "/var/lib/verto/subtitles/job-1.de.srt", job.SubtitlePath)

	// Metadata is a copy, not a shared map.
	out.Metadata["provider"] = "mutated"
	v, _ := job.GetMetadata("provider")
	assert.Equal(t, "opensubtitles", v)
}

func TestJobRoundTrip(t *testing.T) {
	job := NewJob("job-1", "file:///media/dune.mkv", "Dune", "de")
	job.TargetLanguage = "de"
	job.SetMetadata("origin", "watcher")

	data, err := job.ToJSON()
	require.NoError(t, err)

	got, err := JobFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Status, got.Status)
	origin, _ := got.GetMetadata("origin")
	assert.Equal(t, "watcher", origin)
}

func TestJobValidate(t *testing.T) {
	job := NewJob("job-1", "file:///media/dune.mkv", "Dune", "de")
	assert.NoError(t, job.Validate())

	assert.Error(t, (&Job{VideoURL: "x", Language: "de", Status: JobStatusPending}).Validate())
	assert.Error(t, (&Job{ID: "x", Language: "de", Status: JobStatusPending}).Validate())
	assert.Error(t, (&Job{ID: "x", VideoURL: "y", Status: JobStatusPending}).Validate())

	job.Status = JobStatus("sideways")
	assert.Error(t, job.Validate())
}
