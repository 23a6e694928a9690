// -----------------------------------------------------------------------
// Job - Canonical unit of work shared by every pipeline component
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a subtitle job.
type JobStatus string

const (
	JobStatusPending             JobStatus = "pending"
	JobStatusDownloadQueued      JobStatus = "download_queued"
	JobStatusDownloadInProgress  JobStatus = "download_in_progress"
	JobStatusTranslateQueued     JobStatus = "translate_queued"
	JobStatusTranslateInProgress JobStatus = "translate_in_progress"
	JobStatusDone                JobStatus = "done"
	JobStatusFailed              JobStatus = "failed"
)

// allowedTransitions is the edge set of the job state machine. A status may
// only move along these edges; anything else is recorded but never applied.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:             {JobStatusDownloadQueued, JobStatusFailed},
	JobStatusDownloadQueued:      {JobStatusDownloadInProgress, JobStatusFailed},
	JobStatusDownloadInProgress:  {JobStatusDone, JobStatusTranslateQueued, JobStatusFailed},
	JobStatusTranslateQueued:     {JobStatusTranslateInProgress, JobStatusFailed},
	JobStatusTranslateInProgress: {JobStatusDone, JobStatusFailed},
	JobStatusDone:                {},
	JobStatusFailed:              {},
}

// IsValid returns true if the status is one of the seven known values.
func (s JobStatus) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal returns true for done and failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next follows an edge of
// the state machine. Self-transitions are not edges; callers treat them as
// idempotent no-ops.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Job is the canonical unit of work. Identity fields are immutable after
// creation; status moves only along the state machine edges and never
// backward except by explicit operator reset.
type Job struct {
	ID             string            `json:"job_id"`                    // Unique job ID (UUID, assigned at ingress)
	VideoURL       string            `json:"video_url"`                 // Opaque locator of the source media
	VideoTitle     string            `json:"video_title"`               // Display string
	Language       string            `json:"language"`                  // Desired language (ISO 639-1, lowercase)
	TargetLanguage string            `json:"target_language,omitempty"` // Set when translation is needed
	Status         JobStatus         `json:"status"`
	CreatedAt      time.Time         `json:"created_at"` // UTC
	UpdatedAt      time.Time         `json:"updated_at"` // UTC, monotonic on every mutation
	ResultURL      string            `json:"result_url,omitempty"`
	SubtitlePath   string            `json:"subtitle_path,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ErrorType      string            `json:"error_type,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"` // Source provenance: origin ingress, provider, score, etc.
}

// NewJob creates a pending job with the given identity fields.
func NewJob(jobID, videoURL, videoTitle, language string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         jobID,
		VideoURL:   videoURL,
		VideoTitle: videoTitle,
		Language:   language,
		Status:     JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   make(map[string]string),
	}
}

// Touch refreshes UpdatedAt, clamping to be monotonic.
func (j *Job) Touch() {
	now := time.Now().UTC()
	if now.Before(j.UpdatedAt) {
		now = j.UpdatedAt
	}
	j.UpdatedAt = now
}

// Transition applies a status change if it follows a state-machine edge.
// Returns true when the status actually advanced. A repeat of the current
// status is an idempotent no-op returning false.
func (j *Job) Transition(next JobStatus) bool {
	if j.Status == next {
		return false
	}
	if !j.Status.CanTransitionTo(next) {
		return false
	}
	j.Status = next
	j.Touch()
	return true
}

// Fail moves the job to failed with the given kind and message. Terminal
// jobs are left untouched.
func (j *Job) Fail(errorType, message string) bool {
	if j.Status.IsTerminal() {
		return false
	}
	j.Status = JobStatusFailed
	j.ErrorType = errorType
	j.ErrorMessage = message
	j.Touch()
	return true
}

// SetMetadata sets a provenance value, allocating the map when needed.
func (j *Job) SetMetadata(key, value string) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]string)
	}
	j.Metadata[key] = value
}

// GetMetadata retrieves a provenance value.
func (j *Job) GetMetadata(key string) (string, bool) {
	if j.Metadata == nil {
		return "", false
	}
	v, ok := j.Metadata[key]
	return v, ok
}

// ToJSON serializes the job for state-store persistence.
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// JobFromJSON deserializes a job from its state-store representation.
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Validate checks the identity fields required of every job.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.VideoURL == "" {
		return fmt.Errorf("video URL is required")
	}
	if j.Language == "" {
		return fmt.Errorf("language is required")
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("unknown job status %q", j.Status)
	}
	return nil
}

// Sanitized returns a copy safe for API exposure: internal filesystem paths
// are blanked, everything else is preserved.
func (j *Job) Sanitized() *Job {
	out := *j
	out.SubtitlePath = ""
	if j.Metadata != nil {
		out.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
