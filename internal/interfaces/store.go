package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/verto/internal/models"
)

// JobStore is the durable map job_id → Job plus the append-only per-job
// event log. Status writes go through guarded transitions in the caller;
// the store itself is a plain keyed upsert.
type JobStore interface {
	// SaveJob upserts the full job record.
	SaveJob(ctx context.Context, job *models.Job) error

	// GetJob returns the job or ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ListJobs returns up to limit jobs, optionally filtered by status
	// (empty status means all). Ordering is unspecified.
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)

	// AppendEvent appends to the job's ordered event log.
	AppendEvent(ctx context.Context, jobID string, rec *models.EventRecord) error

	// GetEvents returns the job's event log in insertion order.
	GetEvents(ctx context.Context, jobID string) ([]*models.EventRecord, error)

	// MarkEventApplied records an event id in the job's applied set. Returns
	// false when the id was already present (duplicate redelivery).
	MarkEventApplied(ctx context.Context, jobID, eventID string) (bool, error)

	// ApplyRetention sets the terminal TTL on every key of the job. A zero
	// ttl removes any expiration.
	ApplyRetention(ctx context.Context, jobID string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// DedupService collapses repeat requests for the same (video_url, language)
// onto the first job within a configurable window.
type DedupService interface {
	// CheckAndRegister atomically registers jobID for the pair unless a
	// registration already exists. Returns (true, existing id) for a
	// duplicate, (false, jobID) for a fresh registration. On backend outage
	// it fails open: (false, jobID, nil) with a logged warning.
	CheckAndRegister(ctx context.Context, videoURL, language, jobID string) (bool, string, error)

	// Clear removes a registration so the pair can be requested again
	// (operator reset path).
	Clear(ctx context.Context, videoURL, language string) error

	Ping(ctx context.Context) error
}
