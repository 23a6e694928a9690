package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// ErrJobNotFound is returned when a job id has no record (or the record
// expired under TTL retention).
var ErrJobNotFound = errors.New("job not found")

const (
	jobKeyPrefix     = "job:"
	eventsKeyPrefix  = "job:events:"
	appliedKeyPrefix = "job:applied:"
)

// Service implements the JobStore interface on Redis. Jobs are single-key
// JSON upserts; the event log is an RPUSH list preserving publish order; the
// applied-event set guards idempotent transitions across redeliveries.
type Service struct {
	client    *redis.Client
	logger    arbor.ILogger
	opTimeout time.Duration
}

// NewService connects to the Redis state store.
func NewService(config *common.StoreConfig, logger arbor.ILogger) (interfaces.JobStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: common.DurationOr(config.DialTimeout, 5*time.Second),
	})

	opTimeout := common.DurationOr(config.OpTimeout, 3*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), common.DurationOr(config.DialTimeout, 5*time.Second))
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// Connection may come up later; the supervisor drives reconnection
		// health, so a cold store at startup is a warning, not a failure.
		logger.Warn().
			Str("addr", config.Addr).
			Err(err).
			Msg("State store unreachable at startup")
	}

	logger.Info().
		Str("addr", config.Addr).
		Int("db", config.DB).
		Msg("Job store initialized")

	return &Service{
		client:    client,
		logger:    logger,
		opTimeout: opTimeout,
	}, nil
}

// NewServiceWithClient wraps an existing client; tests use this with
// miniredis.
func NewServiceWithClient(client *redis.Client, logger arbor.ILogger) interfaces.JobStore {
	return &Service{
		client:    client,
		logger:    logger,
		opTimeout: 3 * time.Second,
	}
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func eventsKey(jobID string) string {
	return eventsKeyPrefix + jobID
}

func appliedKey(jobID string) string {
	return appliedKeyPrefix + jobID
}

// SaveJob upserts the full job record.
func (s *Service) SaveJob(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid job: %w", err)
	}
	data, err := job.ToJSON()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, jobKey(job.ID), data, redis.KeepTTL).Err(); err != nil {
		return models.NewTransientError("failed to save job", err)
	}
	return nil
}

// GetJob returns the job or ErrJobNotFound.
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, models.NewTransientError("failed to load job", err)
	}
	return models.JobFromJSON(data)
}

// ListJobs scans job records, optionally filtered by status. Ordering is
// unspecified; this backs the operator listing surface only.
func (s *Service) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	var jobs []*models.Job
	iter := s.client.Scan(ctx, 0, jobKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// The events and applied keys share the job: prefix.
		if strings.HasPrefix(key, eventsKeyPrefix) || strings.HasPrefix(key, appliedKeyPrefix) {
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		data, err := s.client.Get(opCtx, key).Bytes()
		cancel()
		if err == redis.Nil {
			continue // Expired between SCAN and GET
		}
		if err != nil {
			return nil, models.NewTransientError("failed to load job during scan", err)
		}

		job, err := models.JobFromJSON(data)
		if err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("Skipping unreadable job record")
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
		if len(jobs) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, models.NewTransientError("job scan failed", err)
	}
	return jobs, nil
}

// AppendEvent appends to the job's ordered event log.
func (s *Service) AppendEvent(ctx context.Context, jobID string, rec *models.EventRecord) error {
	data, err := rec.ToJSON()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.RPush(ctx, eventsKey(jobID), data).Err(); err != nil {
		return models.NewTransientError("failed to append event", err)
	}
	return nil
}

// GetEvents returns the job's event log in insertion order.
func (s *Service) GetEvents(ctx context.Context, jobID string) ([]*models.EventRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	entries, err := s.client.LRange(ctx, eventsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, models.NewTransientError("failed to load event log", err)
	}

	records := make([]*models.EventRecord, 0, len(entries))
	for _, entry := range entries {
		rec, err := models.EventRecordFromJSON([]byte(entry))
		if err != nil {
			s.logger.Warn().Str("job_id", jobID).Err(err).Msg("Skipping unreadable event record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// MarkEventApplied adds the event id to the job's applied set. Returns false
// when the id was already present, meaning a duplicate redelivery.
func (s *Service) MarkEventApplied(ctx context.Context, jobID, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	added, err := s.client.SAdd(ctx, appliedKey(jobID), eventID).Result()
	if err != nil {
		return false, models.NewTransientError("failed to record applied event", err)
	}
	return added == 1, nil
}

// ApplyRetention sets the terminal TTL on the job's record, event log and
// applied set. A zero ttl removes any expiration.
func (s *Service) ApplyRetention(ctx context.Context, jobID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	keys := []string{jobKey(jobID), eventsKey(jobID), appliedKey(jobID)}
	pipe := s.client.Pipeline()
	for _, key := range keys {
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		} else {
			pipe.Persist(ctx, key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.NewTransientError("failed to apply retention", err)
	}
	return nil
}

// Ping probes the store connection.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (s *Service) Close() error {
	return s.client.Close()
}
