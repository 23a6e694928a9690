// Package scheduler runs the periodic maintenance work: sweeping stale
// translation checkpoints and logging connection health.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/services/supervisor"
	"github.com/ternarybob/verto/internal/services/translator"
)

const (
	defaultSweepSchedule    = "0 3 * * *"
	defaultHealthSchedule   = "*/5 * * * *"
	defaultCheckpointMaxAge = 168 * time.Hour
)

// jobEntry is one registered maintenance job with its run bookkeeping.
type jobEntry struct {
	name      string
	schedule  string
	handler   func() error
	cronID    cron.EntryID
	lastRun   *time.Time
	isRunning bool
	lastError string
}

// JobStatus is the externally visible state of a maintenance job.
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	IsRunning bool       `json:"is_running"`
	LastError string     `json:"last_error,omitempty"`
}

// Service schedules maintenance jobs on cron expressions. Jobs run one at a
// time; a slow sweep never overlaps the next tick.
type Service struct {
	config *common.SchedulerConfig
	cron   *cron.Cron
	logger arbor.ILogger

	jobMu    sync.Mutex
	jobs     map[string]*jobEntry
	globalMu sync.Mutex
	running  bool
}

// NewService creates the maintenance scheduler.
func NewService(config *common.SchedulerConfig, logger arbor.ILogger) *Service {
	return &Service{
		config: config,
		cron:   cron.New(),
		logger: logger,
		jobs:   make(map[string]*jobEntry),
	}
}

// RegisterJob adds a named job on a cron schedule.
func (s *Service) RegisterJob(name, schedule string, handler func() error) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{
		name:     name,
		schedule: schedule,
		handler:  handler,
	}
	cronID, err := s.cron.AddFunc(schedule, func() {
		s.executeJob(name)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	entry.cronID = cronID
	s.jobs[name] = entry

	s.logger.Info().
		Str("job_name", name).
		Str("schedule", schedule).
		Msg("Maintenance job registered")
	return nil
}

// RegisterMaintenanceJobs wires the standard jobs: the checkpoint sweep and
// the periodic connection health probe.
func (s *Service) RegisterMaintenanceJobs(checkpoints *translator.CheckpointStore, sup *supervisor.Supervisor) error {
	schedule := s.config.SweepSchedule
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	maxAge := common.DurationOr(s.config.CheckpointMaxAge, defaultCheckpointMaxAge)

	if err := s.RegisterJob("checkpoint-sweep", schedule, func() error {
		removed, err := checkpoints.SweepOlderThan(maxAge)
		if err != nil {
			return err
		}
		if removed > 0 {
			s.logger.Info().
				Int("removed", removed).
				Dur("max_age", maxAge).
				Msg("Stale translation checkpoints swept")
		}
		return nil
	}); err != nil {
		return err
	}

	return s.RegisterJob("health-probe", defaultHealthSchedule, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), sup.OpTimeout())
		defer cancel()
		for name, err := range sup.Health(ctx) {
			if err != nil {
				s.logger.Warn().
					Str("connection", name).
					Err(err).
					Msg("Supervised connection unhealthy")
			}
		}
		return nil
	})
}

// Start begins running the registered jobs.
func (s *Service) Start() error {
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Maintenance scheduler started")
	return nil
}

// Stop halts the scheduler, waiting for a running job to finish.
func (s *Service) Stop() error {
	if !s.running {
		return nil
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("Maintenance scheduler stopped")
	return nil
}

// TriggerJob runs a job immediately, outside its schedule.
func (s *Service) TriggerJob(name string) error {
	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		return fmt.Errorf("job %s not found", name)
	}
	if entry.isRunning {
		s.jobMu.Unlock()
		return fmt.Errorf("job %s is already running", name)
	}
	s.jobMu.Unlock()

	s.executeJob(name)
	return nil
}

// Statuses returns the state of every registered job.
func (s *Service) Statuses() map[string]JobStatus {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	out := make(map[string]JobStatus, len(s.jobs))
	for name, entry := range s.jobs {
		out[name] = JobStatus{
			Name:      entry.name,
			Schedule:  entry.schedule,
			LastRun:   entry.lastRun,
			IsRunning: entry.isRunning,
			LastError: entry.lastError,
		}
	}
	return out
}

// executeJob runs one job under the global mutex with panic recovery.
func (s *Service) executeJob(name string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_name", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Recovered panic in maintenance job")
			s.jobMu.Lock()
			if entry, exists := s.jobs[name]; exists {
				entry.isRunning = false
				entry.lastError = fmt.Sprintf("panic: %v", r)
			}
			s.jobMu.Unlock()
		}
	}()

	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		return
	}
	entry.isRunning = true
	handler := entry.handler
	s.jobMu.Unlock()

	started := time.Now()
	err := handler()
	finished := time.Now()

	s.jobMu.Lock()
	entry.isRunning = false
	entry.lastRun = &finished
	if err != nil {
		entry.lastError = err.Error()
	} else {
		entry.lastError = ""
	}
	s.jobMu.Unlock()

	if err != nil {
		s.logger.Error().
			Str("job_name", name).
			Dur("duration", finished.Sub(started)).
			Err(err).
			Msg("Maintenance job failed")
		return
	}
	s.logger.Debug().
		Str("job_name", name).
		Dur("duration", finished.Sub(started)).
		Msg("Maintenance job completed")
}
