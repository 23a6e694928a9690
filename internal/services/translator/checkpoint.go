package translator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
)

// CheckpointStore persists per-chunk resume state under the checkpoint root.
// Every write is best-effort: a failed write logs a warning and translation
// proceeds, trading resumability for availability.
type CheckpointStore struct {
	root    string
	enabled bool
	logger  arbor.ILogger
}

// NewCheckpointStore builds the store; the directory is created lazily on
// first save.
func NewCheckpointStore(config *common.TranslateConfig, logger arbor.ILogger) *CheckpointStore {
	root := config.CheckpointPath
	if root == "" {
		root = "data/checkpoints"
	}
	return &CheckpointStore{
		root:    root,
		enabled: config.CheckpointEnabled,
		logger:  logger,
	}
}

// Path is the single source of truth for checkpoint locations. The path is
// never exposed in events.
func (s *CheckpointStore) Path(jobID, targetLanguage string) string {
	return filepath.Join(s.root, fmt.Sprintf("%s.%s.checkpoint", jobID, targetLanguage))
}

// Load returns the checkpoint for a task when one exists and still matches
// the task's inputs. A stale or unreadable checkpoint is discarded so the
// worker starts clean.
func (s *CheckpointStore) Load(task *models.TranslationTask, totalChunks int) *models.TranslationCheckpoint {
	if !s.enabled {
		return nil
	}
	path := s.Path(task.JobID, task.TargetLanguage)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().
				Str("job_id", task.JobID).
				Err(err).
				Msg("Checkpoint unreadable, starting translation from scratch")
		}
		return nil
	}

	cp, err := models.CheckpointFromJSON(data)
	if err != nil {
		s.logger.Warn().
			Str("job_id", task.JobID).
			Err(err).
			Msg("Checkpoint corrupt, discarding")
		s.Delete(task.JobID, task.TargetLanguage)
		return nil
	}
	if !cp.Matches(task, totalChunks) {
		s.logger.Warn().
			Str("job_id", task.JobID).
			Int("checkpoint_chunks", cp.TotalChunks).
			Int("expected_chunks", totalChunks).
			Msg("Checkpoint does not match task inputs, discarding stale state")
		s.Delete(task.JobID, task.TargetLanguage)
		return nil
	}

	s.logger.Info().
		Str("job_id", task.JobID).
		Int("completed_chunks", len(cp.CompletedChunks)).
		Int("total_chunks", cp.TotalChunks).
		Msg("Resuming translation from checkpoint")
	return cp
}

// Save writes the checkpoint atomically (write temp, rename). Failures are
// logged as checkpoint errors and swallowed.
func (s *CheckpointStore) Save(cp *models.TranslationCheckpoint) {
	if !s.enabled {
		return
	}
	if err := s.save(cp); err != nil {
		perr := models.NewCheckpointError("checkpoint write failed", err)
		s.logger.Warn().
			Str("job_id", cp.JobID).
			Str("error_kind", string(models.KindOf(perr))).
			Err(err).
			Msg("Continuing without checkpoint persistence")
	}
}

func (s *CheckpointStore) save(cp *models.TranslationCheckpoint) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	data, err := cp.ToJSON()
	if err != nil {
		return err
	}
	path := s.Path(cp.JobID, cp.TargetLanguage)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Delete removes a task's checkpoint; missing files are fine.
func (s *CheckpointStore) Delete(jobID, targetLanguage string) {
	path := s.Path(jobID, targetLanguage)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().
			Str("job_id", jobID).
			Err(err).
			Msg("Failed to delete checkpoint")
	}
}

// SweepOlderThan removes checkpoints whose last update predates maxAge.
// Run periodically to reap state left behind by jobs that never resumed.
func (s *CheckpointStore) SweepOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".checkpoint") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Str("path", path).Err(err).Msg("Failed to remove expired checkpoint")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().
			Int("removed", removed).
			Dur("max_age", maxAge).
			Msg("Swept expired checkpoints")
	}
	return removed, nil
}
