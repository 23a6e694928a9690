// -----------------------------------------------------------------------
// Translation Checkpoint - Per-chunk resume state owned by the worker
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/verto/internal/subtitle"
)

// TranslationCheckpoint records the chunks already translated for a task so
// a restarted worker can resume instead of re-spending LLM budget. Keyed by
// chunk index; writing the same index twice is harmless.
type TranslationCheckpoint struct {
	JobID              string              `json:"job_id"`
	SubtitleFilePath   string              `json:"subtitle_file_path"`
	SourceLanguage     string              `json:"source_language"`
	TargetLanguage     string              `json:"target_language"`
	TotalChunks        int                 `json:"total_chunks"`
	CompletedChunks    []int               `json:"completed_chunk_indices"`
	TranslatedSegments []subtitle.Segment  `json:"translated_segments_so_far"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// NewTranslationCheckpoint starts an empty checkpoint for a task.
func NewTranslationCheckpoint(task *TranslationTask, totalChunks int) *TranslationCheckpoint {
	now := time.Now().UTC()
	return &TranslationCheckpoint{
		JobID:            task.JobID,
		SubtitleFilePath: task.SubtitleFilePath,
		SourceLanguage:   task.SourceLanguage,
		TargetLanguage:   task.TargetLanguage,
		TotalChunks:      totalChunks,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// MarkChunkCompleted appends a finished chunk's output and stamps the update
// time. Re-marking an already completed index is ignored.
func (c *TranslationCheckpoint) MarkChunkCompleted(chunkIndex int, segments []subtitle.Segment) {
	if c.IsChunkCompleted(chunkIndex) {
		return
	}
	c.CompletedChunks = append(c.CompletedChunks, chunkIndex)
	sort.Ints(c.CompletedChunks)
	c.TranslatedSegments = append(c.TranslatedSegments, segments...)
	c.UpdatedAt = time.Now().UTC()
}

// IsChunkCompleted reports whether a chunk index is already done.
func (c *TranslationCheckpoint) IsChunkCompleted(chunkIndex int) bool {
	for _, idx := range c.CompletedChunks {
		if idx == chunkIndex {
			return true
		}
	}
	return false
}

// Matches validates the checkpoint against the task it claims to belong to.
// A mismatch means the checkpoint is stale and must be discarded.
func (c *TranslationCheckpoint) Matches(task *TranslationTask, totalChunks int) bool {
	return c.SubtitleFilePath == task.SubtitleFilePath &&
		c.SourceLanguage == task.SourceLanguage &&
		c.TargetLanguage == task.TargetLanguage &&
		c.TotalChunks == totalChunks
}

// ToJSON serializes the checkpoint for its file.
func (c *TranslationCheckpoint) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// CheckpointFromJSON deserializes a checkpoint file.
func CheckpointFromJSON(data []byte) (*TranslationCheckpoint, error) {
	var cp TranslationCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.JobID == "" {
		return nil, fmt.Errorf("checkpoint missing job_id")
	}
	return &cp, nil
}
