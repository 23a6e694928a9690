// -----------------------------------------------------------------------
// Task - Work queue message bodies, produced only by the orchestrator
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
)

// DownloadTask directs a download worker to acquire a subtitle for a job.
type DownloadTask struct {
	JobID            string   `json:"job_id"`
	VideoURL         string   `json:"video_url"`
	VideoTitle       string   `json:"video_title"`
	Language         string   `json:"language"`                    // Desired language
	PreferredSources []string `json:"preferred_sources,omitempty"` // Provider names tried first, in order
	AutoTranslate    bool     `json:"auto_translate"`              // When false the fallback-translate path is skipped
}

// TranslationTask directs a translation worker to localize an artifact.
type TranslationTask struct {
	JobID            string `json:"job_id"`
	SubtitleFilePath string `json:"subtitle_file_path"`
	SourceLanguage   string `json:"source_language"`
	TargetLanguage   string `json:"target_language"`
}

// ToJSON serializes the download task for the queue.
func (t *DownloadTask) ToJSON() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal download task: %w", err)
	}
	return data, nil
}

// DownloadTaskFromJSON deserializes a download task.
func DownloadTaskFromJSON(data []byte) (*DownloadTask, error) {
	var task DownloadTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal download task: %w", err)
	}
	if task.JobID == "" {
		return nil, fmt.Errorf("download task missing job_id")
	}
	return &task, nil
}

// Validate checks the fields a worker cannot proceed without.
func (t *DownloadTask) Validate() error {
	if t.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if t.VideoURL == "" {
		return fmt.Errorf("video URL is required")
	}
	if t.Language == "" {
		return fmt.Errorf("language is required")
	}
	return nil
}

// ToJSON serializes the translation task for the queue.
func (t *TranslationTask) ToJSON() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal translation task: %w", err)
	}
	return data, nil
}

// TranslationTaskFromJSON deserializes a translation task.
func TranslationTaskFromJSON(data []byte) (*TranslationTask, error) {
	var task TranslationTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal translation task: %w", err)
	}
	if task.JobID == "" {
		return nil, fmt.Errorf("translation task missing job_id")
	}
	return &task, nil
}

// Validate checks the fields a worker cannot proceed without.
func (t *TranslationTask) Validate() error {
	if t.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if t.SubtitleFilePath == "" {
		return fmt.Errorf("subtitle file path is required")
	}
	if t.SourceLanguage == "" {
		return fmt.Errorf("source language is required")
	}
	if t.TargetLanguage == "" {
		return fmt.Errorf("target language is required")
	}
	if t.SourceLanguage == t.TargetLanguage {
		return fmt.Errorf("source and target language are identical (%s)", t.SourceLanguage)
	}
	return nil
}
