package translator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/services/llm"
	"github.com/ternarybob/verto/internal/subtitle"
)

// Engine runs one translation task end to end: parse, chunk, translate with
// retry, checkpoint per chunk, merge, write the artifact. It owns no queue
// or bus concerns; the worker wraps it with delivery and event handling.
type Engine struct {
	translator  interfaces.Translator
	chunker     *Chunker
	checkpoints *CheckpointStore
	retry       llm.RetryPolicy
	outputPath  string
	cleanup     bool
	logger      arbor.ILogger
}

// Result describes a finished translation.
type Result struct {
	OutputPath   string
	SegmentCount int
	ChunkCount   int
	Duration     time.Duration
}

// NewEngine wires the translation pipeline from config.
func NewEngine(config *common.TranslateConfig, translator interfaces.Translator, chunker *Chunker, checkpoints *CheckpointStore, logger arbor.ILogger) *Engine {
	outputPath := config.OutputPath
	if outputPath == "" {
		outputPath = "data/subtitles"
	}
	return &Engine{
		translator:  translator,
		chunker:     chunker,
		checkpoints: checkpoints,
		retry:       llm.NewRetryPolicy(config),
		outputPath:  outputPath,
		cleanup:     config.CleanupOnSuccess,
		logger:      logger,
	}
}

// Run translates the task's artifact. On any error the checkpoint on disk
// reflects the last fully completed chunk, so a redelivered task resumes
// instead of re-spending LLM budget.
func (e *Engine) Run(ctx context.Context, task *models.TranslationTask) (*Result, error) {
	startTime := time.Now()

	segments, err := e.parseArtifact(task)
	if err != nil {
		return nil, err
	}

	chunks := e.chunker.Split(segments)
	e.logger.Info().
		Str("job_id", task.JobID).
		Int("segments", len(segments)).
		Int("chunks", len(chunks)).
		Int("budget", e.chunker.Budget()).
		Str("source_language", task.SourceLanguage).
		Str("target_language", task.TargetLanguage).
		Msg("Translation task started")

	cp := e.checkpoints.Load(task, len(chunks))
	if cp == nil {
		cp = models.NewTranslationCheckpoint(task, len(chunks))
	}

	for chunkIndex, chunk := range chunks {
		if cp.IsChunkCompleted(chunkIndex) {
			e.logger.Debug().
				Str("job_id", task.JobID).
				Int("chunk", chunkIndex).
				Msg("Chunk already translated, skipping")
			continue
		}

		var translated []subtitle.Segment
		label := fmt.Sprintf("chunk %d/%d", chunkIndex+1, len(chunks))
		err := e.retry.Do(ctx, e.logger, label, func(ctx context.Context) error {
			var callErr error
			translated, callErr = e.translator.TranslateChunk(ctx, chunk, task.SourceLanguage, task.TargetLanguage)
			return callErr
		})
		if err != nil {
			// The partial chunk is discarded; completed chunks survive in
			// the checkpoint written below on their completion.
			return nil, err
		}

		cp.MarkChunkCompleted(chunkIndex, translated)
		e.checkpoints.Save(cp)
	}

	final := subtitle.Merge([][]subtitle.Segment{cp.TranslatedSegments})
	if len(final) != len(segments) {
		return nil, models.NewSemanticError(fmt.Sprintf("merged output has %d segments, input had %d", len(final), len(segments)))
	}

	outPath, err := e.writeArtifact(task, final)
	if err != nil {
		return nil, models.NewTransientError("failed to write translated artifact", err)
	}

	if e.cleanup {
		e.checkpoints.Delete(task.JobID, task.TargetLanguage)
	}

	duration := time.Since(startTime)
	e.logger.Info().
		Str("job_id", task.JobID).
		Str("output", outPath).
		Int("segments", len(final)).
		Int("chunks", len(chunks)).
		Dur("duration", duration).
		Msg("Translation task completed")

	return &Result{
		OutputPath:   outPath,
		SegmentCount: len(final),
		ChunkCount:   len(chunks),
		Duration:     duration,
	}, nil
}

// parseArtifact reads and parses the task's subtitle file. Error messages
// name the artifact by base name only; the full path is logged here and must
// not ride the error into the job record.
func (e *Engine) parseArtifact(task *models.TranslationTask) ([]subtitle.Segment, error) {
	name := filepath.Base(task.SubtitleFilePath)

	data, err := os.ReadFile(task.SubtitleFilePath)
	if err != nil {
		e.logger.Error().
			Str("job_id", task.JobID).
			Str("path", task.SubtitleFilePath).
			Err(err).
			Msg("Failed to read subtitle artifact")
		if os.IsNotExist(err) {
			return nil, models.NewPermanentError(fmt.Sprintf("subtitle artifact %s does not exist", name), err)
		}
		return nil, models.NewTransientError("failed to read subtitle artifact", err)
	}

	segments, err := subtitle.ParseBytes(data)
	if err != nil {
		e.logger.Error().
			Str("job_id", task.JobID).
			Str("path", task.SubtitleFilePath).
			Err(err).
			Msg("Unreadable subtitle artifact")
		return nil, models.NewParseError(fmt.Sprintf("unreadable subtitle artifact %s", name), err)
	}
	if len(segments) == 0 {
		return nil, models.NewParseError(fmt.Sprintf("subtitle artifact %s has no segments", name), nil)
	}
	return segments, nil
}

// writeArtifact serializes the final segments next to the worker's output
// root as {basename}.{target_language}.srt, dropping a trailing source
// language tag from the basename when present.
func (e *Engine) writeArtifact(task *models.TranslationTask, segments []subtitle.Segment) (string, error) {
	base := filepath.Base(task.SubtitleFilePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimSuffix(base, "."+task.SourceLanguage)

	if err := os.MkdirAll(e.outputPath, 0o755); err != nil {
		return "", err
	}
	outPath := filepath.Join(e.outputPath, fmt.Sprintf("%s.%s.srt", base, task.TargetLanguage))
	if err := os.WriteFile(outPath, subtitle.Format(segments), 0o644); err != nil {
		return "", err
	}
	return outPath, nil
}
