package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/subtitle"
)

// ClaudeService implements the Translator interface on the Anthropic
// Messages API. One call translates one chunk; retry policy lives in the
// caller.
type ClaudeService struct {
	config  *common.ClaudeConfig
	logger  arbor.ILogger
	client  anthropic.Client
	timeout time.Duration
}

// NewClaudeService creates the Claude translation gateway.
func NewClaudeService(config *common.ClaudeConfig, logger arbor.ILogger) (*ClaudeService, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set ANTHROPIC_API_KEY, VERTO_CLAUDE_API_KEY, or claude.api_key in config)")
	}
	if config.Model == "" {
		config.Model = "claude-haiku-3-5-20241022"
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	timeout := common.DurationOr(config.Timeout, 5*time.Minute)
	client := anthropic.NewClient(
		option.WithAPIKey(config.APIKey),
	)

	service := &ClaudeService{
		config:  config,
		logger:  logger,
		client:  client,
		timeout: timeout,
	}

	logger.Debug().
		Str("model", config.Model).
		Dur("timeout", timeout).
		Float32("temperature", config.Temperature).
		Int("max_tokens", maxTokens).
		Msg("Claude translation gateway initialized")

	return service, nil
}

// TranslateChunk sends one chunk and validates the response shape. The
// prompt is a pure function of the chunk, so a retried call sends identical
// bytes.
func (s *ClaudeService) TranslateChunk(ctx context.Context, segments []subtitle.Segment, sourceLang, targetLang string) ([]subtitle.Segment, error) {
	if len(segments) == 0 {
		return nil, models.NewPermanentError("cannot translate an empty chunk", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	startTime := time.Now()
	raw, err := s.complete(callCtx, BuildPrompt(segments, sourceLang, targetLang))
	if err != nil {
		return nil, classifyClaudeError(err)
	}

	translated, err := ParseResponse(raw, segments)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Int("segments", len(segments)).
		Str("source_language", sourceLang).
		Str("target_language", targetLang).
		Dur("duration", time.Since(startTime)).
		Msg("Chunk translated via Claude")

	return translated, nil
}

// HealthCheck exercises the API with a minimal probe.
func (s *ClaudeService) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	response, err := s.complete(probeCtx, "ping")
	if err != nil {
		return fmt.Errorf("claude probe failed: %w", err)
	}
	if strings.TrimSpace(response) == "" {
		return fmt.Errorf("claude probe returned empty response")
	}
	return nil
}

// Close releases nothing; the client holds no persistent connections.
func (s *ClaudeService) Close() error {
	return nil
}

// complete runs one Messages call and concatenates the text blocks.
func (s *ClaudeService) complete(ctx context.Context, prompt string) (string, error) {
	maxTokens := s.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.config.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		System: []anthropic.TextBlockParam{
			{Text: translatorSystemPrompt},
		},
	}
	if s.config.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(s.config.Temperature))
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("empty response from Claude API")
	}
	return text.String(), nil
}

// classifyClaudeError maps SDK failures onto the pipeline error kinds: 429
// and 5xx retry, other 4xx fail fast, everything else is treated as a
// transport fault.
func classifyClaudeError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if models.ClassifyHTTPStatus(apiErr.StatusCode) == models.ErrKindPermanent {
			return models.NewPermanentError("claude request rejected", err)
		}
		return models.NewTransientError("claude request failed", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return models.ClassifyNetworkError(err)
}
