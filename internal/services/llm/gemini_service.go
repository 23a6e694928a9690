package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/subtitle"
)

// GeminiService implements the Translator interface on the Gemini API.
type GeminiService struct {
	config  *common.GeminiConfig
	logger  arbor.ILogger
	client  *genai.Client
	timeout time.Duration
}

// NewGeminiService creates the Gemini translation gateway.
func NewGeminiService(ctx context.Context, config *common.GeminiConfig, logger arbor.ILogger) (*GeminiService, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set GEMINI_API_KEY, VERTO_GEMINI_API_KEY, or gemini.api_key in config)")
	}
	if config.Model == "" {
		config.Model = "gemini-3-flash-preview"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	timeout := common.DurationOr(config.Timeout, 5*time.Minute)
	service := &GeminiService{
		config:  config,
		logger:  logger,
		client:  client,
		timeout: timeout,
	}

	logger.Debug().
		Str("model", config.Model).
		Dur("timeout", timeout).
		Float32("temperature", config.Temperature).
		Msg("Gemini translation gateway initialized")

	return service, nil
}

// TranslateChunk sends one chunk and validates the response shape.
func (s *GeminiService) TranslateChunk(ctx context.Context, segments []subtitle.Segment, sourceLang, targetLang string) ([]subtitle.Segment, error) {
	if len(segments) == 0 {
		return nil, models.NewPermanentError("cannot translate an empty chunk", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	startTime := time.Now()
	raw, err := s.complete(callCtx, BuildPrompt(segments, sourceLang, targetLang))
	if err != nil {
		return nil, classifyGeminiError(err)
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
		Msg("Chunk translated via Gemini")

	return translated, nil
}

// HealthCheck exercises the API with a minimal probe.
func (s *GeminiService) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	response, err := s.complete(probeCtx, "ping")
	if err != nil {
		return fmt.Errorf("gemini probe failed: %w", err)
	}
	if strings.TrimSpace(response) == "" {
		return fmt.Errorf("gemini probe returned empty response")
	}
	return nil
}

// Close drops the client reference; genai clients hold no resources that
// need explicit teardown.
func (s *GeminiService) Close() error {
	s.client = nil
	return nil
}

func (s *GeminiService) complete(ctx context.Context, prompt string) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("gemini client is closed")
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(translatorSystemPrompt, genai.RoleUser),
	}
	if s.config.Temperature > 0 {
		config.Temperature = genai.Ptr(s.config.Temperature)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	resp, err := s.client.Models.GenerateContent(ctx, s.config.Model, contents, config)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("empty response from Gemini API")
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty text in Gemini response")
	}
	return text, nil
}

// classifyGeminiError maps SDK failures onto the pipeline error kinds.
// RESOURCE_EXHAUSTED surfaces as 429 in the structured error.
func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if models.ClassifyHTTPStatus(apiErr.Code) == models.ErrKindPermanent {
			return models.NewPermanentError("gemini request rejected", err)
		}
		return models.NewTransientError("gemini request failed", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return models.ClassifyNetworkError(err)
}
