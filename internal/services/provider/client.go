// Package provider implements the pluggable subtitle-source gateway: an
// HTTP client per configured provider, rate limited and circuit broken, and
// a registry that orders attempts by a task's preferences.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

const (
	defaultTimeout = 30 * time.Second

	// maxArtifactBytes caps a downloaded subtitle; anything larger is not a
	// subtitle file.
	maxArtifactBytes = 10 << 20
)

// HTTPProvider talks to one subtitle source over its REST API. Every call
// passes the rate limiter first and then the circuit breaker, so a flapping
// provider is backed off before it burns the worker's retry budget.
type HTTPProvider struct {
	name       string
	baseURL    string
	apiKey     string
	downloads  string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     arbor.ILogger
}

// NewHTTPProvider builds a provider gateway from its config block.
// Downloaded artifacts are stored under downloadRoot.
func NewHTTPProvider(config *common.ProviderConfig, downloadRoot string, logger arbor.ILogger) *HTTPProvider {
	timeout := common.DurationOr(config.Timeout, defaultTimeout)

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    config.Name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker state changed")
		},
	})

	return &HTTPProvider{
		name:      config.Name,
		baseURL:   config.BaseURL,
		apiKey:    config.APIKey,
		downloads: downloadRoot,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
		breaker: breaker,
		logger:  logger,
	}
}

// Name identifies the provider in preferred_sources and job metadata.
func (p *HTTPProvider) Name() string {
	return p.name
}

// Search queries the provider and returns candidates best-first.
func (p *HTTPProvider) Search(ctx context.Context, query, imdbID, language string) ([]interfaces.SubtitleCandidate, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("language", language)
	if imdbID != "" {
		params.Set("imdb_id", imdbID)
	}

	var results []interfaces.SubtitleCandidate
	err := p.do(ctx, p.baseURL+"/search?"+params.Encode(), func(body io.Reader) error {
		var decoded struct {
			Candidates []interfaces.SubtitleCandidate `json:"candidates"`
		}
		if err := json.NewDecoder(body).Decode(&decoded); err != nil {
			return models.NewPermanentError(fmt.Sprintf("provider %s returned undecodable search response", p.name), err)
		}
		results = decoded.Candidates
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range results {
		results[i].Provider = p.name
		if results[i].Language == "" {
			results[i].Language = language
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	p.logger.Debug().
		Str("provider", p.name).
		Str("query", query).
		Str("language", language).
		Int("candidates", len(results)).
		Msg("Provider search completed")
	return results, nil
}

// Download fetches one candidate into the downloads root and returns the
// stored path.
func (p *HTTPProvider) Download(ctx context.Context, candidate interfaces.SubtitleCandidate) (string, error) {
	downloadURL := candidate.DownloadURL
	if downloadURL == "" {
		downloadURL = fmt.Sprintf("%s/download/%s", p.baseURL, url.PathEscape(candidate.ID))
	}

	if err := os.MkdirAll(p.downloads, 0o755); err != nil {
		return "", models.NewTransientError("failed to create downloads directory", err)
	}
	outPath := filepath.Join(p.downloads, artifactFilename(candidate))

	err := p.do(ctx, downloadURL, func(body io.Reader) error {
		data, err := io.ReadAll(io.LimitReader(body, maxArtifactBytes))
		if err != nil {
			return models.NewTransientError("failed to read artifact body", err)
		}
		if len(data) == 0 {
			return models.NewPermanentError(fmt.Sprintf("provider %s served an empty artifact", p.name), nil)
		}
		return os.WriteFile(outPath, data, 0o644)
	})
	if err != nil {
		return "", err
	}

	p.logger.Info().
		Str("provider", p.name).
		Str("candidate_id", candidate.ID).
		Str("language", candidate.Language).
		Str("path", outPath).
		Msg("Subtitle artifact downloaded")
	return outPath, nil
}

// do runs one GET through the limiter and breaker, classifying failures for
// the worker's retry policy.
func (p *HTTPProvider) do(ctx context.Context, rawURL string, consume func(io.Reader) error) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return models.NewRateLimitError(fmt.Sprintf("provider %s rate limiter interrupted", p.name), err)
		}
	}

	_, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, models.NewPermanentError("failed to build provider request", err)
		}
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, models.ClassifyNetworkError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, models.NewRateLimitError(fmt.Sprintf("provider %s throttled the request", p.name), nil)
		}
		if resp.StatusCode != http.StatusOK {
			message := fmt.Sprintf("provider %s returned status %d", p.name, resp.StatusCode)
			if models.ClassifyHTTPStatus(resp.StatusCode) == models.ErrKindPermanent {
				return nil, models.NewPermanentError(message, nil)
			}
			return nil, models.NewTransientError(message, nil)
		}
		return nil, consume(resp.Body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.NewTransientError(fmt.Sprintf("provider %s circuit open", p.name), err)
	}
	return err
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// artifactFilename derives a stable on-disk name from the candidate.
func artifactFilename(candidate interfaces.SubtitleCandidate) string {
	base := candidate.Release
	if base == "" {
		base = candidate.ID
	}
	base = unsafeFilenameChars.ReplaceAllString(base, "_")
	return fmt.Sprintf("%s.%s.srt", base, candidate.Language)
}
