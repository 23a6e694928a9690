package interfaces

import (
	"context"

	"github.com/ternarybob/verto/internal/subtitle"
)

// Translator is the LLM gateway: one call localizes one chunk of segments.
// Implementations must return the same number of segments with the same
// indices; timestamps are never sent so they are preserved by construction.
// Retry policy lives in the caller, not here.
type Translator interface {
	// TranslateChunk localizes the text of every segment from sourceLang to
	// targetLang. The prompt for a given chunk is identical across retries.
	TranslateChunk(ctx context.Context, segments []subtitle.Segment, sourceLang, targetLang string) ([]subtitle.Segment, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// TokenCounter estimates the LLM token cost of a text for chunk budgeting.
type TokenCounter interface {
	// Count returns the token estimate for text under the given model.
	Count(text string, model string) int
}
