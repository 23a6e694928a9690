// Package llm provides the translation gateways: provider-specific clients
// behind one Translator interface, the shared prompt contract, and the
// chunk retry policy.
package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
)

// NewTranslator creates the gateway selected by llm.provider. Both
// implementations share the prompt contract and response validation, so the
// retry policy and the translation engine are provider-agnostic.
func NewTranslator(ctx context.Context, config *common.Config, logger arbor.ILogger) (interfaces.Translator, error) {
	switch config.LLM.Provider {
	case common.LLMProviderClaude:
		return NewClaudeService(&config.Claude, logger)
	case common.LLMProviderGemini:
		return NewGeminiService(ctx, &config.Gemini, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider '%s': must be 'claude' or 'gemini'", config.LLM.Provider)
	}
}
