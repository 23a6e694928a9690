package translator

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/subtitle"
)

// Chunker groups segments into LLM-sized chunks. Splitting is deterministic
// for a given segment list, which is what makes checkpoint resume sound:
// a restarted worker re-chunks and gets the same chunk indices.
type Chunker struct {
	counter interfaces.TokenCounter
	model   string
	budget  int
	logger  arbor.ILogger
}

// NewChunker derives the effective budget as floor(max_tokens_per_chunk *
// safety_margin).
func NewChunker(config *common.TranslateConfig, model string, counter interfaces.TokenCounter, logger arbor.ILogger) *Chunker {
	max := config.MaxTokensPerChunk
	if max <= 0 {
		max = 8000
	}
	margin := config.SafetyMargin
	if margin <= 0 || margin > 1 {
		margin = 0.8
	}
	return &Chunker{
		counter: counter,
		model:   model,
		budget:  int(float64(max) * margin),
		logger:  logger,
	}
}

// Budget returns the effective per-chunk token budget.
func (c *Chunker) Budget() int {
	return c.budget
}

// Split accumulates segments greedily under the budget. A segment that alone
// exceeds the budget becomes its own chunk with a warning; segments are
// never split or mutated.
func (c *Chunker) Split(segments []subtitle.Segment) [][]subtitle.Segment {
	var chunks [][]subtitle.Segment
	var current []subtitle.Segment
	currentTokens := 0

	for _, seg := range segments {
		tokens := c.counter.Count(seg.Text, c.model)

		if tokens > c.budget {
			if len(current) > 0 {
				chunks = append(chunks, current)
				current = nil
				currentTokens = 0
			}
			c.logger.Warn().
				Int("segment_index", seg.Index).
				Int("tokens", tokens).
				Int("budget", c.budget).
				Msg("Segment alone exceeds chunk budget, sending as single-segment chunk")
			chunks = append(chunks, []subtitle.Segment{seg})
			continue
		}

		if currentTokens+tokens > c.budget && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, seg)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
