package llm

import (
	"github.com/ternarybob/verto/internal/interfaces"
)

// HeuristicCounter estimates token cost as ceil(bytes/4). Counting bytes
// rather than runes lands closer for CJK scripts; the chunker's safety
// margin absorbs the remaining drift.
type HeuristicCounter struct{}

// NewHeuristicCounter returns the byte-heuristic token counter used when no
// model tokenizer is available.
func NewHeuristicCounter() interfaces.TokenCounter {
	return HeuristicCounter{}
}

// Count estimates tokens for text; the model name is accepted for interface
// symmetry and ignored.
func (HeuristicCounter) Count(text string, _ string) int {
	return (len(text) + 3) / 4
}
