package llm

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/subtitle"
)

// translatorSystemPrompt instructs the model to return a machine-checkable
// fenced YAML document. Timestamps are never sent; the model only ever sees
// index and text.
const translatorSystemPrompt = "You are a professional subtitle translator. Translate each numbered " +
	"segment faithfully, preserving tone, register and line breaks within a segment.\n\n" +
	"Respond with ONLY a fenced yaml block of this exact shape:\n\n" +
	"```yaml\n" +
	"segments:\n" +
	"  - index: 1\n" +
	"    text: \"translated text\"\n" +
	"```\n\n" +
	"Rules: exactly one entry per input segment, the same index values, " +
	"no segments added, removed, merged or reordered. Keep proper nouns " +
	"unless the target language has an established form."

// BuildPrompt renders the user prompt for one chunk. The output is a pure
// function of its inputs so a retried call sends byte-identical content.
func BuildPrompt(segments []subtitle.Segment, sourceLang, targetLang string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate the following %d subtitle segments from %s to %s.\n\n",
		len(segments), sourceLang, targetLang)
	for _, seg := range segments {
		fmt.Fprintf(&b, "%d. %s\n", seg.Index, seg.Text)
	}
	return b.String()
}

type responseDoc struct {
	Segments []responseSegment `yaml:"segments"`
}

type responseSegment struct {
	Index int    `yaml:"index"`
	Text  string `yaml:"text"`
}

// fencedBlock extracts the first fenced code block, with or without a
// yaml/yml language tag. Models occasionally skip the fence entirely, so a
// miss falls back to parsing the raw text.
var fencedBlock = regexp.MustCompile("(?s)```(?:yaml|yml)?[ \\t]*\\n(.*?)```")

// ParseResponse validates a model response against the chunk it answers.
// Any shape violation is a TRANSLATION_SEMANTIC_ERROR so the caller's retry
// policy treats it like a transient fault up to the retry budget. Timestamps
// are copied from the input segments untouched.
func ParseResponse(raw string, input []subtitle.Segment) ([]subtitle.Segment, error) {
	body := raw
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		body = m[1]
	}

	var doc responseDoc
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return nil, models.NewSemanticError(fmt.Sprintf("response is not valid yaml: %v", err))
	}
	if len(doc.Segments) != len(input) {
		return nil, models.NewSemanticError(fmt.Sprintf("expected %d translated segments, got %d", len(input), len(doc.Segments)))
	}

	byIndex := make(map[int]string, len(doc.Segments))
	for _, seg := range doc.Segments {
		if _, dup := byIndex[seg.Index]; dup {
			return nil, models.NewSemanticError(fmt.Sprintf("duplicate segment index %d in response", seg.Index))
		}
		byIndex[seg.Index] = seg.Text
	}

	out := make([]subtitle.Segment, len(input))
	for i, seg := range input {
		text, ok := byIndex[seg.Index]
		if !ok {
			return nil, models.NewSemanticError(fmt.Sprintf("segment index %d missing from response", seg.Index))
		}
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, models.NewSemanticError(fmt.Sprintf("segment index %d translated to empty text", seg.Index))
		}
		out[i] = subtitle.Segment{
			Index: seg.Index,
			Start: seg.Start,
			End:   seg.End,
			Text:  trimmed,
		}
	}
	return out, nil
}
