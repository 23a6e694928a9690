package llm

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/subtitle"
)

func chunkFixture() []subtitle.Segment {
	return []subtitle.Segment{
		{Index: 1, Start: 0, End: 2 * time.Second, Text: "Hello there."},
		{Index: 2, Start: 2 * time.Second, End: 4 * time.Second, Text: "How are you?"},
		{Index: 3, Start: 4 * time.Second, End: 6 * time.Second, Text: "Fine, thanks."},
	}
}

func TestBuildPromptIsDeterministic(t *testing.T) {
	segments := chunkFixture()

	first := BuildPrompt(segments, "en", "de")
	second := BuildPrompt(segments, "en", "de")

	assert.Equal(t, first, second, "retried calls must send identical bytes")
	assert.Contains(t, first, "3 subtitle segments from en to de")
	assert.Contains(t, first, "1. Hello there.")
	assert.Contains(t, first, "3. Fine, thanks.")
}

func TestBuildPromptOmitsTimestamps(t *testing.T) {
	prompt := BuildPrompt(chunkFixture(), "en", "fr")
	assert.NotContains(t, prompt, "00:00:0", "timestamps never reach the model")
}

func TestParseResponseFencedYAML(t *testing.T) {
	raw := "Here is the translation:\n```yaml\nsegments:\n" +
		"  - index: 1\n    text: \"Hallo.\"\n" +
		"  - index: 2\n    text: \"Wie geht's?\"\n" +
		"  - index: 3\n    text: \"Gut, danke.\"\n```\n"

	out, err := ParseResponse(raw, chunkFixture())
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "Hallo.", out[0].Text)
	assert.Equal(t, "Gut, danke.", out[2].Text)
	// Timestamps and indices come from the input, not the model.
	assert.Equal(t, 2*time.Second, out[0].End)
	assert.Equal(t, 2, out[1].Index)
}

func TestParseResponseBareYAML(t *testing.T) {
	raw := "segments:\n" +
		"  - index: 1\n    text: \"Hallo.\"\n" +
		"  - index: 2\n    text: \"Wie geht's?\"\n" +
		"  - index: 3\n    text: \"Gut, danke.\"\n"

	out, err := ParseResponse(raw, chunkFixture())
	require.NoError(t, err)
	assert.Equal(t, "Wie geht's?", out[1].Text)
}

func TestParseResponseCountMismatchIsSemantic(t *testing.T) {
	raw := "```yaml\nsegments:\n  - index: 1\n    text: \"Hallo.\"\n```"

	_, err := ParseResponse(raw, chunkFixture())
	require.Error(t, err)
	assert.Equal(t, models.ErrKindSemantic, models.KindOf(err))
}

func TestParseResponseWrongIndexIsSemantic(t *testing.T) {
	raw := "```yaml\nsegments:\n" +
		"  - index: 1\n    text: \"a\"\n" +
		"  - index: 2\n    text: \"b\"\n" +
		"  - index: 9\n    text: \"c\"\n```"

	_, err := ParseResponse(raw, chunkFixture())
	require.Error(t, err)
	assert.Equal(t, models.ErrKindSemantic, models.KindOf(err))
	assert.Contains(t, err.Error(), "index 3 missing")
}

func TestParseResponseDuplicateIndexIsSemantic(t *testing.T) {
	raw := "```yaml\nsegments:\n" +
		"  - index: 1\n    text: \"a\"\n" +
		"  - index: 2\n    text: \"b\"\n" +
		"  - index: 2\n    text: \"c\"\n```"

	_, err := ParseResponse(raw, chunkFixture())
	require.Error(t, err)
	assert.Equal(t, models.ErrKindSemantic, models.KindOf(err))
}

func TestParseResponseEmptyTextIsSemantic(t *testing.T) {
	raw := "```yaml\nsegments:\n" +
		"  - index: 1\n    text: \"a\"\n" +
		"  - index: 2\n    text: \"   \"\n" +
		"  - index: 3\n    text: \"c\"\n```"

	_, err := ParseResponse(raw, chunkFixture())
	require.Error(t, err)
	assert.Equal(t, models.ErrKindSemantic, models.KindOf(err))
}

func TestParseResponseGarbageIsSemantic(t *testing.T) {
	_, err := ParseResponse("{{{ not yaml at all: [", chunkFixture())
	require.Error(t, err)
	assert.Equal(t, models.ErrKindSemantic, models.KindOf(err))
}

func TestHeuristicCounterRoundsUp(t *testing.T) {
	counter := NewHeuristicCounter()

	assert.Equal(t, 0, counter.Count("", "any-model"))
	assert.Equal(t, 1, counter.Count("abc", "any-model"))
	assert.Equal(t, 1, counter.Count("abcd", "any-model"))
	assert.Equal(t, 2, counter.Count("abcde", "any-model"))
	// Bytes, not runes: CJK characters weigh three bytes each.
	assert.Equal(t, 3, counter.Count("你好汉字", "any-model"))
}

func TestParseResponseLargeChunk(t *testing.T) {
	segments := make([]subtitle.Segment, 50)
	var b strings.Builder
	b.WriteString("```yaml\nsegments:\n")
	for i := range segments {
		segments[i] = subtitle.Segment{Index: i + 1, Text: fmt.Sprintf("line %d", i+1)}
		fmt.Fprintf(&b, "  - index: %d\n    text: \"zeile %d\"\n", i+1, i+1)
	}
	b.WriteString("```")

	out, err := ParseResponse(b.String(), segments)
	require.NoError(t, err)
	require.Len(t, out, 50)
	assert.Equal(t, "zeile 50", out[49].Text)
}
