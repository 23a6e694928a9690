package subtitle

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// arrow separates the start and end timestamps on the timing line.
const arrow = "-->"

// Parse reads an SRT artifact into an ordered segment list. Block numbering
// from the file is discarded; segments are renumbered 1..N in file order.
// CRLF line endings and a UTF-8 BOM are tolerated. Structural violations
// (missing timing line, unparseable timestamps, a block without text) return
// an error; no partial result is produced.
func Parse(r io.Reader) ([]Segment, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var segments []Segment
	var lineNo int
	first := true

	for {
		block, startLine, err := nextBlock(scanner, &lineNo)
		if err != nil {
			return nil, err
		}
		if block == nil {
			break
		}
		if first {
			block[0] = strings.TrimPrefix(block[0], "\uFEFF")
			first = false
		}
		seg, err := parseBlock(block, startLine)
		if err != nil {
			return nil, err
		}
		seg.Index = len(segments) + 1
		segments = append(segments, seg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subtitle data: %w", err)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("no subtitle segments found")
	}
	return segments, nil
}

// ParseBytes parses an in-memory SRT artifact.
func ParseBytes(data []byte) ([]Segment, error) {
	return Parse(bytes.NewReader(data))
}

// nextBlock collects the lines of the next non-empty block, skipping blank
// separators. Returns nil when the input is exhausted.
func nextBlock(scanner *bufio.Scanner, lineNo *int) ([]string, int, error) {
	var block []string
	startLine := 0
	for scanner.Scan() {
		*lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if len(block) > 0 {
				return block, startLine, nil
			}
			continue
		}
		if len(block) == 0 {
			startLine = *lineNo
		}
		block = append(block, line)
	}
	if len(block) > 0 {
		return block, startLine, nil
	}
	return nil, 0, nil
}

// parseBlock interprets one block: index line, timing line, text lines.
func parseBlock(lines []string, startLine int) (Segment, error) {
	if len(lines) < 3 {
		return Segment{}, fmt.Errorf("line %d: incomplete subtitle block (%d lines)", startLine, len(lines))
	}
	if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err != nil {
		return Segment{}, fmt.Errorf("line %d: expected block number, got %q", startLine, lines[0])
	}
	start, end, err := parseTimingLine(lines[1])
	if err != nil {
		return Segment{}, fmt.Errorf("line %d: %w", startLine+1, err)
	}
	text := strings.Join(lines[2:], "\n")
	if strings.TrimSpace(text) == "" {
		return Segment{}, fmt.Errorf("line %d: subtitle block has no text", startLine)
	}
	return Segment{Start: start, End: end, Text: text}, nil
}

// parseTimingLine splits "HH:MM:SS,mmm --> HH:MM:SS,mmm".
func parseTimingLine(line string) (start, end time.Duration, err error) {
	parts := strings.Split(line, arrow)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid timing line %q", line)
	}
	start, err = ParseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	// Some encoders append position hints after the end timestamp.
	endField := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("invalid timing line %q", line)
	}
	end, err = ParseTimestamp(endField[0])
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("end timestamp precedes start in %q", line)
	}
	return start, end, nil
}

// Format serializes segments back to SRT: blank line between blocks, a
// single trailing newline, timestamps verbatim to the millisecond.
func Format(segments []Segment) []byte {
	var buf bytes.Buffer
	for i, seg := range segments {
		if i > 0 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "%d\n", seg.Index)
		fmt.Fprintf(&buf, "%s %s %s\n", FormatTimestamp(seg.Start), arrow, FormatTimestamp(seg.End))
		buf.WriteString(seg.Text)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
