// Package subtitle implements parsing, serialization, and merging of SRT
// subtitle artifacts. Parsing normalizes block numbering to a contiguous
// 1-based sequence; serialize∘parse is an identity modulo that renumbering.
package subtitle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Segment is one timestamped subtitle block. Timestamps carry millisecond
// resolution. Index is 1-based and contiguous within an artifact.
type Segment struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// segmentJSON is the stable checkpoint representation: timestamps are kept
// in SRT form so checkpoint files stay operator-readable.
type segmentJSON struct {
	Index int    `json:"index"`
	Start string `json:"start"`
	End   string `json:"end"`
	Text  string `json:"text"`
}

// MarshalJSON encodes timestamps in HH:MM:SS,mmm form.
func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal(segmentJSON{
		Index: s.Index,
		Start: FormatTimestamp(s.Start),
		End:   FormatTimestamp(s.End),
		Text:  s.Text,
	})
}

// UnmarshalJSON decodes the checkpoint representation.
func (s *Segment) UnmarshalJSON(data []byte) error {
	var raw segmentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := ParseTimestamp(raw.Start)
	if err != nil {
		return fmt.Errorf("segment %d: %w", raw.Index, err)
	}
	end, err := ParseTimestamp(raw.End)
	if err != nil {
		return fmt.Errorf("segment %d: %w", raw.Index, err)
	}
	s.Index = raw.Index
	s.Start = start
	s.End = end
	s.Text = raw.Text
	return nil
}

// ParseTimestamp converts "HH:MM:SS,mmm" to a duration. A '.' millisecond
// separator is tolerated since some encoders emit it, and a short fraction
// is scaled by digit count: ",4" is 400ms, not 4ms.
func ParseTimestamp(value string) (time.Duration, error) {
	fields := strings.SplitN(value, ":", 3)
	if len(fields) != 3 {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	secField := fields[2]
	sep := strings.IndexAny(secField, ",.")
	if sep < 0 {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	msDigits := secField[sep+1:]

	h, errH := strconv.Atoi(strings.TrimSpace(fields[0]))
	m, errM := strconv.Atoi(fields[1])
	s, errS := strconv.Atoi(secField[:sep])
	ms, errMS := strconv.Atoi(msDigits)
	if errH != nil || errM != nil || errS != nil || errMS != nil {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	switch len(msDigits) {
	case 1:
		ms *= 100
	case 2:
		ms *= 10
	case 3:
	default:
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	if m > 59 || s > 59 || ms > 999 || h < 0 || m < 0 || s < 0 || ms < 0 {
		return 0, fmt.Errorf("timestamp %q out of range", value)
	}
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(ms)*time.Millisecond, nil
}

// FormatTimestamp renders a duration as "HH:MM:SS,mmm".
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
