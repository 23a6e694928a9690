// -----------------------------------------------------------------------
// Event - Bus envelope and typed payloads, routed by event type
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType doubles as the topic routing key on the subtitle.events exchange.
type EventType string

const (
	EventSubtitleRequested         EventType = "subtitle.requested"
	EventSubtitleDownloadRequested EventType = "subtitle.download.requested"
	EventSubtitleDownloadStarted   EventType = "subtitle.download.started"
	EventSubtitleReady             EventType = "subtitle.ready"
	EventSubtitleTranslateRequest  EventType = "subtitle.translate.requested"
	EventSubtitleTranslateStarted  EventType = "subtitle.translate.started"
	EventSubtitleTranslated        EventType = "subtitle.translated"
	EventTranslationCompleted      EventType = "translation.completed"
	EventMediaFileDetected         EventType = "media.file.detected"
	EventJobFailed                 EventType = "job.failed"
)

// Envelope is the wire format of every bus message. The payload is decoded
// lazily by event type; unknown fields are ignored for forward compatibility.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType EventType       `json:"event_type"`
	JobID     string          `json:"job_id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"` // Emitting component, e.g. "watcher", "download-worker"
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload for publication. The payload is marshaled
// immediately so publish retries reuse identical bytes.
func NewEnvelope(eventID string, eventType EventType, jobID, source string, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		raw = data
	}
	return &Envelope{
		EventID:   eventID,
		EventType: eventType,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   raw,
	}, nil
}

// ToJSON serializes the envelope for the wire.
func (e *Envelope) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// EnvelopeFromJSON deserializes a bus message body.
func EnvelopeFromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("envelope missing event_type")
	}
	return &env, nil
}

// DecodePayload unmarshals the raw payload into the given target.
func (e *Envelope) DecodePayload(target interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// RoutingKey returns the topic routing key for this envelope.
func (e *Envelope) RoutingKey() string {
	return string(e.EventType)
}

// -----------------------------------------------------------------------
// Typed payloads, discriminated by event type
// -----------------------------------------------------------------------

// RequestedPayload rides subtitle.requested from the ingress adapters.
type RequestedPayload struct {
	VideoURL   string            `json:"video_url"`
	VideoTitle string            `json:"video_title"`
	Language   string            `json:"language"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ReadyPayload rides subtitle.ready when the desired-language artifact exists.
type ReadyPayload struct {
	SubtitlePath string  `json:"subtitle_path"`
	ResultURL    string  `json:"result_url,omitempty"`
	Language     string  `json:"language"`
	Provider     string  `json:"provider,omitempty"`
	Score        float64 `json:"score,omitempty"`
}

// TranslateRequestPayload rides subtitle.translate.requested after a
// fallback-language artifact was acquired.
type TranslateRequestPayload struct {
	SubtitleFilePath string `json:"subtitle_file_path"`
	SourceLanguage   string `json:"source_language"`
	TargetLanguage   string `json:"target_language"`
	Reason           string `json:"reason,omitempty"` // Why the desired language was unavailable
}

// TranslatedPayload rides subtitle.translated with the final artifact.
type TranslatedPayload struct {
	SubtitlePath   string `json:"subtitle_path"`
	ResultURL      string `json:"result_url,omitempty"`
	TargetLanguage string `json:"target_language"`
}

// CompletedPayload rides translation.completed with timing and size metadata.
// It often precedes subtitle.translated.
type CompletedPayload struct {
	DurationSeconds float64 `json:"duration_seconds"`
	SourceLanguage  string  `json:"source_language"`
	TargetLanguage  string  `json:"target_language"`
	ChunkCount      int     `json:"chunk_count"`
	SegmentCount    int     `json:"segment_count"`
}

// FailedPayload rides job.failed with the error kind and a safe message.
type FailedPayload struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	Reason       string `json:"reason,omitempty"` // Machine-readable cause, e.g. "subtitle_not_found"
}

// DetectedPayload rides media.file.detected for the audit trail.
type DetectedPayload struct {
	Path  string `json:"path"`
	Title string `json:"title"`
}

// ProgressPayload rides the worker pickup markers subtitle.download.started
// and subtitle.translate.started.
type ProgressPayload struct {
	Worker string `json:"worker,omitempty"`
}

// EventRecord is the append-only entry mirrored into a job's event log.
type EventRecord struct {
	EventID   string          `json:"event_id"`
	EventType EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Record converts the envelope into its event-log form.
func (e *Envelope) Record() *EventRecord {
	return &EventRecord{
		EventID:   e.EventID,
		EventType: e.EventType,
		Timestamp: e.Timestamp,
		Source:    e.Source,
		Payload:   e.Payload,
	}
}

// ToJSON serializes an event record for the state store.
func (r *EventRecord) ToJSON() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event record: %w", err)
	}
	return data, nil
}

// EventRecordFromJSON deserializes an event record.
func EventRecordFromJSON(data []byte) (*EventRecord, error) {
	var rec EventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event record: %w", err)
	}
	return &rec, nil
}
