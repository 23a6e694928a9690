package ingress

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/handlers"
)

// Webhook event types that trigger a subtitle request; anything else is
// acknowledged and ignored.
var triggerEventTypes = map[string]bool{
	"media.added":  true,
	"library.new":  true,
	"item.added":   true,
	"media.update": true,
}

// webhookPayload is the media-server notification body.
type webhookPayload struct {
	EventType string `json:"event_type" validate:"required"`
	MediaURL  string `json:"media_url" validate:"required"`
	Title     string `json:"title" validate:"required"`
	Language  string `json:"language" validate:"omitempty,bcp47_language_tag"`
}

// WebhookHandler accepts POST /webhooks/{source} notifications and feeds
// them through the shared emitter.
type WebhookHandler struct {
	config   *common.WebhookConfig
	emitter  *Emitter
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewWebhookHandler builds the webhook ingress adapter.
func NewWebhookHandler(config *common.WebhookConfig, emitter *Emitter, logger arbor.ILogger) *WebhookHandler {
	return &WebhookHandler{
		config:   config,
		emitter:  emitter,
		validate: validator.New(),
		logger:   logger,
	}
}

// Handle processes one notification. The {source} path segment labels the
// origin in job metadata and the event envelope.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !handlers.RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !h.config.Enabled {
		handlers.WriteError(w, http.StatusNotFound, "webhook ingress is disabled")
		return
	}

	if h.config.Secret != "" && r.Header.Get("X-Webhook-Secret") != h.config.Secret {
		handlers.WriteError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	if !h.emitter.Healthy(r.Context()) {
		handlers.WriteError(w, http.StatusServiceUnavailable, "pipeline backend unavailable")
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		handlers.WriteError(w, http.StatusUnprocessableEntity, "request body is not valid JSON")
		return
	}
	if err := h.validate.Struct(&payload); err != nil {
		handlers.WriteError(w, http.StatusUnprocessableEntity, "payload failed validation: "+err.Error())
		return
	}

	if !triggerEventTypes[payload.EventType] {
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	source := sourceFromPath(r.URL.Path)
	language := payload.Language
	if language == "" {
		language = h.config.Language
	}

	jobID, duplicate, err := h.emitter.Emit(r.Context(), &Request{
		VideoURL:      payload.MediaURL,
		VideoTitle:    payload.Title,
		Language:      language,
		AutoTranslate: h.config.AutoTranslate,
		Source:        source,
		Metadata:      map[string]string{"webhook_event": payload.EventType},
	})
	if err != nil {
		h.logger.Error().Str("source", source).Err(err).Msg("Webhook admission failed")
		handlers.WriteError(w, http.StatusServiceUnavailable, "failed to admit request")
		return
	}

	status := "received"
	if duplicate {
		status = "duplicate"
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]string{
		"status": status,
		"job_id": jobID,
	})
}

// sourceFromPath extracts {source} from /webhooks/{source}.
func sourceFromPath(path string) string {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/webhooks"), "/")
	if trimmed == "" {
		return "webhook"
	}
	return "webhook:" + trimmed
}
