package ingress

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
)

func newWebhookHandler(t *testing.T, config *common.WebhookConfig) (*WebhookHandler, *emitterFixture) {
	t.Helper()
	f := newEmitterFixture(t)
	if config == nil {
		config = &common.WebhookConfig{Enabled: true, Language: "de", AutoTranslate: true}
	}
	return NewWebhookHandler(config, f.emitter, common.GetLogger()), f
}

func postWebhook(h *WebhookHandler, path, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Webhook-Secret", secret)
	}
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestWebhookAdmitsMediaAdded(t *testing.T) {
	h, f := newWebhookHandler(t, nil)

	rec := postWebhook(h, "/webhooks/jellyfin", "",
		`{"event_type":"media.added","media_url":"file:///media/dune.mkv","title":"Dune"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"received"`)
	assert.Contains(t, rec.Body.String(), `"job_id"`)

	require.Len(t, f.bus.published, 1)
	env := f.bus.published[0]
	assert.Equal(t, models.EventSubtitleRequested, env.EventType)
	assert.Equal(t, "webhook:jellyfin", env.Source)

	var payload models.RequestedPayload
	require.NoError(t, env.DecodePayload(&payload))
	assert.Equal(t, "de", payload.Language, "default language from config")
	assert.Equal(t, "media.added", payload.Metadata["webhook_event"])
}

func TestWebhookPayloadLanguageOverridesDefault(t *testing.T) {
	h, f := newWebhookHandler(t, nil)

	rec := postWebhook(h, "/webhooks/jellyfin", "",
		`{"event_type":"media.added","media_url":"file:///media/dune.mkv","title":"Dune","language":"fr"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload models.RequestedPayload
	require.NoError(t, f.bus.published[0].DecodePayload(&payload))
	assert.Equal(t, "fr", payload.Language)
}

func TestWebhookDuplicateReported(t *testing.T) {
	h, _ := newWebhookHandler(t, nil)
	body := `{"event_type":"media.added","media_url":"file:///media/dune.mkv","title":"Dune"}`

	first := postWebhook(h, "/webhooks/jellyfin", "", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := postWebhook(h, "/webhooks/jellyfin", "", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), `"status":"duplicate"`)
}

func TestWebhookIgnoresNonTriggerEvents(t *testing.T) {
	h, f := newWebhookHandler(t, nil)

	rec := postWebhook(h, "/webhooks/jellyfin", "",
		`{"event_type":"playback.started","media_url":"file:///media/dune.mkv","title":"Dune"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ignored"`)
	assert.Empty(t, f.bus.published)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	h, _ := newWebhookHandler(t, nil)

	rec := postWebhook(h, "/webhooks/jellyfin", "", `{not json`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWebhookRejectsMissingFields(t *testing.T) {
	h, _ := newWebhookHandler(t, nil)

	rec := postWebhook(h, "/webhooks/jellyfin", "", `{"event_type":"media.added"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWebhookSecretEnforced(t *testing.T) {
	h, _ := newWebhookHandler(t, &common.WebhookConfig{Enabled: true, Secret: "hunter2", Language: "de"})
	body := `{"event_type":"media.added","media_url":"file:///media/dune.mkv","title":"Dune"}`

	rec := postWebhook(h, "/webhooks/jellyfin", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(h, "/webhooks/jellyfin", "wrong", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(h, "/webhooks/jellyfin", "hunter2", body)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookDisabledReturns404(t *testing.T) {
	h, _ := newWebhookHandler(t, &common.WebhookConfig{Enabled: false})

	rec := postWebhook(h, "/webhooks/jellyfin", "",
		`{"event_type":"media.added","media_url":"file:///media/dune.mkv","title":"Dune"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookUnavailableBackendReturns503(t *testing.T) {
	h, f := newWebhookHandler(t, nil)
	f.bus.healthy = false

	rec := postWebhook(h, "/webhooks/jellyfin", "",
		`{"event_type":"media.added","media_url":"file:///media/dune.mkv","title":"Dune"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookRequiresPost(t *testing.T) {
	h, _ := newWebhookHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/jellyfin", nil)
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSourceFromPath(t *testing.T) {
	assert.Equal(t, "webhook:jellyfin", sourceFromPath("/webhooks/jellyfin"))
	assert.Equal(t, "webhook", sourceFromPath("/webhooks"))
	assert.Equal(t, "webhook", sourceFromPath("/webhooks/"))
}
