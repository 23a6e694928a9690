package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/services/supervisor"
)

// pushServer streams the given frames to the first client, then holds the
// connection open.
func pushServer(t *testing.T, frames []string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitForPublished(t *testing.T, bus *fakeBus, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(bus.snapshot()) >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d published events, have %d", count, len(bus.snapshot()))
}

func TestPushClientAdmitsNotifications(t *testing.T) {
	f := newEmitterFixture(t)
	url := pushServer(t, []string{
		`{"type":"media.added","media_url":"file:///media/dune.mkv","title":"Dune"}`,
		`{"type":"playback.started","media_url":"file:///media/other.mkv","title":"Other"}`,
		`{not json`,
	})

	client := NewPushClient(&common.PushConfig{
		Enabled:       true,
		URL:           url,
		Source:        "push:jellyfin",
		Language:      "de",
		AutoTranslate: true,
	}, f.emitter, supervisor.Backoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Base: 2}, common.GetLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Start(ctx)

	waitForPublished(t, f.bus, 1)
	cancel()

	env := f.bus.snapshot()[0]
	assert.Equal(t, models.EventSubtitleRequested, env.EventType)
	assert.Equal(t, "push:jellyfin", env.Source)

	var payload models.RequestedPayload
	require.NoError(t, env.DecodePayload(&payload))
	assert.Equal(t, "file:///media/dune.mkv", payload.VideoURL)
	assert.Equal(t, "de", payload.Language)
	assert.Equal(t, "media.added", payload.Metadata["push_event"])

	// The non-trigger and malformed frames produced nothing.
	assert.Len(t, f.bus.snapshot(), 1)
}

func TestPushClientReconnects(t *testing.T) {
	f := newEmitterFixture(t)

	upgrader := websocket.Upgrader{}
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if connections.Add(1) == 1 {
			// First connection drops immediately to force a reconnect.
			conn.Close()
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"media.added","media_url":"file:///media/dune.mkv","title":"Dune"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	client := NewPushClient(&common.PushConfig{
		Enabled:  true,
		URL:      "ws" + strings.TrimPrefix(server.URL, "http"),
		Language: "de",
	}, f.emitter, supervisor.Backoff{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Base: 2}, common.GetLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Start(ctx)

	waitForPublished(t, f.bus, 1)
	assert.GreaterOrEqual(t, connections.Load(), int32(2))
}

func TestPushClientStopsOnCancel(t *testing.T) {
	f := newEmitterFixture(t)
	url := pushServer(t, nil)

	client := NewPushClient(&common.PushConfig{Enabled: true, URL: url, Language: "de"},
		f.emitter, supervisor.Backoff{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Base: 2}, common.GetLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("push client did not stop on cancel")
	}
}

func TestPushClientRequiresURL(t *testing.T) {
	f := newEmitterFixture(t)
	client := NewPushClient(&common.PushConfig{Enabled: true}, f.emitter, supervisor.Backoff{}, common.GetLogger())
	assert.Error(t, client.Start(context.Background()))
}
