package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/services/supervisor"
)

// pushNotification is the media server's realtime message. Unknown types are
// ignored; the trigger set matches the webhook adapter.
type pushNotification struct {
	Type     string `json:"type"`
	MediaURL string `json:"media_url"`
	Title    string `json:"title"`
	Language string `json:"language,omitempty"`
}

// PushClient is the realtime ingress adapter: a websocket subscription to
// the media server's notification channel. The connection is supervised;
// drops reconnect with backoff and notifications arriving while disconnected
// are simply missed (the watcher picks those files up).
type PushClient struct {
	config  *common.PushConfig
	emitter *Emitter
	backoff supervisor.Backoff
	dialer  *websocket.Dialer
	logger  arbor.ILogger
}

// NewPushClient builds the push adapter.
func NewPushClient(config *common.PushConfig, emitter *Emitter, backoff supervisor.Backoff, logger arbor.ILogger) *PushClient {
	return &PushClient{
		config:  config,
		emitter: emitter,
		backoff: backoff,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start maintains the subscription until ctx is cancelled.
func (c *PushClient) Start(ctx context.Context) error {
	if c.config.URL == "" {
		return fmt.Errorf("push channel URL is required")
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.backoff.Delay(attempt)
		c.logger.Warn().
			Str("url", c.config.URL).
			Int("attempt", attempt+1).
			Dur("reconnect_in", delay).
			Err(err).
			Msg("Push channel dropped, reconnecting")
		if sleepErr := c.backoff.Sleep(ctx, attempt); sleepErr != nil {
			return sleepErr
		}
		attempt++
	}
}

// run dials once and pumps notifications until the connection breaks.
func (c *PushClient) run(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial push channel: %w", err)
	}
	defer conn.Close()

	c.logger.Info().Str("url", c.config.URL).Msg("Push channel connected")

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("push channel read failed: %w", err)
		}
		c.handleMessage(ctx, message)
	}
}

func (c *PushClient) handleMessage(ctx context.Context, message []byte) {
	var note pushNotification
	if err := json.Unmarshal(message, &note); err != nil {
		c.logger.Warn().Err(err).Msg("Discarding malformed push notification")
		return
	}
	if !triggerEventTypes[note.Type] || note.MediaURL == "" {
		return
	}

	language := note.Language
	if language == "" {
		language = c.config.Language
	}

	source := c.config.Source
	if source == "" {
		source = "push"
	}

	_, _, err := c.emitter.Emit(ctx, &Request{
		VideoURL:      note.MediaURL,
		VideoTitle:    note.Title,
		Language:      language,
		AutoTranslate: c.config.AutoTranslate,
		Source:        source,
		Metadata:      map[string]string{"push_event": note.Type},
	})
	if err != nil {
		c.logger.Error().
			Str("media_url", note.MediaURL).
			Err(err).
			Msg("Failed to admit push notification")
	}
}
