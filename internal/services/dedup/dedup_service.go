package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
)

// checkAndRegisterScript performs the duplicate check and the registration
// in one atomic server-side step. Returns the stored job id on a duplicate
// or an empty string after registering the caller's id.
const checkAndRegisterScript = `
local existing = redis.call('GET', KEYS[1])
if existing then
    return existing
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return ''
`

// Service implements distributed duplicate suppression keyed on
// (video_url, language). The canonical path is an atomic Lua script; when
// the scripting facility is unavailable a best-effort SETNX fallback is
// used; on backend outage the service fails open so availability wins over
// strict dedup.
type Service struct {
	client  *redis.Client
	logger  arbor.ILogger
	enabled bool
	window  time.Duration
	timeout time.Duration
	script  *redis.Script

	// Flipped once when the backend rejects EVAL; read concurrently by every
	// ingress goroutine sharing this instance.
	scriptingDisabled atomic.Bool
}

// NewService builds the dedup service on an existing Redis client; the
// dedup records share the state store connection.
func NewService(config *common.DedupConfig, client *redis.Client, logger arbor.ILogger) interfaces.DedupService {
	window := time.Duration(config.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Hour
	}

	logger.Info().
		Bool("enabled", config.Enabled).
		Dur("window", window).
		Msg("Duplicate-prevention service initialized")

	return &Service{
		client:  client,
		logger:  logger,
		enabled: config.Enabled,
		window:  window,
		timeout: 3 * time.Second,
		script:  redis.NewScript(checkAndRegisterScript),
	}
}

// Key derives the dedup record key for a (video_url, language) pair.
func Key(videoURL, language string) string {
	sum := sha256.Sum256([]byte(videoURL + ":" + language))
	return "dedup:" + hex.EncodeToString(sum[:]) + ":" + language
}

// CheckAndRegister atomically registers jobID for the pair unless a
// registration already exists within the window. Returns (true, existing)
// for a duplicate and (false, jobID) for a fresh registration. A backend
// outage fails open: the request is allowed through with a warning.
func (s *Service) CheckAndRegister(ctx context.Context, videoURL, language, jobID string) (bool, string, error) {
	if !s.enabled {
		return false, jobID, nil
	}

	key := Key(videoURL, language)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	existing, err := s.checkAndRegister(ctx, key, jobID)
	if err != nil {
		// Fail open: a dedup outage must never block the pipeline.
		s.logger.Warn().
			Str("job_id", jobID).
			Str("language", language).
			Err(err).
			Msg("Dedup backend unavailable, failing open")
		return false, jobID, nil
	}

	if existing != "" {
		s.logger.Debug().
			Str("job_id", jobID).
			Str("existing_job_id", existing).
			Str("language", language).
			Msg("Duplicate request collapsed onto existing job")
		return true, existing, nil
	}
	return false, jobID, nil
}

func (s *Service) checkAndRegister(ctx context.Context, key, jobID string) (string, error) {
	if !s.scriptingDisabled.Load() {
		existing, err := s.script.Run(ctx, s.client, []string{key}, jobID, int(s.window.Seconds())).Text()
		if err == nil {
			return existing, nil
		}
		if isScriptingUnavailable(err) {
			// Best-effort non-atomic fallback; a concurrent registrant can
			// slip between the two commands.
			s.scriptingDisabled.Store(true)
			s.logger.Warn().
				Err(err).
				Msg("Dedup scripting unavailable, using best-effort SETNX fallback")
		} else {
			return "", err
		}
	}

	set, err := s.client.SetNX(ctx, key, jobID, s.window).Result()
	if err != nil {
		return "", err
	}
	if set {
		return "", nil
	}
	existing, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; treat the caller as first.
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return existing, nil
}

// isScriptingUnavailable detects servers (or proxies) that reject EVAL.
func isScriptingUnavailable(err error) bool {
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "UNKNOWN COMMAND") || strings.Contains(msg, "NOSCRIPT") ||
		strings.Contains(msg, "NOT ALLOWED") && strings.Contains(msg, "EVAL")
}

// Clear removes the registration for a pair (operator reset path).
func (s *Service) Clear(ctx context.Context, videoURL, language string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, Key(videoURL, language)).Err(); err != nil {
		return fmt.Errorf("failed to clear dedup record: %w", err)
	}
	return nil
}

// Ping probes the dedup backend.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}
