package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
)

// HealthChecker probes one long-lived connection.
type HealthChecker func(ctx context.Context) error

// Monitor caches the health of a single connection and emits one structured
// log line on each disconnected→connected transition. Every service shares
// this helper rather than rolling its own reconnection detection.
type Monitor struct {
	name     string
	check    HealthChecker
	cacheTTL time.Duration
	logger   arbor.ILogger

	mu           sync.Mutex
	lastProbe    time.Time
	lastErr      error
	probed       bool
	disconnected bool
}

// NewMonitor wraps a health check with a result cache.
func NewMonitor(name string, cacheTTL time.Duration, check HealthChecker, logger arbor.ILogger) *Monitor {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Monitor{
		name:     name,
		check:    check,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Name returns the connection label used in logs and health responses.
func (m *Monitor) Name() string {
	return m.name
}

// Healthy reports the cached health, probing at most once per cache window.
func (m *Monitor) Healthy(ctx context.Context) bool {
	return m.Check(ctx) == nil
}

// Check returns the cached probe error, refreshing when the cache expired.
func (m *Monitor) Check(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.probed && time.Since(m.lastProbe) < m.cacheTTL {
		return m.lastErr
	}
	return m.probeLocked(ctx)
}

// Probe forces a fresh health check, bypassing the cache.
func (m *Monitor) Probe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probeLocked(ctx)
}

func (m *Monitor) probeLocked(ctx context.Context) error {
	err := m.check(ctx)
	m.lastProbe = time.Now()
	m.lastErr = err
	m.probed = true

	if err != nil {
		if !m.disconnected {
			m.logger.Warn().
				Str("connection", m.name).
				Err(err).
				Msg("Connection unhealthy")
		}
		m.disconnected = true
		return err
	}

	if m.disconnected {
		// Log exactly once per outage when connectivity returns.
		m.logger.Info().
			Str("connection", m.name).
			Msg("Connection restored")
	}
	m.disconnected = false
	return nil
}

// Retry runs op with exponential backoff until it succeeds, the attempts are
// exhausted, or ctx is cancelled. Used for reconnects and publish retries.
func Retry(ctx context.Context, logger arbor.ILogger, name string, b Backoff, maxAttempts int, op func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == maxAttempts-1 {
			break
		}
		delay := b.Delay(attempt)
		logger.Warn().
			Str("operation", name).
			Int("attempt", attempt+1).
			Int("max_attempts", maxAttempts).
			Dur("retry_in", delay).
			Err(err).
			Msg("Operation failed, retrying")
		if sleepErr := b.Sleep(ctx, attempt); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, maxAttempts, err)
}

// Supervisor aggregates connection monitors for the health endpoint and the
// ingress degradation checks.
type Supervisor struct {
	config *common.SupervisorConfig
	logger arbor.ILogger

	mu       sync.RWMutex
	monitors []*Monitor
}

// NewSupervisor creates the process-wide connection supervisor.
func NewSupervisor(config *common.SupervisorConfig, logger arbor.ILogger) *Supervisor {
	return &Supervisor{
		config: config,
		logger: logger,
	}
}

// Register adds a connection under supervision and returns its monitor.
func (s *Supervisor) Register(name string, check HealthChecker) *Monitor {
	cacheTTL := time.Duration(s.config.HealthCacheS * float64(time.Second))
	m := NewMonitor(name, cacheTTL, check, s.logger)

	s.mu.Lock()
	s.monitors = append(s.monitors, m)
	s.mu.Unlock()

	s.logger.Debug().
		Str("connection", name).
		Dur("health_cache", cacheTTL).
		Msg("Connection registered with supervisor")
	return m
}

// ReconnectBackoff returns the configured reconnect policy.
func (s *Supervisor) ReconnectBackoff() Backoff {
	return Backoff{
		Initial: time.Duration(s.config.ReconnectInitS * float64(time.Second)),
		Max:     time.Duration(s.config.ReconnectMaxS * float64(time.Second)),
		Base:    s.config.ReconnectBase,
		Jitter:  true,
	}
}

// MaxReconnects returns the attempt budget before a connection is lost.
func (s *Supervisor) MaxReconnects() int {
	if s.config.MaxReconnects <= 0 {
		return 15
	}
	return s.config.MaxReconnects
}

// OpTimeout returns the default timeout for small outbound calls.
func (s *Supervisor) OpTimeout() time.Duration {
	if s.config.OpTimeoutS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(s.config.OpTimeoutS * float64(time.Second))
}

// Health probes every registered monitor and returns per-connection errors
// (nil value = healthy).
func (s *Supervisor) Health(ctx context.Context) map[string]error {
	s.mu.RLock()
	monitors := make([]*Monitor, len(s.monitors))
	copy(monitors, s.monitors)
	s.mu.RUnlock()

	result := make(map[string]error, len(monitors))
	for _, m := range monitors {
		result[m.Name()] = m.Check(ctx)
	}
	return result
}

// AllHealthy reports whether every supervised connection is usable.
func (s *Supervisor) AllHealthy(ctx context.Context) bool {
	for _, err := range s.Health(ctx) {
		if err != nil {
			return false
		}
	}
	return true
}
