package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/harinish45/xare-core/repositories"
	"go.uber.org/zap"
)

// Status describes a provider's overall health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled  Status = "disabled"
)

// CircuitState is the per-provider breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ProviderHealth is the externally visible health record for one provider.
type ProviderHealth struct {
	Provider            string       `json:"provider"`
	Status              Status       `json:"status"`
	SuccessCount        int64        `json:"success_count"`
	FailureCount        int64        `json:"failure_count"`
	TotalRequests       int64        `json:"total_requests"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	SuccessRate         float64      `json:"success_rate"`
	CircuitState        CircuitState `json:"circuit_state"`
	NextRetryTime       time.Time    `json:"next_retry_time,omitempty"`
	HalfOpenSuccesses   int          `json:"half_open_successes,omitempty"`
}

// Config holds circuit breaker tunables.
type Config struct {
	// FailureThreshold consecutive failures trip the circuit. Default 3.
	FailureThreshold int

	// ResetTimeout is how long an open circuit waits before admitting a
	// probe. Default 60s.
	ResetTimeout time.Duration

	// HalfOpenRequests is the number of successful trial calls needed to
	// close a half-open circuit. Default 1.
	HalfOpenRequests int

	// DegradedThreshold and UnhealthyThreshold classify providers by
	// success rate. Defaults 0.80 and 0.50.
	DegradedThreshold  float64
	UnhealthyThreshold float64
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 1
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 0.80
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 0.50
	}
	return c
}

// Monitor tracks per-provider health and drives the circuit breaker. One
// instance per process, shared by all callers; state is created lazily on
// first reference to a provider id and survives until an explicit reset.
//
// The open -> half-open transition happens lazily inside
// IsProviderAvailable once the retry deadline has passed; there is no
// background timer.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	providers map[string]*providerState
	logger    *zap.Logger
	now       func() time.Time
}

type providerState struct {
	status              Status
	successCount        int64
	failureCount        int64
	totalRequests       int64
	consecutiveFailures int
	circuitState        CircuitState
	nextRetryTime       time.Time
	halfOpenSuccesses   int
	manuallyDisabled    bool
}

// NewMonitor creates a health monitor with the given configuration.
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg.withDefaults(),
		providers: make(map[string]*providerState),
		logger:    logger.Named("health"),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// state returns the record for a provider, creating it lazily. Callers
// must hold m.mu.
func (m *Monitor) state(provider string) *providerState {
	st, ok := m.providers[provider]
	if !ok {
		st = &providerState{status: StatusHealthy, circuitState: CircuitClosed}
		m.providers[provider] = st
	}
	return st
}

// RecordSuccess records a successful call to a provider.
// Consecutive failures always reset to zero, regardless of circuit state.
func (m *Monitor) RecordSuccess(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(provider)
	st.successCount++
	st.totalRequests++
	st.consecutiveFailures = 0

	if st.circuitState == CircuitHalfOpen {
		st.halfOpenSuccesses++
		if st.halfOpenSuccesses >= m.cfg.HalfOpenRequests {
			st.circuitState = CircuitClosed
			st.nextRetryTime = time.Time{}
			st.halfOpenSuccesses = 0
			m.logger.Info("circuit closed after successful probe",
				zap.String("provider", provider))
		}
	}

	m.updateStatus(st)
}

// RecordFailure records a failed call to a provider. A failure while
// half-open reopens the circuit immediately with a fresh retry deadline.
func (m *Monitor) RecordFailure(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(provider)
	st.failureCount++
	st.totalRequests++
	st.consecutiveFailures++

	switch st.circuitState {
	case CircuitHalfOpen:
		st.circuitState = CircuitOpen
		st.nextRetryTime = m.now().Add(m.cfg.ResetTimeout)
		st.halfOpenSuccesses = 0
		m.logger.Warn("probe failed, circuit reopened",
			zap.String("provider", provider),
			zap.Time("next_retry", st.nextRetryTime))
	case CircuitClosed:
		if st.consecutiveFailures >= m.cfg.FailureThreshold {
			st.circuitState = CircuitOpen
			st.nextRetryTime = m.now().Add(m.cfg.ResetTimeout)
			m.logger.Warn("failure threshold reached, circuit opened",
				zap.String("provider", provider),
				zap.Int("consecutive_failures", st.consecutiveFailures),
				zap.Time("next_retry", st.nextRetryTime))
		}
	}

	m.updateStatus(st)
}

// IsProviderAvailable reports whether requests may be dispatched to a
// provider. An open circuit past its retry deadline lazily transitions to
// half-open and admits one probing pass.
func (m *Monitor) IsProviderAvailable(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(provider)
	if st.manuallyDisabled {
		return false
	}

	switch st.circuitState {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if !m.now().Before(st.nextRetryTime) {
			st.circuitState = CircuitHalfOpen
			st.halfOpenSuccesses = 0
			m.logger.Info("retry deadline passed, circuit half-open",
				zap.String("provider", provider))
			return true
		}
		return false
	default:
		return false
	}
}

// DisableProvider takes a provider out of rotation regardless of circuit
// state. Manual override; only EnableProvider reverses it.
func (m *Monitor) DisableProvider(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(provider)
	st.manuallyDisabled = true
	st.status = StatusDisabled
	m.logger.Info("provider disabled", zap.String("provider", provider))
}

// EnableProvider returns a manually disabled provider to rotation with a
// healthy status and a closed circuit.
func (m *Monitor) EnableProvider(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(provider)
	st.manuallyDisabled = false
	st.status = StatusHealthy
	st.circuitState = CircuitClosed
	st.consecutiveFailures = 0
	st.nextRetryTime = time.Time{}
	st.halfOpenSuccesses = 0
	m.logger.Info("provider enabled", zap.String("provider", provider))
}

// ResetProvider clears all recorded state for a provider.
func (m *Monitor) ResetProvider(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.providers, provider)
}

// Snapshot returns the health records of every known provider.
func (m *Monitor) Snapshot() []ProviderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ProviderHealth, 0, len(m.providers))
	for name, st := range m.providers {
		out = append(out, m.record(name, st))
	}
	return out
}

// ProviderHealth returns the record for a single provider.
func (m *Monitor) ProviderHealth(provider string) ProviderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(provider, m.state(provider))
}

func (m *Monitor) record(name string, st *providerState) ProviderHealth {
	return ProviderHealth{
		Provider:            name,
		Status:              st.status,
		SuccessCount:        st.successCount,
		FailureCount:        st.failureCount,
		TotalRequests:       st.totalRequests,
		ConsecutiveFailures: st.consecutiveFailures,
		SuccessRate:         successRate(st),
		CircuitState:        st.circuitState,
		NextRetryTime:       st.nextRetryTime,
		HalfOpenSuccesses:   st.halfOpenSuccesses,
	}
}

// updateStatus recomputes the health classification from the success rate.
// A manual disable is sticky and never overwritten here.
func (m *Monitor) updateStatus(st *providerState) {
	if st.manuallyDisabled {
		return
	}
	rate := successRate(st)
	switch {
	case rate >= m.cfg.DegradedThreshold:
		st.status = StatusHealthy
	case rate >= m.cfg.UnhealthyThreshold:
		st.status = StatusDegraded
	default:
		st.status = StatusUnhealthy
	}
}

func successRate(st *providerState) float64 {
	if st.totalRequests == 0 {
		return 1.0
	}
	return float64(st.successCount) / float64(st.totalRequests)
}

// ExportData writes each provider's health record to the snapshot store,
// keyed "health:<provider>".
func (m *Monitor) ExportData(ctx context.Context, store repositories.SnapshotStore) error {
	for _, rec := range m.Snapshot() {
		blob, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal health record for %s: %w", rec.Provider, err)
		}
		if err := store.Put(ctx, "health:"+rec.Provider, blob); err != nil {
			return fmt.Errorf("store health record for %s: %w", rec.Provider, err)
		}
	}
	return nil
}

// ImportData restores provider records previously written by ExportData.
// Existing in-memory state for an imported provider is replaced.
func (m *Monitor) ImportData(ctx context.Context, store repositories.SnapshotStore) error {
	keys, err := store.List(ctx, "health:")
	if err != nil {
		return fmt.Errorf("list health snapshots: %w", err)
	}

	for _, key := range keys {
		blob, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("read health snapshot %s: %w", key, err)
		}
		var rec ProviderHealth
		if err := json.Unmarshal(blob, &rec); err != nil {
			return fmt.Errorf("unmarshal health snapshot %s: %w", key, err)
		}

		m.mu.Lock()
		m.providers[rec.Provider] = &providerState{
			status:              rec.Status,
			successCount:        rec.SuccessCount,
			failureCount:        rec.FailureCount,
			totalRequests:       rec.TotalRequests,
			consecutiveFailures: rec.ConsecutiveFailures,
			circuitState:        rec.CircuitState,
			nextRetryTime:       rec.NextRetryTime,
			halfOpenSuccesses:   rec.HalfOpenSuccesses,
			manuallyDisabled:    rec.Status == StatusDisabled,
		}
		m.mu.Unlock()
	}
	return nil
}
