package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harinish45/xare-core/services/costs"
	"github.com/harinish45/xare-core/services/credentials"
	"github.com/harinish45/xare-core/services/health"
	"github.com/harinish45/xare-core/services/providers"
	"go.uber.org/zap"
)

// PermissionLevel restricts which provider classes the orchestrator may
// dispatch to.
type PermissionLevel string

const (
	// PermissionLocalOnly admits only local providers.
	PermissionLocalOnly PermissionLevel = "local-only"
	// PermissionFree admits local and free-tier providers.
	PermissionFree PermissionLevel = "free"
	// PermissionFull admits every provider class.
	PermissionFull PermissionLevel = "full"
)

func (p PermissionLevel) admits(class providers.Class) bool {
	switch p {
	case PermissionLocalOnly:
		return class == providers.ClassLocal
	case PermissionFree:
		return class <= providers.ClassFree
	default:
		return true
	}
}

// Config holds dispatch tunables.
type Config struct {
	// MaxRetries is the number of attempts per provider before moving to
	// the next candidate. Default 3.
	MaxRetries int

	// BackoffBase is the first retry delay; it doubles per attempt up to
	// BackoffCap. Defaults 500ms and 10s.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// AttemptTimeout bounds a single provider call. Zero leaves the
	// adapter's own timeout in charge.
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
	return c
}

// Request is a chat dispatch request. Provider and Model are optional;
// an empty provider lets the orchestrator pick candidates by priority,
// an empty model uses each adapter's default.
type Request struct {
	Provider string
	Model    string
	Messages []providers.Message
}

// SkipReason explains why a candidate was not attempted.
type SkipReason struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// AttemptError records the final error from one attempted provider.
type AttemptError struct {
	Provider string `json:"provider"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
	Message  string `json:"error"`
}

// ExhaustedError is returned when every candidate was skipped or failed.
type ExhaustedError struct {
	Attempted []AttemptError `json:"attempted"`
	Skipped   []SkipReason   `json:"skipped"`
}

func (e *ExhaustedError) Error() string {
	var parts []string
	for _, a := range e.Attempted {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Provider, a.Message))
	}
	for _, s := range e.Skipped {
		parts = append(parts, fmt.Sprintf("%s: skipped (%s)", s.Provider, s.Reason))
	}
	if len(parts) == 0 {
		return "no providers registered"
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}

// Service routes chat requests across registered providers with
// health-aware candidate selection, per-provider retries, and quota
// gating.
type Service struct {
	registry  *providers.Registry
	healthMon *health.Monitor
	tracker   *costs.Tracker
	resolver  *credentials.Resolver
	cfg       Config
	logger    *zap.Logger

	mu         sync.RWMutex
	permission PermissionLevel

	// sleep is swapped in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(
	registry *providers.Registry,
	healthMon *health.Monitor,
	tracker *costs.Tracker,
	resolver *credentials.Resolver,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:   registry,
		healthMon:  healthMon,
		tracker:    tracker,
		resolver:   resolver,
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("orchestrator"),
		permission: PermissionFull,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetPermission changes the admitted provider classes.
func (s *Service) SetPermission(level PermissionLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permission = level
}

// Permission returns the current permission level.
func (s *Service) Permission() PermissionLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permission
}

// Chat dispatches a blocking chat request, falling back across providers
// until one succeeds.
func (s *Service) Chat(ctx context.Context, req Request) (*providers.ChatResponse, error) {
	return s.dispatch(ctx, req, nil)
}

// ChatStream dispatches a streaming chat request. Fallback and retry
// apply only until the first chunk is delivered; once output has reached
// the caller the stream is committed to its provider and any later error
// is surfaced as-is.
func (s *Service) ChatStream(ctx context.Context, req Request, onChunk providers.StreamHandler) (*providers.ChatResponse, error) {
	if onChunk == nil {
		return nil, errors.New("stream handler is required")
	}
	return s.dispatch(ctx, req, onChunk)
}

func (s *Service) dispatch(ctx context.Context, req Request, onChunk providers.StreamHandler) (*providers.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("at least one message is required")
	}

	exhausted := &ExhaustedError{}
	perm := s.Permission()

	for _, adapter := range s.registry.Candidates(req.Provider) {
		name := adapter.Name()

		if !perm.admits(adapter.Class()) {
			exhausted.Skipped = append(exhausted.Skipped, SkipReason{name, "not permitted at level " + string(perm)})
			continue
		}
		if !s.healthMon.IsProviderAvailable(name) {
			exhausted.Skipped = append(exhausted.Skipped, SkipReason{name, "unavailable"})
			continue
		}

		model := req.Model
		if model == "" {
			model = adapter.DefaultModel()
		}

		if !s.tracker.IsWithinQuota(name, model) {
			exhausted.Skipped = append(exhausted.Skipped, SkipReason{name, "quota exhausted"})
			continue
		}
		creds, err := s.resolver.Resolve(name)
		if err != nil && !adapter.Keyless() {
			exhausted.Skipped = append(exhausted.Skipped, SkipReason{name, "credentials not configured"})
			continue
		}

		resp, attempts, err := s.attemptProvider(ctx, adapter, model, req.Messages, creds, onChunk)
		if err == nil {
			s.healthMon.RecordSuccess(name)
			usage, estimated := resp.Usage, resp.Estimated
			if usage == nil {
				// Backend reported no usage at all; bill an estimate
				// rather than nothing.
				usage = providers.EstimateUsage(req.Messages, resp.Content)
				estimated = true
			}
			s.tracker.RecordUsage(name, resp.Model, usage.PromptTokens, usage.CompletionTokens, estimated)
			s.logger.Info("request served",
				zap.String("provider", name),
				zap.String("model", resp.Model),
				zap.Int("attempts", attempts))
			return resp, nil
		}

		if ctx.Err() != nil {
			// Caller gave up; do not punish the provider or keep going.
			return nil, ctx.Err()
		}

		s.healthMon.RecordFailure(name)
		exhausted.Attempted = append(exhausted.Attempted, AttemptError{
			Provider: name,
			Attempts: attempts,
			Err:      err,
			Message:  err.Error(),
		})
		s.logger.Warn("provider failed, trying next candidate",
			zap.String("provider", name),
			zap.Int("attempts", attempts),
			zap.Error(err))

		var streamErr *StreamInterruptedError
		if errors.As(err, &streamErr) {
			// Output already reached the caller: switching providers
			// mid-stream would duplicate or garble it.
			return nil, err
		}
	}

	return nil, exhausted
}

// StreamInterruptedError wraps an error that occurred after streamed
// output was already delivered to the caller.
type StreamInterruptedError struct {
	Provider  string
	Delivered int // bytes delivered before the failure
	Err       error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream from %s interrupted after %d bytes: %v", e.Provider, e.Delivered, e.Err)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }

// attemptProvider runs up to MaxRetries attempts against one adapter with
// exponential backoff between transient failures. It returns the number
// of attempts actually made.
func (s *Service) attemptProvider(
	ctx context.Context,
	adapter providers.Adapter,
	model string,
	messages []providers.Message,
	creds providers.Credentials,
	onChunk providers.StreamHandler,
) (*providers.ChatResponse, int, error) {
	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.backoff(attempt-1)); err != nil {
				return nil, attempt, err
			}
		}

		resp, err := s.callOnce(ctx, adapter, model, messages, creds, onChunk)
		if err == nil {
			return resp, attempt + 1, nil
		}
		lastErr = err

		var streamErr *StreamInterruptedError
		if errors.As(err, &streamErr) {
			return nil, attempt + 1, err
		}
		if !providers.IsRetryable(err) || ctx.Err() != nil {
			return nil, attempt + 1, err
		}
		s.logger.Debug("transient failure, retrying",
			zap.String("provider", adapter.Name()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, s.cfg.MaxRetries, lastErr
}

func (s *Service) callOnce(
	ctx context.Context,
	adapter providers.Adapter,
	model string,
	messages []providers.Message,
	creds providers.Credentials,
	onChunk providers.StreamHandler,
) (*providers.ChatResponse, error) {
	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
	}

	if onChunk == nil {
		return adapter.Generate(ctx, model, messages, creds)
	}

	delivered := 0
	resp, err := adapter.Stream(ctx, model, messages, creds, func(fragment string) {
		delivered += len(fragment)
		onChunk(fragment)
	})
	if err != nil && delivered > 0 {
		return nil, &StreamInterruptedError{Provider: adapter.Name(), Delivered: delivered, Err: err}
	}
	return resp, err
}

// backoff returns the delay before retry number n (zero-based), doubling
// from BackoffBase and capped at BackoffCap.
func (s *Service) backoff(n int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if d > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return d
}
