package costs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harinish45/xare-core/repositories"
	"go.uber.org/zap"
)

// ModelPricing holds per-1K-token prices for one model, plus the free-tier
// request quota when the provider defines one.
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
	Currency    string  `json:"currency,omitempty"`

	// QuotaLimit caps requests for this provider+model pair. Zero means
	// unlimited. QuotaResetDay is the day of month (UTC) on which the
	// count starts over; zero never resets.
	QuotaLimit    int64 `json:"quota_limit,omitempty"`
	QuotaResetDay int   `json:"quota_reset_day,omitempty"`
}

// Usage accumulates token and cost totals for one provider+model pair.
type Usage struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	RequestCount int64     `json:"request_count"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Estimated    bool      `json:"estimated"`
	LastUsedAt   time.Time `json:"last_used_at"`

	// Quota accounting. Only meaningful when the pricing entry defines a
	// QuotaLimit; without one the pair is unlimited and these stay zero.
	QuotaRequests    int64     `json:"quota_requests,omitempty"`
	QuotaUsedPct     float64   `json:"quota_used_pct,omitempty"`
	QuotaPeriodStart time.Time `json:"quota_period_start,omitempty"`
}

// Quota is a monthly spending limit for one provider.
type Quota struct {
	Provider string  `json:"provider"`
	LimitUSD float64 `json:"limit_usd"`
}

// AlertLevel grades a quota alert by how much of the quota is used.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"  // 75%
	AlertCritical AlertLevel = "critical" // 90%
	AlertExceeded AlertLevel = "exceeded" // 100%+
)

// Alert is raised when a provider crosses a quota threshold.
type Alert struct {
	Provider   string     `json:"provider"`
	Level      AlertLevel `json:"level"`
	QuotaUsed  float64    `json:"quota_used"`
	QuotaLimit float64    `json:"quota_limit"`
	Message    string     `json:"message"`
	RaisedAt   time.Time  `json:"raised_at"`
}

// CostSummary aggregates spend across providers.
type CostSummary struct {
	TotalCostUSD float64            `json:"total_cost_usd"`
	TotalTokens  int64              `json:"total_tokens"`
	ByProvider   map[string]float64 `json:"by_provider"`
	Estimated    bool               `json:"estimated"`
}

// alertSuppression is the minimum interval between alerts for the same
// provider, no matter how many thresholds are crossed inside it.
const alertSuppression = time.Hour

func levelFor(pct float64) AlertLevel {
	switch {
	case pct >= 100:
		return AlertExceeded
	case pct >= 90:
		return AlertCritical
	case pct >= 75:
		return AlertWarning
	default:
		return ""
	}
}

// Tracker records per-provider, per-model token usage and spend, enforces
// quotas, and raises threshold alerts. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	pricing map[string]ModelPricing // "provider:model"
	usage   map[string]*Usage       // "provider:model"
	quotas  map[string]Quota        // provider
	alerts  []Alert
	raised  map[string]time.Time // provider -> last alert
	logger  *zap.Logger
	now     func() time.Time
}

// NewTracker creates a cost tracker. Pricing for common models can be
// registered up front via RegisterPricing; unknown models record usage
// with zero cost and are flagged estimated.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		pricing: make(map[string]ModelPricing),
		usage:   make(map[string]*Usage),
		quotas:  make(map[string]Quota),
		raised:  make(map[string]time.Time),
		logger:  logger.Named("costs"),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// RegisterPricing sets the per-1K prices for a provider+model pair.
func (t *Tracker) RegisterPricing(provider, model string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[usageKey(provider, model)] = p
}

// SetQuota sets a monthly spending limit for a provider. A limit of zero
// or below removes the quota.
func (t *Tracker) SetQuota(provider string, limitUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limitUSD <= 0 {
		delete(t.quotas, provider)
		return
	}
	t.quotas[provider] = Quota{Provider: provider, LimitUSD: limitUSD}
}

// RecordUsage accumulates token counts and computes cost for a request.
// estimated marks usage derived from character-count heuristics rather
// than provider-reported counts; it taints the pair's totals.
func (t *Tracker) RecordUsage(provider, model string, inputTokens, outputTokens int, estimated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := usageKey(provider, model)
	u, ok := t.usage[key]
	if !ok {
		u = &Usage{Provider: provider, Model: model}
		t.usage[key] = u
	}

	u.RequestCount++
	u.InputTokens += int64(inputTokens)
	u.OutputTokens += int64(outputTokens)
	u.TotalTokens += int64(inputTokens + outputTokens)
	u.LastUsedAt = t.now()
	if estimated {
		u.Estimated = true
	}

	p, known := t.pricing[key]
	if !known {
		// No price table entry: tokens are still counted, but the pair
		// carries zero cost and is marked estimated.
		u.Estimated = true
	} else {
		u.CostUSD += float64(inputTokens)/1000*p.InputPer1K +
			float64(outputTokens)/1000*p.OutputPer1K
		if p.QuotaLimit > 0 {
			t.maybeResetQuota(u, p)
			u.QuotaRequests++
			u.QuotaUsedPct = float64(u.QuotaRequests) / float64(p.QuotaLimit) * 100
		}
	}

	t.checkQuota(provider, key)
}

// IsWithinQuota reports whether the provider+model pair may take another
// request: the pricing entry's request quota must not be reached, and the
// provider's spending limit, when one is set, must not be exceeded. Pairs
// with neither are always within quota.
func (t *Tracker) IsWithinQuota(provider, model string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := usageKey(provider, model)
	if p, ok := t.pricing[key]; ok && p.QuotaLimit > 0 {
		if u, ok := t.usage[key]; ok {
			t.maybeResetQuota(u, p)
			if u.QuotaRequests >= p.QuotaLimit {
				return false
			}
		}
	}
	if q, ok := t.quotas[provider]; ok && t.providerSpend(provider) >= q.LimitUSD {
		return false
	}
	return true
}

// maybeResetQuota zeroes a pair's quota count when its monthly reset day
// has passed since the period started. Callers hold t.mu.
func (t *Tracker) maybeResetQuota(u *Usage, p ModelPricing) {
	if p.QuotaResetDay <= 0 {
		return
	}
	boundary := lastQuotaReset(t.now().UTC(), p.QuotaResetDay)
	if u.QuotaPeriodStart.Before(boundary) {
		u.QuotaRequests = 0
		u.QuotaUsedPct = 0
		u.QuotaPeriodStart = boundary
	}
}

// lastQuotaReset returns the most recent midnight-UTC occurrence of the
// given day of month at or before now.
func lastQuotaReset(now time.Time, day int) time.Time {
	r := time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, time.UTC)
	if r.After(now) {
		r = r.AddDate(0, -1, 0)
	}
	return r
}

// checkQuota raises a threshold alert for a provider, at most one per
// provider per hour however many thresholds the request crossed. It grades
// whichever quota is furthest along: the pair's request quota or the
// provider's spending limit. Callers hold t.mu.
func (t *Tracker) checkQuota(provider, key string) {
	pct := -1.0
	limit := 0.0
	msg := ""

	if p, ok := t.pricing[key]; ok && p.QuotaLimit > 0 {
		if u, ok := t.usage[key]; ok && u.QuotaUsedPct > pct {
			pct = u.QuotaUsedPct
			limit = float64(p.QuotaLimit)
			msg = fmt.Sprintf("%s/%s used %d of %d requests (%.0f%%)",
				provider, u.Model, u.QuotaRequests, p.QuotaLimit, pct)
		}
	}
	if q, ok := t.quotas[provider]; ok && q.LimitUSD > 0 {
		spent := t.providerSpend(provider)
		if sp := spent / q.LimitUSD * 100; sp > pct {
			pct = sp
			limit = q.LimitUSD
			msg = fmt.Sprintf("%s spent $%.2f of the $%.2f limit (%.0f%%)",
				provider, spent, q.LimitUSD, sp)
		}
	}

	level := levelFor(pct)
	if level == "" {
		return
	}
	ts := t.now()
	if last, seen := t.raised[provider]; seen && ts.Sub(last) < alertSuppression {
		return
	}
	t.raised[provider] = ts
	t.alerts = append(t.alerts, Alert{
		Provider:   provider,
		Level:      level,
		QuotaUsed:  pct,
		QuotaLimit: limit,
		Message:    msg,
		RaisedAt:   ts,
	})
	t.logger.Warn("quota threshold crossed",
		zap.String("provider", provider),
		zap.String("level", string(level)),
		zap.Float64("quota_used_pct", pct))
}

// providerSpend sums cost across all models of a provider. Callers hold t.mu.
func (t *Tracker) providerSpend(provider string) float64 {
	var total float64
	for _, u := range t.usage {
		if u.Provider == provider {
			total += u.CostUSD
		}
	}
	return total
}

// ActiveAlerts returns raised alerts, newest last.
func (t *Tracker) ActiveAlerts() []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Alert, len(t.alerts))
	copy(out, t.alerts)
	return out
}

// ClearAlerts drops all raised alerts and suppression state, so the next
// threshold crossing alerts again immediately.
func (t *Tracker) ClearAlerts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alerts = nil
	t.raised = make(map[string]time.Time)
}

// GetUsageStatistics returns usage records, sorted by provider then model.
func (t *Tracker) GetUsageStatistics() []Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Usage, 0, len(t.usage))
	for _, u := range t.usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// GetCostSummary aggregates spend across all providers. Calling it does
// not change any state; repeated calls return identical results.
func (t *Tracker) GetCostSummary() CostSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := CostSummary{ByProvider: make(map[string]float64)}
	for _, u := range t.usage {
		sum.TotalCostUSD += u.CostUSD
		sum.TotalTokens += u.TotalTokens
		sum.ByProvider[u.Provider] += u.CostUSD
		if u.Estimated {
			sum.Estimated = true
		}
	}
	return sum
}

// ResetUsage clears accumulated usage. With an empty provider argument
// everything resets; otherwise only the named provider's records and
// alerts are dropped.
func (t *Tracker) ResetUsage(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if provider == "" {
		t.usage = make(map[string]*Usage)
		t.alerts = nil
		t.raised = make(map[string]time.Time)
		return
	}

	for key, u := range t.usage {
		if u.Provider == provider {
			delete(t.usage, key)
		}
	}
	kept := t.alerts[:0]
	for _, a := range t.alerts {
		if a.Provider != provider {
			kept = append(kept, a)
		}
	}
	t.alerts = kept
	delete(t.raised, provider)
}

// ExportData writes each usage record to the snapshot store, keyed
// "usage:<provider>:<model>".
func (t *Tracker) ExportData(ctx context.Context, store repositories.SnapshotStore) error {
	for _, u := range t.GetUsageStatistics() {
		blob, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal usage for %s/%s: %w", u.Provider, u.Model, err)
		}
		key := "usage:" + usageKey(u.Provider, u.Model)
		if err := store.Put(ctx, key, blob); err != nil {
			return fmt.Errorf("store usage for %s/%s: %w", u.Provider, u.Model, err)
		}
	}
	return nil
}

// ImportData restores usage records previously written by ExportData.
func (t *Tracker) ImportData(ctx context.Context, store repositories.SnapshotStore) error {
	keys, err := store.List(ctx, "usage:")
	if err != nil {
		return fmt.Errorf("list usage snapshots: %w", err)
	}

	for _, key := range keys {
		blob, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("read usage snapshot %s: %w", key, err)
		}
		var u Usage
		if err := json.Unmarshal(blob, &u); err != nil {
			return fmt.Errorf("unmarshal usage snapshot %s: %w", key, err)
		}
		t.mu.Lock()
		t.usage[usageKey(u.Provider, u.Model)] = &u
		t.mu.Unlock()
	}
	return nil
}

func usageKey(provider, model string) string {
	return provider + ":" + model
}
