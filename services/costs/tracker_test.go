package costs

import (
	"context"
	"testing"
	"time"

	"github.com/harinish45/xare-core/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	tr := NewTracker(zap.NewNop())
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return current })
	return tr, &current
}

func TestTracker_CostComputation(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.RegisterPricing("openai", "gpt-4o-mini", ModelPricing{InputPer1K: 0.15, OutputPer1K: 0.60})

	tr.RecordUsage("openai", "gpt-4o-mini", 1000, 500, false)

	stats := tr.GetUsageStatistics()
	require.Len(t, stats, 1)
	u := stats[0]
	assert.Equal(t, int64(1), u.RequestCount)
	assert.Equal(t, int64(1500), u.TotalTokens)
	assert.InDelta(t, 0.15+0.30, u.CostUSD, 1e-9)
	assert.False(t, u.Estimated)
}

func TestTracker_UnknownModelIsEstimatedZeroCost(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.RecordUsage("ollama", "llama3.2", 2000, 2000, false)

	stats := tr.GetUsageStatistics()
	require.Len(t, stats, 1)
	assert.Zero(t, stats[0].CostUSD)
	assert.True(t, stats[0].Estimated)
	assert.Equal(t, int64(4000), stats[0].TotalTokens)
}

func TestTracker_EstimatedFlagIsSticky(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.RegisterPricing("openai", "gpt-4o-mini", ModelPricing{InputPer1K: 0.15, OutputPer1K: 0.60})

	tr.RecordUsage("openai", "gpt-4o-mini", 100, 100, true)
	tr.RecordUsage("openai", "gpt-4o-mini", 100, 100, false)

	stats := tr.GetUsageStatistics()
	require.Len(t, stats, 1)
	assert.True(t, stats[0].Estimated, "one estimated request taints the pair's totals")
}

func TestTracker_SpendQuotaGating(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.RegisterPricing("openai", "gpt-4", ModelPricing{InputPer1K: 10, OutputPer1K: 10})
	tr.SetQuota("openai", 1.00)

	assert.True(t, tr.IsWithinQuota("openai", "gpt-4"))

	// 100 tokens each way at $10/1K = $2, past the $1 limit.
	tr.RecordUsage("openai", "gpt-4", 100, 100, false)
	assert.False(t, tr.IsWithinQuota("openai", "gpt-4"))

	// Providers without a quota are never gated.
	assert.True(t, tr.IsWithinQuota("gemini", "gemini-1.5-flash"))
}

func TestTracker_RequestQuotaGating(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.RegisterPricing("gemini", "gemini-1.5-flash", ModelPricing{QuotaLimit: 3})

	tr.RecordUsage("gemini", "gemini-1.5-flash", 100, 100, false)
	tr.RecordUsage("gemini", "gemini-1.5-flash", 100, 100, false)
	assert.True(t, tr.IsWithinQuota("gemini", "gemini-1.5-flash"))

	tr.RecordUsage("gemini", "gemini-1.5-flash", 100, 100, false)
	assert.False(t, tr.IsWithinQuota("gemini", "gemini-1.5-flash"),
		"a pair at its request limit is out of quota")

	// The quota is per pair; another model on the same provider is free.
	assert.True(t, tr.IsWithinQuota("gemini", "gemini-1.5-pro"))

	stats := tr.GetUsageStatistics()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(3), stats[0].QuotaRequests)
	assert.InDelta(t, 100.0, stats[0].QuotaUsedPct, 1e-9)
}

func TestTracker_RequestQuotaResetDay(t *testing.T) {
	tr, current := newTestTracker(t) // starts 2025-06-01 12:00 UTC
	tr.RegisterPricing("gemini", "gemini-1.5-flash", ModelPricing{QuotaLimit: 2, QuotaResetDay: 15})

	tr.RecordUsage("gemini", "gemini-1.5-flash", 10, 10, false)
	tr.RecordUsage("gemini", "gemini-1.5-flash", 10, 10, false)
	require.False(t, tr.IsWithinQuota("gemini", "gemini-1.5-flash"))

	// Crossing the monthly reset day reopens the quota; cumulative
	// request totals are untouched.
	*current = time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)
	assert.True(t, tr.IsWithinQuota("gemini", "gemini-1.5-flash"))

	stats := tr.GetUsageStatistics()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].RequestCount)
	assert.Zero(t, stats[0].QuotaRequests)
}

func TestTracker_QuotaAlertLevels(t *testing.T) {
	tr, current := newTestTracker(t)
	tr.RegisterPricing("openai", "gpt-4", ModelPricing{InputPer1K: 10, OutputPer1K: 0})
	tr.SetQuota("openai", 1.00)

	// 80 input tokens = $0.80, 80% of quota.
	tr.RecordUsage("openai", "gpt-4", 80, 0, false)
	alerts := tr.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertWarning, alerts[0].Level)
	assert.InDelta(t, 80.0, alerts[0].QuotaUsed, 1e-9)
	assert.Contains(t, alerts[0].Message, "openai")

	// Blowing past 100% an hour later grades the alert exceeded.
	*current = current.Add(61 * time.Minute)
	tr.RecordUsage("openai", "gpt-4", 40, 0, false)
	alerts = tr.ActiveAlerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertExceeded, alerts[1].Level)
}

func TestTracker_OneAlertPerProviderPerHour(t *testing.T) {
	tr, current := newTestTracker(t)
	tr.RegisterPricing("openai", "gpt-4", ModelPricing{InputPer1K: 10, OutputPer1K: 0})
	tr.SetQuota("openai", 1.00)

	tr.RecordUsage("openai", "gpt-4", 80, 0, false)
	require.Len(t, tr.ActiveAlerts(), 1)

	// Crossing further thresholds inside the hour stays silent, even
	// though the level escalated from warning past exceeded.
	*current = current.Add(10 * time.Minute)
	tr.RecordUsage("openai", "gpt-4", 15, 0, false) // 95%
	*current = current.Add(10 * time.Minute)
	tr.RecordUsage("openai", "gpt-4", 25, 0, false) // 120%
	assert.Len(t, tr.ActiveAlerts(), 1)

	// After the window the provider alerts again.
	*current = current.Add(41 * time.Minute)
	tr.RecordUsage("openai", "gpt-4", 1, 0, false)
	alerts := tr.ActiveAlerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertExceeded, alerts[1].Level)
}

func TestTracker_ClearAlertsResetsSuppression(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.RegisterPricing("openai", "gpt-4", ModelPricing{InputPer1K: 10, OutputPer1K: 0})
	tr.SetQuota("openai", 1.00)

	tr.RecordUsage("openai", "gpt-4", 80, 0, false)
	require.Len(t, tr.ActiveAlerts(), 1)

	tr.ClearAlerts()
	assert.Empty(t, tr.ActiveAlerts())

	tr.RecordUsage("openai", "gpt-4", 1, 0, false)
	assert.Len(t, tr.ActiveAlerts(), 1, "cleared providers alert again immediately")
}

func TestTracker_CostSummaryIsIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.RegisterPricing("openai", "gpt-4o-mini", ModelPricing{InputPer1K: 0.15, OutputPer1K: 0.60})

	tr.RecordUsage("openai", "gpt-4o-mini", 1000, 1000, false)
	tr.RecordUsage("ollama", "llama3.2", 500, 500, false)

	first := tr.GetCostSummary()
	second := tr.GetCostSummary()
	assert.Equal(t, first, second)
	assert.InDelta(t, 0.75, first.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(3000), first.TotalTokens)
	assert.True(t, first.Estimated, "unpriced ollama usage taints the summary")
	assert.InDelta(t, 0.75, first.ByProvider["openai"], 1e-9)
	assert.Zero(t, first.ByProvider["ollama"])
}

func TestTracker_ResetUsageByProvider(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.RegisterPricing("openai", "gpt-4", ModelPricing{InputPer1K: 10, OutputPer1K: 0})
	tr.SetQuota("openai", 1.00)

	tr.RecordUsage("openai", "gpt-4", 120, 0, false)
	tr.RecordUsage("gemini", "gemini-1.5-flash", 100, 100, false)
	require.NotEmpty(t, tr.ActiveAlerts())
	require.False(t, tr.IsWithinQuota("openai", "gpt-4"))

	tr.ResetUsage("openai")
	assert.True(t, tr.IsWithinQuota("openai", "gpt-4"))
	assert.Empty(t, tr.ActiveAlerts())

	stats := tr.GetUsageStatistics()
	require.Len(t, stats, 1)
	assert.Equal(t, "gemini", stats[0].Provider)
}

func TestTracker_ResetUsageAll(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.RecordUsage("openai", "gpt-4", 100, 100, false)
	tr.RecordUsage("gemini", "gemini-1.5-flash", 100, 100, false)

	tr.ResetUsage("")
	assert.Empty(t, tr.GetUsageStatistics())
	assert.Zero(t, tr.GetCostSummary().TotalTokens)
}

func TestTracker_ExportImportRoundTrip(t *testing.T) {
	tr, _ := newTestTracker(t)
	store := repositories.NewMemorySnapshotStore()
	ctx := context.Background()

	tr.RegisterPricing("openai", "gpt-4o-mini", ModelPricing{InputPer1K: 0.15, OutputPer1K: 0.60})
	tr.RecordUsage("openai", "gpt-4o-mini", 1000, 500, false)
	tr.RecordUsage("ollama", "llama3.2", 200, 200, true)
	require.NoError(t, tr.ExportData(ctx, store))

	restored := NewTracker(zap.NewNop())
	require.NoError(t, restored.ImportData(ctx, store))

	stats := restored.GetUsageStatistics()
	require.Len(t, stats, 2)
	assert.Equal(t, "ollama", stats[0].Provider)
	assert.True(t, stats[0].Estimated)
	assert.InDelta(t, 0.45, restored.GetCostSummary().TotalCostUSD, 1e-9)
}
