package handlers

import (
	"net/http"

	"github.com/harinish45/xare-core/services/costs"
	"github.com/harinish45/xare-core/utils"
	"go.uber.org/zap"
)

// UsageReader exposes cost tracker state
type UsageReader interface {
	GetUsageStatistics() []costs.Usage
	GetCostSummary() costs.CostSummary
	ActiveAlerts() []costs.Alert
}

// UsageHandler serves usage and cost reports
type UsageHandler struct {
	tracker UsageReader
	logger  *zap.Logger
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(tracker UsageReader, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		tracker: tracker,
		logger:  logger,
	}
}

// HandleUsage handles GET /api/v1/usage
func (h *UsageHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.tracker.GetUsageStatistics())
}

// HandleCostSummary handles GET /api/v1/costs
func (h *UsageHandler) HandleCostSummary(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.tracker.GetCostSummary())
}

// HandleAlerts handles GET /api/v1/alerts
func (h *UsageHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.tracker.ActiveAlerts())
}
