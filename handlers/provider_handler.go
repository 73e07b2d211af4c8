package handlers

import (
	"net/http"

	"github.com/harinish45/xare-core/services/health"
	"github.com/harinish45/xare-core/services/providers"
	"github.com/harinish45/xare-core/utils"
	"go.uber.org/zap"
)

// ProviderInfo describes one registered provider for the extension UI
type ProviderInfo struct {
	Name         string `json:"name"`
	DefaultModel string `json:"default_model"`
	Class        string `json:"class"`
	Keyless      bool   `json:"keyless"`
	Configured   bool   `json:"configured"`
	Available    bool   `json:"available"`
	Status       string `json:"status"`
}

// CredentialChecker reports whether a provider has a usable credential
type CredentialChecker interface {
	IsConfigured(provider string) bool
}

// HealthReader exposes provider health state
type HealthReader interface {
	IsProviderAvailable(provider string) bool
	ProviderHealth(provider string) health.ProviderHealth
	Snapshot() []health.ProviderHealth
}

// ProviderHandler serves provider and health listings
type ProviderHandler struct {
	registry *providers.Registry
	healthM  HealthReader
	creds    CredentialChecker
	logger   *zap.Logger
}

// NewProviderHandler creates a new ProviderHandler
func NewProviderHandler(registry *providers.Registry, healthM HealthReader, creds CredentialChecker, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		registry: registry,
		healthM:  healthM,
		creds:    creds,
		logger:   logger,
	}
}

// HandleListProviders handles GET /api/v1/providers
func (h *ProviderHandler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	infos := make([]ProviderInfo, 0, h.registry.Count())
	for _, adapter := range h.registry.Candidates("") {
		name := adapter.Name()
		rec := h.healthM.ProviderHealth(name)
		infos = append(infos, ProviderInfo{
			Name:         name,
			DefaultModel: adapter.DefaultModel(),
			Class:        adapter.Class().String(),
			Keyless:      adapter.Keyless(),
			Configured:   adapter.Keyless() || h.creds.IsConfigured(name),
			Available:    h.healthM.IsProviderAvailable(name),
			Status:       string(rec.Status),
		})
	}
	_ = utils.WriteOK(w, infos)
}

// HandleProviderHealth handles GET /api/v1/health
func (h *ProviderHandler) HandleProviderHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.healthM.Snapshot())
}
