package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/harinish45/xare-core/middleware"
	"github.com/harinish45/xare-core/services/orchestrator"
	"github.com/harinish45/xare-core/utils"
	"go.uber.org/zap"
)

// HealthAdmin exposes manual health overrides
type HealthAdmin interface {
	DisableProvider(provider string)
	EnableProvider(provider string)
	ResetProvider(provider string)
}

// CostAdmin exposes cost tracker mutations
type CostAdmin interface {
	SetQuota(provider string, limitUSD float64)
	ResetUsage(provider string)
	ClearAlerts()
}

// CredentialAdmin exposes credential mutations
type CredentialAdmin interface {
	SetAPIKey(provider, apiKey string) error
	SetEndpoint(provider, endpoint string)
}

// PermissionAdmin exposes the dispatch permission level
type PermissionAdmin interface {
	SetPermission(level orchestrator.PermissionLevel)
	Permission() orchestrator.PermissionLevel
}

// AdminHandler serves the admin API. All routes sit behind RequireAuth
// and the admin role.
type AdminHandler struct {
	healthM    HealthAdmin
	costsAdmin CostAdmin
	credsAdmin CredentialAdmin
	permission PermissionAdmin
	logger     *zap.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(healthM HealthAdmin, costsAdmin CostAdmin, credsAdmin CredentialAdmin, permission PermissionAdmin, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		healthM:    healthM,
		costsAdmin: costsAdmin,
		credsAdmin: credsAdmin,
		permission: permission,
		logger:     logger,
	}
}

// HandleDisableProvider handles POST /api/v1/admin/providers/{name}/disable
func (h *AdminHandler) HandleDisableProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.healthM.DisableProvider(name)
	h.auditLog(r, "provider disabled", name)
	utils.WriteNoContent(w)
}

// HandleEnableProvider handles POST /api/v1/admin/providers/{name}/enable
func (h *AdminHandler) HandleEnableProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.healthM.EnableProvider(name)
	h.auditLog(r, "provider enabled", name)
	utils.WriteNoContent(w)
}

// HandleResetProvider handles POST /api/v1/admin/providers/{name}/reset
func (h *AdminHandler) HandleResetProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.healthM.ResetProvider(name)
	h.auditLog(r, "provider health reset", name)
	utils.WriteNoContent(w)
}

// CredentialRequest carries a credential update
type CredentialRequest struct {
	APIKey   string `json:"api_key"`
	Endpoint string `json:"endpoint,omitempty" validate:"omitempty,url"`
}

// HandleSetCredential handles PUT /api/v1/admin/providers/{name}/credentials
func (h *AdminHandler) HandleSetCredential(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.credsAdmin.SetAPIKey(name, req.APIKey); err != nil {
		h.logger.Error("failed to store credential",
			zap.String("provider", name),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}
	h.credsAdmin.SetEndpoint(name, req.Endpoint)
	h.auditLog(r, "credential updated", name)
	utils.WriteNoContent(w)
}

// QuotaRequest carries a quota update; zero removes the quota
type QuotaRequest struct {
	LimitUSD float64 `json:"limit_usd" validate:"gte=0"`
}

// HandleSetQuota handles PUT /api/v1/admin/providers/{name}/quota
func (h *AdminHandler) HandleSetQuota(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req QuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	h.costsAdmin.SetQuota(name, req.LimitUSD)
	h.auditLog(r, "quota updated", name)
	utils.WriteNoContent(w)
}

// HandleResetUsage handles POST /api/v1/admin/usage/reset. An optional
// ?provider= query limits the reset to one provider.
func (h *AdminHandler) HandleResetUsage(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	h.costsAdmin.ResetUsage(provider)
	h.auditLog(r, "usage reset", provider)
	utils.WriteNoContent(w)
}

// HandleClearAlerts handles POST /api/v1/admin/alerts/clear
func (h *AdminHandler) HandleClearAlerts(w http.ResponseWriter, r *http.Request) {
	h.costsAdmin.ClearAlerts()
	h.auditLog(r, "alerts cleared", "")
	utils.WriteNoContent(w)
}

// PermissionRequest carries a permission level change
type PermissionRequest struct {
	Level string `json:"level" validate:"required,oneof=local-only free full"`
}

// HandleGetPermission handles GET /api/v1/admin/permission
func (h *AdminHandler) HandleGetPermission(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, map[string]string{"level": string(h.permission.Permission())})
}

// HandleSetPermission handles PUT /api/v1/admin/permission
func (h *AdminHandler) HandleSetPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	h.permission.SetPermission(orchestrator.PermissionLevel(req.Level))
	h.auditLog(r, "permission level changed", req.Level)
	utils.WriteNoContent(w)
}

func (h *AdminHandler) auditLog(r *http.Request, action, target string) {
	claims := middleware.GetClaimsFromContext(r.Context())
	sub := ""
	if claims != nil {
		sub = claims.Sub
	}
	h.logger.Info(action,
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("admin", sub),
		zap.String("target", target))
}
