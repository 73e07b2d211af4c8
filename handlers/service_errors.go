package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/harinish45/xare-core/services/orchestrator"
	"github.com/harinish45/xare-core/services/providers"
	"github.com/harinish45/xare-core/utils"
	"go.uber.org/zap"
)

// HandleValidationError writes a 400 with field-level details
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		details := make(map[string]interface{})
		for field, msg := range utils.GetValidationFields(err) {
			details[field] = msg
		}
		_ = utils.WriteBadRequest(w, "Validation failed", details)
		return
	}
	_ = utils.WriteBadRequest(w, err.Error(), nil)
}

// HandleDispatchError maps orchestration failures onto HTTP status codes
func HandleDispatchError(w http.ResponseWriter, err error, requestID string, logger *zap.Logger) {
	var exhausted *orchestrator.ExhaustedError
	if errors.As(err, &exhausted) {
		logger.Warn("all providers exhausted",
			zap.String("request_id", requestID),
			zap.Int("attempted", len(exhausted.Attempted)),
			zap.Int("skipped", len(exhausted.Skipped)))
		_ = utils.WriteServiceUnavailable(w, exhausted.Error(), map[string]interface{}{
			"attempted": exhausted.Attempted,
			"skipped":   exhausted.Skipped,
		})
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Client went away or gave up; 499 is conventional but not a
		// stdlib constant, 408 is close enough.
		_ = utils.WriteError(w, http.StatusRequestTimeout, "Request cancelled")
		return
	}

	if errors.Is(err, providers.ErrImagesUnsupported) {
		_ = utils.WriteBadRequest(w, "Selected provider does not support images", nil)
		return
	}

	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		logger.Error("provider error",
			zap.String("request_id", requestID),
			zap.String("provider", provErr.Provider),
			zap.String("code", provErr.Code),
			zap.Error(err))
		if provErr.StatusCode == http.StatusTooManyRequests {
			_ = utils.WriteTooManyRequests(w, provErr.Message, nil)
			return
		}
		_ = utils.WriteError(w, http.StatusBadGateway, provErr.Message)
		return
	}

	logger.Error("dispatch failed",
		zap.String("request_id", requestID),
		zap.Error(err))
	_ = utils.WriteInternalServerError(w, "")
}
