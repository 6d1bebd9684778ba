package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/cryptobazaar/services"
	"go.uber.org/zap"
)

// statusFor maps a service error class to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrReconciliationAmbiguous):
		return http.StatusAccepted
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConflict):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrSignature):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, services.ErrReconciliationAmbiguous):
		return "ReconciliationAmbiguous"
	case errors.Is(err, services.ErrInsufficientInventory):
		return "InsufficientInventory"
	case errors.Is(err, services.ErrInsufficientTreasuryFunds):
		return "InsufficientTreasuryFunds"
	case errors.Is(err, services.ErrInsufficientCredits):
		return "InsufficientCredits"
	case errors.Is(err, services.ErrValidation):
		return "ValidationError"
	case errors.Is(err, services.ErrNotFound):
		return "NotFound"
	case errors.Is(err, services.ErrConflict):
		return "Conflict"
	case errors.Is(err, services.ErrSignature):
		return "SignatureError"
	case errors.Is(err, services.ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, services.ErrExternalService):
		return "ExternalServiceError"
	default:
		return "InternalError"
	}
}

// safeMessage hides errors that were not classified by a service.
func safeMessage(err error) string {
	if errorCode(err) == "InternalError" {
		return "Internal server error"
	}
	return err.Error()
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"success": false, "error": safeMessage(err), "code": errorCode(err)})
}
