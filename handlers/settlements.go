package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/cryptobazaar/services"
)

type SettlementHandler struct {
	reconciler *services.SettlementReconciler
}

func NewSettlementHandler(reconciler *services.SettlementReconciler) *SettlementHandler {
	return &SettlementHandler{reconciler: reconciler}
}

// Reconcile resolves ambiguous settlements on demand.
func (h *SettlementHandler) Reconcile(c *gin.Context) {
	report, err := h.reconciler.ReconcilePending(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}
