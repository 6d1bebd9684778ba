package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/cryptobazaar/services"
)

type UserHandler struct {
	users   *services.UserDirectory
	credits *services.CreditReconciler
	ledger  *services.TransactionLedger
}

func NewUserHandler(users *services.UserDirectory, credits *services.CreditReconciler, ledger *services.TransactionLedger) *UserHandler {
	return &UserHandler{users: users, credits: credits, ledger: ledger}
}

type OnboardingRequest struct {
	Name          string `json:"name" binding:"required"`
	Phone         string `json:"phone"`
	WalletAddress string `json:"walletAddress"`
	DateOfBirth   string `json:"dateOfBirth"`
}

// CompleteOnboarding sets the caller's profile and settlement wallet.
func (h *UserHandler) CompleteOnboarding(c *gin.Context) {
	userID := c.Param("id")
	if !canAccessUser(c, userID) {
		return
	}

	var req OnboardingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing required fields", "code": "ValidationError"})
		return
	}

	user, err := h.users.CompleteOnboarding(c.Request.Context(), services.OnboardingParams{
		UserID:        userID,
		Name:          req.Name,
		Phone:         req.Phone,
		WalletAddress: req.WalletAddress,
		DateOfBirth:   req.DateOfBirth,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (h *UserHandler) GetCredits(c *gin.Context) {
	userID := c.Param("id")
	if !canAccessUser(c, userID) {
		return
	}

	audit, err := h.credits.Audit(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	history, err := h.credits.History(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"userId":        userID,
		"creditBalance": audit.Balance,
		"consistent":    audit.Consistent,
		"history":       history,
	})
}

type ConsumeCreditsRequest struct {
	Amount int    `json:"amount" binding:"required,gt=0"`
	Reason string `json:"reason"`
}

func (h *UserHandler) ConsumeCredits(c *gin.Context) {
	userID := c.Param("id")
	if !canAccessUser(c, userID) {
		return
	}

	var req ConsumeCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error(), "code": "ValidationError"})
		return
	}
	if req.Reason == "" {
		req.Reason = "Credits consumed"
	}

	balance, err := h.credits.Adjust(c.Request.Context(), userID, -req.Amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "userId": userID, "creditBalance": balance})
}

func (h *UserHandler) ListTransactions(c *gin.Context) {
	userID := c.Param("id")
	if !canAccessUser(c, userID) {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	txns, err := h.ledger.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "transactions": txns})
}

// canAccessUser lets authenticated users read only their own records unless
// they are admins. Without authentication every id is accessible.
func canAccessUser(c *gin.Context, userID string) bool {
	current, ok := c.Get("userID")
	if !ok {
		return true
	}
	if role, _ := c.Get("role"); role == "admin" || current == userID {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "Forbidden: cannot access another user's records"})
	return false
}
