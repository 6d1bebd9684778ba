package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/cryptobazaar/services"
	"go.uber.org/zap"
)

type PaymentHandler struct {
	verifier *services.PaymentVerifier
	payments *services.PaymentLog
}

func NewPaymentHandler(verifier *services.PaymentVerifier, payments *services.PaymentLog) *PaymentHandler {
	return &PaymentHandler{verifier: verifier, payments: payments}
}

// Amounts are in the smallest currency unit.
type VerifyPaymentRequest struct {
	OrderCreationID string `json:"orderCreationId"`
	PaymentID       string `json:"paymentId"`
	Signature       string `json:"signature"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	Amount          int64  `json:"amount"`
	FailureReason   string `json:"failureReason"`
	IsFailedPayment bool   `json:"isFailedPayment"`
}

func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	var req VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// A malformed body is verified as an empty one so the attempt is
		// still recorded.
		zap.L().Warn("Malformed payment verification body", zap.Error(err))
		req = VerifyPaymentRequest{}
	}

	result, err := h.verifier.VerifyPayment(c.Request.Context(), services.PaymentVerification{
		OrderCreationID: req.OrderCreationID,
		PaymentID:       req.PaymentID,
		Signature:       req.Signature,
		Email:           req.Email,
		Phone:           req.Phone,
		Amount:          req.Amount,
		FailureReason:   req.FailureReason,
		IsFailedPayment: req.IsFailedPayment,
	})
	c.JSON(verifyStatus(err), result)
}

type VerifySubscriptionRequest struct {
	PaymentID       string `json:"paymentId"`
	SubscriptionID  string `json:"subscriptionId"`
	Signature       string `json:"signature"`
	UserID          string `json:"userId"`
	Amount          int64  `json:"amount"`
	FailureReason   string `json:"failureReason"`
	IsFailedPayment bool   `json:"isFailedPayment"`
}

func (h *PaymentHandler) VerifySubscription(c *gin.Context) {
	var req VerifySubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		zap.L().Warn("Malformed subscription verification body", zap.Error(err))
		req = VerifySubscriptionRequest{}
	}

	result, err := h.verifier.VerifySubscriptionPayment(c.Request.Context(), services.SubscriptionVerification{
		PaymentID:       req.PaymentID,
		SubscriptionID:  req.SubscriptionID,
		Signature:       req.Signature,
		UserID:          actingUser(c, req.UserID),
		Amount:          req.Amount,
		FailureReason:   req.FailureReason,
		IsFailedPayment: req.IsFailedPayment,
	})
	c.JSON(verifyStatus(err), result)
}

// verifyStatus reports a client signature mismatch as a bad request rather
// than an authentication failure.
func verifyStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, services.ErrSignature) {
		return http.StatusBadRequest
	}
	return statusFor(err)
}

func (h *PaymentHandler) ListAttempts(c *gin.Context) {
	attempts, err := h.payments.FindByExternalOrderID(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "attempts": attempts})
}
