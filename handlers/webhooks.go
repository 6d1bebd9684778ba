package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/cryptobazaar/services"
)

const signatureHeader = "X-Razorpay-Signature"

type WebhookHandler struct {
	dispatcher *services.WebhookDispatcher
}

func NewWebhookHandler(dispatcher *services.WebhookDispatcher) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher}
}

// Receive reads the body as raw bytes, since the signature covers exactly
// what was sent.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), body, c.GetHeader(signatureHeader))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": webhookError(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Webhook processed successfully",
		"event":   result.Event,
		"status":  result.Status,
	})
}

func (h *WebhookHandler) ListEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.dispatcher.Events(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": events})
}

func webhookError(err error) string {
	switch {
	case errors.Is(err, services.ErrConfiguration):
		return "Webhook secret not configured"
	case errors.Is(err, services.ErrValidation):
		return "Missing signature"
	case errors.Is(err, services.ErrSignature):
		return "Invalid signature"
	default:
		return "Internal server error"
	}
}
