package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/yourusername/cryptobazaar/models"
	"github.com/yourusername/cryptobazaar/services"
)

type OrderHandler struct {
	orders      *services.OrderLedger
	marketplace *services.Marketplace
}

func NewOrderHandler(orders *services.OrderLedger, marketplace *services.Marketplace) *OrderHandler {
	return &OrderHandler{orders: orders, marketplace: marketplace}
}

type CreateOrderRequest struct {
	OwnerID        string           `json:"ownerId"`
	Side           models.OrderSide `json:"side" binding:"required"`
	Cryptocurrency string           `json:"cryptocurrency" binding:"required"`
	FiatCurrency   string           `json:"fiatCurrency"`
	Price          decimal.Decimal  `json:"price"`
	Amount         decimal.Decimal  `json:"amount"`
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error(), "code": "ValidationError"})
		return
	}

	order, err := h.orders.Create(c.Request.Context(), services.CreateOrderParams{
		OwnerID:        actingUser(c, req.OwnerID),
		Side:           req.Side,
		Cryptocurrency: req.Cryptocurrency,
		FiatCurrency:   req.FiatCurrency,
		Price:          req.Price,
		Amount:         req.Amount,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "order": order})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "order": order})
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	openOnly, _ := strconv.ParseBool(c.DefaultQuery("open", "true"))
	orders, err := h.orders.List(c.Request.Context(), services.OrderFilter{
		Side:           models.OrderSide(c.Query("side")),
		Cryptocurrency: c.Query("cryptocurrency"),
		OpenOnly:       openOnly,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orders": orders})
}

type BuyOrderRequest struct {
	OrderID string          `json:"orderId"`
	Amount  decimal.Decimal `json:"amount"`
	BuyerID string          `json:"buyerId"`
}

// BuyOrder fills part of an order and settles the stablecoins to the
// buyer's wallet.
func (h *OrderHandler) BuyOrder(c *gin.Context) {
	var req BuyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing required fields", "code": "ValidationError"})
		return
	}

	result, err := h.marketplace.Fill(c.Request.Context(), services.FillRequest{
		OrderID: req.OrderID,
		BuyerID: actingUser(c, req.BuyerID),
		Amount:  req.Amount,
	})
	if errors.Is(err, services.ErrReconciliationAmbiguous) {
		c.JSON(http.StatusAccepted, gin.H{
			"success":    false,
			"pending":    true,
			"message":    "Settlement submitted, outcome pending confirmation",
			"code":       errorCode(err),
			"order":      result.Order,
			"settlement": settlementView(result.Settlement),
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"order":      result.Order,
		"settlement": settlementView(result.Settlement),
	})
}

func settlementView(s *models.Settlement) gin.H {
	if s == nil {
		return nil
	}
	return gin.H{
		"id":       s.ID,
		"status":   s.Status,
		"txHash":   s.TxHash,
		"amount":   s.Amount,
		"asset":    s.Asset,
		"receiver": s.Receiver,
		"feeUsed":  s.FeeCharged,
		"blockRef": s.Ledger,
	}
}

// actingUser prefers the authenticated user over an id in the request body.
func actingUser(c *gin.Context, fallback string) string {
	if v, ok := c.Get("userID"); ok {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return fallback
}
