package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yourusername/cryptobazaar/metrics"
	"github.com/yourusername/cryptobazaar/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Marketplace fills P2P orders: it reserves inventory, settles the transfer
// on chain and gives the inventory back when the transfer definitely failed.
type Marketplace struct {
	db       *gorm.DB
	orders   *OrderLedger
	executor *SettlementExecutor
	payments *PaymentLog
	ledger   *TransactionLedger
	metrics  metrics.Recorder
	timeout  time.Duration
}

func NewMarketplace(db *gorm.DB, orders *OrderLedger, executor *SettlementExecutor, payments *PaymentLog,
	ledger *TransactionLedger, recorder metrics.Recorder, timeout time.Duration) *Marketplace {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Marketplace{
		db:       db,
		orders:   orders,
		executor: executor,
		payments: payments,
		ledger:   ledger,
		metrics:  metrics.OrNop(recorder),
		timeout:  timeout,
	}
}

type FillRequest struct {
	OrderID string
	BuyerID string
	Amount  decimal.Decimal
}

type FillResult struct {
	Order      *models.P2POrder
	Settlement *models.Settlement
	Receipt    *Receipt
}

// Fill runs one purchase against an order. Exactly one payment attempt is
// recorded per call.
//
// An ambiguous settlement returns both a result and an error wrapping
// ErrReconciliationAmbiguous; the reservation stays in place until the
// reconciler resolves it.
func (m *Marketplace) Fill(ctx context.Context, req FillRequest) (*FillResult, error) {
	result, err := m.fill(ctx, req)
	m.recordFill(ctx, req, result, err)
	return result, err
}

func (m *Marketplace) fill(ctx context.Context, req FillRequest) (*FillResult, error) {
	if req.OrderID == "" || req.BuyerID == "" {
		return nil, validationError("orderId and buyerId are required")
	}
	if _, err := fillUnits(req.Amount); err != nil {
		return nil, err
	}
	if !m.executor.Configured() {
		return nil, fmt.Errorf("%w: settlement signer is not configured", ErrConfiguration)
	}

	var buyer models.User
	if err := m.db.WithContext(ctx).First(&buyer, "id = ?", req.BuyerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("buyer", req.BuyerID)
		}
		return nil, fmt.Errorf("failed to load buyer: %w", err)
	}
	if buyer.WalletAddress == "" {
		return nil, notFound("wallet address for buyer", req.BuyerID)
	}
	if err := m.executor.ValidateReceiver(buyer.WalletAddress); err != nil {
		return nil, err
	}

	order, err := m.orders.Reserve(ctx, req.OrderID, req.Amount)
	if err != nil {
		return nil, err
	}
	result := &FillResult{Order: order}

	// From here on the reservation exists, so bookkeeping must finish even if
	// the caller goes away.
	bg := context.WithoutCancel(ctx)

	settlement := &models.Settlement{
		OrderID:  order.ID,
		BuyerID:  buyer.ID,
		Receiver: buyer.WalletAddress,
		Asset:    order.Cryptocurrency,
		Amount:   req.Amount,
		Status:   models.SettlementPending,
	}
	if err := m.db.WithContext(bg).Create(settlement).Error; err != nil {
		m.release(bg, order.ID, req.Amount)
		return nil, fmt.Errorf("failed to create settlement: %w", err)
	}
	result.Settlement = settlement

	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	prepared, err := m.executor.Prepare(sctx, settlement.Receiver, settlement.Asset, settlement.Amount)
	if err != nil {
		m.compensate(bg, result, err)
		return result, err
	}

	settlement.TxHash = prepared.Hash
	settlement.ValidUntil = &prepared.ValidUntil
	if err := m.db.WithContext(bg).Model(settlement).Updates(map[string]interface{}{
		"tx_hash":     prepared.Hash,
		"valid_until": prepared.ValidUntil,
	}).Error; err != nil {
		err = fmt.Errorf("failed to persist settlement hash: %w", err)
		m.compensate(bg, result, err)
		return result, err
	}

	receipt, err := m.executor.Submit(sctx, prepared)
	var ambiguous *AmbiguousSettlementError
	switch {
	case errors.As(err, &ambiguous):
		m.markAmbiguous(bg, settlement, err)
		return result, err
	case err != nil:
		m.compensate(bg, result, err)
		return result, err
	}

	result.Receipt = receipt
	settlement.Status = models.SettlementConfirmed
	settlement.Ledger = receipt.Ledger
	settlement.FeeCharged = receipt.FeeCharged
	if err := m.db.WithContext(bg).Model(settlement).Updates(map[string]interface{}{
		"status":      models.SettlementConfirmed,
		"ledger":      receipt.Ledger,
		"fee_charged": receipt.FeeCharged,
	}).Error; err != nil {
		// The transfer is final; the row can be repaired from the hash.
		zap.L().Error("Failed to mark settlement confirmed",
			zap.String("settlement_id", settlement.ID),
			zap.String("tx_hash", receipt.TxHash),
			zap.Error(err))
	}

	zap.L().Info("Order filled",
		zap.String("order_id", order.ID),
		zap.String("buyer_id", buyer.ID),
		zap.String("amount", req.Amount.String()),
		zap.String("tx_hash", receipt.TxHash))
	return result, nil
}

// compensate marks the settlement failed and releases the reservation in
// one database transaction.
func (m *Marketplace) compensate(ctx context.Context, result *FillResult, cause error) {
	s := result.Settlement
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Settlement{}).
			Where("id = ? AND status = ?", s.ID, models.SettlementPending).
			Updates(map[string]interface{}{
				"status":         models.SettlementFailed,
				"failure_reason": cause.Error(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: settlement %s is no longer pending", ErrConflict, s.ID)
		}
		return m.orders.ReleaseTx(tx, s.OrderID, s.Amount)
	})
	if err != nil {
		zap.L().Error("Failed to compensate settlement",
			zap.String("settlement_id", s.ID),
			zap.String("order_id", s.OrderID),
			zap.Error(err))
		return
	}

	s.Status = models.SettlementFailed
	s.FailureReason = cause.Error()
	if order, err := m.orders.Get(ctx, s.OrderID); err == nil {
		result.Order = order
	}
	zap.L().Warn("Settlement failed, reservation released",
		zap.String("settlement_id", s.ID),
		zap.String("order_id", s.OrderID),
		zap.String("amount", s.Amount.String()),
		zap.Error(cause))
}

func (m *Marketplace) markAmbiguous(ctx context.Context, s *models.Settlement, cause error) {
	s.Status = models.SettlementAmbiguous
	s.FailureReason = cause.Error()
	if err := m.db.WithContext(ctx).Model(s).Updates(map[string]interface{}{
		"status":         models.SettlementAmbiguous,
		"failure_reason": cause.Error(),
	}).Error; err != nil {
		zap.L().Error("Failed to mark settlement ambiguous",
			zap.String("settlement_id", s.ID),
			zap.String("tx_hash", s.TxHash),
			zap.Error(err))
	}
}

func (m *Marketplace) release(ctx context.Context, orderID string, amount decimal.Decimal) {
	if err := m.orders.Release(ctx, orderID, amount); err != nil {
		zap.L().Error("Failed to release reservation", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (m *Marketplace) recordFill(ctx context.Context, req FillRequest, result *FillResult, err error) {
	attempt := models.PaymentAttempt{
		ExternalOrderID: req.OrderID,
		Amount:          req.Amount,
		Type:            models.PaymentP2PFill,
	}
	txn := &models.Transaction{
		UserID: req.BuyerID,
		Amount: req.Amount,
		Type:   models.TxP2PFill,
	}

	var outcome string
	switch {
	case err == nil:
		outcome = "success"
		attempt.Status = models.AttemptSuccess
		attempt.ExternalPaymentID = result.Receipt.TxHash
		attempt.Description = fmt.Sprintf("Settled %s %s to %s", req.Amount, result.Receipt.Asset, result.Receipt.Receiver)
		txn.Status = models.TxStatusSuccess
	case errors.Is(err, ErrReconciliationAmbiguous):
		outcome = "ambiguous"
		attempt.Status = models.AttemptError
		attempt.Description = "Settlement outcome unknown, awaiting reconciliation"
		txn.Status = models.TxStatusPending
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrExternalService):
		outcome = "rejected"
		if result != nil && result.Settlement != nil {
			outcome = "failed"
		}
		attempt.Status = models.AttemptFailed
		attempt.Description = err.Error()
		txn.Status = models.TxStatusFailed
	default:
		outcome = "error"
		attempt.Status = models.AttemptError
		attempt.Description = err.Error()
		txn.Status = models.TxStatusError
	}

	if result != nil && result.Settlement != nil {
		attempt.ExternalPaymentID = result.Settlement.TxHash
		txn.Currency = result.Settlement.Asset
		txn.Description = fmt.Sprintf("P2P fill of order %s: %s", req.OrderID, attempt.Description)
		m.ledger.Record(ctx, txn)
	}
	m.payments.Record(ctx, attempt)
	m.metrics.RecordFill(outcome)
}
