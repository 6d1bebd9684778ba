package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/cryptobazaar/metrics"
	"github.com/yourusername/cryptobazaar/models"
	"github.com/yourusername/cryptobazaar/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// expiryGrace is how long past its validity window a transfer must be
// missing before it is declared failed.
const expiryGrace = 30 * time.Second

type ReconcileReport struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// SettlementReconciler resolves settlements whose outcome was unknown when
// the fill returned, and pending settlements a crashed process left behind.
type SettlementReconciler struct {
	db          *gorm.DB
	executor    *SettlementExecutor
	orders      *OrderLedger
	payments    *PaymentLog
	ledger      *TransactionLedger
	metrics     metrics.Recorder
	concurrency int
	staleAfter  time.Duration
	now         func() time.Time
}

func NewSettlementReconciler(db *gorm.DB, executor *SettlementExecutor, orders *OrderLedger, payments *PaymentLog,
	ledger *TransactionLedger, recorder metrics.Recorder, concurrency int, staleAfter time.Duration) *SettlementReconciler {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &SettlementReconciler{
		db:          db,
		executor:    executor,
		orders:      orders,
		payments:    payments,
		ledger:      ledger,
		metrics:     metrics.OrNop(recorder),
		concurrency: concurrency,
		staleAfter:  staleAfter,
		now:         time.Now,
	}
}

// ReconcilePending checks every unresolved settlement against the chain.
// A settlement is only failed (and its reservation released) once the
// network has rejected it or its validity window has passed.
func (r *SettlementReconciler) ReconcilePending(ctx context.Context) (*ReconcileReport, error) {
	var settlements []models.Settlement
	query := r.db.WithContext(ctx).Where("status = ?", models.SettlementAmbiguous)
	if r.staleAfter > 0 {
		query = query.Or("status = ? AND updated_at < ?", models.SettlementPending, r.now().Add(-r.staleAfter))
	}
	if err := query.Order("created_at ASC").Find(&settlements).Error; err != nil {
		return nil, fmt.Errorf("failed to load unresolved settlements: %w", err)
	}

	report := &ReconcileReport{Checked: len(settlements)}
	if len(settlements) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range settlements {
		s := &settlements[i]
		g.Go(func() error {
			outcome, err := r.resolve(gctx, s)
			if err != nil {
				zap.L().Error("Failed to reconcile settlement",
					zap.String("settlement_id", s.ID),
					zap.String("tx_hash", s.TxHash),
					zap.Error(err))
				outcome = "error"
			}
			r.metrics.RecordReconcile(outcome)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "confirmed":
				report.Confirmed++
			case "failed":
				report.Failed++
			default:
				report.Pending++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	zap.L().Info("Settlement reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("confirmed", report.Confirmed),
		zap.Int("failed", report.Failed),
		zap.Int("pending", report.Pending))
	return report, nil
}

func (r *SettlementReconciler) resolve(ctx context.Context, s *models.Settlement) (string, error) {
	if s.TxHash == "" {
		return r.fail(ctx, s, "transfer was never prepared")
	}

	receipt, err := r.executor.Lookup(ctx, s.TxHash)
	switch {
	case errors.Is(err, utils.ErrTransferNotFound):
		if s.ValidUntil != nil && r.now().After(s.ValidUntil.Add(expiryGrace)) {
			return r.fail(ctx, s, "transfer expired without ledger inclusion")
		}
		return "pending", nil
	case err != nil:
		return "pending", err
	case !receipt.Successful:
		return r.fail(ctx, s, "transfer failed on chain")
	}
	return r.confirm(ctx, s, receipt)
}

func (r *SettlementReconciler) confirm(ctx context.Context, s *models.Settlement, receipt *utils.TransferReceipt) (string, error) {
	res := r.db.WithContext(ctx).Model(&models.Settlement{}).
		Where("id = ? AND status = ?", s.ID, s.Status).
		Updates(map[string]interface{}{
			"status":         models.SettlementConfirmed,
			"ledger":         receipt.Ledger,
			"fee_charged":    receipt.FeeCharged,
			"failure_reason": "",
		})
	if res.Error != nil {
		return "", fmt.Errorf("failed to confirm settlement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "pending", nil
	}

	r.payments.Record(ctx, models.PaymentAttempt{
		ExternalOrderID:   s.OrderID,
		ExternalPaymentID: s.TxHash,
		Amount:            s.Amount,
		Type:              models.PaymentP2PFill,
		Status:            models.AttemptSuccess,
		Description:       fmt.Sprintf("Settlement confirmed in ledger %d after reconciliation", receipt.Ledger),
	})
	r.ledger.Record(ctx, &models.Transaction{
		UserID:      s.BuyerID,
		Amount:      s.Amount,
		Currency:    s.Asset,
		Type:        models.TxP2PFill,
		Status:      models.TxStatusSuccess,
		Description: fmt.Sprintf("P2P fill of order %s confirmed by reconciliation", s.OrderID),
	})
	zap.L().Info("Settlement confirmed by reconciliation", zap.String("settlement_id", s.ID), zap.String("tx_hash", s.TxHash))
	return "confirmed", nil
}

// fail marks the settlement failed and releases its reservation. The status
// compare and swap makes sure only one reconciler releases.
func (r *SettlementReconciler) fail(ctx context.Context, s *models.Settlement, reason string) (string, error) {
	released := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Settlement{}).
			Where("id = ? AND status = ?", s.ID, s.Status).
			Updates(map[string]interface{}{
				"status":         models.SettlementFailed,
				"failure_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		released = true
		return r.orders.ReleaseTx(tx, s.OrderID, s.Amount)
	})
	if err != nil {
		return "", fmt.Errorf("failed to compensate settlement: %w", err)
	}
	if !released {
		return "pending", nil
	}

	r.payments.Record(ctx, models.PaymentAttempt{
		ExternalOrderID:   s.OrderID,
		ExternalPaymentID: s.TxHash,
		Amount:            s.Amount,
		Type:              models.PaymentP2PFill,
		Status:            models.AttemptFailed,
		Description:       "Settlement failed after reconciliation: " + reason,
	})
	r.ledger.Record(ctx, &models.Transaction{
		UserID:      s.BuyerID,
		Amount:      s.Amount,
		Currency:    s.Asset,
		Type:        models.TxP2PFill,
		Status:      models.TxStatusFailed,
		Description: fmt.Sprintf("P2P fill of order %s failed: %s", s.OrderID, reason),
	})
	zap.L().Warn("Settlement failed by reconciliation, reservation released",
		zap.String("settlement_id", s.ID),
		zap.String("order_id", s.OrderID),
		zap.String("reason", reason))
	return "failed", nil
}

// Run reconciles every interval until ctx is done.
func (r *SettlementReconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcilePending(ctx); err != nil {
				zap.L().Error("Settlement reconciliation failed", zap.Error(err))
			}
		}
	}
}
