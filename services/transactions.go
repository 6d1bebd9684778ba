package services

import (
	"context"
	"fmt"

	"github.com/yourusername/cryptobazaar/metrics"
	"github.com/yourusername/cryptobazaar/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TransactionLedger appends audit records. Nothing reads it for control
// flow.
type TransactionLedger struct {
	db      *gorm.DB
	metrics metrics.Recorder
}

func NewTransactionLedger(db *gorm.DB, recorder metrics.Recorder) *TransactionLedger {
	return &TransactionLedger{db: db, metrics: metrics.OrNop(recorder)}
}

// RecordTx appends txn inside an open database transaction so it commits or
// rolls back together with the change it describes.
func (l *TransactionLedger) RecordTx(tx *gorm.DB, txn *models.Transaction) error {
	if txn.UserID == "" {
		txn.UserID = "unknown"
	}
	if txn.Currency == "" {
		txn.Currency = "INR"
	}
	if err := tx.Create(txn).Error; err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	zap.L().Info("Transaction recorded",
		zap.String("user_id", txn.UserID),
		zap.String("type", txn.Type),
		zap.String("status", txn.Status),
		zap.String("amount", txn.Amount.String()))
	return nil
}

// Record appends txn on its own. Failures are logged and counted, not
// returned.
func (l *TransactionLedger) Record(ctx context.Context, txn *models.Transaction) {
	if err := l.RecordTx(l.db.WithContext(context.WithoutCancel(ctx)), txn); err != nil {
		zap.L().Error("Failed to record transaction",
			zap.String("user_id", txn.UserID),
			zap.String("type", txn.Type),
			zap.Error(err))
		l.metrics.RecordLogFailure("transactions")
	}
}

func (l *TransactionLedger) ListForUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var txns []models.Transaction
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
