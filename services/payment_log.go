package services

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/yourusername/cryptobazaar/metrics"
	"github.com/yourusername/cryptobazaar/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PaymentLog is the append-only record of payment verification and fill
// attempts.
type PaymentLog struct {
	db      *gorm.DB
	metrics metrics.Recorder
}

func NewPaymentLog(db *gorm.DB, recorder metrics.Recorder) *PaymentLog {
	return &PaymentLog{db: db, metrics: metrics.OrNop(recorder)}
}

// Record appends entry. A failed write is logged and counted but never
// returned, so it cannot mask the outcome being recorded.
func (l *PaymentLog) Record(ctx context.Context, entry models.PaymentAttempt) {
	if entry.ExternalOrderID == "" {
		entry.ExternalOrderID = "unknown"
	}
	entry.ExternalOrderID = truncate(entry.ExternalOrderID, models.ExternalIDMaxLen)
	entry.ExternalPaymentID = truncate(entry.ExternalPaymentID, models.ExternalIDMaxLen)
	entry.Email = truncate(entry.Email, models.EmailMaxLen)
	entry.Phone = truncate(entry.Phone, models.PhoneMaxLen)
	if err := l.db.WithContext(context.WithoutCancel(ctx)).Create(&entry).Error; err != nil {
		zap.L().Error("Failed to record payment attempt",
			zap.String("external_order_id", entry.ExternalOrderID),
			zap.String("type", string(entry.Type)),
			zap.String("status", string(entry.Status)),
			zap.Error(err))
		l.metrics.RecordLogFailure("payment_attempts")
		return
	}
	zap.L().Debug("Payment attempt recorded",
		zap.String("external_order_id", entry.ExternalOrderID),
		zap.String("type", string(entry.Type)),
		zap.String("status", string(entry.Status)))
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// FindByExternalOrderID returns every attempt for id, newest first.
func (l *PaymentLog) FindByExternalOrderID(ctx context.Context, id string) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := l.db.WithContext(ctx).
		Where("external_order_id = ?", id).
		Order("created_at DESC").
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load payment attempts: %w", err)
	}
	return attempts, nil
}

func (l *PaymentLog) Latest(ctx context.Context, id string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := l.db.WithContext(ctx).
		Where("external_order_id = ?", id).
		Order("created_at DESC").
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("payment attempt for order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment attempt: %w", err)
	}
	return &attempt, nil
}
