package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/cryptobazaar/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxCreditCASAttempts = 5

// PlanCredits resolves a plan id to its credit limit.
type PlanCredits interface {
	CreditLimit(planID string) int
}

// CreditReconciler is the only writer of user credit balances. Every change
// is paired with credit log entries in the same database transaction, so the
// log always sums to the balance.
type CreditReconciler struct {
	db    *gorm.DB
	plans PlanCredits
	now   func() time.Time
}

func NewCreditReconciler(db *gorm.DB, plans PlanCredits) *CreditReconciler {
	return &CreditReconciler{db: db, plans: plans, now: time.Now}
}

type CreditReset struct {
	UserID   string
	Previous int
	Limit    int
	ResetAt  time.Time
}

func (r *CreditReconciler) ResetForPlan(ctx context.Context, userID, planID string) (*CreditReset, error) {
	var reset *CreditReset
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reset, err = r.ResetForPlanTx(tx, userID, planID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reset, nil
}

// ResetForPlanTx clears the remaining balance and allocates the plan limit.
// Credits do not roll over: an unspent balance is logged as a negative entry
// before the new allocation is logged. The balance write is a compare and
// swap on the value read, retried when another writer got there first.
func (r *CreditReconciler) ResetForPlanTx(tx *gorm.DB, userID, planID string) (*CreditReset, error) {
	limit := r.plans.CreditLimit(planID)

	for attempt := 1; attempt <= maxCreditCASAttempts; attempt++ {
		var user models.User
		if err := tx.Select("id", "credit_balance").First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, notFound("user", userID)
			}
			return nil, fmt.Errorf("failed to load user credits: %w", err)
		}

		now := r.now()
		res := tx.Model(&models.User{}).
			Where("id = ? AND credit_balance = ?", userID, user.CreditBalance).
			Updates(map[string]interface{}{
				"credit_balance":       limit,
				"monthly_credit_limit": limit,
				"last_reset_date":      now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to reset credits: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			zap.L().Warn("Credit balance changed during reset, retrying",
				zap.String("user_id", userID), zap.Int("attempt", attempt))
			continue
		}

		if user.CreditBalance > 0 {
			if err := tx.Create(&models.CreditLog{
				UserID:    userID,
				Amount:    -user.CreditBalance,
				Reason:    "Remaining credits cleared on subscription renewal.",
				CreatedAt: now,
			}).Error; err != nil {
				return nil, fmt.Errorf("failed to log cleared credits: %w", err)
			}
		}
		if limit != 0 {
			if err := tx.Create(&models.CreditLog{
				UserID:    userID,
				Amount:    limit,
				Reason:    "Allocated new credits for subscription renewal.",
				CreatedAt: now.Add(time.Microsecond),
			}).Error; err != nil {
				return nil, fmt.Errorf("failed to log allocated credits: %w", err)
			}
		}

		zap.L().Info("Credits reset",
			zap.String("user_id", userID),
			zap.String("plan_id", planID),
			zap.Int("previous", user.CreditBalance),
			zap.Int("limit", limit))
		return &CreditReset{UserID: userID, Previous: user.CreditBalance, Limit: limit, ResetAt: now}, nil
	}

	return nil, ErrConcurrentModification
}

// Adjust applies a signed delta, refusing to take the balance below zero.
// It returns the new balance.
func (r *CreditReconciler) Adjust(ctx context.Context, userID string, delta int, reason string) (int, error) {
	if delta == 0 {
		return 0, validationError("credit delta must not be zero")
	}
	if reason == "" {
		return 0, validationError("reason is required")
	}

	var balance int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND credit_balance + ? >= 0", userID, delta).
			Update("credit_balance", gorm.Expr("credit_balance + ?", delta))
		if res.Error != nil {
			return fmt.Errorf("failed to adjust credits: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			current, err := balanceOf(tx, userID)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientCredits, current, delta)
		}

		if err := tx.Create(&models.CreditLog{UserID: userID, Amount: delta, Reason: reason}).Error; err != nil {
			return fmt.Errorf("failed to log credit adjustment: %w", err)
		}

		var err error
		balance, err = balanceOf(tx, userID)
		return err
	})
	if err != nil {
		return 0, err
	}

	zap.L().Info("Credits adjusted", zap.String("user_id", userID), zap.Int("delta", delta), zap.Int("balance", balance))
	return balance, nil
}

func (r *CreditReconciler) Balance(ctx context.Context, userID string) (int, error) {
	return balanceOf(r.db.WithContext(ctx), userID)
}

func (r *CreditReconciler) History(ctx context.Context, userID string) ([]models.CreditLog, error) {
	var entries []models.CreditLog
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load credit history: %w", err)
	}
	return entries, nil
}

type CreditAudit struct {
	UserID     string `json:"userId"`
	Balance    int    `json:"balance"`
	LogSum     int    `json:"logSum"`
	Consistent bool   `json:"consistent"`
}

// Audit compares the balance with the sum of the credit log, reading both
// in one transaction.
func (r *CreditReconciler) Audit(ctx context.Context, userID string) (*CreditAudit, error) {
	audit := &CreditAudit{UserID: userID}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := balanceOf(tx, userID)
		if err != nil {
			return err
		}
		var sum int
		if err := tx.Model(&models.CreditLog{}).
			Where("user_id = ?", userID).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&sum).Error; err != nil {
			return fmt.Errorf("failed to sum credit log: %w", err)
		}
		audit.Balance = balance
		audit.LogSum = sum
		return nil
	})
	if err != nil {
		return nil, err
	}
	audit.Consistent = audit.Balance == audit.LogSum
	if !audit.Consistent {
		zap.L().Error("Credit log does not reconcile with balance",
			zap.String("user_id", userID), zap.Int("balance", audit.Balance), zap.Int("log_sum", audit.LogSum))
	}
	return audit, nil
}

func balanceOf(db *gorm.DB, userID string) (int, error) {
	var user models.User
	if err := db.Select("id", "credit_balance").First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, notFound("user", userID)
		}
		return 0, fmt.Errorf("failed to load credit balance: %w", err)
	}
	return user.CreditBalance, nil
}
