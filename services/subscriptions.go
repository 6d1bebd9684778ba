package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yourusername/cryptobazaar/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const billingPeriod = 30 * 24 * time.Hour

var transitions = map[models.SubscriptionStatus][]models.SubscriptionStatus{
	models.SubscriptionCreated:   {models.SubscriptionActive, models.SubscriptionCancelled, models.SubscriptionFailed},
	models.SubscriptionActive:    {models.SubscriptionActive, models.SubscriptionPaused, models.SubscriptionCancelled, models.SubscriptionFailed},
	models.SubscriptionPaused:    {models.SubscriptionActive, models.SubscriptionCancelled, models.SubscriptionFailed},
	models.SubscriptionFailed:    {models.SubscriptionActive, models.SubscriptionCancelled, models.SubscriptionFailed},
	models.SubscriptionCancelled: {},
}

// CanTransition reports whether a subscription may move from one status to
// another. Cancelled is terminal.
func CanTransition(from, to models.SubscriptionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SubscriptionMachine owns subscription status. Each event runs in one
// database transaction that claims the event's idempotency key, applies the
// transition, adjusts credits and appends the audit record.
type SubscriptionMachine struct {
	db      *gorm.DB
	credits *CreditReconciler
	ledger  *TransactionLedger
	now     func() time.Time
}

func NewSubscriptionMachine(db *gorm.DB, credits *CreditReconciler, ledger *TransactionLedger) *SubscriptionMachine {
	return &SubscriptionMachine{db: db, credits: credits, ledger: ledger, now: time.Now}
}

// Outcome describes what an event did. Duplicate and Rejected events leave
// the subscription untouched.
type Outcome struct {
	Subscription *models.Subscription
	Transaction  *models.Transaction
	CreditReset  *CreditReset
	Duplicate    bool
	Rejected     bool
}

type Charge struct {
	RazorpaySubscriptionID string
	PaymentID              string
	Amount                 decimal.Decimal
	Currency               string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	Note                   string
	// Delivery identifies the webhook delivery; it keys charges that carry
	// neither a payment id nor a period.
	Delivery string
}

// ApplyCharge handles a renewal charge reported by the processor: the
// subscription becomes active, paidCount grows by one and credits are reset
// to the plan limit. A charge already confirmed by the client verification
// call only resets credits.
func (m *SubscriptionMachine) ApplyCharge(ctx context.Context, c Charge) (*Outcome, error) {
	out := &Outcome{}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, c.RazorpaySubscriptionID)
		if err != nil {
			return err
		}
		out.Subscription = sub

		key := c.PaymentID
		if key == "" {
			var start int64
			if c.PeriodStart != nil {
				start = c.PeriodStart.Unix()
			}
			key = deliveryKey(c.RazorpaySubscriptionID, EventSubscriptionCharged, start, c.Delivery)
		}
		charged, err := claim(tx, chargeKey(key), sourceWebhook)
		if err != nil {
			return err
		}
		resetDue, err := claim(tx, creditResetKey(key), sourceWebhook)
		if err != nil {
			return err
		}
		if !charged && !resetDue {
			out.Duplicate = true
			return nil
		}

		if !CanTransition(sub.Status, models.SubscriptionActive) {
			out.Rejected = true
			out.Transaction, err = m.rejectTx(tx, sub, models.TxSubscriptionCharged, c.PaymentID, c.Amount, c.Currency)
			return err
		}

		updates := map[string]interface{}{"status": models.SubscriptionActive}
		if charged {
			updates["paid_count"] = gorm.Expr("paid_count + 1")
			start, end := m.advancePeriod(sub, c.PeriodStart, c.PeriodEnd)
			updates["current_period_start"] = start
			updates["current_period_end"] = end
		}
		if err := casStatus(tx, sub, updates); err != nil {
			return err
		}

		description := "Subscription charged successfully."
		if resetDue {
			out.CreditReset, err = m.credits.ResetForPlanTx(tx, sub.UserID, sub.PlanID)
			if err != nil {
				return err
			}
			description = fmt.Sprintf("Subscription charged successfully. Credits reset to %d.", out.CreditReset.Limit)
		}
		if c.Note != "" {
			description += " " + c.Note
		}

		out.Transaction = &models.Transaction{
			UserID:            sub.UserID,
			SubscriptionID:    &sub.ID,
			RazorpayPaymentID: optional(c.PaymentID),
			Amount:            c.Amount,
			Currency:          c.Currency,
			Type:              models.TxSubscriptionCharged,
			Status:            models.TxStatusSuccess,
			Description:       description,
		}
		if err := m.ledger.RecordTx(tx, out.Transaction); err != nil {
			return err
		}
		return reload(tx, sub)
	})
	if err != nil {
		m.recordFailure(ctx, c.RazorpaySubscriptionID, models.TxSubscriptionCharged, c.PaymentID, c.Amount, c.Currency, err)
		return nil, err
	}

	m.logOutcome(EventSubscriptionCharged, out)
	return out, nil
}

type Activation struct {
	RazorpaySubscriptionID string
	PaymentID              string
	Amount                 decimal.Decimal
	Currency               string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
}

// Activate moves a subscription to active and allocates its first credits.
// Activation carries no payment of its own most of the time, so it is keyed
// on the subscription and runs at most once per subscription.
func (m *SubscriptionMachine) Activate(ctx context.Context, a Activation) (*Outcome, error) {
	out := &Outcome{}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, a.RazorpaySubscriptionID)
		if err != nil {
			return err
		}
		out.Subscription = sub

		key := "activated:" + a.RazorpaySubscriptionID
		if a.PaymentID != "" {
			key = creditResetKey(a.PaymentID)
		}
		fresh, err := claim(tx, key, sourceWebhook)
		if err != nil {
			return err
		}
		if !fresh {
			out.Duplicate = true
			return nil
		}

		if !CanTransition(sub.Status, models.SubscriptionActive) {
			out.Rejected = true
			out.Transaction, err = m.rejectTx(tx, sub, models.TxSubscriptionActivated, a.PaymentID, a.Amount, a.Currency)
			return err
		}

		updates := map[string]interface{}{"status": models.SubscriptionActive}
		if a.PeriodStart != nil {
			updates["current_period_start"] = a.PeriodStart
		}
		if a.PeriodEnd != nil {
			updates["current_period_end"] = a.PeriodEnd
		}
		if err := casStatus(tx, sub, updates); err != nil {
			return err
		}

		out.CreditReset, err = m.credits.ResetForPlanTx(tx, sub.UserID, sub.PlanID)
		if err != nil {
			return err
		}

		out.Transaction = &models.Transaction{
			UserID:            sub.UserID,
			SubscriptionID:    &sub.ID,
			RazorpayPaymentID: optional(a.PaymentID),
			Amount:            a.Amount,
			Currency:          a.Currency,
			Type:              models.TxSubscriptionActivated,
			Status:            models.TxStatusSuccess,
			Description:       fmt.Sprintf("Subscription activated and credits reset to %d.", out.CreditReset.Limit),
		}
		if err := m.ledger.RecordTx(tx, out.Transaction); err != nil {
			return err
		}
		return reload(tx, sub)
	})
	if err != nil {
		m.recordFailure(ctx, a.RazorpaySubscriptionID, models.TxSubscriptionActivated, a.PaymentID, a.Amount, a.Currency, err)
		return nil, err
	}

	m.logOutcome(EventSubscriptionActivated, out)
	return out, nil
}

type StatusChange struct {
	RazorpaySubscriptionID string
	Event                  EventType
	// CreatedAt is the processor's event time; together with the
	// subscription and event it identifies one delivery. Delivery is used
	// instead when CreatedAt is missing.
	CreatedAt int64
	Delivery  string
}

var statusEvents = map[EventType]struct {
	target      models.SubscriptionStatus
	txType      string
	description string
}{
	EventSubscriptionCancelled: {models.SubscriptionCancelled, models.TxSubscriptionCancelled, "Subscription cancelled."},
	EventSubscriptionPaused:    {models.SubscriptionPaused, models.TxSubscriptionPaused, "Subscription paused."},
	EventSubscriptionResumed:   {models.SubscriptionActive, models.TxSubscriptionResumed, "Subscription resumed."},
}

// ChangeStatus applies cancelled, paused and resumed events. None of them
// touches credits.
func (m *SubscriptionMachine) ChangeStatus(ctx context.Context, change StatusChange) (*Outcome, error) {
	rule, ok := statusEvents[change.Event]
	if !ok {
		return nil, validationError("event %s is not a status change", change.Event)
	}

	out := &Outcome{}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, change.RazorpaySubscriptionID)
		if err != nil {
			return err
		}
		out.Subscription = sub

		fresh, err := claim(tx, deliveryKey(change.RazorpaySubscriptionID, change.Event, change.CreatedAt, change.Delivery), sourceWebhook)
		if err != nil {
			return err
		}
		if !fresh {
			out.Duplicate = true
			return nil
		}

		if !CanTransition(sub.Status, rule.target) {
			out.Rejected = true
			out.Transaction, err = m.rejectTx(tx, sub, rule.txType, "", decimal.Zero, "")
			return err
		}

		if err := casStatus(tx, sub, map[string]interface{}{"status": rule.target}); err != nil {
			return err
		}

		out.Transaction = &models.Transaction{
			UserID:         sub.UserID,
			SubscriptionID: &sub.ID,
			Type:           rule.txType,
			Status:         models.TxStatusSuccess,
			Description:    rule.description,
		}
		if err := m.ledger.RecordTx(tx, out.Transaction); err != nil {
			return err
		}
		return reload(tx, sub)
	})
	if err != nil {
		m.recordFailure(ctx, change.RazorpaySubscriptionID, rule.txType, "", decimal.Zero, "", err)
		return nil, err
	}

	m.logOutcome(change.Event, out)
	return out, nil
}

type PaymentFailure struct {
	PaymentID              string
	RazorpaySubscriptionID string
	UserID                 string
	Amount                 decimal.Decimal
	Currency               string
	Reason                 string
}

// MarkPaymentFailed records a failed payment and, when it belongs to a known
// subscription, moves that subscription to failed. The transaction is
// written whether or not a subscription was found.
func (m *SubscriptionMachine) MarkPaymentFailed(ctx context.Context, f PaymentFailure) (*Outcome, error) {
	if f.PaymentID == "" {
		return nil, validationError("failed payment has no id")
	}

	out := &Outcome{}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := claim(tx, "payment.failed:"+f.PaymentID, sourceWebhook)
		if err != nil {
			return err
		}
		if !fresh {
			out.Duplicate = true
			return nil
		}

		userID := f.UserID
		var subscriptionID *string
		if f.RazorpaySubscriptionID != "" {
			sub, err := lockSubscription(tx, f.RazorpaySubscriptionID)
			switch {
			case errors.Is(err, ErrNotFound):
				zap.L().Warn("Failed payment references unknown subscription",
					zap.String("payment_id", f.PaymentID),
					zap.String("subscription_id", f.RazorpaySubscriptionID))
			case err != nil:
				return err
			default:
				out.Subscription = sub
				userID = sub.UserID
				subscriptionID = &sub.ID
				if CanTransition(sub.Status, models.SubscriptionFailed) {
					if err := casStatus(tx, sub, map[string]interface{}{"status": models.SubscriptionFailed}); err != nil {
						return err
					}
					if err := reload(tx, sub); err != nil {
						return err
					}
				} else {
					out.Rejected = true
				}
			}
		}

		reason := f.Reason
		if reason == "" {
			reason = "Unknown error"
		}
		out.Transaction = &models.Transaction{
			UserID:            userID,
			SubscriptionID:    subscriptionID,
			RazorpayPaymentID: optional(f.PaymentID),
			Amount:            f.Amount,
			Currency:          f.Currency,
			Type:              models.TxPaymentFailed,
			Status:            models.TxStatusFailed,
			Description:       "Payment failed: " + reason,
		}
		return m.ledger.RecordTx(tx, out.Transaction)
	})
	if err != nil {
		return nil, err
	}

	m.logOutcome(EventPaymentFailed, out)
	return out, nil
}

type ClientCharge struct {
	RazorpaySubscriptionID string
	PaymentID              string
	Amount                 decimal.Decimal
}

// ConfirmClientCharge applies a charge whose signature the client callback
// has already proven. It shares the charge key with ApplyCharge so the same
// payment never counts twice, and leaves the credit reset to the webhook.
func (m *SubscriptionMachine) ConfirmClientCharge(ctx context.Context, c ClientCharge) (*Outcome, error) {
	out := &Outcome{}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, c.RazorpaySubscriptionID)
		if err != nil {
			return err
		}
		out.Subscription = sub

		fresh, err := claim(tx, chargeKey(c.PaymentID), sourceClient)
		if err != nil {
			return err
		}
		if !fresh {
			out.Duplicate = true
			return nil
		}

		if !CanTransition(sub.Status, models.SubscriptionActive) {
			out.Rejected = true
			out.Transaction, err = m.rejectTx(tx, sub, models.TxSubscriptionVerificationFailed, c.PaymentID, c.Amount, "")
			return err
		}

		now := m.now()
		end := now.Add(billingPeriod)
		if err := casStatus(tx, sub, map[string]interface{}{
			"status":               models.SubscriptionActive,
			"paid_count":           gorm.Expr("paid_count + 1"),
			"current_period_start": now,
			"current_period_end":   end,
		}); err != nil {
			return err
		}

		out.Transaction = &models.Transaction{
			UserID:            sub.UserID,
			SubscriptionID:    &sub.ID,
			RazorpayPaymentID: optional(c.PaymentID),
			Amount:            c.Amount,
			Type:              models.TxSubscriptionPaymentSuccess,
			Status:            models.TxStatusSuccess,
			Description:       "Subscription payment verified successfully. Credits will be allocated soon.",
		}
		if err := m.ledger.RecordTx(tx, out.Transaction); err != nil {
			return err
		}
		return reload(tx, sub)
	})
	if err != nil {
		return nil, err
	}

	m.logOutcome("client.verify", out)
	return out, nil
}

// FindByRazorpayID returns the subscription for an external id.
func (m *SubscriptionMachine) FindByRazorpayID(ctx context.Context, razorpayID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := m.db.WithContext(ctx).First(&sub, "razorpay_subscription_id = ?", razorpayID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("subscription", razorpayID)
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

// advancePeriod uses the processor's window when given, otherwise starts a
// new period where the previous one ended.
func (m *SubscriptionMachine) advancePeriod(sub *models.Subscription, start, end *time.Time) (time.Time, time.Time) {
	if start != nil && end != nil {
		return *start, *end
	}
	from := m.now()
	if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(from) {
		from = *sub.CurrentPeriodEnd
	}
	if start != nil {
		from = *start
	}
	return from, from.Add(billingPeriod)
}

func (m *SubscriptionMachine) rejectTx(tx *gorm.DB, sub *models.Subscription, txType, paymentID string, amount decimal.Decimal, currency string) (*models.Transaction, error) {
	zap.L().Warn("Subscription transition rejected",
		zap.String("subscription_id", sub.RazorpaySubscriptionID),
		zap.String("status", string(sub.Status)),
		zap.String("type", txType))
	txn := &models.Transaction{
		UserID:            sub.UserID,
		SubscriptionID:    &sub.ID,
		RazorpayPaymentID: optional(paymentID),
		Amount:            amount,
		Currency:          currency,
		Type:              txType,
		Status:            models.TxStatusFailed,
		Description:       fmt.Sprintf("Transition not allowed from status %s.", sub.Status),
	}
	return txn, m.ledger.RecordTx(tx, txn)
}

// recordFailure writes the audit record for an event that rolled back.
// Unknown subscriptions are not transitions and are only logged.
func (m *SubscriptionMachine) recordFailure(ctx context.Context, razorpayID, txType, paymentID string, amount decimal.Decimal, currency string, cause error) {
	if errors.Is(cause, ErrNotFound) {
		zap.L().Warn("Subscription not found", zap.String("subscription_id", razorpayID), zap.String("type", txType))
		return
	}
	zap.L().Error("Subscription event failed",
		zap.String("subscription_id", razorpayID),
		zap.String("type", txType),
		zap.Error(cause))

	txn := &models.Transaction{
		RazorpayPaymentID: optional(paymentID),
		Amount:            amount,
		Currency:          currency,
		Type:              txType,
		Status:            models.TxStatusError,
		Description:       cause.Error(),
	}
	if sub, err := m.FindByRazorpayID(context.WithoutCancel(ctx), razorpayID); err == nil {
		txn.UserID = sub.UserID
		txn.SubscriptionID = &sub.ID
	}
	m.ledger.Record(ctx, txn)
}

func (m *SubscriptionMachine) logOutcome(event EventType, out *Outcome) {
	fields := []zap.Field{
		zap.String("event", string(event)),
		zap.Bool("duplicate", out.Duplicate),
		zap.Bool("rejected", out.Rejected),
	}
	if out.Subscription != nil {
		fields = append(fields,
			zap.String("subscription_id", out.Subscription.RazorpaySubscriptionID),
			zap.String("status", string(out.Subscription.Status)),
			zap.Int("paid_count", out.Subscription.PaidCount))
	}
	zap.L().Info("Subscription event applied", fields...)
}

func lockSubscription(tx *gorm.DB, razorpayID string) (*models.Subscription, error) {
	if razorpayID == "" {
		return nil, validationError("subscription id is required")
	}
	var sub models.Subscription
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&sub, "razorpay_subscription_id = ?", razorpayID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("subscription", razorpayID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

// casStatus applies updates only if the status is still the one read.
func casStatus(tx *gorm.DB, sub *models.Subscription, updates map[string]interface{}) error {
	res := tx.Model(&models.Subscription{}).
		Where("id = ? AND status = ?", sub.ID, sub.Status).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func reload(tx *gorm.DB, sub *models.Subscription) error {
	if err := tx.First(sub, "id = ?", sub.ID).Error; err != nil {
		return fmt.Errorf("failed to reload subscription: %w", err)
	}
	return nil
}

// deliveryKey identifies one event for a subscription by its timestamp, or
// by the delivery digest when the processor sent none.
func deliveryKey(razorpayID string, event EventType, unix int64, delivery string) string {
	if unix == 0 && delivery != "" {
		return fmt.Sprintf("%s:%s:sha256:%s", razorpayID, event, delivery)
	}
	return fmt.Sprintf("%s:%s:%d", razorpayID, event, unix)
}
