package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yourusername/cryptobazaar/metrics"
	"github.com/yourusername/cryptobazaar/models"
	"github.com/yourusername/cryptobazaar/utils"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DispatchResult is the outcome of a signature-valid delivery. HandlerErr is
// kept for operators; the processor is still acknowledged.
type DispatchResult struct {
	Event      string
	Status     string
	Note       string
	HandlerErr error
}

// WebhookDispatcher authenticates processor webhooks and routes them to the
// subscription state machine.
type WebhookDispatcher struct {
	db      *gorm.DB
	secret  string
	machine *SubscriptionMachine
	ledger  *TransactionLedger
	metrics metrics.Recorder
}

func NewWebhookDispatcher(db *gorm.DB, secret string, machine *SubscriptionMachine, ledger *TransactionLedger, recorder metrics.Recorder) *WebhookDispatcher {
	return &WebhookDispatcher{db: db, secret: secret, machine: machine, ledger: ledger, metrics: metrics.OrNop(recorder)}
}

// Dispatch verifies signature over the raw body and only then parses it.
// The returned error is set only when the delivery was refused, in which
// case nothing was written.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, body []byte, signature string) (*DispatchResult, error) {
	if d.secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is not configured", ErrConfiguration)
	}
	if signature == "" {
		return nil, validationError("missing webhook signature")
	}
	ok, err := utils.VerifySignature(string(body), signature, d.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if !ok {
		zap.L().Warn("Webhook signature mismatch", zap.Int("body_size", len(body)))
		return nil, fmt.Errorf("%w: invalid webhook signature", ErrSignature)
	}

	event, env, err := ParseEvent(body)
	if err != nil {
		name := "unknown"
		if env != nil && env.Event != "" {
			name = env.Event
		}
		d.log(ctx, name, models.WebhookError, body, err.Error())
		d.metrics.RecordWebhook(name, models.WebhookError)
		zap.L().Error("Malformed webhook body", zap.String("event", name), zap.Error(err))
		return &DispatchResult{Event: name, Status: models.WebhookError, HandlerErr: err}, nil
	}

	name := string(event.Type())
	payload := []byte(env.Payload)
	d.log(ctx, name, models.WebhookProcessing, payload, "")

	result := &DispatchResult{Event: name, Status: models.WebhookSuccess}
	result.Note, result.HandlerErr = d.handle(ctx, event, deliveryDigest(body))
	if result.HandlerErr != nil {
		result.Status = models.WebhookError
		d.log(ctx, name, models.WebhookError, payload, result.HandlerErr.Error())
		zap.L().Error("Webhook handler failed", zap.String("event", name), zap.Error(result.HandlerErr))
	} else {
		d.log(ctx, name, models.WebhookSuccess, payload, result.Note)
		zap.L().Info("Webhook processed", zap.String("event", name), zap.String("note", result.Note))
	}
	d.metrics.RecordWebhook(name, result.Status)
	return result, nil
}

func (d *WebhookDispatcher) handle(ctx context.Context, event Event, delivery string) (string, error) {
	switch ev := event.(type) {
	case *SubscriptionEvent:
		return d.handleSubscription(ctx, ev, delivery)
	case *PaymentEvent:
		return d.handlePayment(ctx, ev)
	default:
		return "Unhandled event type", nil
	}
}

func (d *WebhookDispatcher) handleSubscription(ctx context.Context, ev *SubscriptionEvent, delivery string) (string, error) {
	if ev.Subscription == nil || ev.Subscription.ID == "" {
		return "", validationError("%s has no subscription entity", ev.Kind)
	}
	start, end := ev.Subscription.Period()

	var (
		out *Outcome
		err error
	)
	switch ev.Kind {
	case EventSubscriptionCharged:
		out, err = d.machine.ApplyCharge(ctx, Charge{
			RazorpaySubscriptionID: ev.Subscription.ID,
			PaymentID:              paymentID(ev.Payment),
			Amount:                 ev.Payment.MajorAmount(),
			Currency:               ev.Payment.CurrencyOrDefault(),
			PeriodStart:            start,
			PeriodEnd:              end,
			Delivery:               delivery,
		})
	case EventSubscriptionActivated:
		out, err = d.machine.Activate(ctx, Activation{
			RazorpaySubscriptionID: ev.Subscription.ID,
			PaymentID:              paymentID(ev.Payment),
			Amount:                 ev.Payment.MajorAmount(),
			Currency:               ev.Payment.CurrencyOrDefault(),
			PeriodStart:            start,
			PeriodEnd:              end,
		})
	default:
		out, err = d.machine.ChangeStatus(ctx, StatusChange{
			RazorpaySubscriptionID: ev.Subscription.ID,
			Event:                  ev.Kind,
			CreatedAt:              ev.CreatedAt,
			Delivery:               delivery,
		})
	}
	if errors.Is(err, ErrNotFound) {
		return "Subscription not found", nil
	}
	if err != nil {
		return "", err
	}
	return describe(out), nil
}

func (d *WebhookDispatcher) handlePayment(ctx context.Context, ev *PaymentEvent) (string, error) {
	if ev.Payment == nil || ev.Payment.ID == "" {
		return "", validationError("%s has no payment entity", ev.Kind)
	}
	subscriptionID := ev.Payment.SubscriptionID
	if subscriptionID == "" && ev.Subscription != nil {
		subscriptionID = ev.Subscription.ID
	}

	if ev.Kind == EventPaymentCaptured {
		return d.capture(ctx, ev.Payment, subscriptionID)
	}

	out, err := d.machine.MarkPaymentFailed(ctx, PaymentFailure{
		PaymentID:              ev.Payment.ID,
		RazorpaySubscriptionID: subscriptionID,
		UserID:                 ev.Payment.Note("userId", "user_id"),
		Amount:                 ev.Payment.MajorAmount(),
		Currency:               ev.Payment.CurrencyOrDefault(),
		Reason:                 ev.Payment.ErrorDescription,
	})
	if err != nil {
		return "", err
	}
	return describe(out), nil
}

// capture records a PAYMENT_CAPTURED transaction for payments that can be
// tied to a user.
func (d *WebhookDispatcher) capture(ctx context.Context, p *PaymentEntity, subscriptionID string) (string, error) {
	note := "Payment captured"
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := claim(tx, "payment.captured:"+p.ID, sourceWebhook)
		if err != nil {
			return err
		}
		if !fresh {
			note = "Duplicate event ignored"
			return nil
		}

		userID := p.Note("userId", "user_id")
		var subID *string
		if subscriptionID != "" {
			var sub models.Subscription
			if err := tx.First(&sub, "razorpay_subscription_id = ?", subscriptionID).Error; err == nil {
				subID = &sub.ID
				if userID == "" {
					userID = sub.UserID
				}
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to load subscription: %w", err)
			}
		}
		if userID == "" {
			note = "Payment captured for unknown user"
			return nil
		}
		var count int64
		if err := tx.Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to load user: %w", err)
		}
		if count == 0 {
			note = "Payment captured for unknown user"
			return nil
		}

		return d.ledger.RecordTx(tx, &models.Transaction{
			UserID:            userID,
			SubscriptionID:    subID,
			RazorpayPaymentID: optional(p.ID),
			Amount:            p.MajorAmount(),
			Currency:          p.CurrencyOrDefault(),
			Type:              models.TxPaymentCaptured,
			Status:            models.TxStatusSuccess,
			Description:       "Payment captured successfully.",
		})
	})
	if err != nil {
		return "", err
	}
	return note, nil
}

// log appends a webhook event record. It outlives the request context and
// never fails the delivery.
func (d *WebhookDispatcher) log(ctx context.Context, event, status string, payload []byte, detail string) {
	entry := &models.WebhookEvent{Event: event, Status: status, Error: detail}
	if json.Valid(payload) {
		entry.Payload = datatypes.JSON(payload)
	}
	if err := d.db.WithContext(context.WithoutCancel(ctx)).Create(entry).Error; err != nil {
		zap.L().Error("Failed to record webhook event",
			zap.String("event", event),
			zap.String("status", status),
			zap.Error(err))
		d.metrics.RecordLogFailure("webhook_events")
	}
}

// Events returns the most recent webhook log entries.
func (d *WebhookDispatcher) Events(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.WebhookEvent
	if err := d.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	return events, nil
}

func describe(out *Outcome) string {
	switch {
	case out.Duplicate:
		return "Duplicate event ignored"
	case out.Rejected && out.Subscription != nil:
		return fmt.Sprintf("Transition rejected from status %s", out.Subscription.Status)
	case out.Rejected:
		return "Transition rejected"
	default:
		return "Processed"
	}
}

// deliveryDigest fingerprints a raw webhook body. Redeliveries of one
// event carry the same body.
func deliveryDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func paymentID(p *PaymentEntity) string {
	if p == nil {
		return ""
	}
	return p.ID
}
