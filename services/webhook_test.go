package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/cryptobazaar/models"
	"github.com/yourusername/cryptobazaar/utils"
	"gorm.io/gorm"
)

const testWebhookSecret = "whsec_test"

func newTestDispatcher(db *gorm.DB, secret string) *WebhookDispatcher {
	machine, _, ledger := newTestMachine(db)
	return NewWebhookDispatcher(db, secret, machine, ledger, nil)
}

func webhookBody(t *testing.T, event string, createdAt int64, payload map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"entity":     "event",
		"event":      event,
		"created_at": createdAt,
		"payload":    payload,
	})
	require.NoError(t, err)
	return body
}

func chargedPayload(subID, paymentID string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"subscription": map[string]interface{}{
			"entity": map[string]interface{}{"id": subID, "plan_id": "plan_QrUWA1nD05DtIa", "status": "active"},
		},
		"payment": map[string]interface{}{
			"entity": map[string]interface{}{"id": paymentID, "amount": amount, "currency": "INR", "status": "captured"},
		},
	}
}

func TestDispatchChargedResetsCredits(t *testing.T) {
	db := setupTestDB(t)
	dispatcher := newTestDispatcher(db, testWebhookSecret)
	user := createUser(t, db, 30)
	sub := createSubscription(t, db, user.ID, "plan_QrUWA1nD05DtIa", models.SubscriptionActive)
	ctx := context.Background()

	body := webhookBody(t, "subscription.charged", 1700000000, chargedPayload(sub.RazorpaySubscriptionID, "pay_w1", 49900))
	result, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, models.WebhookSuccess, result.Status)
	assert.Equal(t, "Processed", result.Note)
	assert.NoError(t, result.HandlerErr)

	var logs []models.CreditLog
	require.NoError(t, db.Where("user_id = ?", user.ID).Order("created_at ASC").Find(&logs).Error)
	require.Len(t, logs, 3)
	assert.Equal(t, -30, logs[1].Amount)
	assert.Equal(t, 100, logs[2].Amount)

	assert.Equal(t, 100, reloadUser(t, db, user.ID).CreditBalance)
	assert.Equal(t, 1, reloadSubscription(t, db, sub.ID).PaidCount)

	var txns []models.Transaction
	require.NoError(t, db.Where("type = ?", models.TxSubscriptionCharged).Find(&txns).Error)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxStatusSuccess, txns[0].Status)
	assert.Equal(t, "499", txns[0].Amount.String())

	t.Run("Replay is acknowledged without effect", func(t *testing.T) {
		result, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, "Duplicate event ignored", result.Note)
		assert.Equal(t, 1, reloadSubscription(t, db, sub.ID).PaidCount)
		assert.Equal(t, 100, reloadUser(t, db, user.ID).CreditBalance)
		assert.Equal(t, int64(1), countRows(t, db, &models.Transaction{}, "type = ?", models.TxSubscriptionCharged))
		assert.Equal(t, int64(3), countRows(t, db, &models.CreditLog{}, "user_id = ?", user.ID))
	})

	// processing and success for each delivery
	assert.Equal(t, int64(4), countRows(t, db, &models.WebhookEvent{}, "event = ?", "subscription.charged"))
}

func TestDispatchRefusals(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{"event":"subscription.charged","payload":{}}`)

	t.Run("Invalid signature writes nothing", func(t *testing.T) {
		db := setupTestDB(t)
		dispatcher := newTestDispatcher(db, testWebhookSecret)
		_, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), "someone-else"))
		assert.ErrorIs(t, err, ErrSignature)
		for _, model := range models.All() {
			assert.Zero(t, countRows(t, db, model, ""), "%T", model)
		}
	})

	t.Run("Missing signature", func(t *testing.T) {
		db := setupTestDB(t)
		dispatcher := newTestDispatcher(db, testWebhookSecret)
		_, err := dispatcher.Dispatch(ctx, body, "")
		assert.ErrorIs(t, err, ErrValidation)
		assert.Zero(t, countRows(t, db, &models.WebhookEvent{}, ""))
	})

	t.Run("Missing secret", func(t *testing.T) {
		db := setupTestDB(t)
		dispatcher := newTestDispatcher(db, "")
		_, err := dispatcher.Dispatch(ctx, body, "abc")
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Zero(t, countRows(t, db, &models.WebhookEvent{}, ""))
	})
}

func TestDispatchAcknowledgedOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("Malformed body after valid signature", func(t *testing.T) {
		db := setupTestDB(t)
		dispatcher := newTestDispatcher(db, testWebhookSecret)
		body := []byte(`not json`)
		result, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, models.WebhookError, result.Status)
		assert.ErrorIs(t, result.HandlerErr, ErrValidation)
		assert.Equal(t, int64(1), countRows(t, db, &models.WebhookEvent{}, "status = ?", models.WebhookError))
	})

	t.Run("Unknown event", func(t *testing.T) {
		db := setupTestDB(t)
		dispatcher := newTestDispatcher(db, testWebhookSecret)
		body := webhookBody(t, "invoice.paid", 1, map[string]interface{}{})
		result, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, models.WebhookSuccess, result.Status)
		assert.Equal(t, "Unhandled event type", result.Note)
	})

	t.Run("Unknown subscription", func(t *testing.T) {
		db := setupTestDB(t)
		dispatcher := newTestDispatcher(db, testWebhookSecret)
		body := webhookBody(t, "subscription.charged", 1, chargedPayload("sub_nobody", "pay_x", 100))
		result, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, "Subscription not found", result.Note)
		assert.Zero(t, countRows(t, db, &models.Transaction{}, ""))
	})

	t.Run("Subscription event without entity", func(t *testing.T) {
		db := setupTestDB(t)
		dispatcher := newTestDispatcher(db, testWebhookSecret)
		body := webhookBody(t, "subscription.paused", 1, map[string]interface{}{})
		result, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, models.WebhookError, result.Status)
		assert.ErrorIs(t, result.HandlerErr, ErrValidation)
	})
}

func TestDispatchPaymentEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("Captured payment for a subscriber", func(t *testing.T) {
		db := setupTestDB(t)
		dispatcher := newTestDispatcher(db, testWebhookSecret)
		user := createUser(t, db, 0)
		sub := createSubscription(t, db, user.ID, "plan_QrUWA1nD05DtIa", models.SubscriptionActive)

		body := webhookBody(t, "payment.captured", 1, map[string]interface{}{
			"payment": map[string]interface{}{
				"entity": map[string]interface{}{"id": "pay_c1", "amount": 9900, "currency": "INR", "subscription_id": sub.RazorpaySubscriptionID, "notes": []interface{}{}},
			},
		})
		result, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, "Payment captured", result.Note)

		var txn models.Transaction
		require.NoError(t, db.First(&txn, "type = ?", models.TxPaymentCaptured).Error)
		assert.Equal(t, user.ID, txn.UserID)
		assert.Equal(t, "99", txn.Amount.String())

		again, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, "Duplicate event ignored", again.Note)
		assert.Equal(t, int64(1), countRows(t, db, &models.Transaction{}, "type = ?", models.TxPaymentCaptured))
	})

	t.Run("Captured payment without user", func(t *testing.T) {
		db := setupTestDB(t)
		dispatcher := newTestDispatcher(db, testWebhookSecret)
		body := webhookBody(t, "payment.captured", 1, map[string]interface{}{
			"payment": map[string]interface{}{"entity": map[string]interface{}{"id": "pay_c2", "amount": 100}},
		})
		result, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, "Payment captured for unknown user", result.Note)
		assert.Zero(t, countRows(t, db, &models.Transaction{}, ""))
	})

	t.Run("Failed payment moves subscription to failed", func(t *testing.T) {
		db := setupTestDB(t)
		dispatcher := newTestDispatcher(db, testWebhookSecret)
		user := createUser(t, db, 25)
		sub := createSubscription(t, db, user.ID, "plan_QrUWA1nD05DtIa", models.SubscriptionActive)

		body := webhookBody(t, "payment.failed", 1, map[string]interface{}{
			"payment": map[string]interface{}{
				"entity": map[string]interface{}{
					"id":                "pay_f9",
					"amount":            49900,
					"subscription_id":   sub.RazorpaySubscriptionID,
					"error_description": "Insufficient funds",
				},
			},
		})
		result, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, "Processed", result.Note)
		assert.Equal(t, models.SubscriptionFailed, reloadSubscription(t, db, sub.ID).Status)
		assert.Equal(t, 25, reloadUser(t, db, user.ID).CreditBalance)

		var txn models.Transaction
		require.NoError(t, db.First(&txn, "type = ?", models.TxPaymentFailed).Error)
		assert.Equal(t, "Payment failed: Insufficient funds", txn.Description)
	})
}

func TestDispatcherEvents(t *testing.T) {
	db := setupTestDB(t)
	dispatcher := newTestDispatcher(db, testWebhookSecret)
	ctx := context.Background()

	body := webhookBody(t, "invoice.paid", 1, map[string]interface{}{})
	_, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
	require.NoError(t, err)

	events, err := dispatcher.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "invoice.paid", e.Event)
	}
}

func TestDispatchWithoutTimestamps(t *testing.T) {
	db := setupTestDB(t)
	dispatcher := newTestDispatcher(db, testWebhookSecret)
	user := createUser(t, db, 0)
	sub := createSubscription(t, db, user.ID, "plan_QrUWA1nD05DtIa", models.SubscriptionActive)
	ctx := context.Background()

	deliver := func(event string, entity map[string]interface{}) *DispatchResult {
		t.Helper()
		entity["id"] = sub.RazorpaySubscriptionID
		body := webhookBody(t, event, 0, map[string]interface{}{
			"subscription": map[string]interface{}{"entity": entity},
		})
		result, err := dispatcher.Dispatch(ctx, body, utils.Sign(string(body), testWebhookSecret))
		require.NoError(t, err)
		require.NoError(t, result.HandlerErr)
		return result
	}

	t.Run("Repeated pause after resume is applied", func(t *testing.T) {
		assert.Equal(t, "Processed", deliver("subscription.paused", map[string]interface{}{"status": "paused", "paused_at": 1700000100}).Note)
		assert.Equal(t, "Processed", deliver("subscription.resumed", map[string]interface{}{"status": "active"}).Note)
		assert.Equal(t, "Processed", deliver("subscription.paused", map[string]interface{}{"status": "paused", "paused_at": 1700000900}).Note)
		assert.Equal(t, models.SubscriptionPaused, reloadSubscription(t, db, sub.ID).Status)

		replay := deliver("subscription.paused", map[string]interface{}{"status": "paused", "paused_at": 1700000900})
		assert.Equal(t, "Duplicate event ignored", replay.Note)
		assert.Equal(t, int64(3), countRows(t, db, &models.Transaction{}, "subscription_id = ?", sub.ID))
	})

	t.Run("Charges without payment or period are counted once each", func(t *testing.T) {
		deliver("subscription.resumed", map[string]interface{}{"status": "active", "resumed": true})
		before := reloadSubscription(t, db, sub.ID).PaidCount

		deliver("subscription.charged", map[string]interface{}{"status": "active", "paid_count": 1})
		deliver("subscription.charged", map[string]interface{}{"status": "active", "paid_count": 2})
		replay := deliver("subscription.charged", map[string]interface{}{"status": "active", "paid_count": 2})

		assert.Equal(t, "Duplicate event ignored", replay.Note)
		assert.Equal(t, before+2, reloadSubscription(t, db, sub.ID).PaidCount)
	})
}

func TestDeliveryKey(t *testing.T) {
	assert.Equal(t, "sub_1:subscription.paused:1700000000", deliveryKey("sub_1", EventSubscriptionPaused, 1700000000, "abc"))
	assert.Equal(t, "sub_1:subscription.paused:sha256:abc", deliveryKey("sub_1", EventSubscriptionPaused, 0, "abc"))
	assert.Equal(t, "sub_1:subscription.paused:0", deliveryKey("sub_1", EventSubscriptionPaused, 0, ""))
	assert.Len(t, deliveryDigest([]byte(`{"event":"subscription.paused"}`)), 64)
}
