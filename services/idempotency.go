package services

import (
	"fmt"

	"github.com/yourusername/cryptobazaar/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	sourceWebhook = "webhook"
	sourceClient  = "client"
)

// claim records key as processed inside tx. It reports false when the key
// was already claimed, in which case the caller must treat the event as a
// duplicate. Because the claim shares tx with the state change, a rolled back
// change also releases the key.
func claim(tx *gorm.DB, key, source string) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ProcessedEvent{Key: key, Source: source})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim idempotency key %s: %w", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func chargeKey(paymentID string) string {
	return "charge:" + paymentID
}

func creditResetKey(paymentID string) string {
	return "credit-reset:" + paymentID
}
