package models

import "github.com/google/uuid"

func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// All lists every table for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&User{},
		&P2POrder{},
		&Settlement{},
		&PaymentAttempt{},
		&Subscription{},
		&CreditLog{},
		&Transaction{},
		&ProcessedEvent{},
		&WebhookEvent{},
	}
}
