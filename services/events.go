package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventSubscriptionCharged   EventType = "subscription.charged"
	EventSubscriptionActivated EventType = "subscription.activated"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	EventSubscriptionPaused    EventType = "subscription.paused"
	EventSubscriptionResumed   EventType = "subscription.resumed"
	EventPaymentCaptured       EventType = "payment.captured"
	EventPaymentFailed         EventType = "payment.failed"
)

// Envelope is the outer shape of every webhook body.
type Envelope struct {
	Event     string          `json:"event"`
	CreatedAt int64           `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

type SubscriptionEntity struct {
	ID           string `json:"id"`
	PlanID       string `json:"plan_id"`
	Status       string `json:"status"`
	CurrentStart *int64 `json:"current_start"`
	CurrentEnd   *int64 `json:"current_end"`
}

func (s *SubscriptionEntity) Period() (start, end *time.Time) {
	if s == nil {
		return nil, nil
	}
	return unixTime(s.CurrentStart), unixTime(s.CurrentEnd)
}

type PaymentEntity struct {
	ID               string          `json:"id"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	Description      string          `json:"description"`
	ErrorDescription string          `json:"error_description"`
	SubscriptionID   string          `json:"subscription_id"`
	Notes            json.RawMessage `json:"notes"`
}

// MajorAmount converts the smallest currency unit (paise) to rupees.
func (p *PaymentEntity) MajorAmount() decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return minorToMajor(p.Amount)
}

func (p *PaymentEntity) CurrencyOrDefault() string {
	if p == nil || p.Currency == "" {
		return "INR"
	}
	return p.Currency
}

// Note returns a string note. Notes arrive as an object, or as an empty
// array when none were set.
func (p *PaymentEntity) Note(keys ...string) string {
	if p == nil || len(p.Notes) == 0 {
		return ""
	}
	var notes map[string]interface{}
	if err := json.Unmarshal(p.Notes, &notes); err != nil {
		return ""
	}
	for _, key := range keys {
		if v, ok := notes[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Event is one of SubscriptionEvent, PaymentEvent or UnknownEvent.
type Event interface {
	Type() EventType
	isEvent()
}

type SubscriptionEvent struct {
	Kind         EventType
	CreatedAt    int64
	Subscription *SubscriptionEntity
	Payment      *PaymentEntity
}

func (e *SubscriptionEvent) Type() EventType { return e.Kind }
func (*SubscriptionEvent) isEvent() {}

type PaymentEvent struct {
	Kind         EventType
	CreatedAt    int64
	Payment      *PaymentEntity
	Subscription *SubscriptionEntity
}

func (e *PaymentEvent) Type() EventType { return e.Kind }
func (*PaymentEvent) isEvent() {}

type UnknownEvent struct {
	Name string
}

func (e *UnknownEvent) Type() EventType { return EventType(e.Name) }
func (*UnknownEvent) isEvent() {}

type eventPayload struct {
	Subscription json.RawMessage `json:"subscription"`
	Payment      json.RawMessage `json:"payment"`
}

// ParseEvent decodes a webhook body. Missing entities decode to nil rather
// than failing; only a body that is not an envelope is an error.
func ParseEvent(body []byte) (Event, *Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed webhook body: %v", ErrValidation, err)
	}
	if env.Event == "" {
		return nil, &env, validationError("webhook body has no event")
	}

	var payload eventPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, &env, fmt.Errorf("%w: malformed webhook payload: %v", ErrValidation, err)
		}
	}

	var subscription *SubscriptionEntity
	if err := decodeEntity(payload.Subscription, &subscription); err != nil {
		return nil, &env, err
	}
	var payment *PaymentEntity
	if err := decodeEntity(payload.Payment, &payment); err != nil {
		return nil, &env, err
	}

	kind := EventType(env.Event)
	switch kind {
	case EventSubscriptionCharged, EventSubscriptionActivated, EventSubscriptionCancelled,
		EventSubscriptionPaused, EventSubscriptionResumed:
		return &SubscriptionEvent{Kind: kind, CreatedAt: env.CreatedAt, Subscription: subscription, Payment: payment}, &env, nil
	case EventPaymentCaptured, EventPaymentFailed:
		return &PaymentEvent{Kind: kind, CreatedAt: env.CreatedAt, Payment: payment, Subscription: subscription}, &env, nil
	default:
		return &UnknownEvent{Name: env.Event}, &env, nil
	}
}

// decodeEntity accepts both {"entity": {...}} and a bare object.
func decodeEntity[T any](raw json.RawMessage, dst **T) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var wrapper struct {
		Entity json.RawMessage `json:"entity"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return fmt.Errorf("%w: malformed entity: %v", ErrValidation, err)
	}
	if body := bytes.TrimSpace(wrapper.Entity); len(body) > 0 && !bytes.Equal(body, []byte("null")) {
		raw = body
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: malformed entity: %v", ErrValidation, err)
	}
	*dst = &v
	return nil
}

func unixTime(sec *int64) *time.Time {
	if sec == nil || *sec == 0 {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}
