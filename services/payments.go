package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/yourusername/cryptobazaar/models"
	"github.com/yourusername/cryptobazaar/utils"
	"go.uber.org/zap"
)

// VerificationResult is what the client sees after a verification call.
type VerificationResult struct {
	Message string `json:"message"`
	OK      bool   `json:"isOk"`
}

// PaymentVerifier handles the checkout callbacks the client posts after the
// processor's payment sheet closes.
type PaymentVerifier struct {
	paymentSecret      string
	subscriptionSecret string
	payments           *PaymentLog
	machine            *SubscriptionMachine
	ledger             *TransactionLedger
}

func NewPaymentVerifier(paymentSecret, subscriptionSecret string, payments *PaymentLog, machine *SubscriptionMachine, ledger *TransactionLedger) *PaymentVerifier {
	return &PaymentVerifier{
		paymentSecret:      paymentSecret,
		subscriptionSecret: subscriptionSecret,
		payments:           payments,
		machine:            machine,
		ledger:             ledger,
	}
}

// PaymentVerification carries the checkout callback for a one-time order.
// Amount is in the smallest currency unit.
type PaymentVerification struct {
	OrderCreationID string
	PaymentID       string
	Signature       string
	Email           string
	Phone           string
	Amount          int64
	FailureReason   string
	IsFailedPayment bool
}

// VerifyPayment checks a one-time payment and records exactly one payment
// attempt whatever the outcome. A non-nil error comes with a result that is
// safe to show the client.
func (v *PaymentVerifier) VerifyPayment(ctx context.Context, req PaymentVerification) (*VerificationResult, error) {
	attempt := models.PaymentAttempt{
		ExternalOrderID:   req.OrderCreationID,
		ExternalPaymentID: req.PaymentID,
		Amount:            minorToMajor(req.Amount),
		Email:             req.Email,
		Phone:             req.Phone,
	}

	if req.IsFailedPayment {
		attempt.Type = models.PaymentFailed
		attempt.Status = models.AttemptFailed
		attempt.Description = orDefault(req.FailureReason, "Payment failed")
		v.payments.Record(ctx, attempt)
		return &VerificationResult{Message: "Payment failure logged"}, nil
	}

	if req.OrderCreationID == "" || req.PaymentID == "" || req.Signature == "" {
		attempt.Type = models.PaymentVerificationFailed
		attempt.Status = models.AttemptFailed
		attempt.Description = "Missing required payment parameters"
		attempt.Email = orDefault(req.Email, "unknown")
		attempt.Phone = orDefault(req.Phone, "unknown")
		attempt.ExternalPaymentID = orDefault(req.PaymentID, "unknown")
		v.payments.Record(ctx, attempt)
		return &VerificationResult{Message: "Missing required payment parameters"},
			validationError("missing required payment parameters")
	}

	ok, err := utils.VerifySignature(utils.PairMessage(req.OrderCreationID, req.PaymentID), req.Signature, v.paymentSecret)
	if err != nil {
		zap.L().Error("Payment verification is not configured", zap.Error(err))
		attempt.Type = models.PaymentError
		attempt.Status = models.AttemptError
		attempt.Description = "Payment key secret is not configured"
		v.payments.Record(ctx, attempt)
		return &VerificationResult{Message: "Internal server error"}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if !ok {
		zap.L().Warn("Payment verification failed - signature mismatch",
			zap.String("order_id", req.OrderCreationID),
			zap.String("payment_id", req.PaymentID))
		attempt.Type = models.PaymentVerificationFailed
		attempt.Status = models.AttemptFailed
		attempt.Description = "Signature mismatch"
		v.payments.Record(ctx, attempt)
		return &VerificationResult{Message: "Payment verification failed"},
			fmt.Errorf("%w: payment %s", ErrSignature, req.PaymentID)
	}

	attempt.Type = models.PaymentSuccess
	attempt.Status = models.AttemptSuccess
	attempt.Description = "Payment verified successfully"
	v.payments.Record(ctx, attempt)
	zap.L().Info("Payment verified", zap.String("order_id", req.OrderCreationID), zap.String("payment_id", req.PaymentID))
	return &VerificationResult{Message: "Payment verified successfully", OK: true}, nil
}

// SubscriptionVerification carries the checkout callback for a subscription
// payment. Amount is in the smallest currency unit.
type SubscriptionVerification struct {
	PaymentID       string
	SubscriptionID  string
	Signature       string
	UserID          string
	Amount          int64
	FailureReason   string
	IsFailedPayment bool
}

// VerifySubscriptionPayment checks a subscription payment. Only a verified
// callback changes the subscription; failures are recorded as transactions
// and left for the signed payment.failed webhook to act on.
func (v *PaymentVerifier) VerifySubscriptionPayment(ctx context.Context, req SubscriptionVerification) (*VerificationResult, error) {
	amount := minorToMajor(req.Amount)
	txn := &models.Transaction{
		UserID:            req.UserID,
		RazorpayPaymentID: optional(req.PaymentID),
		Amount:            amount,
	}

	if req.IsFailedPayment {
		txn.Type = models.TxSubscriptionPaymentFailed
		txn.Status = models.TxStatusFailed
		txn.Description = orDefault(req.FailureReason, "Subscription payment failed")
		v.attachSubscription(ctx, txn, req.SubscriptionID)
		v.ledger.Record(ctx, txn)
		return &VerificationResult{Message: "Subscription payment failure logged"}, nil
	}

	if req.PaymentID == "" || req.SubscriptionID == "" || req.Signature == "" {
		txn.Type = models.TxSubscriptionVerificationFailed
		txn.Status = models.TxStatusFailed
		txn.Description = "Missing required subscription payment parameters"
		txn.RazorpayPaymentID = optional(orDefault(req.PaymentID, "unknown"))
		v.attachSubscription(ctx, txn, req.SubscriptionID)
		v.ledger.Record(ctx, txn)
		return &VerificationResult{Message: "Missing required subscription payment parameters"},
			validationError("missing required subscription payment parameters")
	}

	ok, err := utils.VerifySignature(utils.PairMessage(req.PaymentID, req.SubscriptionID), req.Signature, v.subscriptionSecret)
	if err != nil {
		zap.L().Error("Subscription verification is not configured", zap.Error(err))
		txn.Type = models.TxSubscriptionPaymentError
		txn.Status = models.TxStatusError
		txn.Description = "Subscription key secret is not configured"
		v.ledger.Record(ctx, txn)
		return &VerificationResult{Message: "Internal server error"}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if !ok {
		zap.L().Warn("Subscription payment verification failed - signature mismatch",
			zap.String("subscription_id", req.SubscriptionID),
			zap.String("payment_id", req.PaymentID))
		txn.Type = models.TxSubscriptionVerificationFailed
		txn.Status = models.TxStatusFailed
		txn.Description = "Signature mismatch"
		v.attachSubscription(ctx, txn, req.SubscriptionID)
		v.ledger.Record(ctx, txn)
		return &VerificationResult{Message: "Subscription payment verification failed"},
			fmt.Errorf("%w: subscription payment %s", ErrSignature, req.PaymentID)
	}

	out, err := v.machine.ConfirmClientCharge(ctx, ClientCharge{
		RazorpaySubscriptionID: req.SubscriptionID,
		PaymentID:              req.PaymentID,
		Amount:                 amount,
	})
	switch {
	case errors.Is(err, ErrNotFound):
		txn.Type = models.TxSubscriptionVerificationError
		txn.Status = models.TxStatusError
		txn.Description = "Subscription not found in database"
		v.ledger.Record(ctx, txn)
		return &VerificationResult{Message: "Subscription not found"}, err
	case err != nil:
		zap.L().Error("Error verifying subscription payment", zap.String("subscription_id", req.SubscriptionID), zap.Error(err))
		txn.Type = models.TxSubscriptionPaymentError
		txn.Status = models.TxStatusError
		txn.Description = err.Error()
		v.attachSubscription(ctx, txn, req.SubscriptionID)
		v.ledger.Record(ctx, txn)
		return &VerificationResult{Message: "Internal server error"}, err
	case out.Duplicate:
		return &VerificationResult{Message: "Subscription payment already verified.", OK: true}, nil
	case out.Rejected:
		return &VerificationResult{Message: fmt.Sprintf("Subscription is %s and cannot be activated", out.Subscription.Status)},
			fmt.Errorf("%w: subscription %s is %s", ErrInvalidTransition, req.SubscriptionID, out.Subscription.Status)
	}

	if req.UserID != "" && req.UserID != out.Subscription.UserID {
		zap.L().Warn("Subscription verified for a different user",
			zap.String("subscription_id", req.SubscriptionID),
			zap.String("claimed_user_id", req.UserID),
			zap.String("owner_id", out.Subscription.UserID))
	}
	return &VerificationResult{
		Message: "Subscription payment verified successfully. Credits will be allocated soon.",
		OK:      true,
	}, nil
}

func (v *PaymentVerifier) attachSubscription(ctx context.Context, txn *models.Transaction, razorpayID string) {
	if razorpayID == "" {
		return
	}
	sub, err := v.machine.FindByRazorpayID(ctx, razorpayID)
	if err != nil {
		return
	}
	txn.SubscriptionID = &sub.ID
	if txn.UserID == "" {
		txn.UserID = sub.UserID
	}
}

func minorToMajor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
