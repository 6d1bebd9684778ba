package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yourusername/cryptobazaar/metrics"
	"github.com/yourusername/cryptobazaar/utils"
	"go.uber.org/zap"
)

// Receipt is the confirmed on-chain result of a settlement.
type Receipt struct {
	TxHash     string          `json:"txHash"`
	Receiver   string          `json:"receiver"`
	Asset      string          `json:"asset"`
	Amount     decimal.Decimal `json:"amount"`
	Ledger     int64           `json:"blockRef"`
	FeeCharged int64           `json:"feeUsed"`
}

// AmbiguousSettlementError is returned when a transfer was submitted but its
// outcome was not known before the deadline. TxHash can be looked up later.
type AmbiguousSettlementError struct {
	TxHash string
	Cause  error
}

func (e *AmbiguousSettlementError) Error() string {
	return fmt.Sprintf("%s: transaction %s: %v", ErrReconciliationAmbiguous, e.TxHash, e.Cause)
}

func (e *AmbiguousSettlementError) Unwrap() []error {
	return []error{ErrReconciliationAmbiguous, e.Cause}
}

// SettlementExecutor moves stablecoins from the treasury to a receiver.
type SettlementExecutor struct {
	chain   utils.ChainClient
	metrics metrics.Recorder
}

func NewSettlementExecutor(chain utils.ChainClient, recorder metrics.Recorder) *SettlementExecutor {
	return &SettlementExecutor{chain: chain, metrics: metrics.OrNop(recorder)}
}

func (e *SettlementExecutor) Configured() bool {
	return e.chain != nil && e.chain.Configured()
}

func (e *SettlementExecutor) ValidateReceiver(receiver string) error {
	if receiver == "" {
		return validationError("receiver address is required")
	}
	if e.chain == nil {
		return nil
	}
	if err := e.chain.ValidateAddress(receiver); err != nil {
		return validationError("%v", err)
	}
	return nil
}

// Settle prepares and submits a transfer in one step.
func (e *SettlementExecutor) Settle(ctx context.Context, receiver, asset string, amount decimal.Decimal) (*Receipt, error) {
	prepared, err := e.Prepare(ctx, receiver, asset, amount)
	if err != nil {
		return nil, err
	}
	return e.Submit(ctx, prepared)
}

// Prepare checks the treasury can cover amount and signs the transfer. The
// returned hash identifies the transfer before anything is submitted.
func (e *SettlementExecutor) Prepare(ctx context.Context, receiver, asset string, amount decimal.Decimal) (*utils.PreparedTransfer, error) {
	if !e.Configured() {
		return nil, fmt.Errorf("%w: settlement signer is not configured", ErrConfiguration)
	}
	if err := e.ValidateReceiver(receiver); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, validationError("settlement amount must be positive")
	}

	balance, err := e.chain.AssetBalance(ctx, e.chain.TreasuryAddress(), asset)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to check treasury balance: %v", ErrSettlementFailed, err)
	}
	if balance.LessThan(amount) {
		zap.L().Warn("Treasury cannot cover settlement",
			zap.String("asset", asset),
			zap.String("amount", amount.String()),
			zap.String("balance", balance.String()))
		return nil, fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientTreasuryFunds, amount, asset, balance)
	}

	prepared, err := e.chain.PrepareTransfer(ctx, receiver, asset, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	zap.L().Info("Settlement prepared",
		zap.String("tx_hash", prepared.Hash),
		zap.String("receiver", receiver),
		zap.String("amount", amount.String()),
		zap.Time("valid_until", prepared.ValidUntil))
	return prepared, nil
}

// Submit sends a prepared transfer and waits for ledger inclusion under ctx.
// When ctx expires or the network never answers, the error is an
// *AmbiguousSettlementError; any other failure wraps ErrSettlementFailed.
func (e *SettlementExecutor) Submit(ctx context.Context, prepared *utils.PreparedTransfer) (*Receipt, error) {
	start := time.Now()
	receipt, err := e.chain.SubmitTransfer(ctx, prepared)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, utils.ErrSubmissionUnknown) ||
			errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			e.metrics.RecordSettlement(time.Since(start), "ambiguous")
			zap.L().Warn("Settlement outcome unknown",
				zap.String("tx_hash", prepared.Hash),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return nil, &AmbiguousSettlementError{TxHash: prepared.Hash, Cause: err}
		}
		e.metrics.RecordSettlement(time.Since(start), "failed")
		zap.L().Error("Settlement failed", zap.String("tx_hash", prepared.Hash), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	e.metrics.RecordSettlement(time.Since(start), "confirmed")
	zap.L().Info("Settlement confirmed",
		zap.String("tx_hash", receipt.TxHash),
		zap.Int64("ledger", receipt.Ledger),
		zap.Int64("fee_charged", receipt.FeeCharged))

	hash := receipt.TxHash
	if hash == "" {
		hash = prepared.Hash
	}
	return &Receipt{
		TxHash:     hash,
		Receiver:   prepared.Destination,
		Asset:      prepared.AssetCode,
		Amount:     prepared.Amount,
		Ledger:     receipt.Ledger,
		FeeCharged: receipt.FeeCharged,
	}, nil
}

// Lookup reports what the network knows about a previously prepared hash.
func (e *SettlementExecutor) Lookup(ctx context.Context, hash string) (*utils.TransferReceipt, error) {
	if e.chain == nil {
		return nil, fmt.Errorf("%w: settlement chain is not configured", ErrConfiguration)
	}
	return e.chain.LookupTransfer(ctx, hash)
}
