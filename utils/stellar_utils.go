package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"
)

// ErrTransferNotFound is returned by LookupTransfer when the network has no
// record of the hash.
var ErrTransferNotFound = errors.New("transfer not found on chain")

// Stellar amounts carry seven decimal places.
const stellarAmountDecimals = 7

// ErrSubmissionUnknown marks a submission whose result never arrived. The
// transfer may or may not be in a ledger.
var ErrSubmissionUnknown = errors.New("submission outcome unknown")

// PreparedTransfer is a signed transfer whose hash is known before it is
// submitted, so an interrupted submission can be looked up later.
type PreparedTransfer struct {
	Hash        string
	Envelope    string
	Destination string
	AssetCode   string
	Amount      decimal.Decimal
	ValidUntil  time.Time
}

// TransferReceipt describes a transfer included in a ledger.
type TransferReceipt struct {
	TxHash     string
	Ledger     int64
	FeeCharged int64
	Successful bool
}

// ChainClient is what settlement needs from the network.
type ChainClient interface {
	Configured() bool
	TreasuryAddress() string
	ValidateAddress(address string) error
	AssetBalance(ctx context.Context, account, assetCode string) (decimal.Decimal, error)
	PrepareTransfer(ctx context.Context, destination, assetCode string, amount decimal.Decimal) (*PreparedTransfer, error)
	SubmitTransfer(ctx context.Context, transfer *PreparedTransfer) (*TransferReceipt, error)
	LookupTransfer(ctx context.Context, hash string) (*TransferReceipt, error)
}

type StellarClient struct {
	client            *horizonclient.Client
	networkPassphrase string
	treasury          *keypair.Full
	issuer            string
	validity          time.Duration
}

var _ ChainClient = (*StellarClient)(nil)

// NewStellarClient builds a client for the treasury account. An empty
// treasury secret leaves the client unconfigured; an invalid one is an error.
func NewStellarClient(horizonURL, networkPassphrase, treasurySecret, issuer string, validity time.Duration) (*StellarClient, error) {
	c := &StellarClient{
		client:            &horizonclient.Client{HorizonURL: horizonURL},
		networkPassphrase: networkPassphrase,
		issuer:            issuer,
		validity:          validity,
	}
	if treasurySecret == "" {
		return c, nil
	}
	kp, err := keypair.ParseFull(treasurySecret)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury secret: %w", err)
	}
	c.treasury = kp
	return c, nil
}

func (s *StellarClient) Configured() bool {
	return s.treasury != nil
}

func (s *StellarClient) TreasuryAddress() string {
	if s.treasury == nil {
		return ""
	}
	return s.treasury.Address()
}

func (s *StellarClient) ValidateAddress(address string) error {
	if _, err := keypair.ParseAddress(address); err != nil {
		return fmt.Errorf("invalid account address %q: %w", address, err)
	}
	return nil
}

func (s *StellarClient) AssetBalance(ctx context.Context, account, assetCode string) (decimal.Decimal, error) {
	detail, err := callWithContext(ctx, func() (hProtocol.Account, error) {
		return s.client.AccountDetail(horizonclient.AccountRequest{AccountID: account})
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load account %s: %w", account, err)
	}

	var raw string
	if assetCode == "XLM" {
		raw, err = detail.GetNativeBalance()
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to read native balance: %w", err)
		}
	} else {
		raw = detail.GetCreditBalance(assetCode, s.issuer)
	}
	if raw == "" {
		return decimal.Zero, nil
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance %q: %w", raw, err)
	}
	return balance, nil
}

func (s *StellarClient) PrepareTransfer(ctx context.Context, destination, assetCode string, amount decimal.Decimal) (*PreparedTransfer, error) {
	if s.treasury == nil {
		return nil, errors.New("treasury signer is not configured")
	}
	if !amount.IsPositive() || !amount.Shift(stellarAmountDecimals).IsInteger() {
		return nil, fmt.Errorf("amount %s cannot be sent without rounding", amount)
	}

	sourceAccount, err := callWithContext(ctx, func() (hProtocol.Account, error) {
		return s.client.AccountDetail(horizonclient.AccountRequest{AccountID: s.treasury.Address()})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load treasury account: %w", err)
	}

	tx, err := s.BuildPaymentTx(&sourceAccount, destination, assetCode, amount.StringFixed(stellarAmountDecimals))
	if err != nil {
		return nil, err
	}

	tx, err = tx.Sign(s.networkPassphrase, s.treasury)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	hash, err := tx.HashHex(s.networkPassphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to hash transaction: %w", err)
	}
	envelope, err := tx.Base64()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction to XDR: %w", err)
	}

	return &PreparedTransfer{
		Hash:        hash,
		Envelope:    envelope,
		Destination: destination,
		AssetCode:   assetCode,
		Amount:      amount,
		ValidUntil:  time.Now().Add(s.validity),
	}, nil
}

// BuildPaymentTx builds an unsigned single payment transaction that expires
// after the configured validity window.
func (s *StellarClient) BuildPaymentTx(source txnbuild.Account, destination, assetCode, amount string) (*txnbuild.Transaction, error) {
	var asset txnbuild.Asset
	if assetCode == "XLM" {
		asset = txnbuild.NativeAsset{}
	} else {
		asset = txnbuild.CreditAsset{Code: assetCode, Issuer: s.issuer}
	}

	tx, err := txnbuild.NewTransaction(
		txnbuild.TransactionParams{
			SourceAccount:        source,
			IncrementSequenceNum: true,
			BaseFee:              txnbuild.MinBaseFee,
			Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(int64(s.validity.Seconds()))},
			Operations: []txnbuild.Operation{
				&txnbuild.Payment{
					Destination: destination,
					Amount:      amount,
					Asset:       asset,
				},
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	return tx, nil
}

// SubmitTransfer submits the envelope and waits for Horizon to report the
// ledger it was included in. A rejection from Horizon is a definite failure;
// timeouts and transport errors wrap ErrSubmissionUnknown.
func (s *StellarClient) SubmitTransfer(ctx context.Context, transfer *PreparedTransfer) (*TransferReceipt, error) {
	resp, err := callWithContext(ctx, func() (hProtocol.Transaction, error) {
		return s.client.SubmitTransactionXDR(transfer.Envelope)
	})
	if err != nil {
		var herr *horizonclient.Error
		if errors.As(err, &herr) && herr.Problem.Status != http.StatusGatewayTimeout {
			if codes, cerr := herr.ResultCodes(); cerr == nil && codes != nil {
				return nil, fmt.Errorf("failed to submit transaction (%s %v): %w", codes.TransactionCode, codes.OperationCodes, err)
			}
			return nil, fmt.Errorf("failed to submit transaction: %w", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSubmissionUnknown, err)
	}
	if !resp.Successful {
		return receiptFrom(resp), fmt.Errorf("transaction %s was included but failed", resp.Hash)
	}
	return receiptFrom(resp), nil
}

func (s *StellarClient) LookupTransfer(ctx context.Context, hash string) (*TransferReceipt, error) {
	resp, err := callWithContext(ctx, func() (hProtocol.Transaction, error) {
		return s.client.TransactionDetail(hash)
	})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to look up transaction %s: %w", hash, err)
	}
	return receiptFrom(resp), nil
}

func receiptFrom(tx hProtocol.Transaction) *TransferReceipt {
	return &TransferReceipt{
		TxHash:     tx.Hash,
		Ledger:     int64(tx.Ledger),
		FeeCharged: tx.FeeCharged,
		Successful: tx.Successful,
	}
}

// callWithContext runs a blocking horizon call and returns early when ctx
// is done. The call itself keeps running until the HTTP client gives up.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.value, r.err
	}
}
