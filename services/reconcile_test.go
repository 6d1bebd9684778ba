package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/cryptobazaar/models"
	"github.com/yourusername/cryptobazaar/utils"
)

// reservedSettlement reserves amount on a fresh order and stores a
// settlement in status for it, as a fill would have left it.
func reservedSettlement(t *testing.T, f *marketFixture, status models.SettlementStatus, hash string) (*models.P2POrder, *models.Settlement) {
	t.Helper()
	seller := createUser(t, f.db, 0)
	buyer := createUser(t, f.db, 0)
	order := createOrder(t, f.db, seller.ID, 100)
	_, err := f.orders.Reserve(context.Background(), order.ID, decimal.NewFromInt(20))
	require.NoError(t, err)

	validUntil := time.Now().Add(time.Minute)
	s := &models.Settlement{
		OrderID:    order.ID,
		BuyerID:    buyer.ID,
		Receiver:   buyer.WalletAddress,
		Asset:      "USDC",
		Amount:     decimal.NewFromInt(20),
		Status:     status,
		TxHash:     hash,
		ValidUntil: &validUntil,
	}
	require.NoError(t, f.db.Create(s).Error)
	return order, s
}

func TestReconcilePending(t *testing.T) {
	ctx := context.Background()

	t.Run("Failed on chain releases reservation", func(t *testing.T) {
		f := newMarketFixture(t, time.Second)
		order, s := reservedSettlement(t, f, models.SettlementAmbiguous, "hash-failed")
		f.chain.LookupTransferFunc = func(_ context.Context, hash string) (*utils.TransferReceipt, error) {
			return &utils.TransferReceipt{TxHash: hash, Successful: false}, nil
		}

		report, err := f.reconciler.ReconcilePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
		assert.True(t, decimal.NewFromInt(100).Equal(reloadOrder(t, f.db, order.ID).AvailableAmount))
		assert.Equal(t, int64(1), countRows(t, f.db, &models.Settlement{}, "id = ? AND status = ?", s.ID, models.SettlementFailed))
		assert.Equal(t, int64(1), countRows(t, f.db, &models.Transaction{}, "user_id = ? AND status = ?", s.BuyerID, models.TxStatusFailed))
	})

	t.Run("Lookup error keeps settlement", func(t *testing.T) {
		f := newMarketFixture(t, time.Second)
		order, _ := reservedSettlement(t, f, models.SettlementAmbiguous, "hash-flaky")
		f.chain.LookupTransferFunc = func(context.Context, string) (*utils.TransferReceipt, error) {
			return nil, errors.New("horizon unavailable")
		}

		report, err := f.reconciler.ReconcilePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Pending)
		assert.True(t, decimal.NewFromInt(80).Equal(reloadOrder(t, f.db, order.ID).AvailableAmount))
	})

	t.Run("Stale pending without hash is failed", func(t *testing.T) {
		f := newMarketFixture(t, time.Second)
		order, s := reservedSettlement(t, f, models.SettlementPending, "")
		f.reconciler.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

		report, err := f.reconciler.ReconcilePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Checked)
		assert.Equal(t, 1, report.Failed)
		assert.True(t, decimal.NewFromInt(100).Equal(reloadOrder(t, f.db, order.ID).AvailableAmount))

		var reloaded models.Settlement
		require.NoError(t, f.db.First(&reloaded, "id = ?", s.ID).Error)
		assert.Equal(t, "transfer was never prepared", reloaded.FailureReason)
	})

	t.Run("Fresh pending is left to its fill", func(t *testing.T) {
		f := newMarketFixture(t, time.Second)
		reservedSettlement(t, f, models.SettlementPending, "")

		report, err := f.reconciler.ReconcilePending(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Checked)
	})

	t.Run("Many settlements", func(t *testing.T) {
		f := newMarketFixture(t, time.Second)
		for i := 0; i < 6; i++ {
			reservedSettlement(t, f, models.SettlementAmbiguous, "hash-"+string(rune('a'+i)))
		}
		f.chain.LookupTransferFunc = func(_ context.Context, hash string) (*utils.TransferReceipt, error) {
			return &utils.TransferReceipt{TxHash: hash, Ledger: 9, Successful: true}, nil
		}

		report, err := f.reconciler.ReconcilePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, &ReconcileReport{Checked: 6, Confirmed: 6}, report)
		assert.Equal(t, int64(6), countRows(t, f.db, &models.Settlement{}, "status = ?", models.SettlementConfirmed))
	})
}

func TestReconcilerRunStops(t *testing.T) {
	f := newMarketFixture(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reconciler.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
