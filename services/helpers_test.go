package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/cryptobazaar/config"
	"github.com/yourusername/cryptobazaar/models"
	"github.com/yourusername/cryptobazaar/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB opens a private in-memory database. A single connection keeps
// every goroutine on the same database, so statements from concurrent tests
// run one at a time. setupFileDB gives real parallel connections.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

// setupFileDB opens a file-backed database with several connections so
// conditional updates race inside SQLite itself.
func setupFileDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "bazaar.db") + "?_busy_timeout=10000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(8)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func createUser(t *testing.T, db *gorm.DB, credits int) *models.User {
	t.Helper()
	kp, err := keypair.Random()
	require.NoError(t, err)
	user := &models.User{
		Email:         uuid.NewString() + "@example.com",
		Name:          "Test User",
		WalletAddress: kp.Address(),
		Role:          "user",
		IsActive:      true,
		CreditBalance: credits,
	}
	require.NoError(t, db.Create(user).Error)
	if credits != 0 {
		require.NoError(t, db.Create(&models.CreditLog{UserID: user.ID, Amount: credits, Reason: "Opening balance"}).Error)
	}
	return user
}

func createOrder(t *testing.T, db *gorm.DB, ownerID string, amount int64) *models.P2POrder {
	t.Helper()
	order := &models.P2POrder{
		OwnerID:         ownerID,
		Side:            models.OrderSideSell,
		Cryptocurrency:  "USDC",
		FiatCurrency:    "INR",
		Price:           decimal.NewFromInt(88),
		TotalAmount:     decimal.NewFromInt(amount),
		AvailableAmount: decimal.NewFromInt(amount),
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func createSubscription(t *testing.T, db *gorm.DB, userID, planID string, status models.SubscriptionStatus) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		UserID:                 userID,
		PlanID:                 planID,
		RazorpaySubscriptionID: "sub_" + uuid.NewString()[:8],
		Status:                 status,
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func reloadOrder(t *testing.T, db *gorm.DB, id string) *models.P2POrder {
	t.Helper()
	var order models.P2POrder
	require.NoError(t, db.First(&order, "id = ?", id).Error)
	return &order
}

func reloadUser(t *testing.T, db *gorm.DB, id string) *models.User {
	t.Helper()
	var user models.User
	require.NoError(t, db.First(&user, "id = ?", id).Error)
	return &user
}

func reloadSubscription(t *testing.T, db *gorm.DB, id string) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, db.First(&sub, "id = ?", id).Error)
	return &sub
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

// newTestMachine wires the billing services on db with the built-in plans.
func newTestMachine(db *gorm.DB) (*SubscriptionMachine, *CreditReconciler, *TransactionLedger) {
	ledger := NewTransactionLedger(db, nil)
	credits := NewCreditReconciler(db, config.DefaultPlanTable())
	return NewSubscriptionMachine(db, credits, ledger), credits, ledger
}

// mockChain is a ChainClient whose behaviour is set per test through Func
// fields. Unset funcs succeed.
type mockChain struct {
	configured bool
	treasury   string

	ValidateAddressFunc func(address string) error
	AssetBalanceFunc    func(ctx context.Context, account, assetCode string) (decimal.Decimal, error)
	PrepareTransferFunc func(ctx context.Context, destination, assetCode string, amount decimal.Decimal) (*utils.PreparedTransfer, error)
	SubmitTransferFunc  func(ctx context.Context, transfer *utils.PreparedTransfer) (*utils.TransferReceipt, error)
	LookupTransferFunc  func(ctx context.Context, hash string) (*utils.TransferReceipt, error)

	mu        sync.Mutex
	submitted []string
}

var _ utils.ChainClient = (*mockChain)(nil)

func newMockChain() *mockChain {
	return &mockChain{configured: true, treasury: "GTREASURY"}
}

func (m *mockChain) Configured() bool        { return m.configured }
func (m *mockChain) TreasuryAddress() string { return m.treasury }

func (m *mockChain) ValidateAddress(address string) error {
	if m.ValidateAddressFunc != nil {
		return m.ValidateAddressFunc(address)
	}
	return nil
}

func (m *mockChain) AssetBalance(ctx context.Context, account, assetCode string) (decimal.Decimal, error) {
	if m.AssetBalanceFunc != nil {
		return m.AssetBalanceFunc(ctx, account, assetCode)
	}
	return decimal.NewFromInt(1_000_000), nil
}

func (m *mockChain) PrepareTransfer(ctx context.Context, destination, assetCode string, amount decimal.Decimal) (*utils.PreparedTransfer, error) {
	if m.PrepareTransferFunc != nil {
		return m.PrepareTransferFunc(ctx, destination, assetCode, amount)
	}
	return &utils.PreparedTransfer{
		Hash:        strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", ""),
		Envelope:    "AAAA",
		Destination: destination,
		AssetCode:   assetCode,
		Amount:      amount,
		ValidUntil:  time.Now().Add(5 * time.Minute),
	}, nil
}

func (m *mockChain) SubmitTransfer(ctx context.Context, transfer *utils.PreparedTransfer) (*utils.TransferReceipt, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, transfer.Hash)
	m.mu.Unlock()
	if m.SubmitTransferFunc != nil {
		return m.SubmitTransferFunc(ctx, transfer)
	}
	return &utils.TransferReceipt{TxHash: transfer.Hash, Ledger: 4242, FeeCharged: 100, Successful: true}, nil
}

func (m *mockChain) LookupTransfer(ctx context.Context, hash string) (*utils.TransferReceipt, error) {
	if m.LookupTransferFunc != nil {
		return m.LookupTransferFunc(ctx, hash)
	}
	return nil, utils.ErrTransferNotFound
}

func (m *mockChain) submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}
