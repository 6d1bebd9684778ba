package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/cryptobazaar/config"
	"github.com/yourusername/cryptobazaar/models"
	"github.com/yourusername/cryptobazaar/services"
	"github.com/yourusername/cryptobazaar/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testWebhookSecret = "whsec_handlers"
	testPaymentSecret = "rzp_handlers"
)

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

// stubChain settles everything unless submitErr is set.
type stubChain struct {
	submitErr error
}

func (s *stubChain) Configured() bool                  { return true }
func (s *stubChain) TreasuryAddress() string           { return "GTREASURY" }
func (s *stubChain) ValidateAddress(addr string) error {
	_, err := keypair.ParseAddress(addr)
	return err
}

func (s *stubChain) AssetBalance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1_000_000), nil
}

func (s *stubChain) PrepareTransfer(_ context.Context, destination, assetCode string, amount decimal.Decimal) (*utils.PreparedTransfer, error) {
	return &utils.PreparedTransfer{
		Hash:        strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", ""),
		Destination: destination,
		AssetCode:   assetCode,
		Amount:      amount,
		ValidUntil:  time.Now().Add(time.Minute),
	}, nil
}

func (s *stubChain) SubmitTransfer(_ context.Context, transfer *utils.PreparedTransfer) (*utils.TransferReceipt, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &utils.TransferReceipt{TxHash: transfer.Hash, Ledger: 10, FeeCharged: 100, Successful: true}, nil
}

func (s *stubChain) LookupTransfer(context.Context, string) (*utils.TransferReceipt, error) {
	return nil, utils.ErrTransferNotFound
}

type testEnv struct {
	db     *gorm.DB
	chain  *stubChain
	router *gin.Engine

	// userID and role, when set, stand in for an authenticated caller.
	userID string
	role   string
}

// newTestEnv mounts every handler on a router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := setupTestDB(t)
	chain := &stubChain{}

	payments := services.NewPaymentLog(db, nil)
	ledger := services.NewTransactionLedger(db, nil)
	orders := services.NewOrderLedger(db)
	credits := services.NewCreditReconciler(db, config.DefaultPlanTable())
	machine := services.NewSubscriptionMachine(db, credits, ledger)
	executor := services.NewSettlementExecutor(chain, nil)
	marketplace := services.NewMarketplace(db, orders, executor, payments, ledger, nil, time.Second)
	reconciler := services.NewSettlementReconciler(db, executor, orders, payments, ledger, nil, 2, time.Minute)
	verifier := services.NewPaymentVerifier(testPaymentSecret, testPaymentSecret, payments, machine, ledger)
	dispatcher := services.NewWebhookDispatcher(db, testWebhookSecret, machine, ledger, nil)

	env := &testEnv{db: db, chain: chain}
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if env.userID != "" {
			c.Set("userID", env.userID)
			c.Set("role", env.role)
		}
		c.Next()
	})

	orderHandler := NewOrderHandler(orders, marketplace)
	router.POST("/p2p/orders", orderHandler.CreateOrder)
	router.GET("/p2p/orders", orderHandler.ListOrders)
	router.GET("/p2p/orders/:id", orderHandler.GetOrder)
	router.POST("/p2p/orders/buy", orderHandler.BuyOrder)

	paymentHandler := NewPaymentHandler(verifier, payments)
	router.POST("/razorpay/verify", paymentHandler.VerifyPayment)
	router.POST("/razorpay/verify/subscription", paymentHandler.VerifySubscription)
	router.GET("/payments/:orderId/attempts", paymentHandler.ListAttempts)

	webhookHandler := NewWebhookHandler(dispatcher)
	router.POST("/razorpay/webhook", webhookHandler.Receive)
	router.GET("/razorpay/webhook/events", webhookHandler.ListEvents)

	userHandler := NewUserHandler(services.NewUserDirectory(db, executor), credits, ledger)
	router.POST("/users/:id/onboarding", userHandler.CompleteOnboarding)
	router.GET("/users/:id/credits", userHandler.GetCredits)
	router.POST("/users/:id/credits/consume", userHandler.ConsumeCredits)
	router.GET("/users/:id/transactions", userHandler.ListTransactions)

	settlementHandler := NewSettlementHandler(reconciler)
	router.POST("/settlements/reconcile", settlementHandler.Reconcile)

	env.router = router
	return env
}

func (e *testEnv) as(userID, role string) {
	e.userID = userID
	e.role = role
}

func (e *testEnv) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createUser(t *testing.T, credits int) *models.User {
	t.Helper()
	kp, err := keypair.Random()
	require.NoError(t, err)
	user := &models.User{
		Email:         uuid.NewString() + "@example.com",
		WalletAddress: kp.Address(),
		IsActive:      true,
		CreditBalance: credits,
	}
	require.NoError(t, e.db.Create(user).Error)
	if credits != 0 {
		require.NoError(t, e.db.Create(&models.CreditLog{UserID: user.ID, Amount: credits, Reason: "Opening balance"}).Error)
	}
	return user
}

func (e *testEnv) createOrder(t *testing.T, ownerID string, amount int64) *models.P2POrder {
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
	require.NoError(t, e.db.Create(order).Error)
	return order
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}
