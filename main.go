package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yourusername/cryptobazaar/config"
	"github.com/yourusername/cryptobazaar/handlers"
	"github.com/yourusername/cryptobazaar/metrics"
	"github.com/yourusername/cryptobazaar/middleware"
	"github.com/yourusername/cryptobazaar/services"
	"github.com/yourusername/cryptobazaar/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type server struct {
	router     *gin.Engine
	reconciler *services.SettlementReconciler
}

func main() {
	logger, syncLogger := config.InitLogger()
	defer syncLogger()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	plans, err := config.LoadPlanTable(cfg.PlansFile)
	if err != nil {
		logger.Fatal("Failed to load plan table", zap.Error(err))
	}

	chain, err := utils.NewStellarClient(cfg.HorizonURL, cfg.NetworkPassphrase, cfg.TreasurySecret, cfg.StablecoinIssuer, cfg.TransferValidity)
	if err != nil {
		logger.Fatal("Failed to initialize Stellar client", zap.Error(err))
	}
	if !chain.Configured() {
		logger.Warn("TREASURY_SECRET is not set, order fills will be refused")
	}

	recorder, err := metrics.NewPrometheusRecorder("cryptobazaar", prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}

	srv := newServer(db, cfg, chain, plans, recorder)
	srv.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go srv.reconciler.Run(ctx, cfg.ReconcileInterval)

	port := cfg.Port
	if port == "" {
		port = "8080"
	}
	httpServer := &http.Server{Addr: ":" + port, Handler: srv.router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("Starting CryptoBazaar API server", zap.String("port", port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

// newServer wires services and routes. /metrics is left to the caller.
func newServer(db *gorm.DB, cfg *config.Config, chain utils.ChainClient, plans services.PlanCredits, recorder metrics.Recorder) *server {
	payments := services.NewPaymentLog(db, recorder)
	ledger := services.NewTransactionLedger(db, recorder)
	orders := services.NewOrderLedger(db)
	credits := services.NewCreditReconciler(db, plans)
	machine := services.NewSubscriptionMachine(db, credits, ledger)
	executor := services.NewSettlementExecutor(chain, recorder)
	users := services.NewUserDirectory(db, executor)
	marketplace := services.NewMarketplace(db, orders, executor, payments, ledger, recorder, cfg.SettlementTimeout)
	reconciler := services.NewSettlementReconciler(db, executor, orders, payments, ledger, recorder,
		cfg.ReconcileConcurrency, 2*cfg.SettlementTimeout)
	verifier := services.NewPaymentVerifier(cfg.PaymentKeySecret, cfg.SubscriptionKeySecret, payments, machine, ledger)
	dispatcher := services.NewWebhookDispatcher(db, cfg.WebhookSecret, machine, ledger, recorder)

	router := gin.New()
	router.Use(middleware.Recovery(), middleware.RequestLogger())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Razorpay-Signature")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "cryptobazaar-api",
		})
	})

	api := router.Group("/api/v1")
	{
		authHandler := handlers.NewAuthHandler(db, cfg)
		api.POST("/auth/refresh", authHandler.Refresh)

		// The webhook authenticates with its own HMAC.
		webhookHandler := handlers.NewWebhookHandler(dispatcher)
		api.POST("/razorpay/webhook", webhookHandler.Receive)

		client := api.Group("")
		client.Use(middleware.OptionalJwtAuth(cfg))

		orderHandler := handlers.NewOrderHandler(orders, marketplace)
		client.POST("/p2p/orders", orderHandler.CreateOrder)
		client.GET("/p2p/orders", orderHandler.ListOrders)
		client.GET("/p2p/orders/:id", orderHandler.GetOrder)
		client.POST("/p2p/orders/buy", orderHandler.BuyOrder)

		paymentHandler := handlers.NewPaymentHandler(verifier, payments)
		client.POST("/razorpay/verify", paymentHandler.VerifyPayment)
		client.POST("/razorpay/verify/subscription", paymentHandler.VerifySubscription)
		client.GET("/payments/:orderId/attempts", paymentHandler.ListAttempts)

		userHandler := handlers.NewUserHandler(users, credits, ledger)
		client.POST("/users/:id/onboarding", userHandler.CompleteOnboarding)
		client.GET("/users/:id/credits", userHandler.GetCredits)
		client.POST("/users/:id/credits/consume", userHandler.ConsumeCredits)
		client.GET("/users/:id/transactions", userHandler.ListTransactions)

		admin := client.Group("")
		if cfg.JWTSecret != "" {
			admin.Use(middleware.RequireRole("admin"))
		}
		settlementHandler := handlers.NewSettlementHandler(reconciler)
		admin.POST("/settlements/reconcile", settlementHandler.Reconcile)
		admin.GET("/razorpay/webhook/events", webhookHandler.ListEvents)
	}

	return &server{router: router, reconciler: reconciler}
}
