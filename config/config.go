package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/yourusername/cryptobazaar/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Port           string
	DatabaseDriver string
	DatabaseURL    string

	// Razorpay secrets. The subscription key secret falls back to the
	// one-time payment secret when unset.
	PaymentKeySecret      string
	SubscriptionKeySecret string
	WebhookSecret         string

	JWTSecret        string
	JWTRefreshSecret string

	HorizonURL        string
	NetworkPassphrase string
	TreasurySecret    string
	StablecoinIssuer  string

	SettlementTimeout    time.Duration
	TransferValidity     time.Duration
	ReconcileInterval    time.Duration
	ReconcileConcurrency int

	PlansFile string
}

func LoadConfig() (*Config, error) {
	godotenv.Load()

	settlementTimeout, err := getEnvDuration("SETTLEMENT_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	transferValidity, err := getEnvDuration("TRANSFER_VALIDITY", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	reconcileInterval, err := getEnvDuration("RECONCILE_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	paymentSecret := os.Getenv("RAZORPAY_KEY_SECRET")

	return &Config{
		Port:                  getEnvOrDefault("PORT", "8080"),
		DatabaseDriver:        getEnvOrDefault("DATABASE_DRIVER", "postgres"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		PaymentKeySecret:      paymentSecret,
		SubscriptionKeySecret: getEnvOrDefault("RAZORPAY_SUBSCRIPTION_KEY_SECRET", paymentSecret),
		WebhookSecret:         os.Getenv("RAZORPAY_WEBHOOK_SECRET"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		JWTRefreshSecret:      os.Getenv("JWT_REFRESH_SECRET"),
		HorizonURL:            getEnvOrDefault("HORIZON_URL", "https://horizon-testnet.stellar.org"),
		NetworkPassphrase:     getEnvOrDefault("NETWORK_PASSPHRASE", "Test SDF Network ; September 2015"),
		TreasurySecret:        os.Getenv("TREASURY_SECRET"),
		StablecoinIssuer:      os.Getenv("STABLECOIN_ISSUER"),
		SettlementTimeout:     settlementTimeout,
		TransferValidity:      transferValidity,
		ReconcileInterval:     reconcileInterval,
		ReconcileConcurrency:  getEnvInt("RECONCILE_CONCURRENCY", 4),
		PlansFile:             getEnvOrDefault("PLANS_FILE", "plans.yaml"),
	}, nil
}

// InitDB opens the configured database and migrates every table the
// services own.
func InitDB(cfg *Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseURL)
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	zap.L().Info("Database initialized", zap.String("driver", cfg.DatabaseDriver))
	return db, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
