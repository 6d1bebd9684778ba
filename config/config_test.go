package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		t.Setenv("RAZORPAY_KEY_SECRET", "pay-secret")
		t.Setenv("RAZORPAY_SUBSCRIPTION_KEY_SECRET", "")
		t.Setenv("SETTLEMENT_TIMEOUT", "")
		t.Setenv("RECONCILE_CONCURRENCY", "")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "pay-secret", cfg.SubscriptionKeySecret, "subscription secret falls back to the payment secret")
		assert.Equal(t, 60*time.Second, cfg.SettlementTimeout)
		assert.Equal(t, 4, cfg.ReconcileConcurrency)
		assert.Equal(t, "Test SDF Network ; September 2015", cfg.NetworkPassphrase)
	})

	t.Run("Overrides", func(t *testing.T) {
		t.Setenv("SETTLEMENT_TIMEOUT", "15s")
		t.Setenv("RECONCILE_CONCURRENCY", "9")
		t.Setenv("RAZORPAY_SUBSCRIPTION_KEY_SECRET", "sub-secret")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, 15*time.Second, cfg.SettlementTimeout)
		assert.Equal(t, 9, cfg.ReconcileConcurrency)
		assert.Equal(t, "sub-secret", cfg.SubscriptionKeySecret)
	})

	t.Run("Bad duration", func(t *testing.T) {
		t.Setenv("RECONCILE_INTERVAL", "soon")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "RECONCILE_INTERVAL")
	})
}

func TestInitDB(t *testing.T) {
	db, err := InitDB(&Config{DatabaseDriver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "bazaar.db")})
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable("p2p_orders"))
	assert.True(t, db.Migrator().HasTable("processed_events"))

	_, err = InitDB(&Config{DatabaseDriver: "mysql"})
	assert.Error(t, err)
}

func TestLoadPlanTable(t *testing.T) {
	t.Run("Missing file uses built-in plans", func(t *testing.T) {
		table, err := LoadPlanTable(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 100, table.CreditLimit("plan_QrUWA1nD05DtIa"))
		assert.Equal(t, 500, table.CreditLimit("plan_QsvJUogFISamtN"))
		assert.Equal(t, DefaultPlanCredits, table.CreditLimit("plan_other"))
	})

	t.Run("YAML file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plans.yaml")
		require.NoError(t, os.WriteFile(path, []byte("fallback: 10\nplans:\n  plan_a: 250\n  plan_free: 0\n"), 0o600))

		table, err := LoadPlanTable(path)
		require.NoError(t, err)
		assert.Equal(t, 250, table.CreditLimit("plan_a"))
		assert.Equal(t, 0, table.CreditLimit("plan_free"))
		assert.Equal(t, 10, table.CreditLimit("plan_b"))
	})

	t.Run("Negative limit", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plans.yaml")
		require.NoError(t, os.WriteFile(path, []byte("plans:\n  plan_a: -5\n"), 0o600))
		_, err := LoadPlanTable(path)
		assert.Error(t, err)
	})

	t.Run("Malformed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plans.yaml")
		require.NoError(t, os.WriteFile(path, []byte("plans: [oops"), 0o600))
		_, err := LoadPlanTable(path)
		assert.Error(t, err)
	})
}
