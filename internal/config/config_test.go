package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setEnv sets an environment variable for the duration of the test.
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.False(t, cfg.OfflineEnabled)
	assert.Equal(t, int64(50000), cfg.OfflineMaxTransactionCents)  // $500
	assert.Equal(t, int64(500000), cfg.OfflineMaxDailyTotalCents)  // $5000
	assert.Equal(t, []string{"cash", "card"}, cfg.OfflineAllowedMethods)
	assert.Equal(t, DefaultQueueInterval, cfg.QueueProcessInterval)
	assert.Equal(t, DefaultTerminalPollInterval, cfg.TerminalPollInterval)
}

func TestLoad_OfflineOverrides(t *testing.T) {
	setEnv(t, "OFFLINE_PAYMENTS_ENABLED", "true")
	setEnv(t, "OFFLINE_MAX_TRANSACTION_AMOUNT", "100")
	setEnv(t, "OFFLINE_MAX_DAILY_TOTAL", "500")
	setEnv(t, "OFFLINE_ALLOWED_PAYMENT_METHODS", "cash")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.OfflineEnabled)
	assert.Equal(t, int64(10000), cfg.OfflineMaxTransactionCents)
	assert.Equal(t, int64(50000), cfg.OfflineMaxDailyTotalCents)
	assert.Equal(t, []string{"cash"}, cfg.OfflineAllowedMethods)
}

func TestLoad_FractionalDollars(t *testing.T) {
	setEnv(t, "OFFLINE_MAX_TRANSACTION_AMOUNT", "12.50")
	setEnv(t, "OFFLINE_MAX_DAILY_TOTAL", "99.99")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(1250), cfg.OfflineMaxTransactionCents)
	assert.Equal(t, int64(9999), cfg.OfflineMaxDailyTotalCents)
}

func TestValidate_DailyTotalBelowTransactionLimit(t *testing.T) {
	setEnv(t, "OFFLINE_MAX_TRANSACTION_AMOUNT", "500")
	setEnv(t, "OFFLINE_MAX_DAILY_TOTAL", "100")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OFFLINE_MAX_DAILY_TOTAL")
}

func TestValidate_InvalidMethod(t *testing.T) {
	setEnv(t, "OFFLINE_ALLOWED_PAYMENT_METHODS", "cash,bitcoin")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bitcoin")
}

func TestValidate_EmptyMethods(t *testing.T) {
	setEnv(t, "OFFLINE_ALLOWED_PAYMENT_METHODS", " , ")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one method")
}

func TestIsDevelopment(t *testing.T) {
	setEnv(t, "ENV", "production")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
