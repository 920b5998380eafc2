package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "economy", cfg.Env)
	assert.Equal(t, 5*time.Minute, cfg.QuoteTTL)
	assert.Equal(t, 120*time.Second, cfg.StepUpChallengeTTL)
	assert.Equal(t, 60*time.Second, cfg.StepUpTokenTTL)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUOTE_TTL", "30s")
	t.Setenv("DEFAULT_CREDITS_CENTS", "150")
	t.Setenv("BLOOM_ENV", "market")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.QuoteTTL)
	assert.Equal(t, int64(150), cfg.DefaultCreditsCents)
	assert.Equal(t, "market", cfg.Env)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Setenv("QUOTE_TTL", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_TokenOutlivesChallenge(t *testing.T) {
	cfg := Defaults()
	cfg.StepUpTokenTTL = 10 * time.Minute
	assert.Error(t, cfg.Validate())
}

func TestLoadFile_EnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: usdc
quote_ttl: 45s
balance_buffer_cents: 25
default_daily_spend_cents: 900
`), 0o600))
	t.Setenv("DEFAULT_DAILY_SPEND_CENTS", "1200")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "usdc", cfg.Env)
	assert.Equal(t, 45*time.Second, cfg.QuoteTTL)
	assert.Equal(t, int64(25), cfg.BalanceBufferCents)
	assert.Equal(t, int64(1200), cfg.DefaultDailySpendCents)
}
