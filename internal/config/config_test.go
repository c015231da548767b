package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incept-protocol/comet-manager/internal/types"
)

func TestDefaultStrategyParametersAreValid(t *testing.T) {
	require.NoError(t, ValidateStrategyParameters(DefaultStrategyParameters))
}

func TestLoadStrategyParameters_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
position_indices: [0, 2]
price_threshold: 0.01
trigger_policy: drop
submit_timeout: 10s
`), 0o600))

	params, err := LoadStrategyParameters(path)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, params.PositionIndices)
	assert.Equal(t, 0.01, params.PriceThreshold)
	assert.Equal(t, types.TriggerPolicyDrop, params.TriggerPolicy)
	assert.Equal(t, 10*time.Second, params.SubmitTimeout.Duration)

	// Untouched fields keep their defaults
	assert.Equal(t, DefaultStrategyParameters.AmmSlippageBps, params.AmmSlippageBps)
	assert.Equal(t, DefaultStrategyParameters.ResyncInterval, params.ResyncInterval)
	assert.Nil(t, DefaultStrategyParameters.PositionIndices)
}

func TestLoadStrategyParameters_NoFile(t *testing.T) {
	params, err := LoadStrategyParameters("")
	require.NoError(t, err)
	assert.Equal(t, DefaultStrategyParameters.PriceThreshold, params.PriceThreshold)

	_, err = LoadStrategyParameters(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseStrategyParameters_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "price_treshold: 0.01"},
		{"bad duration", "submit_timeout: soon"},
		{"threshold out of range", "price_threshold: 1.5"},
		{"bad policy", "trigger_policy: queue"},
		{"zero rate", "max_submissions_per_minute: 0"},
		{"negative position", "position_indices: [-1]"},
		{"full slippage", "amm_slippage_bps: 10000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := DefaultStrategyParameters
			err := ParseStrategyParameters([]byte(tt.yaml), &params)
			assert.ErrorIs(t, err, ErrInvalidStrategy)
		})
	}
}

func TestParsePriceAccounts(t *testing.T) {
	parsed, err := ParsePriceAccounts(" Crypto.SOL/USD = H6ARHf6YXhGYeQfUzQNGk6rDNnLBQKrenN712K4AQJEG ,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Crypto.SOL/USD": "H6ARHf6YXhGYeQfUzQNGk6rDNnLBQKrenN712K4AQJEG"}, parsed)

	_, err = ParsePriceAccounts("Crypto.SOL/USD")
	assert.Error(t, err)
	_, err = ParsePriceAccounts(" , ")
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("MANAGER_MODE", ModeDryRun)
	t.Setenv("INCEPT_PROGRAM_ID", "11111111111111111111111111111111")
	t.Setenv("TOKEN_DATA_ADDRESS", "H6ARHf6YXhGYeQfUzQNGk6rDNnLBQKrenN712K4AQJEG")
	t.Setenv("MANAGER_ADDRESS", "GVXRSBjFk6e6J3NbVPXohDJetcTjaeeuykUpbQF8UoMU")
	t.Setenv("SOLANA_RPC_URL", "http://localhost:8899")
	t.Setenv("SOLANA_WS_URL", "ws://localhost:8900")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("PYTH_PRICE_ACCOUNTS", "")

	require.NoError(t, LoadConfig())
	assert.Equal(t, ModeDryRun, ManagerMode)
	assert.Equal(t, "confirmed", string(Commitment))
	assert.Equal(t, 6543, Database.Port)
	assert.Equal(t, DefaultStrategyConfigName, StrategyConfigName)
	assert.Len(t, PriceAccounts, len(DefaultPriceAccounts))

	t.Setenv("MANAGER_MODE", "yolo")
	assert.Error(t, LoadConfig())

	t.Setenv("MANAGER_MODE", ModeLive)
	t.Setenv("NATS_URL", "")
	os.Unsetenv("NATS_URL")
	assert.Error(t, LoadConfig())
}
