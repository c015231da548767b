package config

import (
	"errors"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog/log"

	"github.com/incept-protocol/comet-manager/internal/state"
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// SolanaRPC is the JSON-RPC endpoint of the Solana node.
	SolanaRPC string
	// SolanaWS is the websocket endpoint used for account subscriptions.
	SolanaWS string
	// Commitment is the commitment level for reads and subscriptions.
	Commitment rpc.CommitmentType

	// NATSURL is the NATS server the signer service listens on.
	NATSURL string
	// RedisURL is the health cache; empty disables it.
	RedisURL string

	// Database is the PostgreSQL connection for cycle history and strategy parameters.
	Database state.DBConfig
)

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	SolanaRPC, err = getEnv("SOLANA_RPC_URL")
	if err != nil {
		return err
	}

	SolanaWS, err = getEnv("SOLANA_WS_URL")
	if err != nil {
		return err
	}

	Commitment = rpc.CommitmentType(getEnvOrDefault("SOLANA_COMMITMENT", string(rpc.CommitmentConfirmed)))
	switch Commitment {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
	default:
		return errors.New("SOLANA_COMMITMENT must be processed, confirmed or finalized, got: " + string(Commitment))
	}

	if ManagerMode == ModeLive {
		NATSURL, err = getEnv("NATS_URL")
		if err != nil {
			return err
		}
	} else {
		NATSURL = getEnvOrDefault("NATS_URL", "")
	}
	RedisURL = getEnvOrDefault("REDIS_URL", "")

	if err := LoadDatabaseConfig(); err != nil {
		return err
	}

	log.Debug().
		Str("SolanaRPC", SolanaRPC).
		Str("SolanaWS", SolanaWS).
		Str("Commitment", string(Commitment)).
		Bool("RedisEnabled", RedisURL != "").
		Msg("Endpoint configuration loaded successfully.")

	return nil
}

// LoadDatabaseConfig populates Database and LogLevel only, for tools that never touch the chain.
func LoadDatabaseConfig() error {
	port, err := getEnvAsInt("DB_PORT", 5432)
	if err != nil {
		return err
	}
	Database = state.DBConfig{
		Host:     getEnvOrDefault("DB_HOST", "localhost"),
		Port:     port,
		User:     getEnvOrDefault("DB_USER", "postgres"),
		Password: getEnvOrDefault("DB_PASSWORD", ""),
		DBName:   getEnvOrDefault("DB_NAME", "comet_manager"),
		SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),
	}
	if LogLevel == "" {
		LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	}
	return nil
}
