package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

const (
	ModeLive   = "live"
	ModeDryRun = "dry-run"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// ManagerMode is the safety switch: "live" submits plans, "dry-run" only logs them.
	ManagerMode string

	// InceptProgram is the program owning the pools and comets.
	InceptProgram solana.PublicKey
	// TokenDataAddress is the account holding every pool and collateral.
	TokenDataAddress solana.PublicKey
	// ManagerAddress is the comet manager account; the comet address is read from it.
	ManagerAddress solana.PublicKey

	// StrategyFile is an optional YAML file overriding the default strategy parameters.
	StrategyFile string
	// StrategyConfigName names the versioned strategy parameter set in the database.
	StrategyConfigName string

	// LogLevel and LogFile configure the logger.
	LogLevel string
	LogFile  string

	// WebPort is the status API port.
	WebPort string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// Variables without a documented default are required.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	ManagerMode, err = getEnv("MANAGER_MODE")
	if err != nil {
		return err
	}
	if ManagerMode != ModeLive && ManagerMode != ModeDryRun {
		return errors.New("MANAGER_MODE must be 'live' or 'dry-run', got: " + ManagerMode)
	}

	InceptProgram, err = getEnvAsPublicKey("INCEPT_PROGRAM_ID")
	if err != nil {
		return err
	}
	TokenDataAddress, err = getEnvAsPublicKey("TOKEN_DATA_ADDRESS")
	if err != nil {
		return err
	}
	ManagerAddress, err = getEnvAsPublicKey("MANAGER_ADDRESS")
	if err != nil {
		return err
	}

	StrategyFile = getEnvOrDefault("STRATEGY_FILE", "")
	StrategyConfigName = getEnvOrDefault("STRATEGY_CONFIG_NAME", DefaultStrategyConfigName)
	LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	LogFile = getEnvOrDefault("LOG_FILE", "")
	WebPort = getEnvOrDefault("WEB_PORT", "8080")

	if err := loadEndpointConfig(); err != nil {
		return err
	}
	if err := loadPriceAccounts(); err != nil {
		return err
	}

	log.Debug().
		Str("ManagerMode", ManagerMode).
		Str("ManagerAddress", ManagerAddress.String()).
		Str("StrategyConfigName", StrategyConfigName).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvOrDefault retrieves a string environment variable, falling back when unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvAsInt retrieves an environment variable as an int, falling back when unset.
func getEnvAsInt(key string, fallback int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsPublicKey retrieves an environment variable as a base58 Solana address. Returns error if not set or invalid.
func getEnvAsPublicKey(key string) (solana.PublicKey, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return solana.PublicKey{}, err
	}
	value, err := solana.PublicKeyFromBase58(valueStr)
	if err != nil {
		return solana.PublicKey{}, errors.New("environment variable " + key + " must be a valid base58 address, got: " + valueStr)
	}
	return value, nil
}
