package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/incept-protocol/comet-manager/internal/config"
	"github.com/incept-protocol/comet-manager/internal/datafetcher"
	"github.com/incept-protocol/comet-manager/internal/logger"
	"github.com/incept-protocol/comet-manager/internal/manager"
	"github.com/incept-protocol/comet-manager/internal/state"
	"github.com/incept-protocol/comet-manager/internal/vault"
	"github.com/incept-protocol/comet-manager/internal/web"
)

// main is the entry point for the comet manager.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(config.LogLevel, logger.FileOptions{Path: config.LogFile})
	log.Info().Str("mode", config.ManagerMode).Msg("Comet Manager Starting...")

	if err := run(); err != nil {
		log.Error().Err(err).Msg("Comet manager stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Comet manager stopped")
}

// run wires every component and blocks until a signal arrives or the manager hits a fatal error.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Database Connection
	if err := state.InitDB(ctx, config.Database); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure database schema: %w", err)
	}

	// Load Strategy Parameters; a changed file becomes a new active version
	params, err := config.LoadStrategyParameters(config.StrategyFile)
	if err != nil {
		return fmt.Errorf("failed to load strategy parameters: %w", err)
	}
	paramsID, err := state.ActivateStrategyParameters(ctx, params, config.StrategyConfigName)
	if err != nil {
		return fmt.Errorf("failed to persist strategy parameters: %w", err)
	}
	log.Info().Int64("paramsID", paramsID).Str("configName", config.StrategyConfigName).Msg("Strategy parameters loaded successfully.")

	// Optional health cache
	var cache manager.HealthCache
	var healthReader web.HealthReader
	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection error: %w", err)
		}
		healthCache := state.NewHealthCache(rdb, 2*params.ResyncInterval.Duration)
		cache = healthCache
		healthReader = healthCache
		log.Info().Str("addr", opts.Addr).Msg("Redis connected")
	}

	// --- 2. Submitter Initialization (with Safety Switch) ---
	var submitter vault.Submitter
	if config.ManagerMode == config.ModeLive {
		log.Warn().Msg("Initializing comet manager in LIVE mode. Plans will be signed and broadcast.")
		signer, err := vault.NewSignerSubmitter(ctx, config.NATSURL)
		if err != nil {
			return fmt.Errorf("failed to connect to the signer: %w", err)
		}
		submitter = signer
	} else {
		log.Warn().Msg("Initializing comet manager in DRY-RUN mode. Plans are logged, never submitted.")
		submitter = vault.NewDryRunSubmitter()
	}
	defer submitter.Close()

	reader := datafetcher.NewSolanaAccountReader(config.SolanaRPC, config.SolanaWS, config.Commitment)
	defer reader.Close()

	store := state.PostgresStore{ConfigName: config.StrategyConfigName}

	// --- 3. Create Manager Instance with Dependency Injection ---
	mgr, err := manager.New(manager.Config{
		Reader:           reader,
		Prices:           datafetcher.NewPythPriceFeed(reader, config.PriceAccounts),
		PriceAccounts:    config.PriceAccounts,
		Submitter:        submitter,
		Store:            store,
		Cache:            cache,
		Program:          config.InceptProgram,
		TokenDataAddress: config.TokenDataAddress,
		ManagerAddress:   config.ManagerAddress,
		Params:           params,
	})
	if err != nil {
		return fmt.Errorf("failed to create comet manager: %w", err)
	}

	// --- 4. Run Web Server and Manager Loop ---
	webServer := web.NewWebServer(config.WebPort, store, healthReader)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Starting comet manager status API")
		return webServer.Start(gctx)
	})
	g.Go(func() error {
		return mgr.Run(gctx)
	})

	return g.Wait()
}
