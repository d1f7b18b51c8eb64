package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/api"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/auth"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autopilot"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/cache"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/database"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/events"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/exchange"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/notification"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/research"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/vault"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("auto-trade service stopped with error")
		os.Exit(1)
	}
	logger.Info("auto-trade service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	db, err := database.NewDB(ctx, database.ConfigFrom(cfg.DatabaseConfig), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	repo := database.NewRepository(db)

	health := map[string]api.HealthFunc{
		"database": db.HealthCheck,
	}

	// Redis is optional. Without it the database unique key is the only
	// duplicate guard and cycles are not locked across replicas.
	var (
		requestLock autotrade.RequestLock
		cycleLock   autopilot.CycleLock
	)
	if cfg.RedisConfig.Enabled {
		cacheService, err := cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			return fmt.Errorf("failed to create cache: %w", err)
		}
		defer cacheService.Close()
		requestLock, cycleLock = cacheService, cacheService
		health["redis"] = cacheService.Ping
	}

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.VaultConfig.Enabled {
		health["vault"] = vaultClient.HealthCheck
	}

	engineOpts := autotrade.OptionsFromConfig(cfg.AutoTradeConfig)
	if err := engineOpts.Validate(); err != nil {
		return fmt.Errorf("invalid auto-trade defaults: %w", err)
	}

	connectors := exchange.NewFactory(vaultClient, cfg.ExchangeConfig, engineOpts.QuoteAsset, logger.Zerolog())
	defer connectors.Close()

	bus := events.NewEventBus()
	notifier := notification.NewManager(cfg.NotificationConfig, repo, bus, logger)

	svc := autotrade.NewService(autotrade.Deps{
		Store:      repo,
		Connectors: connectors,
		Lock:       requestLock,
		Notifier:   notifier,
		Logger:     logger,
	}, engineOpts)

	researchClient := research.NewClient(cfg.ResearchConfig, logger)
	health["research"] = researchClient.Health

	loopOpts := autopilot.OptionsFromConfig(cfg.AutoTradeConfig)
	manager := autopilot.NewManager(svc, researchClient, cycleLock, bus, loopOpts, logger)

	var jwtManager *auth.JWTManager
	if cfg.AuthConfig.Enabled {
		jwtManager, err = auth.NewJWTManager(cfg.AuthConfig)
		if err != nil {
			return fmt.Errorf("failed to create JWT manager: %w", err)
		}
	}

	server := api.NewServer(cfg.ServerConfig, api.Deps{
		Service: svc,
		Manager: manager,
		Bus:     bus,
		JWT:     jwtManager,
		History: repo,
		Inbox:   repo,
		Health:  health,
		Logger:  logger,
	})

	if cfg.AutoTradeConfig.RestoreOnStart {
		started, err := manager.RestoreFromStore(ctx)
		if err != nil {
			logger.WithError(err).Warn("failed to restore auto-trade loops")
		} else {
			logger.Info("restored auto-trade loops", "users", len(started))
		}
	}

	logger.Info("auto-trade service started",
		"exchange", cfg.ExchangeConfig.Name,
		"timezone", engineOpts.Location.String(),
		"interval", loopOpts.Interval.String(),
		"auth", cfg.AuthConfig.Enabled,
		"redis", cfg.RedisConfig.Enabled,
		"notification_channels", notifier.Channels(),
	)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(server.Start)
	group.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
		}
		notifier.Wait()
		return errors.Join(errs...)
	})

	return group.Wait()
}
