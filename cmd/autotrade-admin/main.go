// Command autotrade-admin inspects and repairs per-user auto-trade state
// directly against the database.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/database"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:      "WARN",
		Output:     "stderr",
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "autotrade-admin",
	})

	a := &app{
		cfg:     cfg,
		logger:  logger,
		connect: connectDatabase(cfg, logger),
	}
	if err := newRootCmd(a).Execute(); err != nil {
		os.Exit(1)
	}
}

func connectDatabase(cfg *config.Config, logger *logging.Logger) func(ctx context.Context) (adminStore, func(), error) {
	return func(ctx context.Context) (adminStore, func(), error) {
		db, err := database.NewDB(ctx, database.ConfigFrom(cfg.DatabaseConfig), logger)
		if err != nil {
			return nil, nil, err
		}
		return database.NewRepository(db), db.Close, nil
	}
}
