package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/auth"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/exchange"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/spf13/cobra"
)

const actor = "cli"

// adminStore is the repository surface the CLI needs
type adminStore interface {
	autotrade.Store
	ListAuditEvents(ctx context.Context, userID string, limit int) ([]*autotrade.AuditEvent, error)
	SaveTradingSettings(ctx context.Context, userID string, s autotrade.TradingSettings) error
}

type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	connect func(ctx context.Context) (adminStore, func(), error)
}

// errOffline is returned by the CLI's connector provider; no command trades.
var errOffline = errors.New("exchange access is not available from the admin tool")

type offlineConnectors struct{}

func (offlineConnectors) ForUser(context.Context, string) (exchange.Connector, error) {
	return nil, errOffline
}

// withService opens the store and runs fn against a service built on it
func (a *app) withService(cmd *cobra.Command, fn func(ctx context.Context, store adminStore, svc *autotrade.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeFn, err := a.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer closeFn()

	svc := autotrade.NewService(autotrade.Deps{
		Store:      store,
		Connectors: offlineConnectors{},
		Logger:     a.logger,
	}, autotrade.OptionsFromConfig(a.cfg.AutoTradeConfig))
	return fn(ctx, store, svc)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "autotrade-admin",
		Short:        "Inspect and repair per-user auto-trade state",
		SilenceUsage: true,
	}

	root.AddCommand(newStatusCmd(a))
	root.AddCommand(newResetBreakerCmd(a))
	root.AddCommand(newDisableCmd(a))
	root.AddCommand(newTradesCmd(a))
	root.AddCommand(newSettingsCmd(a))
	root.AddCommand(newTokenCmd(a))
	return root
}

func newStatusCmd(a *app) *cobra.Command {
	var audit int
	cmd := &cobra.Command{
		Use:   "status USER_ID",
		Short: "Show a user's configuration, counters and breaker state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, store adminStore, svc *autotrade.Service) error {
				engine := svc.Engine(args[0])
				status, err := engine.Status(ctx)
				if err != nil {
					return err
				}
				cfg, err := store.LoadConfig(ctx, args[0])
				if err != nil {
					return err
				}

				out := map[string]interface{}{
					"status": status,
					"config": cfg,
				}
				if audit > 0 {
					events, err := store.ListAuditEvents(ctx, args[0], audit)
					if err != nil {
						return err
					}
					out["audit"] = events
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().IntVar(&audit, "audit", 0, "also print the N most recent audit events")
	return cmd
}

func newResetBreakerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-breaker USER_ID",
		Short: "Close a user's tripped circuit breaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, _ adminStore, svc *autotrade.Service) error {
				engine := svc.Engine(args[0])
				if err := engine.ResetCircuitBreaker(ctx, actor); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "circuit breaker reset for %s\n", args[0])
				return nil
			})
		},
	}
}

func newDisableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "disable USER_ID",
		Short: "Turn auto-trading off for a user",
		Long: `Persists enabled=false. A running server notices on its next cycle
and rejects further signals with AUTO_TRADE_DISABLED.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, _ adminStore, svc *autotrade.Service) error {
				enabled := false
				if _, err := svc.UpdateConfig(ctx, args[0], autotrade.ConfigPatch{Enabled: &enabled}); err != nil {
					return err
				}
				svc.Engine(args[0]).RecordEvent(ctx, autotrade.EventAutoTradeStopped, "", map[string]interface{}{
					"actor": actor,
				})
				fmt.Fprintf(cmd.OutOrStdout(), "auto-trading disabled for %s\n", args[0])
				return nil
			})
		},
	}
}

func newTradesCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trades USER_ID",
		Short: "List a user's most recent executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, store adminStore, _ *autotrade.Service) error {
				trades, err := store.ListExecutions(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), trades)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of executions to show")
	return cmd
}

func newSettingsCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "settings USER_ID",
		Short: "Validate and store a user's trading settings from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			var settings autotrade.TradingSettings
			if err := json.Unmarshal(raw, &settings); err != nil {
				return fmt.Errorf("invalid settings JSON: %w", err)
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			return a.withService(cmd, func(ctx context.Context, store adminStore, _ *autotrade.Service) error {
				if err := store.SaveTradingSettings(ctx, args[0], settings); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "trading settings saved for %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "settings JSON file, - for stdin")
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	var (
		admin bool
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Issue an API access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jwtManager, err := auth.NewJWTManager(a.cfg.AuthConfig)
			if err != nil {
				return err
			}
			token, err := jwtManager.GenerateToken(auth.UserClaims{UserID: args[0], IsAdmin: admin}, ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), token)
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant access to the admin routes")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: configured access token duration)")
	return cmd
}

func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(file)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
