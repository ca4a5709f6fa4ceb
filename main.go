package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/tournevent/gatekeeper/internal/breaker"
	"github.com/tournevent/gatekeeper/internal/config"
	"github.com/tournevent/gatekeeper/internal/database"
	"github.com/tournevent/gatekeeper/internal/server"
	"github.com/tournevent/gatekeeper/internal/vault"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "0.0.1"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "gatekeeper",
	Short:   "Gatekeeper - resilient gateway for external carrier APIs",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and webhook workers",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database tables",
	RunE:  runMigrate,
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage provider credentials",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Seal a tenant's static provider credentials into the vault",
	RunE:  runCredentialsSet,
}

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or reset a circuit breaker",
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a breaker's state",
	RunE:  runBreakerStatus,
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Force a breaker closed",
	RunE:  runBreakerReset,
}

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Operate on stored webhook events",
}

var webhooksReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-process failed and stale webhook events",
	RunE:  runWebhooksReplay,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge expired idempotency and webhook records",
	RunE:  runCleanup,
}

var (
	flagTenant   string
	flagProvider string
	flagLimit    int
	flagBatch    int
	flagCreds    vault.Credentials
)

func init() {
	for _, c := range []*cobra.Command{credentialsSetCmd, breakerStatusCmd, breakerResetCmd} {
		c.Flags().StringVar(&flagTenant, "tenant", "", "tenant identifier")
		c.Flags().StringVar(&flagProvider, "provider", "", "provider name")
		_ = c.MarkFlagRequired("tenant")
		_ = c.MarkFlagRequired("provider")
	}
	credentialsSetCmd.Flags().StringVar(&flagCreds.Username, "username", "", "login username")
	credentialsSetCmd.Flags().StringVar(&flagCreds.Password, "password", "", "login password")
	credentialsSetCmd.Flags().StringVar(&flagCreds.ClientID, "client-id", "", "OAuth client id")
	credentialsSetCmd.Flags().StringVar(&flagCreds.ClientSecret, "client-secret", "", "OAuth client secret")
	credentialsSetCmd.Flags().StringVar(&flagCreds.APIKey, "api-key", "", "static API key")
	credentialsSetCmd.Flags().StringToStringVar(&flagCreds.Extra, "extra", nil, "provider-specific fields")

	webhooksReplayCmd.Flags().IntVar(&flagLimit, "limit", 100, "maximum events to replay")
	cleanupCmd.Flags().IntVar(&flagBatch, "batch", 500, "maximum records to delete per table")

	credentialsCmd.AddCommand(credentialsSetCmd)
	breakerCmd.AddCommand(breakerStatusCmd, breakerResetCmd)
	webhooksCmd.AddCommand(webhooksReplayCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, credentialsCmd, breakerCmd, webhooksCmd, cleanupCmd)
}

// setup loads configuration and the logger shared by every command.
func setup() (*config.Config, *otelzap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	tracer, tracerShutdown, err := initTracer(ctx, cfg)
	if err != nil {
		logger.Warn("Failed to initialize tracer", zap.Error(err))
	} else {
		defer tracerShutdown(context.WithoutCancel(ctx))
	}

	a, err := newApp(ctx, cfg, logger, tracer, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("Starting Gatekeeper",
		zap.Int("port", cfg.Port),
		zap.String("version", cfg.Version),
	)

	srv := server.New(server.Config{
		Port:            cfg.Port,
		SignatureHeader: cfg.WebhookSignatureHeader,
	}, server.Deps{
		Shipping: a.shipping,
		Ingestor: a.ingestor,
		Breaker:  a.breaker,
		Secrets:  cfg,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.dispatcher.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return a.janitor(gctx, time.Hour) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// janitor replays stuck webhook events and purges expired records until
// ctx is cancelled.
func (a *app) janitor(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if n, err := a.dispatcher.Replay(ctx, 100); err != nil {
			a.logger.Warn("Webhook replay failed", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("Replayed webhook events", zap.Int("count", n))
		}
		if idem, events, err := a.cleanup(ctx, 500); err != nil {
			a.logger.Warn("Cleanup failed", zap.Error(err))
		} else if idem+events > 0 {
			a.logger.Info("Purged expired records", zap.Int64("idempotency", idem), zap.Int64("webhooks", events))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	if err := database.Migrate(cmd.Context(), db); err != nil {
		return err
	}
	logger.Info("Database migrated")
	return nil
}

func runCredentialsSet(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	store, _, err := initVault(cfg, db)
	if err != nil {
		return err
	}
	if err := store.Put(cmd.Context(), flagTenant, flagProvider, flagCreds); err != nil {
		return err
	}
	logger.Info("Credentials stored",
		zap.String("tenant", flagTenant),
		zap.String("provider", flagProvider),
	)
	return nil
}

func withBreaker(cmd *cobra.Command, fn func(*breaker.Breaker) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	client, err := openRedis(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(breaker.New(client, breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
	}, logger, nil))
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
	return withBreaker(cmd, func(b *breaker.Breaker) error {
		snap, err := b.State(cmd.Context(), flagTenant, flagProvider)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	})
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	return withBreaker(cmd, func(b *breaker.Breaker) error {
		if err := b.Reset(cmd.Context(), flagTenant, flagProvider); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "breaker %s/%s reset\n", flagTenant, flagProvider)
		return nil
	})
}

func withApp(cmd *cobra.Command, fn func(*app) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := newApp(cmd.Context(), cfg, logger, nil, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func runWebhooksReplay(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		n, err := a.dispatcher.Replay(cmd.Context(), flagLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "replayed %d webhook events\n", n)
		return nil
	})
}

func runCleanup(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		idem, events, err := a.cleanup(cmd.Context(), flagBatch)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d idempotency records and %d webhook events\n", idem, events)
		return nil
	})
}
