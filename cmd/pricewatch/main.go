// Command pricewatch is the Pricewatcher operations CLI.
//
// Usage:
//
//	pricewatch migrate
//	pricewatch refresh all
//	pricewatch refresh one --url https://www.chemistwarehouse.com.au/buy/1234/vitamin-c
//	pricewatch notify --url https://www.chemistwarehouse.com.au/buy/1234/vitamin-c
//	pricewatch snapshot --url https://www.chemistwarehouse.com.au/buy/1234/vitamin-c --detail
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pricewatcher/pricewatcher/internal/app"
	"github.com/pricewatcher/pricewatcher/internal/config"
	"github.com/pricewatcher/pricewatcher/internal/db"
	"github.com/pricewatcher/pricewatcher/internal/refresh"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:          "pricewatch",
		Short:        "Pricewatcher operations CLI",
		SilenceUsage: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(refreshCmd())
	root.AddCommand(notifyCmd())
	root.AddCommand(snapshotCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			start := time.Now()
			if err := db.Migrate(ctx, cfg); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("Schema applied", "duration", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// refresh command
// --------------------------------------------------------------------------

func refreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch fresh prices and notify watchers",
	}
	cmd.AddCommand(refreshAllCmd())
	cmd.AddCommand(refreshOneCmd())
	return cmd
}

func refreshAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Refresh every watched product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWith(func(ctx context.Context, cfg *config.Config, a *app.App) error {
				result, err := a.Service.RefreshAll(ctx, refresh.TriggerManual)
				logger.Info("Refresh finished", "summary", result.Summary())
				for _, e := range result.Errors {
					logger.Error("refresh error", "error", e)
				}
				return err
			})
		},
	}
}

func refreshOneCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "one",
		Short: "Refresh a single product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWith(func(ctx context.Context, cfg *config.Config, a *app.App) error {
				start := time.Now()
				res := a.Service.RefreshOne(ctx, url)
				if res.Err != nil {
					return fmt.Errorf("refresh %s: %w", url, res.Err)
				}
				logger.Info("Product refreshed",
					"url", url,
					"best_price", res.Snapshot.BestPrice.StringFixed(2),
					"retailer", res.Snapshot.BestRetailer,
					"dispatch", res.Dispatch.Summary(),
					"duration", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Product url")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// --------------------------------------------------------------------------
// notify command
// --------------------------------------------------------------------------

func notifyCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Evaluate the stored snapshot against watchers and send alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWith(func(ctx context.Context, cfg *config.Config, a *app.App) error {
				res, err := a.Service.EvaluateAndNotify(ctx, url)
				if err != nil {
					return fmt.Errorf("notify %s: %w", url, err)
				}
				logger.Info("Notify finished", "url", url, "dispatch", res.Summary())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Product url")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// --------------------------------------------------------------------------
// snapshot command
// --------------------------------------------------------------------------

func snapshotCmd() *cobra.Command {
	var (
		url    string
		detail bool
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print a product snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWith(func(ctx context.Context, cfg *config.Config, a *app.App) error {
				window := cfg.CacheListFresh
				if detail {
					window = cfg.CacheDetailFresh
				}
				snap, err := a.Service.GetSnapshot(ctx, url, window)
				if err != nil {
					return fmt.Errorf("snapshot %s: %w", url, err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Product url")
	cmd.Flags().BoolVar(&detail, "detail", false, "Use the detail freshness window")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func runWith(fn func(ctx context.Context, cfg *config.Config, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	a, err := app.New(cfg, pool.Pool, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		_ = a.Service.Close(closeCtx)
	}()

	return fn(ctx, cfg, a)
}
