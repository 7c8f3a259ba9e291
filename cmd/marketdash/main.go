package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/api"
	"github.com/kjannette/marketdash/internal/config"
	"github.com/kjannette/marketdash/internal/logging"
	"github.com/kjannette/marketdash/internal/session"
)

const banner = `
╔══════════════════════════════════════╗
║          marketdash v0.3             ║
║                                      ║
╚══════════════════════════════════════╝
`

var (
	version  = "0.3.0"
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marketdash",
		Short: "Market dashboard client: live feeds and a synced watchlist",
		Long: `marketdash follows a remote market-data API. It keeps one live feed
per watchlist symbol (push with polling fallback) and applies watchlist
edits optimistically, rolling them back when the server refuses them.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(watchlistCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("marketdash version %s\n", version)
		},
	}
}

// setup loads and validates configuration and builds the logger every
// subcommand shares.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config load: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the session and serve the local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(banner)

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			cfg.Print()

			// Graceful shutdown context
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess, err := session.New(ctx, cfg, log)
			if err != nil {
				return err
			}

			deps := api.Deps{
				Feeds:     sess.Feeds,
				Watchlist: sess.Watchlist,
				Logger:    log,
			}
			if sess.Points != nil {
				deps.Archive = sess.Points
				deps.DB = sess.Pool
			}

			// 1. API server
			srv := api.NewServer(deps, cfg.APIPort, cfg.APIKey, cfg.CORSAllowOrigin)
			serveErr := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			// 2. Session: watchlist, feeds, resync, archive
			if err := sess.Start(ctx); err != nil {
				sess.Stop(context.Background())
				return err
			}

			log.Info("all services started", zap.Int("port", cfg.APIPort))

			select {
			case <-ctx.Done():
				log.Info("shutting down gracefully")
			case err = <-serveErr:
				log.Error("api server failed", zap.Error(err))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("api shutdown", zap.Error(err))
			}
			sess.Stop(shutdownCtx)
			log.Info("shutdown complete")
			return err
		},
	}
}
