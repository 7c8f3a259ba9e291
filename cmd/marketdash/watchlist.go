package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/config"
	"github.com/kjannette/marketdash/internal/gateway"
	"github.com/kjannette/marketdash/internal/watchlist"
)

const oneShotTimeout = 30 * time.Second

func watchlistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchlist",
		Short: "Inspect and edit the remote watchlist",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the watchlist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, _ *gateway.Client, st *watchlist.Store) error {
				printItems(st.Items())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add SYMBOL...",
		Short: "Add symbols to the watchlist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, _ *gateway.Client, st *watchlist.Store) error {
				for _, sym := range args {
					if err := st.Add(ctx, sym); err != nil {
						return err
					}
				}
				printItems(st.Items())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove SYMBOL...",
		Short: "Remove symbols from the watchlist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, _ *gateway.Client, st *watchlist.Store) error {
				for _, sym := range args {
					if err := st.Remove(ctx, sym); err != nil {
						return err
					}
				}
				printItems(st.Items())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "starters",
		Short: "List starter watchlists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, client *gateway.Client, _ *watchlist.Store) error {
				starters, err := client.Starters(ctx)
				if err != nil {
					return err
				}
				for _, s := range starters {
					fmt.Printf("%-16s %-24s %s\n", s.ID, s.Name, strings.Join(s.Symbols, ", "))
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "apply STARTER_ID",
		Short: "Replace the watchlist with a starter list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, client *gateway.Client, st *watchlist.Store) error {
				starters, err := client.Starters(ctx)
				if err != nil {
					return err
				}
				for _, s := range starters {
					if s.ID == args[0] {
						if err := st.ApplyStarter(ctx, s); err != nil {
							return err
						}
						printItems(st.Items())
						return nil
					}
				}
				return fmt.Errorf("unknown starter %q", args[0])
			})
		},
	})

	return cmd
}

// withStore loads the watchlist into a fresh store, runs fn and closes the
// store again.
func withStore(parent context.Context, fn func(context.Context, *gateway.Client, *watchlist.Store) error) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, oneShotTimeout)
	defer cancel()

	client := newClient(cfg, log)
	st := watchlist.New(client, watchlist.Options{QueueSize: cfg.WatchlistQueueSize, Logger: log})
	defer st.Close()

	if err := st.Load(ctx); err != nil {
		return err
	}
	return fn(ctx, client, st)
}

func newClient(cfg *config.Config, log *zap.Logger) *gateway.Client {
	return gateway.NewClient(gateway.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		Timeout: cfg.FeedPollTimeout,
		Logger:  log.Named("gateway"),
	})
}

func printItems(items []string) {
	if len(items) == 0 {
		fmt.Println("(empty)")
		return
	}
	for i, sym := range items {
		fmt.Printf("%3d  %s\n", i+1, sym)
	}
}
