package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kjannette/marketdash/internal/feed"
	"github.com/kjannette/marketdash/internal/gateway"
	"github.com/kjannette/marketdash/internal/models"
)

func feedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feed SYMBOL",
		Short: "Follow one symbol's live feed until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			push, err := gateway.NewPushSource(gateway.PushConfig{
				Transport: cfg.FeedPush,
				BaseURL:   cfg.APIBaseURL,
				WSBaseURL: cfg.WSBaseURL,
				Token:     cfg.APIToken,
				Redis: gateway.RedisOptions{
					Addr:     cfg.RedisAddr,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				},
				LiveWindow: cfg.FeedPollWindow,
			})
			if err != nil {
				return err
			}
			if c, ok := push.(io.Closer); ok {
				defer c.Close()
			}

			ctrl := feed.New(push, newClient(cfg, log), feed.Options{
				MaxPoints:    cfg.FeedMaxPoints,
				PollInterval: cfg.FeedPollInterval,
				PollWindow:   cfg.FeedPollWindow,
				PollTimeout:  cfg.FeedPollTimeout,
				Logger:       log,
			})
			defer ctrl.Close()

			sub, err := ctrl.Subscribe(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				sub.Cancel()
			}()

			for u := range sub.Updates() {
				printUpdate(u)
			}
			return nil
		},
	}
}

func printUpdate(u feed.Update) {
	ts := u.At.Format("15:04:05")
	switch u.Kind {
	case feed.ModeChanged:
		fmt.Printf("%s %s mode=%s\n", ts, u.Symbol, u.Mode)
	case feed.PointsChanged:
		if len(u.Points) == 0 {
			fmt.Printf("%s %s points=0\n", ts, u.Symbol)
			return
		}
		last := u.Points[len(u.Points)-1]
		fmt.Printf("%s %s points=%d last=%s close=%s\n",
			ts, u.Symbol, len(u.Points), last.Time.Format("2006-01-02 15:04"), formatPrice(last))
	}
}

func formatPrice(p models.Point) string {
	if p.Close == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *p.Close)
}
