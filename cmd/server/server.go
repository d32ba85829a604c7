package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"exchsim/internal/config"
	"exchsim/internal/credit"
	"exchsim/internal/logging"
	"exchsim/internal/marketdata"
	"exchsim/internal/metrics"
	"exchsim/internal/venue"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "server",
		Short:        "Run the simulated trading venue",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log)

	m := metrics.New()
	go m.Serve(ctx, cfg.Metrics.Address)

	if cfg.Credit.DSN == "" {
		return fmt.Errorf("credit.dsn must be set for the venue")
	}
	creditPool, err := credit.Open(ctx, cfg.Credit, m)
	if err != nil {
		return err
	}
	go creditPool.Stats(ctx, cfg.Credit.StatsPeriod)

	// Without a feed every lookup is synthesized.
	quotes := marketdata.NewQuoteCache(rand.New(rand.NewSource(time.Now().UnixNano())), m)
	if cfg.Feed.URL != "" {
		feed := marketdata.NewFeed(cfg.Feed.URL, quotes)
		go func() {
			if err := feed.Run(ctx); err != nil {
				log.Error().Err(err).Msg("quote feed stopped")
			}
		}()
	}

	gateway, err := venue.New(cfg.Venue, quotes, creditPool, m)
	if err != nil {
		creditPool.Close()
		return err
	}

	log.Info().
		Str("address", cfg.Venue.Address).
		Int("workers", cfg.Venue.Workers).
		Int("credit_connections", creditPool.Size()).
		Msg("venue starting")
	if err := gateway.Run(ctx); err != nil {
		log.Error().Err(err).Msg("venue stopped with errors")
		return err
	}
	log.Info().Msg("venue stopped")
	return nil
}
