package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"exchsim/internal/config"
	"exchsim/internal/logging"
	"exchsim/internal/marketdata"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "feed",
		Short:        "Publish random quote batches over websocket",
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

	publisher := marketdata.NewPublisher(
		cfg.Feed.Symbols,
		cfg.Feed.PublishPeriod,
		rand.New(rand.NewSource(time.Now().UnixNano())),
	)

	mux := http.NewServeMux()
	mux.Handle("/quotes", publisher)
	srv := &http.Server{Addr: cfg.Feed.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go publisher.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("unable to shut down feed listener")
		}
	}()

	log.Info().Str("address", cfg.Feed.Address).Strs("symbols", cfg.Feed.Symbols).Msg("feed listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
