package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"exchsim/internal/common"
	"exchsim/internal/config"
	"exchsim/internal/credit"
	"exchsim/internal/logging"
	"exchsim/internal/metrics"
	"exchsim/internal/router"
	"exchsim/internal/store"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "client",
		Short:        "Route randomly generated orders to the venue",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.AddCommand(sendCommand(&configPath))

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

	sink, closeSink, err := openSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	gateway, err := router.New(cfg.Router, sink, m)
	if err != nil {
		return err
	}
	producer := router.NewProducer(
		cfg.Router.AllowedSymbols,
		cfg.Router.PublishPeriod,
		rand.New(rand.NewSource(time.Now().UnixNano())),
		gateway,
	)
	go producer.Run(ctx)

	log.Info().Str("venue", cfg.Router.Address).Int("sessions", len(cfg.Router.Sessions)).Msg("router starting")
	return gateway.Run(ctx)
}

// openSink always logs terminal orders and also stores them when a store is
// configured.
func openSink(ctx context.Context, cfg *config.Config) (store.Sink, func(), error) {
	sinks := store.Fanout{store.Log{}}
	var closers []func() error

	if cfg.Store.DSN != "" {
		var adjuster store.CreditAdjuster
		if cfg.Credit.DSN != "" {
			creditPool, err := credit.Open(ctx, cfg.Credit, nil)
			if err != nil {
				return nil, nil, err
			}
			adjuster = creditPool
			closers = append(closers, creditPool.Close)
		}

		mysql, err := store.OpenMySQL(ctx, cfg.Store.DSN, adjuster)
		if err != nil {
			closeAll(closers)
			return nil, nil, err
		}
		sinks = append(sinks, mysql)
		closers = append(closers, mysql.Close)
	}
	return sinks, func() { closeAll(closers) }, nil
}

func closeAll(closers []func() error) {
	for _, c := range closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("error while closing")
		}
	}
}

func sendCommand(configPath *string) *cobra.Command {
	var (
		symbol  string
		side    string
		typ     string
		tif     string
		price   float64
		qtyStr  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:          "send",
		Short:        "Send orders by hand and print their final state",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Log)

			orderSide, err := common.ParseSide(side)
			if err != nil {
				return err
			}
			orderType, err := common.ParseOrderType(typ)
			if err != nil {
				return err
			}
			orderTIF, err := common.ParseTimeInForce(tif)
			if err != nil {
				return err
			}
			quantities, err := parseQuantities(qtyStr)
			if err != nil {
				return err
			}

			orders := make([]common.Order, 0, len(quantities))
			for _, q := range quantities {
				orders = append(orders, common.NewOrder(symbol, orderSide, orderType, orderTIF, q, price))
			}
			return send(cmd.Context(), cfg, orders, timeout)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "AAPL", "symbol to trade")
	cmd.Flags().StringVar(&side, "side", "Buy", "order side: Buy or Sell")
	cmd.Flags().StringVar(&typ, "type", "Limit", "order type: Limit or Market")
	cmd.Flags().StringVar(&tif, "tif", "Day", "time in force: Day, IOC or FOK")
	cmd.Flags().Float64Var(&price, "price", 50, "limit price")
	cmd.Flags().StringVar(&qtyStr, "qty", "10", "quantity or comma separated list (e.g. 10,20,50)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for every order to finish")
	return cmd
}

func send(ctx context.Context, cfg *config.Config, orders []common.Order, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	gateway, err := router.New(cfg.Router, store.Log{}, nil)
	if err != nil {
		return err
	}
	go gateway.Run(ctx)

	if err := waitFor(ctx, func() bool { return len(gateway.Sessions()) > 0 }); err != nil {
		return fmt.Errorf("no session to %s: %w", cfg.Router.Address, err)
	}
	for _, order := range orders {
		if err := gateway.Submit(order); err != nil {
			return err
		}
	}

	err = waitFor(ctx, func() bool {
		for _, order := range orders {
			tracked, ok := gateway.Table().Get(order.ID)
			if !ok || !tracked.Terminal() {
				return false
			}
		}
		return true
	})
	for _, order := range orders {
		if tracked, ok := gateway.Table().Get(order.ID); ok {
			fmt.Printf("%s\n\n", tracked)
		}
	}
	return err
}

func waitFor(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// parseQuantities splits a comma separated list of quantities.
func parseQuantities(input string) ([]uint64, error) {
	var result []uint64
	for _, p := range strings.Split(input, ",") {
		val, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity %q: %w", p, err)
		}
		result = append(result, val)
	}
	return result, nil
}
