package store

import (
	"context"
	"errors"

	"exchsim/internal/common"

	"github.com/rs/zerolog/log"
)

// Tags a terminal order is published under.
const (
	StatusFilled   = "FILLED"
	StatusRejected = "REJECTED"
)

// Sink receives orders that reached a terminal state on the submitting side.
type Sink interface {
	Publish(ctx context.Context, status string, order common.Order) error
}

// Fanout publishes to every sink in turn. One sink failing does not stop
// the others.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, status string, order common.Order) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Publish(ctx, status, order); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes each terminal order to the global logger.
type Log struct{}

func (Log) Publish(_ context.Context, status string, order common.Order) error {
	log.Info().
		Str("status", status).
		Str("id", order.ID).
		Str("session", order.SessionID).
		Str("symbol", order.Symbol).
		Stringer("side", order.Side).
		Stringer("type", order.Type).
		Uint64("quantity", order.Quantity).
		Uint64("executed", order.Executed).
		Float64("avgpx", order.AvgPx).
		Bool("credit_failed", order.CreditCheckFailed).
		Str("quote", order.QuoteID).
		Msg("order done")
	return nil
}
