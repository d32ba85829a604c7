package router

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"exchsim/internal/common"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Submitter accepts orders for routing.
type Submitter interface {
	Submit(order common.Order) error
}

// Producer feeds random orders to a submitter at a fixed rate.
type Producer struct {
	symbols   []string
	period    time.Duration
	rnd       *rand.Rand
	submitter Submitter
}

func NewProducer(symbols []string, period time.Duration, rnd *rand.Rand, submitter Submitter) *Producer {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Producer{
		symbols:   symbols,
		period:    period,
		rnd:       rnd,
		submitter: submitter,
	}
}

// Run submits one order per period until the context is done.
func (p *Producer) Run(ctx context.Context) {
	if len(p.symbols) == 0 {
		log.Warn().Msg("no symbols allowed, not producing orders")
		return
	}

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.submitter.Submit(p.Build()); err != nil && !errors.Is(err, ErrNoSession) {
				log.Warn().Err(err).Msg("failed to produce order")
			}
		}
	}
}

// Build draws an order: quantity 1 to 1000, any side, type and time in
// force, and for limit orders a price in [0, 100) at cent precision.
func (p *Producer) Build() common.Order {
	symbol := p.symbols[p.rnd.Intn(len(p.symbols))]
	quantity := uint64(p.rnd.Intn(1000) + 1)
	side := []common.Side{common.Buy, common.Sell}[p.rnd.Intn(2)]
	orderType := []common.OrderType{common.MarketOrder, common.LimitOrder}[p.rnd.Intn(2)]
	tif := []common.TimeInForce{common.Day, common.ImmediateOrCancel, common.FillOrKill}[p.rnd.Intn(3)]

	var limitPrice float64
	if orderType == common.LimitOrder {
		limitPrice = decimal.NewFromFloat(p.rnd.Float64() * 100).Truncate(2).InexactFloat64()
	}
	return common.NewOrder(symbol, side, orderType, tif, quantity, limitPrice)
}
