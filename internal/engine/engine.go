package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"exchsim/internal/common"
	"exchsim/internal/credit"
	"exchsim/internal/metrics"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidQuantity    = errors.New("order quantity must be positive")
	ErrInvalidLimitPrice  = errors.New("limit order must have a positive price")
	ErrInvalidSide        = errors.New("invalid order side")
	ErrInvalidOrderType   = errors.New("invalid order type")
	ErrInvalidTimeInForce = errors.New("invalid time in force")
	ErrMissingSymbol      = errors.New("order has no symbol")
)

// Text carried by rejects that have no more specific reason.
const (
	reasonNoMatch   = "no matching price found"
	reasonCancelled = "match cancelled"
	reasonCredit    = "failed credit check"
)

// Outcome labels exported to metrics.
const (
	outcomeFilled       = "filled"
	outcomeRejected     = "rejected"
	outcomeCreditFailed = "credit_failed"
	outcomeInvalid      = "invalid"
)

// QuoteSource is where matches read the market from.
type QuoteSource interface {
	Get(symbol string) common.Quote
}

// Reporter delivers execution reports back to the session that sent the
// order. Delivery failures are the reporter's problem.
type Reporter interface {
	Report(sessionID string, report common.ExecutionReport)
}

// Config bounds the price discovery loop of limit orders.
type Config struct {
	MaxAttempts int           // Quote lookups before a limit order gives up
	PollDelay   time.Duration // Wait between two lookups
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 100, PollDelay: 500 * time.Millisecond}
}

// This is the main matching engine. It has no book: every order is matched
// on its own against the quote cache and either fills in full or is rejected.
type Engine struct {
	quotes   QuoteSource
	ids      *common.Sequence
	reporter Reporter
	cfg      Config
	metrics  *metrics.Metrics
}

func New(quotes QuoteSource, ids *common.Sequence, reporter Reporter, cfg Config, m *metrics.Metrics) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Engine{
		quotes:   quotes,
		ids:      ids,
		reporter: reporter,
		cfg:      cfg,
		metrics:  m,
	}
}

// fill is a price and quantity an order can execute at.
type fill struct {
	price    float64
	quantity uint64
	quoteID  string
}

// Run takes one order from acknowledgement to a terminal report. The
// checker is released on every path out. Nothing escapes: failures end up
// as a reject for this order only. Malformed orders are not dropped after
// the acknowledgement; they are rejected with the validation error as Text.
func (engine *Engine) Run(ctx context.Context, sessionID string, req common.NewOrderRequest, checker credit.Checker) {
	start := time.Now()
	defer checker.Release()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("session", sessionID).
				Str("clordid", req.ClOrdID).
				Interface("panic", r).
				Msg("match task panicked")
		}
	}()

	engine.report(sessionID, engine.ack(req))

	if err := validate(req); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Str("clordid", req.ClOrdID).Msg("rejecting malformed order")
		engine.report(sessionID, engine.reject(req, false, err.Error()))
		engine.metrics.Matched(outcomeInvalid, time.Since(start))
		return
	}

	candidate, ok, err := engine.findFill(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("clordid", req.ClOrdID).Msg("match abandoned")
		engine.report(sessionID, engine.reject(req, false, reasonCancelled))
		engine.metrics.Matched(outcomeRejected, time.Since(start))
		return
	}
	if !ok {
		engine.report(sessionID, engine.reject(req, false, reasonNoMatch))
		engine.metrics.Matched(outcomeRejected, time.Since(start))
		return
	}

	notional := decimal.NewFromFloat(candidate.price).
		Mul(decimal.NewFromInt(int64(candidate.quantity))).
		InexactFloat64()

	if !engine.debit(ctx, checker, req, notional) {
		engine.report(sessionID, engine.reject(req, true, reasonCredit))
		engine.metrics.Matched(outcomeCreditFailed, time.Since(start))
		return
	}

	log.Info().
		Str("clordid", req.ClOrdID).
		Str("symbol", req.Symbol).
		Stringer("side", req.Side).
		Uint64("quantity", candidate.quantity).
		Float64("price", candidate.price).
		Str("quote", candidate.quoteID).
		Msg("order filled")
	engine.report(sessionID, engine.filled(req, candidate))
	engine.metrics.Matched(outcomeFilled, time.Since(start))
}

// debit reserves notional against the counterparty's credit. Any store
// failure counts as not enough credit.
func (engine *Engine) debit(ctx context.Context, checker credit.Checker, req common.NewOrderRequest, notional float64) bool {
	enough, err := checker.HasEnoughCredit(ctx, notional)
	if err != nil {
		log.Warn().Err(err).Str("clordid", req.ClOrdID).Float64("notional", notional).Msg("credit check unavailable")
		return false
	}
	if !enough {
		log.Info().Str("clordid", req.ClOrdID).Float64("notional", notional).Msg("not enough credit")
		return false
	}
	if err := checker.AdjustCredit(ctx, -notional); err != nil {
		log.Warn().Err(err).Str("clordid", req.ClOrdID).Float64("notional", notional).Msg("unable to debit credit")
		return false
	}
	return true
}

// findFill looks for a price the order can execute at in full. Limit orders
// poll the quote cache until they cross or run out of attempts; fill or kill
// orders only ever look once. An error means the context ended the search.
func (engine *Engine) findFill(ctx context.Context, req common.NewOrderRequest) (fill, bool, error) {
	if req.Type == common.MarketOrder {
		price, size, quoteID, err := engine.touch(req)
		if err != nil {
			return fill{}, false, err
		}
		if size < req.Quantity && req.TimeInForce == common.FillOrKill {
			return fill{}, false, nil
		}
		return fill{price: price, quantity: req.Quantity, quoteID: quoteID}, true, nil
	}

	for attempt := 1; attempt <= engine.cfg.MaxAttempts; attempt++ {
		price, size, quoteID, err := engine.touch(req)
		if err != nil {
			return fill{}, false, err
		}
		if crosses(req, price) && req.Quantity <= size {
			log.Debug().
				Str("clordid", req.ClOrdID).
				Float64("market", price).
				Float64("limit", req.LimitPrice).
				Int("attempt", attempt).
				Msg("found filling price for limit order")
			return fill{price: price, quantity: req.Quantity, quoteID: quoteID}, true, nil
		}
		if req.TimeInForce == common.FillOrKill || attempt == engine.cfg.MaxAttempts {
			break
		}

		log.Trace().
			Str("clordid", req.ClOrdID).
			Float64("market", price).
			Float64("limit", req.LimitPrice).
			Msg("limit order does not cross, polling")
		if err := wait(ctx, engine.cfg.PollDelay); err != nil {
			return fill{}, false, err
		}
	}
	return fill{}, false, nil
}

// touch reads the side of the quote the order trades against.
func (engine *Engine) touch(req common.NewOrderRequest) (float64, uint64, string, error) {
	engine.metrics.QuoteLookup()
	quote := engine.quotes.Get(req.Symbol)
	price, size, err := quote.Touch(req.Side)
	if err != nil {
		return 0, 0, "", err
	}
	return price, size, quote.ID, nil
}

func crosses(req common.NewOrderRequest, price float64) bool {
	if req.Side == common.Buy {
		return price <= req.LimitPrice
	}
	return price >= req.LimitPrice
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func validate(req common.NewOrderRequest) error {
	if req.Symbol == "" {
		return ErrMissingSymbol
	}
	if req.Quantity == 0 || req.Quantity > math.MaxInt64 {
		return ErrInvalidQuantity
	}
	if req.Side != common.Buy && req.Side != common.Sell {
		return fmt.Errorf("%w: %v", ErrInvalidSide, req.Side)
	}
	switch req.Type {
	case common.MarketOrder:
	case common.LimitOrder:
		if req.LimitPrice <= 0 {
			return ErrInvalidLimitPrice
		}
	default:
		return fmt.Errorf("%w: %v", ErrInvalidOrderType, req.Type)
	}
	switch req.TimeInForce {
	case common.Day, common.ImmediateOrCancel, common.FillOrKill:
	default:
		return fmt.Errorf("%w: %v", ErrInvalidTimeInForce, req.TimeInForce)
	}
	return nil
}

func (engine *Engine) report(sessionID string, report common.ExecutionReport) {
	log.Debug().Str("session", sessionID).Stringer("report", report).Msg("sending execution report")
	engine.reporter.Report(sessionID, report)
}

func (engine *Engine) ack(req common.NewOrderRequest) common.ExecutionReport {
	return engine.newReport(req, common.ExecNew, common.StatusNew, req.Quantity, 0)
}

func (engine *Engine) reject(req common.NewOrderRequest, creditFailed bool, reason string) common.ExecutionReport {
	report := engine.newReport(req, common.ExecRejected, common.StatusRejected, req.Quantity, 0)
	report.CreditFailed = creditFailed
	report.Text = reason
	return report
}

func (engine *Engine) filled(req common.NewOrderRequest, f fill) common.ExecutionReport {
	report := engine.newReport(req, common.ExecFill, common.StatusFilled, 0, f.quantity)
	report.LastQty = f.quantity
	report.LastPx = f.price
	report.AvgPx = f.price
	report.Text = f.quoteID
	return report
}

func (engine *Engine) newReport(req common.NewOrderRequest, execType common.ExecType, status common.OrdStatus, leaves, cum uint64) common.ExecutionReport {
	return common.ExecutionReport{
		OrderID:   engine.ids.NextOrderID(),
		ExecID:    engine.ids.NextExecID(),
		ExecType:  execType,
		OrdStatus: status,
		Side:      req.Side,
		LeavesQty: leaves,
		CumQty:    cum,
		ClOrdID:   req.ClOrdID,
		Symbol:    req.Symbol,
		OrderQty:  req.Quantity,
	}
}
