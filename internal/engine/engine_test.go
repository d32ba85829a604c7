package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"exchsim/internal/common"
	"exchsim/internal/credit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

// scriptedQuotes returns its quotes in order, repeating the last one once
// the script runs out.
type scriptedQuotes struct {
	lock    sync.Mutex
	quotes  []common.Quote
	lookups int
}

func newScriptedQuotes(quotes ...common.Quote) *scriptedQuotes {
	return &scriptedQuotes{quotes: quotes}
}

func (s *scriptedQuotes) Get(symbol string) common.Quote {
	s.lock.Lock()
	defer s.lock.Unlock()

	i := min(s.lookups, len(s.quotes)-1)
	s.lookups++
	q := s.quotes[i]
	q.Symbol = symbol
	return q
}

func (s *scriptedQuotes) Lookups() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lookups
}

type recordingReporter struct {
	lock     sync.Mutex
	sessions []string
	reports  []common.ExecutionReport
}

func (r *recordingReporter) Report(sessionID string, report common.ExecutionReport) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sessions = append(r.sessions, sessionID)
	r.reports = append(r.reports, report)
}

func (r *recordingReporter) Reports() []common.ExecutionReport {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]common.ExecutionReport(nil), r.reports...)
}

type fakeChecker struct {
	balance     float64
	checkErr    error
	adjustErr   error
	checked     []float64
	adjustments []float64
	releases    int
}

func (c *fakeChecker) HasEnoughCredit(_ context.Context, amount float64) (bool, error) {
	c.checked = append(c.checked, amount)
	if c.checkErr != nil {
		return false, c.checkErr
	}
	return c.balance >= amount, nil
}

func (c *fakeChecker) AdjustCredit(_ context.Context, delta float64) error {
	if c.adjustErr != nil {
		return c.adjustErr
	}
	c.adjustments = append(c.adjustments, delta)
	c.balance += delta
	return nil
}

func (c *fakeChecker) Release() { c.releases++ }

func quote(id string, bid, ask float64, bidSize, askSize uint64) common.Quote {
	return common.Quote{ID: id, Bid: bid, Ask: ask, BidSize: bidSize, AskSize: askSize}
}

func limitOrder(side common.Side, qty uint64, limit float64, tif common.TimeInForce) common.NewOrderRequest {
	return common.NewOrderRequest{
		ClOrdID:     "cl-1",
		Symbol:      "IBM",
		Side:        side,
		Quantity:    qty,
		Type:        common.LimitOrder,
		LimitPrice:  limit,
		TimeInForce: tif,
	}
}

func marketOrder(side common.Side, qty uint64, tif common.TimeInForce) common.NewOrderRequest {
	return common.NewOrderRequest{
		ClOrdID:     "cl-1",
		Symbol:      "IBM",
		Side:        side,
		Quantity:    qty,
		Type:        common.MarketOrder,
		TimeInForce: tif,
	}
}

func newTestEngine(quotes QuoteSource, cfg Config) (*Engine, *recordingReporter) {
	reporter := &recordingReporter{}
	return New(quotes, &common.Sequence{}, reporter, cfg, nil), reporter
}

func zeroDelay(attempts int) Config {
	return Config{MaxAttempts: attempts, PollDelay: 0}
}

// requireAckThen checks the first report is the New ack and returns the
// terminal one.
func requireAckThen(t *testing.T, reports []common.ExecutionReport, req common.NewOrderRequest) common.ExecutionReport {
	t.Helper()
	require.Len(t, reports, 2)

	ack := reports[0]
	assert.Equal(t, common.ExecNew, ack.ExecType)
	assert.Equal(t, common.StatusNew, ack.OrdStatus)
	assert.Equal(t, req.Quantity, ack.LeavesQty)
	assert.Equal(t, uint64(0), ack.CumQty)
	assert.Equal(t, req.ClOrdID, ack.ClOrdID)
	return reports[1]
}

// --- Tests ------------------------------------------------------------------

func TestRun_MarketBuyFillsAtAsk(t *testing.T) {
	quotes := newScriptedQuotes(quote("q-1", 50.00, 50.25, 500, 500))
	engine, reporter := newTestEngine(quotes, zeroDelay(100))
	checker := &fakeChecker{balance: 1e6}

	req := marketOrder(common.Buy, 100, common.Day)
	engine.Run(context.Background(), "S1", req, checker)

	fill := requireAckThen(t, reporter.Reports(), req)
	assert.Equal(t, common.ExecFill, fill.ExecType)
	assert.Equal(t, common.StatusFilled, fill.OrdStatus)
	assert.Equal(t, uint64(0), fill.LeavesQty)
	assert.Equal(t, uint64(100), fill.CumQty)
	assert.Equal(t, uint64(100), fill.LastQty)
	assert.Equal(t, 50.25, fill.LastPx)
	assert.Equal(t, 50.25, fill.AvgPx)
	assert.Equal(t, "q-1", fill.Text)
	assert.False(t, fill.CreditFailed)

	assert.Equal(t, []float64{5025}, checker.checked)
	assert.Equal(t, []float64{-5025}, checker.adjustments)
	assert.Equal(t, 1, checker.releases)
	assert.Equal(t, []string{"S1", "S1"}, reporter.sessions)
}

func TestRun_LimitSellFOKRejectsWithoutRetry(t *testing.T) {
	quotes := newScriptedQuotes(quote("q-1", 9.50, 9.60, 1000, 1000))
	engine, reporter := newTestEngine(quotes, Config{MaxAttempts: 100, PollDelay: time.Hour})
	checker := &fakeChecker{balance: 1e6}

	req := limitOrder(common.Sell, 50, 10.00, common.FillOrKill)
	engine.Run(context.Background(), "S1", req, checker)

	reject := requireAckThen(t, reporter.Reports(), req)
	assert.Equal(t, common.StatusRejected, reject.OrdStatus)
	assert.Equal(t, common.ExecRejected, reject.ExecType)
	assert.Equal(t, uint64(50), reject.LeavesQty)
	assert.Equal(t, uint64(0), reject.CumQty)
	assert.False(t, reject.CreditFailed)
	assert.Equal(t, 1, quotes.Lookups())
	assert.Empty(t, checker.checked)
	assert.Equal(t, 1, checker.releases)
}

func TestRun_LimitBuyDayFillsOnFirstCrossingQuote(t *testing.T) {
	quotes := newScriptedQuotes(
		quote("q-1", 9.00, 9.95, 100, 100),
		quote("q-2", 9.00, 9.95, 100, 100),
		quote("q-3", 9.00, 9.75, 100, 100),
		quote("q-4", 9.00, 9.50, 100, 100),
	)
	engine, reporter := newTestEngine(quotes, zeroDelay(100))
	checker := &fakeChecker{balance: 1e6}

	req := limitOrder(common.Buy, 20, 9.80, common.Day)
	engine.Run(context.Background(), "S1", req, checker)

	fill := requireAckThen(t, reporter.Reports(), req)
	assert.Equal(t, common.StatusFilled, fill.OrdStatus)
	assert.Equal(t, 9.75, fill.LastPx)
	assert.Equal(t, uint64(20), fill.CumQty)
	assert.Equal(t, "q-3", fill.Text)
	assert.Equal(t, 3, quotes.Lookups())
}

func TestRun_LimitBuyCrossingFillsImmediately(t *testing.T) {
	for _, tc := range []struct {
		name  string
		limit float64
		ask   float64
		qty   uint64
		size  uint64
	}{
		{"limit above ask", 10.00, 9.99, 10, 10},
		{"limit at ask", 9.99, 9.99, 1, 500},
		{"quantity equals size", 100, 42.42, 250, 250},
	} {
		t.Run(tc.name, func(t *testing.T) {
			quotes := newScriptedQuotes(quote("q-1", 0, tc.ask, 0, tc.size))
			engine, reporter := newTestEngine(quotes, Config{MaxAttempts: 100, PollDelay: time.Hour})

			req := limitOrder(common.Buy, tc.qty, tc.limit, common.Day)
			engine.Run(context.Background(), "S1", req, &fakeChecker{balance: 1e9})

			fill := requireAckThen(t, reporter.Reports(), req)
			assert.Equal(t, common.StatusFilled, fill.OrdStatus)
			assert.Equal(t, tc.ask, fill.LastPx)
			assert.Equal(t, tc.qty, fill.CumQty)
			assert.Equal(t, 1, quotes.Lookups())
		})
	}
}

func TestRun_LimitNeedsEnoughQuotedSize(t *testing.T) {
	quotes := newScriptedQuotes(
		quote("q-1", 0, 9.00, 0, 10),
		quote("q-2", 0, 9.00, 0, 50),
	)
	engine, reporter := newTestEngine(quotes, zeroDelay(5))

	req := limitOrder(common.Buy, 50, 10, common.ImmediateOrCancel)
	engine.Run(context.Background(), "S1", req, &fakeChecker{balance: 1e9})

	fill := requireAckThen(t, reporter.Reports(), req)
	assert.Equal(t, common.StatusFilled, fill.OrdStatus)
	assert.Equal(t, "q-2", fill.Text)
	assert.Equal(t, 2, quotes.Lookups())
}

func TestRun_LimitSellCrossesAtOrAboveLimit(t *testing.T) {
	quotes := newScriptedQuotes(quote("q-1", 10.00, 11, 100, 100))
	engine, reporter := newTestEngine(quotes, zeroDelay(1))

	req := limitOrder(common.Sell, 100, 10.00, common.FillOrKill)
	engine.Run(context.Background(), "S1", req, &fakeChecker{balance: 1e9})

	fill := requireAckThen(t, reporter.Reports(), req)
	assert.Equal(t, common.StatusFilled, fill.OrdStatus)
	assert.Equal(t, 10.00, fill.LastPx)
}

func TestRun_LimitExhaustsAttempts(t *testing.T) {
	const attempts = 7
	delay := 5 * time.Millisecond
	quotes := newScriptedQuotes(quote("q-1", 0, 20, 0, 1000))
	engine, reporter := newTestEngine(quotes, Config{MaxAttempts: attempts, PollDelay: delay})
	checker := &fakeChecker{balance: 1e9}

	req := limitOrder(common.Buy, 10, 10, common.Day)
	start := time.Now()
	engine.Run(context.Background(), "S1", req, checker)
	took := time.Since(start)

	reject := requireAckThen(t, reporter.Reports(), req)
	assert.Equal(t, common.StatusRejected, reject.OrdStatus)
	assert.Equal(t, uint64(10), reject.LeavesQty)
	assert.False(t, reject.CreditFailed)
	assert.Equal(t, attempts, quotes.Lookups())
	assert.GreaterOrEqual(t, took, (attempts-1)*delay)
	assert.Empty(t, checker.checked)
	assert.Equal(t, 1, checker.releases)
}

func TestRun_MarketIgnoresSizeUnlessFOK(t *testing.T) {
	for _, tif := range []common.TimeInForce{common.Day, common.ImmediateOrCancel} {
		t.Run(tif.String(), func(t *testing.T) {
			quotes := newScriptedQuotes(quote("q-1", 12.5, 13, 1, 0))
			engine, reporter := newTestEngine(quotes, zeroDelay(100))

			req := marketOrder(common.Sell, 900, tif)
			engine.Run(context.Background(), "S1", req, &fakeChecker{balance: 1e9})

			fill := requireAckThen(t, reporter.Reports(), req)
			assert.Equal(t, common.StatusFilled, fill.OrdStatus)
			assert.Equal(t, uint64(900), fill.CumQty)
			assert.Equal(t, 12.5, fill.LastPx)
			assert.Equal(t, 1, quotes.Lookups())
		})
	}
}

func TestRun_MarketFOKWithoutSizeRejects(t *testing.T) {
	quotes := newScriptedQuotes(quote("q-1", 12.5, 13, 1, 899))
	engine, reporter := newTestEngine(quotes, zeroDelay(100))

	req := marketOrder(common.Buy, 900, common.FillOrKill)
	engine.Run(context.Background(), "S1", req, &fakeChecker{balance: 1e9})

	reject := requireAckThen(t, reporter.Reports(), req)
	assert.Equal(t, common.StatusRejected, reject.OrdStatus)
	assert.False(t, reject.CreditFailed)
	assert.Equal(t, 1, quotes.Lookups())
}

func TestRun_InsufficientCreditRejectsWithMarker(t *testing.T) {
	quotes := newScriptedQuotes(quote("q-1", 0, 50, 0, 1000))
	engine, reporter := newTestEngine(quotes, zeroDelay(1))
	checker := &fakeChecker{balance: 4999.99}

	req := marketOrder(common.Buy, 100, common.Day)
	engine.Run(context.Background(), "S1", req, checker)

	reject := requireAckThen(t, reporter.Reports(), req)
	assert.Equal(t, common.StatusRejected, reject.OrdStatus)
	assert.Equal(t, uint64(100), reject.LeavesQty)
	assert.Equal(t, uint64(0), reject.CumQty)
	assert.True(t, reject.CreditFailed)
	assert.Equal(t, []float64{5000}, checker.checked)
	assert.Empty(t, checker.adjustments)
	assert.Equal(t, 1, checker.releases)
}

func TestRun_CreditStoreFailureFailsClosed(t *testing.T) {
	quotes := newScriptedQuotes(quote("q-1", 0, 50, 0, 1000))

	t.Run("check fails", func(t *testing.T) {
		engine, reporter := newTestEngine(quotes, zeroDelay(1))
		checker := &fakeChecker{balance: 1e9, checkErr: credit.ErrCreditUnavailable}

		req := marketOrder(common.Buy, 1, common.Day)
		engine.Run(context.Background(), "S1", req, checker)

		reject := requireAckThen(t, reporter.Reports(), req)
		assert.Equal(t, common.StatusRejected, reject.OrdStatus)
		assert.True(t, reject.CreditFailed)
		assert.Empty(t, checker.adjustments)
		assert.Equal(t, 1, checker.releases)
	})

	t.Run("debit fails", func(t *testing.T) {
		engine, reporter := newTestEngine(quotes, zeroDelay(1))
		checker := &fakeChecker{balance: 1e9, adjustErr: credit.ErrCreditUnavailable}

		req := marketOrder(common.Buy, 1, common.Day)
		engine.Run(context.Background(), "S1", req, checker)

		reject := requireAckThen(t, reporter.Reports(), req)
		assert.Equal(t, common.StatusRejected, reject.OrdStatus)
		assert.True(t, reject.CreditFailed)
	})

	t.Run("no connection", func(t *testing.T) {
		engine, reporter := newTestEngine(quotes, zeroDelay(1))

		req := marketOrder(common.Buy, 1, common.Day)
		engine.Run(context.Background(), "S1", req, credit.Unavailable(credit.ErrCreditUnavailable))

		reject := requireAckThen(t, reporter.Reports(), req)
		assert.True(t, reject.CreditFailed)
	})
}

func TestRun_MalformedOrdersAreRejected(t *testing.T) {
	for _, tc := range []struct {
		name string
		req  common.NewOrderRequest
		err  error
	}{
		{"zero quantity", marketOrder(common.Buy, 0, common.Day), ErrInvalidQuantity},
		{"limit without price", limitOrder(common.Buy, 10, 0, common.Day), ErrInvalidLimitPrice},
		{"unknown side", marketOrder(common.UnknownSide, 10, common.Day), ErrInvalidSide},
		{"unknown tif", marketOrder(common.Buy, 10, common.UnknownTimeInForce), ErrInvalidTimeInForce},
		{"unknown type", common.NewOrderRequest{ClOrdID: "x", Symbol: "IBM", Side: common.Sell, Quantity: 1, TimeInForce: common.Day}, ErrInvalidOrderType},
		{"no symbol", common.NewOrderRequest{ClOrdID: "x", Side: common.Sell, Quantity: 1, Type: common.MarketOrder, TimeInForce: common.Day}, ErrMissingSymbol},
	} {
		t.Run(tc.name, func(t *testing.T) {
			quotes := newScriptedQuotes(quote("q-1", 1, 1, 1, 1))
			engine, reporter := newTestEngine(quotes, zeroDelay(1))
			checker := &fakeChecker{balance: 1e9}

			engine.Run(context.Background(), "S1", tc.req, checker)

			reject := requireAckThen(t, reporter.Reports(), tc.req)
			assert.Equal(t, common.StatusRejected, reject.OrdStatus)
			assert.False(t, reject.CreditFailed)
			assert.True(t, errors.Is(validate(tc.req), tc.err))
			assert.Equal(t, 0, quotes.Lookups())
			assert.Equal(t, 1, checker.releases)
		})
	}
}

func TestRun_CancelledMatchIsRejected(t *testing.T) {
	quotes := newScriptedQuotes(quote("q-1", 0, 20, 0, 1000))
	engine, reporter := newTestEngine(quotes, Config{MaxAttempts: 100, PollDelay: time.Hour})
	checker := &fakeChecker{balance: 1e9}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	req := limitOrder(common.Buy, 10, 10, common.Day)
	go func() {
		engine.Run(ctx, "S1", req, checker)
		close(done)
	}()

	require.Eventually(t, func() bool { return quotes.Lookups() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("match did not stop on cancel")
	}

	reject := requireAckThen(t, reporter.Reports(), req)
	assert.Equal(t, common.StatusRejected, reject.OrdStatus)
	assert.Equal(t, reasonCancelled, reject.Text)
	assert.Equal(t, 1, checker.releases)
}

func TestRun_PanicIsContainedAndReleases(t *testing.T) {
	engine := New(newScriptedQuotes(quote("q-1", 1, 1, 1, 1)), &common.Sequence{}, panickingReporter{}, zeroDelay(1), nil)
	checker := &fakeChecker{balance: 1e9}

	assert.NotPanics(t, func() {
		engine.Run(context.Background(), "S1", marketOrder(common.Buy, 1, common.Day), checker)
	})
	assert.Equal(t, 1, checker.releases)
}

type panickingReporter struct{}

func (panickingReporter) Report(string, common.ExecutionReport) { panic("transport exploded") }

func TestRun_IDsComeFromInjectedSequence(t *testing.T) {
	ids := &common.Sequence{}
	reporter := &recordingReporter{}
	engine := New(newScriptedQuotes(quote("q-1", 1, 1, 1, 1)), ids, reporter, zeroDelay(1), nil)

	engine.Run(context.Background(), "S1", marketOrder(common.Buy, 1, common.Day), &fakeChecker{balance: 1e9})
	engine.Run(context.Background(), "S1", marketOrder(common.Buy, 1, common.Day), &fakeChecker{balance: 1e9})

	reports := reporter.Reports()
	require.Len(t, reports, 4)
	for i, r := range reports {
		assert.Equal(t, []string{"1", "2", "3", "4"}[i], r.OrderID)
		assert.Equal(t, []string{"1", "2", "3", "4"}[i], r.ExecID)
	}
}
