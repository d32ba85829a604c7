package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"exchsim/internal/common"
	"exchsim/internal/config"
	"exchsim/internal/metrics"
	"exchsim/internal/net"
	"exchsim/internal/store"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

var ErrNoSession = errors.New("no session logged on")

const publishTimeout = 5 * time.Second

// Gateway is the submitting side. It keeps one session per configured
// venue session, sends orders to the venue, tracks them in the order table
// and folds execution reports back into them. Orders that end filled or
// rejected are handed to the sink.
type Gateway struct {
	initiators initiators
	sender     net.Sender
	table      *OrderTable
	sink       store.Sink
	metrics    *metrics.Metrics

	sessions     map[string]struct{}
	sessionsLock sync.Mutex
	// Serializes read-modify-write of tracked orders across sessions.
	reportsLock sync.Mutex
}

func New(cfg config.RouterConfig, sink store.Sink, m *metrics.Metrics) (*Gateway, error) {
	if len(cfg.Sessions) == 0 {
		return nil, config.ErrNoSessions
	}
	table, err := NewOrderTable(cfg.TableCapacity)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		initiators: make(initiators, len(cfg.Sessions)),
		table:      table,
		sink:       sink,
		metrics:    m,
		sessions:   make(map[string]struct{}),
	}
	for _, s := range cfg.Sessions {
		if _, ok := g.initiators[s.ID]; ok {
			return nil, fmt.Errorf("duplicate router session %s", s.ID)
		}
		// Credentials go out on every logon.
		g.initiators[s.ID] = net.NewInitiator(cfg.Address, net.LogonMessage{
			SessionID: s.ID,
			Username:  s.Username,
			Password:  s.Password,
		}, g)
	}
	g.sender = g.initiators
	return g, nil
}

// Run keeps every session to the venue up until the context is done.
func (g *Gateway) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)
	for _, initiator := range g.initiators {
		initiator := initiator
		t.Go(func() error {
			return initiator.Run(ctx)
		})
	}
	if err := t.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (g *Gateway) Table() *OrderTable {
	return g.table
}

// Sessions returns the logged on session ids in a stable order.
func (g *Gateway) Sessions() []string {
	g.sessionsLock.Lock()
	defer g.sessionsLock.Unlock()

	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Gateway) OnLogon(sessionID string) {
	g.sessionsLock.Lock()
	g.sessions[sessionID] = struct{}{}
	g.sessionsLock.Unlock()

	log.Info().Str("session", sessionID).Msg("logon")
}

func (g *Gateway) OnLogout(sessionID string) {
	g.sessionsLock.Lock()
	delete(g.sessions, sessionID)
	g.sessionsLock.Unlock()

	log.Info().Str("session", sessionID).Msg("logout")
}

func (g *Gateway) FromAdmin(sessionID string, msg net.Message) error {
	if reject, ok := msg.(net.RejectMessage); ok {
		log.Warn().Str("session", sessionID).Str("reason", reject.Reason).Msg("session level reject")
	}
	return nil
}

func (g *Gateway) FromApp(sessionID string, msg net.Message) {
	report, ok := msg.(net.ExecutionReportMessage)
	if !ok {
		log.Warn().Str("session", sessionID).Stringer("type", msg.GetType()).Msg("unsupported application message")
		return
	}
	g.OnExecutionReport(report.ExecutionReport)
}

// Submit sends the order on every logged on session. The copy for the first
// session whose send succeeds is the tracked one; an order no session took
// is not tracked.
func (g *Gateway) Submit(order common.Order) error {
	sessions := g.Sessions()
	if len(sessions) == 0 {
		log.Warn().Str("id", order.ID).Msg("no session logged on, dropping order")
		return ErrNoSession
	}

	var sent bool
	for _, sessionID := range sessions {
		routed := order
		routed.SessionID = sessionID

		// Tracked before the send so reports racing the send find it.
		inserted := g.table.Add(routed)
		msg := net.NewOrderMessage{NewOrderRequest: common.NewOrderRequestFrom(routed)}
		if err := g.sender.Send(sessionID, msg); err != nil {
			log.Error().Err(err).Str("id", order.ID).Str("session", sessionID).Msg("unable to send order")
			if inserted {
				g.table.Remove(order.ID)
			}
			continue
		}
		sent = true
		g.metrics.OrderSent()
		log.Info().
			Str("id", order.ID).
			Str("session", sessionID).
			Str("symbol", order.Symbol).
			Stringer("side", order.Side).
			Stringer("type", order.Type).
			Uint64("quantity", order.Quantity).
			Msg("sent order")
	}
	if !sent {
		return ErrNoSession
	}
	return nil
}

// OnExecutionReport applies a report to the tracked order. Reports for
// orders that are not tracked are ignored.
func (g *Gateway) OnExecutionReport(report common.ExecutionReport) {
	g.metrics.ReportReceived(report.OrdStatus.String())

	status, order, ok := g.apply(report)
	if ok && status != "" {
		g.publish(status, order)
	}
}

// apply folds the report into the table and returns the store status to
// publish the result under, if any.
func (g *Gateway) apply(report common.ExecutionReport) (string, common.Order, bool) {
	g.reportsLock.Lock()
	defer g.reportsLock.Unlock()

	order, ok := g.table.Get(report.ClOrdID)
	if !ok {
		log.Debug().Str("id", report.ClOrdID).Msg("execution report for unknown order")
		return "", common.Order{}, false
	}

	if report.Text != "" {
		order.Message = report.Text
	}

	if report.LeavesQty < order.Quantity {
		fillDelta := order.Quantity - report.LeavesQty
		order.Open -= min(fillDelta, order.Open)
		order.Executed = report.CumQty
		order.AvgPx = report.AvgPx
	}

	var status string
	switch report.OrdStatus {
	case common.StatusRejected:
		order.Rejected = true
		order.Open = 0
		if report.CreditFailed {
			order.CreditCheckFailed = true
		}
		status = store.StatusRejected
	case common.StatusCanceled, common.StatusDoneForDay:
		order.Canceled = true
		order.Open = 0
	case common.StatusNew:
		order.IsNew = false
	case common.StatusFilled:
		order.QuoteID = report.Text
		status = store.StatusFilled
	default:
		log.Warn().Str("id", order.ID).Stringer("status", report.OrdStatus).Msg("unknown order status")
	}

	g.table.Update(order)
	return status, order, true
}

func (g *Gateway) publish(status string, order common.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := g.sink.Publish(ctx, status, order); err != nil {
		log.Warn().Err(err).Str("id", order.ID).Str("status", status).Msg("failed to publish order")
	}
}

// initiators routes sends to the initiator owning the session.
type initiators map[string]*net.Initiator

func (i initiators) Send(sessionID string, msg net.Message) error {
	initiator, ok := i[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", net.ErrSessionNotFound, sessionID)
	}
	return initiator.Send(sessionID, msg)
}
