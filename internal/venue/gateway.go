package venue

import (
	"context"
	"errors"
	"fmt"
	stdnet "net"
	"time"

	"exchsim/internal/common"
	"exchsim/internal/config"
	"exchsim/internal/credit"
	"exchsim/internal/engine"
	"exchsim/internal/metrics"
	"exchsim/internal/net"
	"exchsim/internal/pool"

	"github.com/rs/zerolog/log"
)

// CreditPool hands out one credit checker per match.
type CreditPool interface {
	Checkout(ctx context.Context) (credit.Checker, error)
	Close() error
}

// Gateway is the accepting side of the venue. It authenticates sessions,
// turns inbound orders into matches on the worker pool and sends the
// resulting reports back on the originating session.
type Gateway struct {
	sessions map[string]config.Session
	grace    time.Duration

	acceptor *net.Acceptor
	sender   net.Sender
	engine   *engine.Engine
	workers  *pool.WorkerPool
	credit   CreditPool
}

func New(cfg config.VenueConfig, quotes engine.QuoteSource, creditPool CreditPool, m *metrics.Metrics) (*Gateway, error) {
	if len(cfg.Sessions) == 0 {
		return nil, config.ErrNoSessions
	}
	workers, err := pool.NewWorkerPool(cfg.Workers, m)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		sessions: make(map[string]config.Session, len(cfg.Sessions)),
		grace:    cfg.GracePeriod,
		workers:  workers,
		credit:   creditPool,
	}
	for _, s := range cfg.Sessions {
		g.sessions[s.ID] = s
	}
	g.acceptor = net.NewAcceptor(cfg.Address, g)
	g.sender = g.acceptor
	g.engine = engine.New(quotes, &common.Sequence{}, g, engine.Config{
		MaxAttempts: cfg.MaxAttempts,
		PollDelay:   cfg.PollDelay,
	}, m)
	return g, nil
}

// Start begins accepting sessions. The acceptor deliberately outlives ctx so
// reports of draining matches can still go out; call Shutdown to stop it.
func (g *Gateway) Start(ctx context.Context) error {
	return g.acceptor.Start(context.WithoutCancel(ctx))
}

// Addr is the address sessions connect to. Only valid after Start.
func (g *Gateway) Addr() stdnet.Addr {
	return g.acceptor.Addr()
}

// Run starts the gateway and shuts it down once the context is done.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return g.Shutdown()
}

// Shutdown stops taking orders, gives in-flight matches the grace period to
// finish, then cancels whatever is left. Sessions are closed and the credit
// pool released afterwards.
func (g *Gateway) Shutdown() error {
	log.Info().Dur("grace", g.grace).Msg("venue shutting down")

	var errs []error
	if err := g.workers.Shutdown(g.grace); err != nil {
		errs = append(errs, err)
	}
	if err := g.acceptor.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := g.credit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unable to close credit pool: %w", err))
	}
	return errors.Join(errs...)
}

func (g *Gateway) OnLogon(sessionID string) {
	log.Info().Str("session", sessionID).Msg("counterparty logged on")
}

func (g *Gateway) OnLogout(sessionID string) {
	log.Info().Str("session", sessionID).Msg("counterparty logged out")
}

// FromAdmin checks logon credentials against the configured session. Every
// other admin message passes.
func (g *Gateway) FromAdmin(sessionID string, msg net.Message) error {
	logon, ok := msg.(net.LogonMessage)
	if !ok {
		return nil
	}

	session, ok := g.sessions[sessionID]
	if !ok {
		return &net.RejectLogon{Reason: fmt.Sprintf("no configuration for session %s", sessionID)}
	}
	if logon.Username != session.Username {
		return &net.RejectLogon{Reason: fmt.Sprintf("invalid username for session %s", sessionID)}
	}
	if logon.Password != session.Password {
		return &net.RejectLogon{Reason: fmt.Sprintf("invalid password for session %s", sessionID)}
	}
	return nil
}

// FromApp queues a match for every new order. The pool queues without limit
// so this never blocks the session reader.
func (g *Gateway) FromApp(sessionID string, msg net.Message) {
	order, ok := msg.(net.NewOrderMessage)
	if !ok {
		log.Warn().Str("session", sessionID).Stringer("type", msg.GetType()).Msg("unsupported application message")
		return
	}

	req := order.NewOrderRequest
	log.Info().
		Str("session", sessionID).
		Str("clordid", req.ClOrdID).
		Str("symbol", req.Symbol).
		Stringer("side", req.Side).
		Stringer("type", req.Type).
		Uint64("quantity", req.Quantity).
		Msg("new order")

	err := g.workers.Submit(func(ctx context.Context) {
		checker, err := g.credit.Checkout(ctx)
		if err != nil {
			log.Warn().Err(err).Str("clordid", req.ClOrdID).Msg("no credit connection, failing closed")
			checker = credit.Unavailable(err)
		}
		g.engine.Run(ctx, sessionID, req, checker)
	})
	if err != nil {
		log.Warn().Err(err).Str("clordid", req.ClOrdID).Msg("dropping order")
	}
}

// Report sends a report on its session. A failed send loses the report.
func (g *Gateway) Report(sessionID string, report common.ExecutionReport) {
	if err := g.sender.Send(sessionID, net.ExecutionReportMessage{ExecutionReport: report}); err != nil {
		log.Error().Err(err).Str("session", sessionID).Str("clordid", report.ClOrdID).Msg("unable to send execution report")
	}
}
