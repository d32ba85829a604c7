package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"exchsim/internal/config"
	"exchsim/internal/metrics"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
)

// ErrCreditUnavailable covers every failure of the credit store. Callers treat
// it as insufficient credit.
var ErrCreditUnavailable = errors.New("credit check unavailable")

// Checker gates fills on the counterparty's remaining credit. One checker is
// bound to one match and must be released exactly once.
type Checker interface {
	HasEnoughCredit(ctx context.Context, amount float64) (bool, error)
	// AdjustCredit applies a signed change, negative debits.
	AdjustCredit(ctx context.Context, delta float64) error
	Release()
}

// Pool hands out credit store connections, one per in-flight match.
type Pool struct {
	db           *sql.DB
	counterparty string
	size         int
	metrics      *metrics.Metrics
}

// Open connects to the MySQL credit store described by cfg.
func Open(ctx context.Context, cfg config.CreditConfig, m *metrics.Metrics) (*Pool, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening credit store: %w", err)
	}
	pool := NewPool(db, cfg.Counterparty, cfg.PoolSize, m)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("credit store unreachable: %w", err)
	}
	log.Info().Int("size", cfg.PoolSize).Str("counterparty", cfg.Counterparty).Msg("connected to credit store")
	return pool, nil
}

// NewPool wraps an already opened database handle.
func NewPool(db *sql.DB, counterparty string, size int, m *metrics.Metrics) *Pool {
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	return &Pool{
		db:           db,
		counterparty: counterparty,
		size:         size,
		metrics:      m,
	}
}

// Checkout binds one connection to the caller until Release. It blocks while
// every connection is checked out.
func (p *Pool) Checkout(ctx context.Context) (Checker, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreditUnavailable, err)
	}
	return &Checkout{conn: conn, counterparty: p.counterparty}, nil
}

// AdjustCredit applies a signed change outside of any match, for example to
// top the counterparty back up.
func (p *Pool) AdjustCredit(ctx context.Context, delta float64) error {
	if _, err := p.db.ExecContext(ctx, "CALL setCredit(?, ?)", p.counterparty, delta); err != nil {
		return fmt.Errorf("%w: %w", ErrCreditUnavailable, err)
	}
	return nil
}

// Stats logs and exports pool usage every period until the context is done.
func (p *Pool) Stats(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.db.Stats()
			p.metrics.CreditConns(stats.Idle, stats.InUse)
			log.Debug().
				Int("idle", stats.Idle).
				Int("active", stats.InUse).
				Int64("waits", stats.WaitCount).
				Msg("credit check pool")
		}
	}
}

// Size is the maximum number of connections checked out at once.
func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) Close() error {
	return p.db.Close()
}

// Checkout is a credit store connection bound to a single match.
type Checkout struct {
	conn         *sql.Conn
	counterparty string
	once         sync.Once
}

func (c *Checkout) HasEnoughCredit(ctx context.Context, amount float64) (bool, error) {
	var result int64
	row := c.conn.QueryRowContext(ctx, "SELECT hasEnoughCredit(?, ?)", c.counterparty, amount)
	if err := row.Scan(&result); err != nil {
		return false, fmt.Errorf("%w: %w", ErrCreditUnavailable, err)
	}
	log.Debug().Float64("amount", amount).Int64("result", result).Msg("has credit")
	return result > 0, nil
}

func (c *Checkout) AdjustCredit(ctx context.Context, delta float64) error {
	if _, err := c.conn.ExecContext(ctx, "CALL setCredit(?, ?)", c.counterparty, delta); err != nil {
		return fmt.Errorf("%w: %w", ErrCreditUnavailable, err)
	}
	return nil
}

// Release returns the connection to the pool. Extra calls do nothing.
func (c *Checkout) Release() {
	c.once.Do(func() {
		if err := c.conn.Close(); err != nil {
			log.Warn().Err(err).Msg("unable to release credit connection")
		}
	})
}

// Unavailable returns a checker that refuses every check with err. It stands
// in when no connection could be checked out so the match still fails closed.
func Unavailable(err error) Checker {
	return unavailable{err: err}
}

type unavailable struct {
	err error
}

func (u unavailable) HasEnoughCredit(context.Context, float64) (bool, error) {
	return false, u.err
}

func (u unavailable) AdjustCredit(context.Context, float64) error {
	return u.err
}

func (unavailable) Release() {}
