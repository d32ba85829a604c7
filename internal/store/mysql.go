package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"exchsim/internal/common"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Upper bound of the random amount credit is topped up by after a credit
// check failure.
const maxCreditReset = 99999

// CreditAdjuster applies a signed change to the counterparty's credit.
type CreditAdjuster interface {
	AdjustCredit(ctx context.Context, delta float64) error
}

// MySQL persists terminal orders through the addOrder procedure. Orders
// that failed their credit check also top the counterparty's credit back up
// so the simulation keeps trading.
type MySQL struct {
	db     *sql.DB
	credit CreditAdjuster

	rnd     *rand.Rand
	rndLock sync.Mutex
}

// OpenMySQL connects to the order store. credit may be nil, in which case
// credit is never topped up.
func OpenMySQL(ctx context.Context, dsn string, credit CreditAdjuster) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening order store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("order store unreachable: %w", err)
	}
	log.Info().Msg("connected to order store")
	return NewMySQL(db, credit, nil), nil
}

func NewMySQL(db *sql.DB, credit CreditAdjuster, rnd *rand.Rand) *MySQL {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &MySQL{db: db, credit: credit, rnd: rnd}
}

func (m *MySQL) Publish(ctx context.Context, status string, order common.Order) error {
	if order.CreditCheckFailed && m.credit != nil {
		amount := m.creditReset()
		if err := m.credit.AdjustCredit(ctx, amount); err != nil {
			log.Warn().Err(err).Str("id", order.ID).Msg("unable to reset credit")
		} else {
			log.Info().Float64("amount", amount).Msg("credit reset")
		}
	}

	var limitPrice sql.NullFloat64
	if order.Type == common.LimitOrder {
		limitPrice = sql.NullFloat64{Float64: order.LimitPrice, Valid: true}
	}

	_, err := m.db.ExecContext(ctx,
		"CALL addOrder(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		order.ID,
		order.Symbol,
		order.Quantity,
		order.Side.String(),
		order.Type.String(),
		order.TimeInForce.String(),
		limitPrice,
		order.AvgPx,
		flag(order.Rejected),
		flag(order.CreditCheckFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to store %s order %s: %w", status, order.ID, err)
	}
	return nil
}

func (m *MySQL) Close() error {
	return m.db.Close()
}

func (m *MySQL) creditReset() float64 {
	m.rndLock.Lock()
	defer m.rndLock.Unlock()

	return decimal.NewFromFloat(m.rnd.Float64() * maxCreditReset).Truncate(2).InexactFloat64()
}

func flag(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}
