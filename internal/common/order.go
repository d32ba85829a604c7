package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Order is the submitting side's record of an order sent to the venue. It is
// the only place order identity lives; the venue works purely off the inbound
// message.
type Order struct {
	ID                string      // Client generated uuid, immutable
	OriginalID        string      // Parent order, if any
	SessionID         string      // Session that carries the order
	Symbol            string      // Specific asset identifier
	Side              Side        // Order side
	Type              OrderType   //
	TimeInForce       TimeInForce //
	LimitPrice        float64     // Limiting price, limit orders only
	Quantity          uint64      // Total volume requested
	Open              uint64      // Remaining quantity
	Executed          uint64      // Cumulative executed quantity
	AvgPx             float64     // Average fill price
	Rejected          bool
	Canceled          bool
	IsNew             bool   // No acknowledgement seen yet
	CreditCheckFailed bool   // Rejected by the venue's credit check
	Message           string // Free text of the last report
	QuoteID           string // Quote used to fill the order
	StoreTime         time.Time
}

// NewOrder creates an order with a fresh id, fully open and awaiting its first
// acknowledgement.
func NewOrder(symbol string, side Side, orderType OrderType, tif TimeInForce, quantity uint64, limitPrice float64) Order {
	return Order{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Side:        side,
		Type:        orderType,
		TimeInForce: tif,
		LimitPrice:  limitPrice,
		Quantity:    quantity,
		Open:        quantity,
		IsNew:       true,
		StoreTime:   time.Now().UTC(),
	}
}

// Filled reports whether the whole requested quantity has executed.
func (order Order) Filled() bool {
	return !order.Rejected && order.Quantity > 0 && order.Executed == order.Quantity
}

// Terminal reports whether the order reached an absorbing state.
func (order Order) Terminal() bool {
	return order.Rejected || order.Canceled || order.Filled()
}

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:          %v
Session:     %s
Symbol:      %s
Side:        %v
Type:        %v
TimeInForce: %v
LimitPrice:  %f
Quantity:    %d (Open: %d, Executed: %d)
AvgPx:       %f
Rejected:    %t (Credit: %t)
Canceled:    %t
QuoteID:     %s
StoreTime:   %v`,
		order.ID,
		order.SessionID,
		order.Symbol,
		order.Side,
		order.Type,
		order.TimeInForce,
		order.LimitPrice,
		order.Quantity,
		order.Open,
		order.Executed,
		order.AvgPx,
		order.Rejected,
		order.CreditCheckFailed,
		order.Canceled,
		order.QuoteID,
		order.StoreTime.Format(time.RFC3339), // Formatted for readability
	)
}
