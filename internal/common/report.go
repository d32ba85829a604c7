package common

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// NewOrderRequest is an inbound order as seen by the venue.
type NewOrderRequest struct {
	ClOrdID     string
	Symbol      string
	Side        Side
	Quantity    uint64
	Type        OrderType
	LimitPrice  float64 // Only meaningful for limit orders
	TimeInForce TimeInForce
}

// NewOrderRequestFrom builds the wire request for a submitting side order.
func NewOrderRequestFrom(order Order) NewOrderRequest {
	req := NewOrderRequest{
		ClOrdID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    order.Quantity,
		Type:        order.Type,
		TimeInForce: order.TimeInForce,
	}
	if order.Type == LimitOrder {
		req.LimitPrice = order.LimitPrice
	}
	return req
}

// ExecutionReport communicates an order's status back to the submitter.
type ExecutionReport struct {
	OrderID      string
	ExecID       string
	ExecType     ExecType
	OrdStatus    OrdStatus
	Side         Side
	LeavesQty    uint64
	CumQty       uint64
	ClOrdID      string
	Symbol       string
	OrderQty     uint64
	LastQty      uint64
	LastPx       float64
	AvgPx        float64
	Text         string
	CreditFailed bool // Set when the venue's credit check refused the fill
}

func (r ExecutionReport) String() string {
	return fmt.Sprintf("%s %s %v %s leaves=%d cum=%d px=%.2f",
		r.ClOrdID, r.OrdStatus, r.Side, r.Symbol, r.LeavesQty, r.CumQty, r.AvgPx)
}

// Sequence hands out monotonically increasing identifiers. One instance is
// shared by everything producing ids for the same venue.
type Sequence struct {
	orders atomic.Uint64
	execs  atomic.Uint64
}

func (s *Sequence) NextOrderID() string {
	return strconv.FormatUint(s.orders.Add(1), 10)
}

func (s *Sequence) NextExecID() string {
	return strconv.FormatUint(s.execs.Add(1), 10)
}
