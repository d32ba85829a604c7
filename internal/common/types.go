package common

import "fmt"

type Side int

const (
	UnknownSide Side = iota
	Buy
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "Buy"
	case Sell:
		return "Sell"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

type OrderType int

const (
	UnknownOrderType OrderType = iota
	// Market orders are instructions to buy or sell immediately at the
	// quoted top of book, without guarantees on the execution price.
	MarketOrder
	// Limit orders are an order to buy or sell a security at a specified
	// price or better.
	LimitOrder
)

func (t OrderType) String() string {
	switch t {
	case MarketOrder:
		return "Market"
	case LimitOrder:
		return "Limit"
	}
	return fmt.Sprintf("OrderType(%d)", int(t))
}

type TimeInForce int

const (
	UnknownTimeInForce TimeInForce = iota
	// Day orders are valid for the trading session.
	Day
	// ImmediateOrCancel orders are filled as far as possible at arrival.
	ImmediateOrCancel
	// FillOrKill orders must fill in full immediately or be rejected.
	FillOrKill
)

func (t TimeInForce) String() string {
	switch t {
	case Day:
		return "Day"
	case ImmediateOrCancel:
		return "IOC"
	case FillOrKill:
		return "FOK"
	}
	return fmt.Sprintf("TimeInForce(%d)", int(t))
}

// OrdStatus is the order status carried by an execution report.
type OrdStatus int

const (
	UnknownStatus OrdStatus = iota
	StatusNew
	StatusPartiallyFilled
	StatusFilled
	StatusDoneForDay
	StatusCanceled
	StatusRejected
)

func (s OrdStatus) String() string {
	switch s {
	case StatusNew:
		return "New"
	case StatusPartiallyFilled:
		return "PartiallyFilled"
	case StatusFilled:
		return "Filled"
	case StatusDoneForDay:
		return "DoneForDay"
	case StatusCanceled:
		return "Canceled"
	case StatusRejected:
		return "Rejected"
	}
	return fmt.Sprintf("OrdStatus(%d)", int(s))
}

type ExecType int

const (
	UnknownExecType ExecType = iota
	ExecNew
	ExecFill
	ExecRejected
)

func (t ExecType) String() string {
	switch t {
	case ExecNew:
		return "New"
	case ExecFill:
		return "Fill"
	case ExecRejected:
		return "Rejected"
	}
	return fmt.Sprintf("ExecType(%d)", int(t))
}

// ParseSide, ParseOrderType and ParseTimeInForce accept the names produced by
// String.
func ParseSide(s string) (Side, error) {
	switch s {
	case "Buy":
		return Buy, nil
	case "Sell":
		return Sell, nil
	}
	return UnknownSide, fmt.Errorf("unknown order side: %s", s)
}

func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "Market":
		return MarketOrder, nil
	case "Limit":
		return LimitOrder, nil
	}
	return UnknownOrderType, fmt.Errorf("unknown order type: %s", s)
}

func ParseTimeInForce(s string) (TimeInForce, error) {
	switch s {
	case "Day":
		return Day, nil
	case "IOC":
		return ImmediateOrCancel, nil
	case "FOK":
		return FillOrKill, nil
	}
	return UnknownTimeInForce, fmt.Errorf("unknown order time in force: %s", s)
}
