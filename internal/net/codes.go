package net

import "exchsim/internal/common"

// Wire codes follow the FIX character values so captures stay readable. These
// conversions are the only place raw codes are interpreted; unknown codes map
// to the Unknown variant of each enum rather than failing the decode.

func sideToWire(s common.Side) byte {
	switch s {
	case common.Buy:
		return '1'
	case common.Sell:
		return '2'
	}
	return 0
}

func sideFromWire(b byte) common.Side {
	switch b {
	case '1':
		return common.Buy
	case '2':
		return common.Sell
	}
	return common.UnknownSide
}

func orderTypeToWire(t common.OrderType) byte {
	switch t {
	case common.MarketOrder:
		return '1'
	case common.LimitOrder:
		return '2'
	}
	return 0
}

func orderTypeFromWire(b byte) common.OrderType {
	switch b {
	case '1':
		return common.MarketOrder
	case '2':
		return common.LimitOrder
	}
	return common.UnknownOrderType
}

func timeInForceToWire(t common.TimeInForce) byte {
	switch t {
	case common.Day:
		return '0'
	case common.ImmediateOrCancel:
		return '3'
	case common.FillOrKill:
		return '4'
	}
	return 0xff
}

func timeInForceFromWire(b byte) common.TimeInForce {
	switch b {
	case '0':
		return common.Day
	case '3':
		return common.ImmediateOrCancel
	case '4':
		return common.FillOrKill
	}
	return common.UnknownTimeInForce
}

func ordStatusToWire(s common.OrdStatus) byte {
	switch s {
	case common.StatusNew:
		return '0'
	case common.StatusPartiallyFilled:
		return '1'
	case common.StatusFilled:
		return '2'
	case common.StatusDoneForDay:
		return '3'
	case common.StatusCanceled:
		return '4'
	case common.StatusRejected:
		return '8'
	}
	return 0
}

func ordStatusFromWire(b byte) common.OrdStatus {
	switch b {
	case '0':
		return common.StatusNew
	case '1':
		return common.StatusPartiallyFilled
	case '2':
		return common.StatusFilled
	case '3':
		return common.StatusDoneForDay
	case '4':
		return common.StatusCanceled
	case '8':
		return common.StatusRejected
	}
	return common.UnknownStatus
}

func execTypeToWire(t common.ExecType) byte {
	switch t {
	case common.ExecNew:
		return '0'
	case common.ExecFill:
		return 'F'
	case common.ExecRejected:
		return '8'
	}
	return 0
}

func execTypeFromWire(b byte) common.ExecType {
	switch b {
	case '0':
		return common.ExecNew
	case 'F':
		return common.ExecFill
	case '8':
		return common.ExecRejected
	}
	return common.UnknownExecType
}
