package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"exchsim/internal/common"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrStringTooLong      = errors.New("string field too long")
)

type MessageType uint16

const (
	Heartbeat MessageType = iota
	Logon
	Logout
	Reject
	NewOrder
	ExecutionReport
)

func (t MessageType) String() string {
	switch t {
	case Heartbeat:
		return "Heartbeat"
	case Logon:
		return "Logon"
	case Logout:
		return "Logout"
	case Reject:
		return "Reject"
	case NewOrder:
		return "NewOrder"
	case ExecutionReport:
		return "ExecutionReport"
	}
	return fmt.Sprintf("MessageType(%d)", uint16(t))
}

// Admin reports whether the message belongs to the session layer rather than
// the application.
func (t MessageType) Admin() bool {
	return t == Heartbeat || t == Logon || t == Logout || t == Reject
}

type Message interface {
	GetType() MessageType
}

// Message format constants
const (
	FrameLenSize         = 4
	BaseMessageHeaderLen = 2
	MaxFrameSize         = 64 * 1024
)

type HeartbeatMessage struct{}

func (HeartbeatMessage) GetType() MessageType { return Heartbeat }

// LogonMessage opens a session. Credentials are checked by the acceptor's
// application before the session is considered logged on.
type LogonMessage struct {
	SessionID string
	Username  string
	Password  string
}

func (LogonMessage) GetType() MessageType { return Logon }

type LogoutMessage struct {
	Reason string
}

func (LogoutMessage) GetType() MessageType { return Logout }

// RejectMessage is sent right before the acceptor drops a connection.
type RejectMessage struct {
	Reason string
}

func (RejectMessage) GetType() MessageType { return Reject }

type NewOrderMessage struct {
	common.NewOrderRequest
}

func (NewOrderMessage) GetType() MessageType { return NewOrder }

type ExecutionReportMessage struct {
	common.ExecutionReport
}

func (ExecutionReportMessage) GetType() MessageType { return ExecutionReport }

// Encode serializes a message into a length prefixed frame ready for the wire.
func Encode(msg Message) ([]byte, error) {
	w := &writer{buf: make([]byte, FrameLenSize, 64)}
	w.uint16(uint16(msg.GetType()))

	switch m := msg.(type) {
	case HeartbeatMessage:
	case LogonMessage:
		w.string(m.SessionID)
		w.string(m.Username)
		w.string(m.Password)
	case LogoutMessage:
		w.string(m.Reason)
	case RejectMessage:
		w.string(m.Reason)
	case NewOrderMessage:
		w.string(m.ClOrdID)
		w.string(m.Symbol)
		w.byte(sideToWire(m.Side))
		w.uint64(m.Quantity)
		w.byte(orderTypeToWire(m.Type))
		w.float64(m.LimitPrice)
		w.byte(timeInForceToWire(m.TimeInForce))
	case ExecutionReportMessage:
		w.string(m.OrderID)
		w.string(m.ExecID)
		w.byte(execTypeToWire(m.ExecType))
		w.byte(ordStatusToWire(m.OrdStatus))
		w.byte(sideToWire(m.Side))
		w.uint64(m.LeavesQty)
		w.uint64(m.CumQty)
		w.string(m.ClOrdID)
		w.string(m.Symbol)
		w.uint64(m.OrderQty)
		w.uint64(m.LastQty)
		w.float64(m.LastPx)
		w.float64(m.AvgPx)
		w.string(m.Text)
		w.bool(m.CreditFailed)
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidMessageType, msg)
	}

	if w.err != nil {
		return nil, w.err
	}
	if len(w.buf)-FrameLenSize > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	binary.BigEndian.PutUint32(w.buf[0:FrameLenSize], uint32(len(w.buf)-FrameLenSize))
	return w.buf, nil
}

// ReadMessage reads exactly one frame off r and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	var header [FrameLenSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return Decode(payload)
}

// Decode parses a frame payload (without the length prefix).
func Decode(msg []byte) (Message, error) {
	if len(msg) < BaseMessageHeaderLen {
		return nil, fmt.Errorf("%w: missing header", ErrMessageTooShort)
	}

	r := &reader{buf: msg[BaseMessageHeaderLen:]}
	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:BaseMessageHeaderLen]))

	var m Message
	switch typeOf {
	case Heartbeat:
		m = HeartbeatMessage{}
	case Logon:
		m = LogonMessage{
			SessionID: r.string(),
			Username:  r.string(),
			Password:  r.string(),
		}
	case Logout:
		m = LogoutMessage{Reason: r.string()}
	case Reject:
		m = RejectMessage{Reason: r.string()}
	case NewOrder:
		m = parseNewOrder(r)
	case ExecutionReport:
		m = parseExecutionReport(r)
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidMessageType, uint16(typeOf))
	}

	if r.err != nil {
		return nil, fmt.Errorf("decoding %v: %w", typeOf, r.err)
	}
	return m, nil
}

func parseNewOrder(r *reader) NewOrderMessage {
	var m NewOrderMessage
	m.ClOrdID = r.string()
	m.Symbol = r.string()
	m.Side = sideFromWire(r.byte())
	m.Quantity = r.uint64()
	m.Type = orderTypeFromWire(r.byte())
	m.LimitPrice = r.float64()
	m.TimeInForce = timeInForceFromWire(r.byte())
	return m
}

func parseExecutionReport(r *reader) ExecutionReportMessage {
	var m ExecutionReportMessage
	m.OrderID = r.string()
	m.ExecID = r.string()
	m.ExecType = execTypeFromWire(r.byte())
	m.OrdStatus = ordStatusFromWire(r.byte())
	m.Side = sideFromWire(r.byte())
	m.LeavesQty = r.uint64()
	m.CumQty = r.uint64()
	m.ClOrdID = r.string()
	m.Symbol = r.string()
	m.OrderQty = r.uint64()
	m.LastQty = r.uint64()
	m.LastPx = r.float64()
	m.AvgPx = r.float64()
	m.Text = r.string()
	m.CreditFailed = r.bool()
	return m
}

// writer appends big-endian fields. Strings carry a 2 byte length prefix.
type writer struct {
	buf []byte
	err error
}

func (w *writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) bool(b bool) {
	if b {
		w.byte(1)
		return
	}
	w.byte(0)
}

func (w *writer) uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) uint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) float64(v float64) { w.uint64(math.Float64bits(v)) }

func (w *writer) string(s string) {
	if len(s) > math.MaxUint16 {
		w.err = ErrStringTooLong
		return
	}
	w.uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// reader consumes big-endian fields. The first short read latches err and
// every later read returns a zero value.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrMessageTooShort
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) bool() bool { return r.byte() == 1 }

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) float64() float64 { return math.Float64frombits(r.uint64()) }

func (r *reader) string() string {
	n := r.uint16()
	if b := r.take(int(n)); b != nil {
		return string(b)
	}
	return ""
}
