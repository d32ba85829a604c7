package net

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyActive = errors.New("session already logged on")
	ErrNotLogon             = errors.New("first message must be a logon")
)

// Application receives session events and messages. Callbacks for one session
// are always made from that session's reader goroutine, so messages of a
// session arrive in order; different sessions run concurrently.
type Application interface {
	// OnLogon is called once a logon has been accepted.
	OnLogon(sessionID string)
	// OnLogout is called when a logged on session goes away for any reason.
	OnLogout(sessionID string)
	// FromAdmin sees every inbound session level message. Returning an error
	// for a logon rejects it and disconnects the counterparty.
	FromAdmin(sessionID string, msg Message) error
	// FromApp sees every inbound application message.
	FromApp(sessionID string, msg Message)
}

// Sender delivers a message to a logged on session.
type Sender interface {
	Send(sessionID string, msg Message) error
}

// RejectLogon carries the reason a logon was refused.
type RejectLogon struct {
	Reason string
}

func (e *RejectLogon) Error() string {
	return fmt.Sprintf("logon rejected: %s", e.Reason)
}

// session wraps one connection. Writes are serialized so frames never
// interleave.
type session struct {
	id        string
	conn      net.Conn
	writeLock sync.Mutex
}

func (s *session) send(msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("unable to send %v to %s: %w", msg.GetType(), s.id, err)
	}
	return nil
}

// recoverable reports whether a read error only affected one frame and the
// stream can carry on.
func recoverable(err error) bool {
	return errors.Is(err, ErrInvalidMessageType) || errors.Is(err, ErrMessageTooShort)
}
