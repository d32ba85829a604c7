package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const defaultHeartbeatInterval = 30 * time.Second

var ErrLogonRejected = errors.New("logon rejected by counterparty")

// Initiator is the submitting side of the session layer. It keeps a single
// session logged on to an acceptor, reconnecting with exponential backoff.
type Initiator struct {
	address    string
	logon      LogonMessage
	app        Application
	heartbeat  time.Duration
	newBackOff func() backoff.BackOff

	current     *session
	currentLock sync.Mutex
}

// NewInitiator creates an initiator that logs on with the given credentials.
func NewInitiator(address string, logon LogonMessage, app Application) *Initiator {
	return &Initiator{
		address:   address,
		logon:     logon,
		app:       app,
		heartbeat: defaultHeartbeatInterval,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0 // Never give up while the context lives.
			return b
		},
	}
}

// SessionID is the id this initiator logs on as.
func (i *Initiator) SessionID() string {
	return i.logon.SessionID
}

// Run connects and serves the session until the context is done.
func (i *Initiator) Run(ctx context.Context) error {
	b := i.newBackOff()
	err := backoff.RetryNotify(
		func() error {
			err := i.connectAndServe(ctx, b)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		},
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			log.Warn().
				Err(err).
				Str("session", i.logon.SessionID).
				Dur("retry_in", wait).
				Msg("session down, reconnecting")
		},
	)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Send writes a message on the session if it is the one currently logged on.
func (i *Initiator) Send(sessionID string, msg Message) error {
	i.currentLock.Lock()
	s := i.current
	i.currentLock.Unlock()

	if s == nil || s.id != sessionID {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s.send(msg)
}

func (i *Initiator) connectAndServe(ctx context.Context, b backoff.BackOff) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", i.address)
	if err != nil {
		return fmt.Errorf("unable to connect to %s: %w", i.address, err)
	}
	defer conn.Close()

	// Unblock the reader when the context goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s := &session{id: i.logon.SessionID, conn: conn}
	if err := s.send(i.logon); err != nil {
		return err
	}

	reply, err := ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("waiting for logon reply: %w", err)
	}
	switch m := reply.(type) {
	case LogonMessage:
	case RejectMessage:
		return fmt.Errorf("%w: %s", ErrLogonRejected, m.Reason)
	default:
		return fmt.Errorf("unexpected logon reply: %v", reply.GetType())
	}

	b.Reset()
	i.setCurrent(s)
	i.app.OnLogon(s.id)
	log.Info().Str("session", s.id).Str("address", i.address).Msg("session logged on")
	defer func() {
		i.setCurrent(nil)
		i.app.OnLogout(s.id)
		log.Info().Str("session", s.id).Msg("session logged out")
	}()

	go i.heartbeats(s, done)

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if recoverable(err) {
				log.Error().Err(err).Str("session", s.id).Msg("dropping malformed message")
				continue
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("counterparty closed the session: %w", err)
			}
			return err
		}

		if !msg.GetType().Admin() {
			i.app.FromApp(s.id, msg)
			continue
		}
		if err := i.app.FromAdmin(s.id, msg); err != nil {
			log.Warn().Err(err).Str("session", s.id).Msg("admin message refused")
		}
		if msg.GetType() == Logout {
			return errors.New("counterparty logged out")
		}
	}
}

func (i *Initiator) heartbeats(s *session, done <-chan struct{}) {
	ticker := time.NewTicker(i.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.send(HeartbeatMessage{}); err != nil {
				log.Debug().Err(err).Str("session", s.id).Msg("heartbeat failed")
				return
			}
		}
	}
}

func (i *Initiator) setCurrent(s *session) {
	i.currentLock.Lock()
	defer i.currentLock.Unlock()

	i.current = s
}
