package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const defaultLogonTimeout = 5 * time.Second

// Acceptor is the venue side of the session layer. It accepts TCP connections,
// runs the logon handshake through the Application and then feeds every
// inbound message of a session to the Application in order.
type Acceptor struct {
	address      string
	app          Application
	logonTimeout time.Duration

	t        *tomb.Tomb
	listener net.Listener

	sessions     map[string]*session
	sessionsLock sync.Mutex
	conns        map[net.Conn]struct{}
	connsLock    sync.Mutex
}

func NewAcceptor(address string, app Application) *Acceptor {
	return &Acceptor{
		address:      address,
		app:          app,
		logonTimeout: defaultLogonTimeout,
		sessions:     make(map[string]*session),
		conns:        make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections in the background.
func (a *Acceptor) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", a.address)
	if err != nil {
		return fmt.Errorf("unable to start listener: %w", err)
	}
	a.listener = listener
	a.t, _ = tomb.WithContext(ctx)

	a.t.Go(a.acceptLoop)
	// Tear everything down as soon as the tomb starts dying, so blocked
	// reads and accepts return.
	a.t.Go(func() error {
		<-a.t.Dying()
		a.closeAll()
		return nil
	})

	log.Info().Str("address", listener.Addr().String()).Msg("acceptor running")
	return nil
}

// Addr is the bound listener address. Only valid after Start.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Run starts the acceptor and blocks until the context is done.
func (a *Acceptor) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Stop()
}

// Stop closes the listener and every session, then waits for the readers.
func (a *Acceptor) Stop() error {
	log.Info().Msg("acceptor shutting down")
	a.t.Kill(nil)
	if err := a.t.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Send writes a message to a logged on session.
func (a *Acceptor) Send(sessionID string, msg Message) error {
	a.sessionsLock.Lock()
	s, ok := a.sessions[sessionID]
	a.sessionsLock.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s.send(msg)
}

// Sessions returns the ids of the currently logged on sessions.
func (a *Acceptor) Sessions() []string {
	a.sessionsLock.Lock()
	defer a.sessionsLock.Unlock()

	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (a *Acceptor) acceptLoop() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.t.Dying():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		log.Info().
			Str("address", conn.RemoteAddr().String()).
			Msg("new client connected")
		a.trackConn(conn)
		a.t.Go(func() error {
			a.handleConnection(conn)
			return nil
		})
	}
}

// handleConnection owns a connection for its whole life: logon, then reading
// messages in order until the peer goes away. Errors here only ever end this
// connection.
func (a *Acceptor) handleConnection(conn net.Conn) {
	defer a.untrackConn(conn)

	s, err := a.logon(conn)
	if err != nil {
		log.Warn().
			Err(err).
			Str("address", conn.RemoteAddr().String()).
			Msg("logon failed")
		return
	}
	defer func() {
		a.deleteSession(s.id)
		a.app.OnLogout(s.id)
		log.Info().Str("session", s.id).Msg("session logged out")
	}()

	a.app.OnLogon(s.id)
	log.Info().Str("session", s.id).Msg("session logged on")

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if recoverable(err) {
				log.Error().Err(err).Str("session", s.id).Msg("dropping malformed message")
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Str("session", s.id).Msg("error reading from connection")
			}
			return
		}

		if !msg.GetType().Admin() {
			a.app.FromApp(s.id, msg)
			continue
		}
		if err := a.app.FromAdmin(s.id, msg); err != nil {
			log.Warn().Err(err).Str("session", s.id).Msg("admin message refused")
		}
		if msg.GetType() == Logout {
			return
		}
	}
}

// logon reads the first message, which must be a logon, and registers the
// session if the application accepts it. Refused logons get a reject frame
// before the connection is dropped.
func (a *Acceptor) logon(conn net.Conn) (*session, error) {
	if err := conn.SetReadDeadline(time.Now().Add(a.logonTimeout)); err != nil {
		return nil, fmt.Errorf("failed setting deadline for connection: %w", err)
	}
	msg, err := ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed clearing deadline for connection: %w", err)
	}

	s := &session{conn: conn}
	logon, ok := msg.(LogonMessage)
	if !ok {
		a.reject(s, ErrNotLogon.Error())
		return nil, ErrNotLogon
	}
	s.id = logon.SessionID

	if err := a.app.FromAdmin(s.id, logon); err != nil {
		reason := err.Error()
		var rejected *RejectLogon
		if errors.As(err, &rejected) {
			reason = rejected.Reason
		}
		a.reject(s, reason)
		return nil, err
	}

	if !a.addSession(s) {
		a.reject(s, ErrSessionAlreadyActive.Error())
		return nil, fmt.Errorf("%w: %s", ErrSessionAlreadyActive, s.id)
	}

	// Acknowledge with a bare logon carrying only the session id.
	if err := s.send(LogonMessage{SessionID: s.id}); err != nil {
		a.deleteSession(s.id)
		return nil, err
	}
	return s, nil
}

func (a *Acceptor) reject(s *session, reason string) {
	if err := s.send(RejectMessage{Reason: reason}); err != nil {
		log.Debug().Err(err).Msg("unable to send logon reject")
	}
}

// addSession is an atomic insert-if-absent on the session map.
func (a *Acceptor) addSession(s *session) bool {
	a.sessionsLock.Lock()
	defer a.sessionsLock.Unlock()

	if _, ok := a.sessions[s.id]; ok {
		return false
	}
	a.sessions[s.id] = s
	return true
}

// deleteSession is an atomic map remove
func (a *Acceptor) deleteSession(id string) {
	a.sessionsLock.Lock()
	defer a.sessionsLock.Unlock()

	delete(a.sessions, id)
}

func (a *Acceptor) trackConn(conn net.Conn) {
	a.connsLock.Lock()
	defer a.connsLock.Unlock()

	// closeAll may already have run.
	select {
	case <-a.t.Dying():
		conn.Close()
	default:
		a.conns[conn] = struct{}{}
	}
}

func (a *Acceptor) untrackConn(conn net.Conn) {
	a.connsLock.Lock()
	delete(a.conns, conn)
	a.connsLock.Unlock()

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error().Err(err).Str("address", conn.RemoteAddr().String()).Msg("unable to close connection")
	}
}

func (a *Acceptor) closeAll() {
	if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error().Err(err).Msg("unable to close listener")
	}

	a.connsLock.Lock()
	defer a.connsLock.Unlock()
	for conn := range a.conns {
		conn.Close()
	}
}
