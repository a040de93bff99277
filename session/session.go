// Package session implements the session lifecycle core: the per-id state
// machine around one protocol connection, the registry of live sessions,
// and the manager that drives reconnect, restore and teardown.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/whatsgate-project/whatsgate/logger"
	"github.com/whatsgate-project/whatsgate/protocol"
	"github.com/whatsgate-project/whatsgate/store"
	"github.com/whatsgate-project/whatsgate/types"
)

// Relay event names pushed to subscribers.
const (
	EventQR           = "qr"
	EventPairingCode  = "pairingCode"
	EventPairingError = "pairingCodeError"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventMessage      = "message"
	EventRemoved      = "session:removed"
	EventStopped      = "session:stopped"
	EventStatus       = "status"
)

// Publisher fans session events out to subscribers. Publish scopes the
// event to one session id room; PublishAll reaches every subscriber.
type Publisher interface {
	Publish(sessionID, event string, payload interface{})
	PublishAll(event string, payload interface{})
}

const pairingRequestTimeout = 15 * time.Second

// hooks are the manager's policy callbacks. They run on the session's
// event loop goroutine and must not block on session I/O.
type hooks struct {
	onConnected    func(*Session)
	onDisconnected func(*Session, protocol.DisconnectReason)
	onLoggedOut    func(*Session, error)
	onMessage      func(*Session, *types.Message)
}

// Session owns exactly one protocol connection's lifecycle for one id.
// All state is mutated under mu, which is never held across blocking I/O,
// so one session's slow connection never stalls another's events.
type Session struct {
	ID       string
	OrgID    string
	FunnelID string

	store              *store.Store
	connector          protocol.Connector
	pub                Publisher
	log                *logger.Logger
	hooks              hooks
	maxPairingFailures int

	mu              sync.Mutex
	status          types.Status
	creds           *store.Credentials
	conn            protocol.Conn
	fut             *future
	user            *types.User
	qr              string
	pendingPairing  string
	pairingFailures int
	attempts        int
	gen             uint64
}

type sessionParams struct {
	id                 string
	orgID              string
	funnelID           string
	store              *store.Store
	connector          protocol.Connector
	pub                Publisher
	log                *logger.Logger
	hooks              hooks
	maxPairingFailures int
}

func newSession(p sessionParams) *Session {
	if p.maxPairingFailures <= 0 {
		p.maxPairingFailures = 3
	}
	return &Session{
		ID:                 p.id,
		OrgID:              p.orgID,
		FunnelID:           p.funnelID,
		store:              p.store,
		connector:          p.connector,
		pub:                p.pub,
		log:                p.log.WithSession(p.id),
		hooks:              p.hooks,
		maxPairingFailures: p.maxPairingFailures,
		status:             types.StatusUninitialized,
	}
}

// EnsureCredentials loads persisted credentials if not already loaded.
func (s *Session) EnsureCredentials() (*store.Credentials, error) {
	s.mu.Lock()
	if s.creds != nil {
		creds := s.creds
		s.mu.Unlock()
		return creds, nil
	}
	s.mu.Unlock()

	creds, err := s.store.Load(s.ID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.creds == nil {
		s.creds = creds
	}
	creds = s.creds
	s.mu.Unlock()
	return creds, nil
}

// Registered reports whether the loaded credentials claim a completed
// authentication.
func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds != nil && s.creds.Registered
}

// Connect opens a protocol connection and blocks until it reaches
// connected, a terminal outcome, or ctx expires. Calling it while an
// attempt is already in flight joins that attempt instead of starting a
// second one.
func (s *Session) Connect(ctx context.Context) error {
	f, err := s.startConnect()
	if err != nil {
		return err
	}
	return f.wait(ctx)
}

// startConnect begins a connection attempt without waiting for its
// outcome. It is a no-op returning the in-flight future if the session is
// already connecting or connected.
func (s *Session) startConnect() (*future, error) {
	s.mu.Lock()
	switch s.status {
	case types.StatusTerminated:
		s.mu.Unlock()
		return nil, types.NewConnectionError(types.ErrCodeConnClosed, s.ID, errors.New("session terminated"))
	case types.StatusConnecting, types.StatusAwaitingQR, types.StatusAwaitingPairing, types.StatusConnected:
		f := s.fut
		s.mu.Unlock()
		return f, nil
	}

	f := s.fut
	if f == nil || f.done() {
		f = newFuture()
		s.fut = f
	}
	s.status = types.StatusConnecting
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go s.dial(gen, f)
	return f, nil
}

// dial performs the blocking part of a connection attempt: credential
// load, protocol dial, then the event loop until the connection closes.
func (s *Session) dial(gen uint64, f *future) {
	creds, err := s.EnsureCredentials()
	if err != nil {
		s.log.Error("credential load failed", err)
		s.mu.Lock()
		if s.gen == gen {
			s.status = types.StatusDisconnected
		}
		s.mu.Unlock()
		f.complete(err)
		return
	}

	conn, err := s.connector.Dial(context.Background(), creds)
	if err != nil {
		cerr := types.NewConnectionError(types.ErrCodeDialFailed, s.ID, err)
		s.log.Error("dial failed", cerr)
		s.mu.Lock()
		stale := s.gen != gen
		if !stale {
			s.status = types.StatusDisconnected
		}
		s.mu.Unlock()
		if stale {
			return
		}
		s.pub.Publish(s.ID, EventDisconnected, map[string]interface{}{"sessionId": s.ID})
		if s.hooks.onDisconnected != nil {
			s.hooks.onDisconnected(s, protocol.ReasonConnectionLost)
		}
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		// Terminated while dialing; don't leak the socket.
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	for ev := range conn.Events() {
		s.handleEvent(gen, conn, f, ev)
	}
}

// handleEvent applies the connection-update policy. Events from a
// superseded connection generation are dropped, which is what keeps a
// terminated or replaced connection from mutating current state.
//
// Pairing readiness predicate: a pending pairing code is requested on the
// first connecting event whose transport is open and that carries no QR.
func (s *Session) handleEvent(gen uint64, conn protocol.Conn, f *future, ev protocol.Event) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}

	switch ev.Type {
	case protocol.EventQR:
		if s.creds != nil && s.creds.Registered {
			// The server issued a fresh challenge for credentials we
			// believe are registered: they were invalidated remotely.
			s.mu.Unlock()
			verr := types.NewInvariantViolation(types.ErrCodeRegisteredQR, s.ID, "registered session received QR challenge")
			s.log.Error("forcing logout", verr)
			// Complete before the hook: the hook terminates the session,
			// which would otherwise win the race with a generic error.
			f.complete(verr)
			if s.hooks.onLoggedOut != nil {
				s.hooks.onLoggedOut(s, verr)
			}
			return
		}
		if s.pendingPairing != "" {
			// QR suppressed while a pairing request is outstanding.
			s.status = types.StatusAwaitingPairing
			s.mu.Unlock()
			return
		}
		s.qr = ev.QR
		s.status = types.StatusAwaitingQR
		s.mu.Unlock()
		s.log.Info("QR challenge received")
		s.pub.Publish(s.ID, EventQR, map[string]interface{}{"sessionId": s.ID, "qr": ev.QR})

	case protocol.EventConnecting:
		pending := s.pendingPairing
		ready := pending != "" && ev.TransportOpen && ev.QR == ""
		if ready {
			s.status = types.StatusAwaitingPairing
		}
		s.mu.Unlock()
		if ready {
			s.requestPairingCode(gen, conn, pending)
		}

	case protocol.EventCredentials:
		if ev.Creds != nil {
			s.creds = ev.Creds
		}
		creds := s.creds
		s.mu.Unlock()
		if creds != nil {
			if err := s.store.Save(s.ID, creds); err != nil {
				s.log.Error("failed to persist credentials", err)
			}
		}

	case protocol.EventConnected:
		s.status = types.StatusConnected
		s.user = ev.User
		s.qr = ""
		s.pendingPairing = ""
		s.pairingFailures = 0
		if s.creds == nil {
			s.creds = &store.Credentials{}
		}
		s.creds.Registered = true
		s.creds.Me = ev.User
		creds := s.creds
		user := s.user
		s.mu.Unlock()
		if err := s.store.Save(s.ID, creds); err != nil {
			s.log.Error("failed to persist credentials", err)
		}
		s.log.Info("connected")
		s.pub.Publish(s.ID, EventConnected, map[string]interface{}{"sessionId": s.ID, "user": user})
		f.complete(nil)
		if s.hooks.onConnected != nil {
			s.hooks.onConnected(s)
		}

	case protocol.EventMessage:
		s.mu.Unlock()
		if ev.Message == nil {
			return
		}
		s.pub.Publish(s.ID, EventMessage, map[string]interface{}{"sessionId": s.ID, "message": ev.Message})
		if s.hooks.onMessage != nil {
			s.hooks.onMessage(s, ev.Message)
		}

	case protocol.EventDisconnected:
		s.conn = nil
		s.user = nil
		s.qr = ""
		s.status = types.StatusDisconnected
		s.mu.Unlock()
		s.log.Infof("disconnected (reason %s)", ev.Reason)
		s.pub.Publish(s.ID, EventDisconnected, map[string]interface{}{"sessionId": s.ID})
		if ev.Reason == protocol.ReasonLoggedOut {
			lerr := types.NewConnectionError(types.ErrCodeLoggedOut, s.ID, types.ErrLoggedOut)
			// Complete before the hook so waiters see the logout cause,
			// not the generic termination error.
			f.complete(lerr)
			if s.hooks.onLoggedOut != nil {
				s.hooks.onLoggedOut(s, lerr)
			}
			return
		}
		if s.hooks.onDisconnected != nil {
			s.hooks.onDisconnected(s, ev.Reason)
		}

	default:
		s.mu.Unlock()
	}
}

func (s *Session) requestPairingCode(gen uint64, conn protocol.Conn, phone string) {
	ctx, cancel := context.WithTimeout(context.Background(), pairingRequestTimeout)
	defer cancel()

	code, err := conn.RequestPairingCode(ctx, phone)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.pairingFailures++
		if s.pairingFailures >= s.maxPairingFailures {
			// Stop retrying until the caller asks again.
			s.pendingPairing = ""
		}
		s.mu.Unlock()
		s.log.Error("pairing code request failed", err)
		s.pub.Publish(s.ID, EventPairingError, map[string]interface{}{"sessionId": s.ID, "error": err.Error()})
		return
	}
	if s.pendingPairing == phone {
		s.pendingPairing = ""
	}
	s.mu.Unlock()
	s.log.Info("pairing code issued")
	s.pub.Publish(s.ID, EventPairingCode, map[string]interface{}{"sessionId": s.ID, "code": code})
}

// RequestPairingCode records phone as the pending pairing number and makes
// sure a connection attempt is running. The code itself is delivered
// asynchronously via the relay once the connection is ready to issue it;
// a repeated call replaces any previously pending number.
func (s *Session) RequestPairingCode(phone string) error {
	normalized := digitsOnly(phone)
	if normalized == "" {
		return types.NewValidationError(types.ErrCodeInvalidField, "phoneNumber", "phone number must contain digits")
	}

	s.mu.Lock()
	if s.status == types.StatusTerminated {
		s.mu.Unlock()
		return types.NewConnectionError(types.ErrCodeConnClosed, s.ID, errors.New("session terminated"))
	}
	if s.status == types.StatusConnected {
		s.mu.Unlock()
		return types.NewValidationError(types.ErrCodeInvalidField, "sessionId", "session is already connected")
	}
	s.pendingPairing = normalized
	s.pairingFailures = 0
	s.mu.Unlock()

	_, err := s.startConnect()
	return err
}

// Send relays an outbound text message over the live connection.
func (s *Session) Send(ctx context.Context, to, body string) (string, error) {
	s.mu.Lock()
	conn := s.conn
	connected := s.status == types.StatusConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return "", types.NewConnectionError(types.ErrCodeConnClosed, s.ID, errors.New("session not connected"))
	}
	return conn.Send(ctx, to, body)
}

// Snapshot returns the session's current externally visible state. Pure
// read, never blocks on I/O.
func (s *Session) Snapshot() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SessionInfo{
		SessionID: s.ID,
		Status:    s.status,
		Connected: s.status == types.StatusConnected,
		User:      s.user,
		QR:        s.qr,
	}
}

// terminate tears down any live connection and marks the session terminal.
// Bumping the generation makes the old connection's remaining events
// no-ops, so teardown never races the event loop.
func (s *Session) terminate(ctx context.Context, logout bool) {
	s.mu.Lock()
	conn := s.conn
	fut := s.fut
	s.conn = nil
	s.user = nil
	s.qr = ""
	s.pendingPairing = ""
	s.status = types.StatusTerminated
	s.gen++
	s.mu.Unlock()

	if conn != nil {
		if logout {
			if err := conn.Logout(ctx); err != nil {
				s.log.Debugf("logout failed: %v", err)
			}
		}
		_ = conn.Close()
	}
	if fut != nil {
		fut.complete(types.NewConnectionError(types.ErrCodeConnClosed, s.ID, errors.New("session terminated")))
	}
}

// failPending completes any unfinished connect future with err. Used when
// the reconnect policy gives up so waiters are not left hanging.
func (s *Session) failPending(err error) {
	s.mu.Lock()
	fut := s.fut
	s.mu.Unlock()
	if fut != nil {
		fut.complete(err)
	}
}

// nextAttempt returns the current reconnect attempt number and advances it.
func (s *Session) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.attempts
	s.attempts++
	return n
}

func (s *Session) resetAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
