package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/whatsgate-project/whatsgate/logger"
	"github.com/whatsgate-project/whatsgate/protocol"
	"github.com/whatsgate-project/whatsgate/resilience"
	"github.com/whatsgate-project/whatsgate/store"
	"github.com/whatsgate-project/whatsgate/types"
)

var (
	errSessionNotFound    = errors.New("session not found")
	errReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Notifier is the downstream database collaborator. Calls are best-effort;
// implementations must never block the caller on network I/O.
type Notifier interface {
	RegisterContact(sessionID string, user *types.User, orgID, funnelID string)
	ForwardMessage(sessionID string, self *types.User, msg *types.Message)
}

// ManagerConfig tunes the lifecycle policies.
type ManagerConfig struct {
	Backoff        *resilience.BackoffPolicy
	RestoreTimeout time.Duration
	PairingRetries int
}

// Manager is the lifecycle orchestrator above Session: it decides when a
// disconnect is retried versus treated as terminal, and drives the bulk
// restore-on-startup and stop-on-shutdown operations.
type Manager struct {
	registry  *Registry
	store     *store.Store
	connector protocol.Connector
	pub       Publisher
	notifier  Notifier
	backoff   *resilience.BackoffPolicy
	cfg       ManagerConfig
	log       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager wires the orchestrator. notifier may be nil when no
// downstream service is configured.
func NewManager(reg *Registry, st *store.Store, connector protocol.Connector, pub Publisher, notifier Notifier, cfg ManagerConfig, log *logger.Logger) *Manager {
	if cfg.Backoff == nil {
		cfg.Backoff = resilience.DefaultBackoffPolicy()
	}
	if cfg.RestoreTimeout <= 0 {
		cfg.RestoreTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry:  reg,
		store:     st,
		connector: connector,
		pub:       pub,
		notifier:  notifier,
		backoff:   cfg.Backoff,
		cfg:       cfg,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (m *Manager) getOrCreate(id, orgID, funnelID string) *Session {
	s, created := m.registry.GetOrCreate(id, func() *Session {
		return newSession(sessionParams{
			id:        id,
			orgID:     orgID,
			funnelID:  funnelID,
			store:     m.store,
			connector: m.connector,
			pub:       m.pub,
			log:       m.log,
			hooks: hooks{
				onConnected:    m.handleConnected,
				onDisconnected: m.handleDisconnected,
				onLoggedOut:    m.handleLoggedOut,
				onMessage:      m.handleMessage,
			},
			maxPairingFailures: m.cfg.PairingRetries,
		})
	})
	if created {
		m.log.WithSession(id).Info("session created")
	}
	return s
}

// StartSession creates the session if needed and begins connecting in the
// background. The HTTP layer reports "accepted"; the connection outcome is
// delivered via the relay.
func (m *Manager) StartSession(id, orgID, funnelID string) error {
	s := m.getOrCreate(id, orgID, funnelID)
	_, err := s.startConnect()
	return err
}

// Connect creates the session if needed and blocks until the attempt
// reaches connected or a terminal outcome, or ctx expires.
func (m *Manager) Connect(ctx context.Context, id string) error {
	return m.getOrCreate(id, "", "").Connect(ctx)
}

// RequestPairingCode records a pending pairing number for the session,
// creating and connecting it if needed.
func (m *Manager) RequestPairingCode(id, phone string) error {
	return m.getOrCreate(id, "", "").RequestPairingCode(phone)
}

// SendMessage relays an outbound text message over a connected session.
func (m *Manager) SendMessage(ctx context.Context, id, to, body string) (string, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return "", types.NewConnectionError(types.ErrCodeConnClosed, id, errSessionNotFound)
	}
	return s.Send(ctx, to, body)
}

// Snapshot returns the current state of one session.
func (m *Manager) Snapshot(id string) (types.SessionInfo, bool) {
	s, ok := m.registry.Get(id)
	if !ok {
		return types.SessionInfo{}, false
	}
	return s.Snapshot(), true
}

// List returns a snapshot of every registered session.
func (m *Manager) List() []types.SessionInfo {
	sessions := m.registry.List()
	out := make([]types.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Exists reports whether the manager tracks id in memory or on disk.
func (m *Manager) Exists(id string) bool {
	if _, ok := m.registry.Get(id); ok {
		return true
	}
	return m.store.Exists(id)
}

// DeleteSession terminates the session, removes it from the registry and
// deletes its credentials. Idempotent: deleting an unknown id only makes a
// no-op removal attempt against the store.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if s, ok := m.registry.Get(id); ok {
		s.terminate(ctx, true)
		m.registry.Remove(id)
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.pub.PublishAll(EventRemoved, map[string]interface{}{"sessionId": id})
	return nil
}

// RestoreAll scans persisted credential directories and reconnects every
// registered session, deleting stale or unconnectable ones. Per-session
// failures are isolated; one corrupt directory never aborts the scan.
func (m *Manager) RestoreAll(ctx context.Context) {
	ids, err := m.store.List()
	if err != nil {
		m.log.Error("restore scan failed", err)
		return
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		if _, ok := m.registry.Get(id); ok {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.restoreOne(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (m *Manager) restoreOne(ctx context.Context, id string) {
	log := m.log.WithSession(id)

	creds, err := m.store.Load(id)
	if err != nil {
		log.Error("unreadable credentials, deleting", err)
		if derr := m.store.Delete(id); derr != nil {
			log.Error("credential delete failed", derr)
		}
		return
	}
	if !creds.Registered {
		// Incomplete auth from a previous run; not worth reconnecting.
		log.Info("stale unregistered credentials, deleting")
		if derr := m.store.Delete(id); derr != nil {
			log.Error("credential delete failed", derr)
		}
		m.pub.PublishAll(EventRemoved, map[string]interface{}{"sessionId": id})
		return
	}

	s := m.getOrCreate(id, "", "")
	cctx, cancel := context.WithTimeout(ctx, m.cfg.RestoreTimeout)
	defer cancel()

	if err := s.Connect(cctx); err != nil {
		log.Error("restore connect failed, deleting session", err)
		if derr := m.DeleteSession(context.Background(), id); derr != nil {
			log.Error("session delete failed", derr)
		}
		return
	}
	log.Info("session restored")
}

// StopAll closes every session's connection without logging out, so
// credentials survive for the next restore, and empties the registry.
func (m *Manager) StopAll(ctx context.Context) {
	for _, s := range m.registry.List() {
		s.terminate(ctx, false)
		m.registry.Remove(s.ID)
		m.pub.PublishAll(EventStopped, map[string]interface{}{"sessionId": s.ID})
		m.log.WithSession(s.ID).Info("session stopped")
	}
	m.cancel()
}

// handleConnected runs on the session's event loop after a successful
// handshake.
func (m *Manager) handleConnected(s *Session) {
	s.resetAttempts()
	if m.notifier == nil {
		return
	}
	info := s.Snapshot()
	m.notifier.RegisterContact(s.ID, info.User, s.OrgID, s.FunnelID)
}

// handleDisconnected schedules exactly one reconnect attempt for a
// transient disconnect. The next attempt is only scheduled by that
// attempt's own disconnect or dial failure, so reconnection is never
// concurrent with itself.
func (m *Manager) handleDisconnected(s *Session, reason protocol.DisconnectReason) {
	attempt := s.nextAttempt()
	if !m.backoff.ShouldRetry(attempt) {
		m.log.WithSession(s.ID).Warnf("giving up after %d reconnect attempts", attempt)
		s.failPending(types.NewConnectionError(types.ErrCodeDialFailed, s.ID, errReconnectExhausted))
		return
	}

	go func() {
		if err := m.backoff.Wait(m.ctx, attempt); err != nil {
			return
		}
		m.log.WithSession(s.ID).Infof("reconnecting (attempt %d, reason %s)", attempt+1, reason)
		// Fire and forget: the outcome is delivered through the session's
		// future and hooks. Waiting here would park one goroutine per
		// failed attempt for as long as the endpoint stays unreachable.
		if _, err := s.startConnect(); err != nil {
			m.log.WithSession(s.ID).Error("reconnect failed", err)
		}
	}()
}

// handleLoggedOut finalizes a terminal logout: credentials deleted,
// session removed, observers notified. Also the forced-logout path when a
// registered session receives a fresh QR challenge.
func (m *Manager) handleLoggedOut(s *Session, cause error) {
	m.log.WithSession(s.ID).Error("session logged out, deleting credentials", cause)
	s.terminate(context.Background(), false)
	m.registry.Remove(s.ID)
	if err := m.store.Delete(s.ID); err != nil {
		m.log.WithSession(s.ID).Error("credential delete failed", err)
	}
	m.pub.PublishAll(EventRemoved, map[string]interface{}{"sessionId": s.ID})
}

func (m *Manager) handleMessage(s *Session, msg *types.Message) {
	if m.notifier == nil {
		return
	}
	info := s.Snapshot()
	m.notifier.ForwardMessage(s.ID, info.User, msg)
}
