// Package protocoltest provides a scripted in-memory protocol
// implementation for tests. Tests drive connections by emitting events;
// the fake records dials, pairing requests and teardown calls.
package protocoltest

import (
	"context"
	"sync"
	"time"

	"github.com/whatsgate-project/whatsgate/protocol"
	"github.com/whatsgate-project/whatsgate/store"
	"github.com/whatsgate-project/whatsgate/types"
)

// FakeConn is one scripted connection.
type FakeConn struct {
	Creds *store.Credentials

	PairCode string
	PairErr  error
	SendID   string
	SendErr  error

	events    chan protocol.Event
	closeOnce sync.Once
	connector *FakeConnector

	mu           sync.Mutex
	pairRequests []string
	loggedOut    bool
	closed       bool
}

func newFakeConn(connector *FakeConnector, creds *store.Credentials) *FakeConn {
	return &FakeConn{
		Creds:     creds,
		PairCode:  "ABCD-1234",
		SendID:    "msg-1",
		events:    make(chan protocol.Event, 32),
		connector: connector,
	}
}

// Events returns the scripted event stream.
func (c *FakeConn) Events() <-chan protocol.Event { return c.events }

// Emit pushes one event to the session under test.
func (c *FakeConn) Emit(ev protocol.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.events <- ev
}

// EmitQR emits a QR challenge.
func (c *FakeConn) EmitQR(qr string) {
	c.Emit(protocol.Event{Type: protocol.EventQR, QR: qr})
}

// EmitConnecting emits a connection progress event.
func (c *FakeConn) EmitConnecting(transportOpen bool, qr string) {
	c.Emit(protocol.Event{Type: protocol.EventConnecting, TransportOpen: transportOpen, QR: qr})
}

// EmitConnected emits a successful handshake.
func (c *FakeConn) EmitConnected(user *types.User) {
	c.Emit(protocol.Event{Type: protocol.EventConnected, User: user})
}

// EmitMessage emits an inbound message.
func (c *FakeConn) EmitMessage(msg *types.Message) {
	c.Emit(protocol.Event{Type: protocol.EventMessage, Message: msg})
}

// Disconnect emits the final disconnected event and closes the stream.
func (c *FakeConn) Disconnect(reason protocol.DisconnectReason) {
	c.Emit(protocol.Event{Type: protocol.EventDisconnected, Reason: reason})
	c.Close()
}

// RequestPairingCode records the request and replies per the script.
func (c *FakeConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	c.mu.Lock()
	c.pairRequests = append(c.pairRequests, phone)
	c.mu.Unlock()
	if c.PairErr != nil {
		return "", c.PairErr
	}
	return c.PairCode, nil
}

// PairRequests returns every phone number a pairing code was requested for.
func (c *FakeConn) PairRequests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.pairRequests))
	copy(out, c.pairRequests)
	return out
}

// Send replies per the script.
func (c *FakeConn) Send(ctx context.Context, to, body string) (string, error) {
	if c.SendErr != nil {
		return "", c.SendErr
	}
	return c.SendID, nil
}

// Logout records that the session was revoked.
func (c *FakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

// LoggedOut reports whether Logout was called.
func (c *FakeConn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Close closes the event stream. Idempotent.
func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
		if c.connector != nil {
			c.connector.connClosed()
		}
	})
	return nil
}

// Closed reports whether the connection was torn down.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeConnector hands out FakeConns and tracks how many are live at once.
type FakeConnector struct {
	// Dialed receives every successfully dialed connection.
	Dialed chan *FakeConn

	mu      sync.Mutex
	dialErr error
	dials   int
	live    int
	maxLive int
}

// NewFakeConnector creates a connector whose dials always succeed until
// SetDialErr is called.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{Dialed: make(chan *FakeConn, 32)}
}

// SetDialErr makes subsequent dials fail with err (nil restores success).
func (f *FakeConnector) SetDialErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = err
}

// Dial implements protocol.Connector.
func (f *FakeConnector) Dial(ctx context.Context, creds *store.Credentials) (protocol.Conn, error) {
	f.mu.Lock()
	if f.dialErr != nil {
		err := f.dialErr
		f.mu.Unlock()
		return nil, err
	}
	f.dials++
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	f.mu.Unlock()

	conn := newFakeConn(f, creds)
	f.Dialed <- conn
	return conn, nil
}

func (f *FakeConnector) connClosed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live--
}

// Dials returns the number of successful dials.
func (f *FakeConnector) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// MaxLive returns the highest number of simultaneously open connections
// ever observed.
func (f *FakeConnector) MaxLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}
