// Package protocol defines the contract with the underlying messaging
// protocol implementation. The gateway never speaks the wire protocol
// itself; it drives an opaque Conn and reacts to its event stream.
package protocol

import (
	"context"
	"time"

	"github.com/whatsgate-project/whatsgate/store"
	"github.com/whatsgate-project/whatsgate/types"
)

// EventType identifies a connection lifecycle or message event.
type EventType string

const (
	// EventConnecting is emitted while the transport negotiates. QR may be
	// attached; TransportOpen reports whether the underlying socket is open.
	EventConnecting EventType = "connecting"
	// EventQR carries a fresh QR challenge for an unauthenticated session.
	EventQR EventType = "qr"
	// EventCredentials carries updated credential material to persist.
	EventCredentials EventType = "credentials"
	// EventConnected signals a successful handshake; User is set.
	EventConnected EventType = "connected"
	// EventDisconnected signals the connection closed; Reason is set.
	EventDisconnected EventType = "disconnected"
	// EventMessage carries an inbound message.
	EventMessage EventType = "message"
)

// DisconnectReason classifies why a connection closed.
type DisconnectReason string

const (
	// ReasonLoggedOut means the remote side revoked the session. Terminal.
	ReasonLoggedOut DisconnectReason = "logged_out"
	// ReasonConnectionLost covers transient transport failures.
	ReasonConnectionLost DisconnectReason = "connection_lost"
	// ReasonRestartRequired is emitted after pairing; transient.
	ReasonRestartRequired DisconnectReason = "restart_required"
)

// Event is a single item on a connection's event stream.
type Event struct {
	Type          EventType
	QR            string
	TransportOpen bool
	User          *types.User
	Reason        DisconnectReason
	Creds         *store.Credentials
	Message       *types.Message
	Timestamp     time.Time
}

// Conn is one live protocol connection. Events() is closed when the
// connection is finished; EventDisconnected is always the last event.
type Conn interface {
	Events() <-chan Event
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	Send(ctx context.Context, to, body string) (string, error)
	Logout(ctx context.Context) error
	Close() error
}

// Connector opens protocol connections from credential state.
type Connector interface {
	Dial(ctx context.Context, creds *store.Credentials) (Conn, error)
}
