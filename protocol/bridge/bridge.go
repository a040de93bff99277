// Package bridge implements the protocol contract against an external
// protocol sidecar over a websocket. The sidecar owns the actual wire
// protocol (handshake, QR generation, message codec); this package only
// translates its JSON frames into protocol events and commands.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/whatsgate-project/whatsgate/logger"
	"github.com/whatsgate-project/whatsgate/protocol"
	"github.com/whatsgate-project/whatsgate/store"
	"github.com/whatsgate-project/whatsgate/types"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// frame is the sidecar wire format. Frames with ReplyTo set answer a
// previously sent command; all others are connection events.
type frame struct {
	ID            string             `json:"id,omitempty"`
	ReplyTo       string             `json:"replyTo,omitempty"`
	Action        string             `json:"action,omitempty"`
	Type          string             `json:"type,omitempty"`
	QR            string             `json:"qr,omitempty"`
	TransportOpen bool               `json:"transportOpen,omitempty"`
	User          *types.User        `json:"user,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Creds         *store.Credentials `json:"creds,omitempty"`
	Message       *types.Message     `json:"message,omitempty"`
	Phone         string             `json:"phone,omitempty"`
	To            string             `json:"to,omitempty"`
	Body          string             `json:"body,omitempty"`
	Code          string             `json:"code,omitempty"`
	MessageID     string             `json:"messageId,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Connector dials the sidecar once per session connection.
type Connector struct {
	url string
	log *logger.Logger
}

// NewConnector creates a Connector for the sidecar at url.
func NewConnector(url string, log *logger.Logger) *Connector {
	return &Connector{url: url, log: log}
}

// Dial opens a sidecar connection, sends the credential state, and starts
// translating its frames into protocol events.
func (c *Connector) Dial(ctx context.Context, creds *store.Credentials) (protocol.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		ws:      ws,
		events:  make(chan protocol.Event, 16),
		pending: make(map[string]chan frame),
		log:     c.log,
	}

	if err := conn.write(frame{Action: "init", Creds: creds}); err != nil {
		ws.Close()
		return nil, err
	}

	go conn.readLoop()
	return conn, nil
}

// Conn is one live sidecar connection.
type Conn struct {
	ws     *websocket.Conn
	events chan protocol.Event
	log    *logger.Logger

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool
}

// Events returns the connection's event stream. The channel is closed
// after the final disconnected event.
func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

func (c *Conn) write(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("bridge connection closed")
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(f)
}

// call sends a command frame and waits for its reply.
func (c *Conn) call(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	reply := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, errors.New("bridge connection closed")
	}
	c.pending[f.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return frame{}, err
	}

	select {
	case r, ok := <-reply:
		if !ok {
			return frame{}, errors.New("bridge connection closed")
		}
		if r.Error != "" {
			return frame{}, errors.New(r.Error)
		}
		return r, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

// RequestPairingCode asks the sidecar for a phone-pairing code.
func (c *Conn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	r, err := c.call(ctx, frame{Action: "pair", Phone: phone})
	if err != nil {
		return "", err
	}
	return r.Code, nil
}

// Send relays an outbound text message.
func (c *Conn) Send(ctx context.Context, to, body string) (string, error) {
	r, err := c.call(ctx, frame{Action: "send", To: to, Body: body})
	if err != nil {
		return "", err
	}
	return r.MessageID, nil
}

// Logout asks the sidecar to revoke the session's registration.
func (c *Conn) Logout(ctx context.Context) error {
	_, err := c.call(ctx, frame{Action: "logout"})
	return err
}

// Close tears down the websocket; the read loop then closes Events.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close()
}

// readLoop translates sidecar frames until the socket dies. A read error
// becomes a final disconnected event so the session layer always sees a
// terminal event before the stream closes.
func (c *Conn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		c.ws.Close()
		close(c.events)
	}()

	sawDisconnect := false
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !sawDisconnect {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Debugf("bridge read error: %v", err)
				}
				c.events <- protocol.Event{
					Type:      protocol.EventDisconnected,
					Reason:    protocol.ReasonConnectionLost,
					Timestamp: time.Now(),
				}
			}
			return
		}

		if f.ReplyTo != "" {
			c.mu.Lock()
			if ch, ok := c.pending[f.ReplyTo]; ok {
				ch <- f
			}
			c.mu.Unlock()
			continue
		}

		ev, err := toEvent(f)
		if err != nil {
			c.log.Debugf("dropping bridge frame: %v", err)
			continue
		}
		if ev.Type == protocol.EventDisconnected {
			sawDisconnect = true
		}
		c.events <- ev
		if sawDisconnect {
			return
		}
	}
}

func toEvent(f frame) (protocol.Event, error) {
	ev := protocol.Event{
		QR:            f.QR,
		TransportOpen: f.TransportOpen,
		User:          f.User,
		Creds:         f.Creds,
		Message:       f.Message,
		Timestamp:     time.Now(),
	}

	switch f.Type {
	case "connecting":
		ev.Type = protocol.EventConnecting
	case "qr":
		ev.Type = protocol.EventQR
	case "credentials":
		ev.Type = protocol.EventCredentials
	case "connected":
		ev.Type = protocol.EventConnected
	case "disconnected":
		ev.Type = protocol.EventDisconnected
		switch f.Reason {
		case "logged_out":
			ev.Reason = protocol.ReasonLoggedOut
		case "restart_required":
			ev.Reason = protocol.ReasonRestartRequired
		default:
			ev.Reason = protocol.ReasonConnectionLost
		}
	case "message":
		ev.Type = protocol.EventMessage
	default:
		return protocol.Event{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return ev, nil
}
