// Package relay pushes session lifecycle and message events to browser
// clients over websockets. Clients join per-session-id rooms; events
// published for a session reach only that room, global events reach every
// client.
package relay

import (
	"encoding/json"

	"github.com/whatsgate-project/whatsgate/logger"
	"github.com/whatsgate-project/whatsgate/types"
)

// Envelope is the wire format for every relay frame.
type Envelope struct {
	Event     string      `json:"event"`
	SessionID string      `json:"sessionId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// SnapshotFunc resolves the current state of a session so a freshly
// joined client can catch up.
type SnapshotFunc func(sessionID string) (types.SessionInfo, bool)

type message struct {
	room string // empty means every connected client
	data []byte
}

type subscription struct {
	client *Client
	room   string
}

// Hub maintains the set of connected clients and their room memberships.
// All membership state is owned by the Run goroutine; other goroutines
// only send on channels.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan message
	join       chan subscription
	leave      chan subscription

	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	snapshot SnapshotFunc
	log      *logger.Logger

	sendBuffer int
	readLimit  int64
}

// NewHub creates a hub. snapshot may be nil if no catch-up state is wanted.
func NewHub(snapshot SnapshotFunc, log *logger.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan message, 64),
		join:       make(chan subscription),
		leave:      make(chan subscription),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		snapshot:   snapshot,
		log:        log,
		sendBuffer: defaultSendBuffer,
		readLimit:  defaultReadLimit,
	}
}

// SetLimits overrides the per-client send buffer size and inbound frame
// limit. Call before Run.
func (h *Hub) SetLimits(sendBuffer int, readLimit int64) {
	if sendBuffer > 0 {
		h.sendBuffer = sendBuffer
	}
	if readLimit > 0 {
		h.readLimit = readLimit
	}
}

// Run processes hub events until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.Debugf("relay client %s connected", client.id)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case sub := <-h.join:
			if _, ok := h.clients[sub.client]; !ok {
				continue
			}
			if h.rooms[sub.room] == nil {
				h.rooms[sub.room] = make(map[*Client]bool)
			}
			h.rooms[sub.room][sub.client] = true
			h.sendSnapshot(sub.client, sub.room)

		case sub := <-h.leave:
			if room, ok := h.rooms[sub.room]; ok {
				delete(room, sub.client)
				if len(room) == 0 {
					delete(h.rooms, sub.room)
				}
			}

		case msg := <-h.broadcast:
			for client := range h.targets(msg.room) {
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer; drop it rather than stall the hub.
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) targets(room string) map[*Client]bool {
	if room == "" {
		return h.clients
	}
	return h.rooms[room]
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	for name, room := range h.rooms {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, name)
		}
	}
	close(client.send)
	h.log.Debugf("relay client %s dropped", client.id)
}

// sendSnapshot pushes the session's current state to one client so it
// does not have to wait for the next event, mirroring what a client would
// have seen had it been joined all along.
func (h *Hub) sendSnapshot(client *Client, room string) {
	if h.snapshot == nil {
		return
	}
	info, ok := h.snapshot(room)
	if !ok {
		return
	}

	h.sendTo(client, room, "status", info)
	if info.QR != "" {
		h.sendTo(client, room, "qr", map[string]interface{}{"sessionId": room, "qr": info.QR})
	}
	if info.Connected {
		h.sendTo(client, room, "connected", map[string]interface{}{"sessionId": room, "user": info.User})
	}
}

func (h *Hub) sendTo(client *Client, sessionID, event string, payload interface{}) {
	data, err := json.Marshal(Envelope{Event: event, SessionID: sessionID, Payload: payload})
	if err != nil {
		h.log.Error("relay marshal failed", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// Publish sends an event to every client joined to the session's room.
func (h *Hub) Publish(sessionID, event string, payload interface{}) {
	h.publish(sessionID, event, payload)
}

// PublishAll sends an event to every connected client.
func (h *Hub) PublishAll(event string, payload interface{}) {
	h.publish("", event, payload)
}

func (h *Hub) publish(room, event string, payload interface{}) {
	data, err := json.Marshal(Envelope{Event: event, SessionID: room, Payload: payload})
	if err != nil {
		h.log.Error("relay marshal failed", err)
		return
	}
	h.broadcast <- message{room: room, data: data}
}
