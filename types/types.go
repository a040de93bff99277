package types

import "time"

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusUninitialized   Status = "uninitialized"
	StatusAwaitingQR      Status = "awaiting_qr"
	StatusAwaitingPairing Status = "awaiting_pairing"
	StatusConnecting      Status = "connecting"
	StatusConnected       Status = "connected"
	StatusDisconnected    Status = "disconnected"
	StatusTerminated      Status = "terminated"
)

// User is the identity reported by the remote side once a session connects.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// MediaKind classifies inbound media payloads.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
	MediaAudio    MediaKind = "audio"
	MediaPTT      MediaKind = "ptt"
)

// Media carries a downloaded media payload attached to a message.
type Media struct {
	Kind MediaKind `json:"kind"`
	Mime string    `json:"mime"`
	Data []byte    `json:"data"`
}

// Message is an inbound message received on a session's connection.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Media     *Media    `json:"media,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionInfo is the snapshot shape returned by the API and pushed to
// relay clients on join.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
	Connected bool   `json:"connected"`
	User      *User  `json:"user"`
	QR        string `json:"qr,omitempty"`
}
