package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Connection describes one authenticated WebSocket attachment to a document
// session.
type Connection struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	Color        string    `json:"color"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Presence is the ephemeral "who is here" record broadcast to the other
// participants of a document session. It is never persisted and is not part
// of the replicated document content.
type Presence struct {
	ConnectionID string          `json:"connection_id"`
	UserID       string          `json:"user_id"`
	UserName     string          `json:"user_name"`
	Color        string          `json:"color"`
	Cursor       *CursorPosition `json:"cursor,omitempty"`
}

// CursorPosition is the reported cursor/selection of one participant,
// expressed in visible character offsets.
type CursorPosition struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// PresenceColors is the palette assigned round-robin to joining
// participants.
var PresenceColors = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7", "#DDA0DD", "#98D8C8",
}

// NewConnection builds a connection record for an authenticated join.
func NewConnection(documentID, userID, userName, color string) *Connection {
	now := time.Now()
	return &Connection{
		ID:           ksuid.New().String(),
		DocumentID:   documentID,
		UserID:       userID,
		UserName:     userName,
		Color:        color,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
