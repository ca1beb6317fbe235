// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionID string
type ClientID string
type ItemID string
type EventID string
type AgentID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

// NewItemID returns a 32 character hex identifier, the shape the realtime
// API accepts for client-created conversation items.
func NewItemID() ItemID {
	return ItemID(strings.ReplaceAll(uuid.New().String(), "-", ""))
}
