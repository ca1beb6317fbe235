package realtime

import (
	"encoding/json"

	"github.com/user/patientline/internal/types"
)

// Event is emitted by a Transport. Consumers switch on the concrete type.
type Event interface {
	realtimeEvent() string
}

// Name returns the short name of an event for logging.
func Name(e Event) string {
	if e == nil {
		return ""
	}
	return e.realtimeEvent()
}

// DisconnectedEvent reports that the remote side closed or the connection
// failed. Err is nil for a clean close.
type DisconnectedEvent struct {
	Err error
}

func (e DisconnectedEvent) realtimeEvent() string { return "disconnected" }

// HandoffEvent reports that the active agent changed.
type HandoffEvent struct {
	From types.AgentID
	To   types.AgentID
}

func (e HandoffEvent) realtimeEvent() string { return "handoff" }

// ItemCreatedEvent announces a new conversation message.
type ItemCreatedEvent struct {
	ItemID types.ItemID
	Role   types.Role
	Text   string
}

func (e ItemCreatedEvent) realtimeEvent() string { return "item_created" }

// TranscriptDeltaEvent carries streaming text for a message.
type TranscriptDeltaEvent struct {
	ItemID types.ItemID
	Role   types.Role
	Delta  string
}

func (e TranscriptDeltaEvent) realtimeEvent() string { return "transcript_delta" }

// TranscriptDoneEvent carries the final text of a message.
type TranscriptDoneEvent struct {
	ItemID types.ItemID
	Role   types.Role
	Text   string
}

func (e TranscriptDoneEvent) realtimeEvent() string { return "transcript_done" }

// ToolCallEvent asks the caller to execute a tool.
type ToolCallEvent struct {
	CallID    string
	ItemID    types.ItemID
	Name      string
	Arguments json.RawMessage
}

func (e ToolCallEvent) realtimeEvent() string { return "tool_call" }

// GuardrailEvent attaches a guardrail verdict to an assistant message.
type GuardrailEvent struct {
	ItemID types.ItemID
	Result types.GuardrailResult
}

func (e GuardrailEvent) realtimeEvent() string { return "guardrail" }

// ErrorEvent is an error reported by the remote side. The connection stays
// open.
type ErrorEvent struct {
	Code    string
	Message string
}

func (e ErrorEvent) realtimeEvent() string { return "error" }

// ServerEvent is the raw form of every server message except audio chunks,
// emitted for diagnostics before any typed event derived from it.
type ServerEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e ServerEvent) realtimeEvent() string { return e.Type }
