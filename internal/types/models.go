// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

type SessionStatus string

const (
	StatusDisconnected SessionStatus = "DISCONNECTED"
	StatusConnecting   SessionStatus = "CONNECTING"
	StatusConnected    SessionStatus = "CONNECTED"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ItemKind string

const (
	KindMessage    ItemKind = "MESSAGE"
	KindBreadcrumb ItemKind = "BREADCRUMB"
	KindUnknown    ItemKind = "UNKNOWN"
)

// TranscriptItem is one entry of the user-visible conversation history.
type TranscriptItem struct {
	ID        ItemID           `json:"id"`
	Kind      ItemKind         `json:"kind"`
	Role      Role             `json:"role,omitempty"`
	Title     string           `json:"title"`
	Data      json.RawMessage  `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Seq       int64            `json:"seq"`
	Expanded  bool             `json:"expanded"`
	Hidden    bool             `json:"hidden"`
	Guardrail *GuardrailResult `json:"guardrail,omitempty"`
}

type Direction string

const (
	DirectionClient Direction = "client"
	DirectionServer Direction = "server"
)

// LoggedEvent is a diagnostic record of one client or server event.
type LoggedEvent struct {
	ID        EventID         `json:"id"`
	SessionID SessionID       `json:"session_id"`
	Seq       int64           `json:"seq"`
	Direction Direction       `json:"direction"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Expanded  bool            `json:"expanded"`
}

type GuardrailStatus string

const (
	GuardrailInProgress GuardrailStatus = "IN_PROGRESS"
	GuardrailDone       GuardrailStatus = "DONE"
)

type GuardrailCategory string

const (
	CategoryNone      GuardrailCategory = "NONE"
	CategoryOffensive GuardrailCategory = "OFFENSIVE"
	CategoryOffBrand  GuardrailCategory = "OFF_BRAND"
	CategoryViolence  GuardrailCategory = "VIOLENCE"
)

type GuardrailResult struct {
	Status     GuardrailStatus   `json:"status"`
	Category   GuardrailCategory `json:"category,omitempty"`
	Rationale  string            `json:"rationale,omitempty"`
	SampleText string            `json:"sample_text,omitempty"`
}

// ToolSpec describes a function the model may call.
type ToolSpec struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	Parameters  json.RawMessage `json:"parameters" yaml:"-"`
}

type Agent struct {
	ID                 AgentID    `json:"id" yaml:"id"`
	DisplayName        string     `json:"display_name" yaml:"display_name"`
	Instructions       string     `json:"instructions" yaml:"instructions"`
	Voice              string     `json:"voice,omitempty" yaml:"voice"`
	HandoffDescription string     `json:"handoff_description,omitempty" yaml:"handoff_description"`
	Tools              []ToolSpec `json:"tools,omitempty" yaml:"-"`
	ToolNames          []string   `json:"tool_names,omitempty" yaml:"tools"`
	Handoffs           []AgentID  `json:"handoffs,omitempty" yaml:"handoffs"`
	IsRoot             bool       `json:"is_root" yaml:"-"`
}

// Capabilities returns the set of tool names the agent may invoke.
func (a *Agent) Capabilities() map[string]bool {
	caps := make(map[string]bool, len(a.Tools))
	for _, t := range a.Tools {
		caps[t.Name] = true
	}
	return caps
}

func (a *Agent) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return string(a.ID)
}

type ToolInvocation struct {
	SessionID    SessionID       `json:"session_id,omitempty"`
	CallID       string          `json:"call_id"`
	Name         string          `json:"name"`
	RawArguments json.RawMessage `json:"arguments"`
	Validated    bool            `json:"validated"`
}

// ToolResult is returned to the model verbatim as the function call output.
type ToolResult struct {
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
	Disconnect     bool            `json:"disconnect"`
	IsNetworkError bool            `json:"isNetworkError,omitempty"`
	Message        string          `json:"message,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
}

type Preferences struct {
	PushToTalk           bool `json:"pushToTalkUI"`
	LogsExpanded         bool `json:"logsExpanded"`
	AudioPlaybackEnabled bool `json:"audioPlaybackEnabled"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		PushToTalk:           false,
		LogsExpanded:         true,
		AudioPlaybackEnabled: true,
	}
}

type Outcome string

const (
	OutcomeRegistered Outcome = "registered"
	OutcomeFailed     Outcome = "failed"
	OutcomeAbandoned  Outcome = "abandoned"
)

// SessionRecord is the archived summary of a finished session.
type SessionRecord struct {
	ID         SessionID        `json:"id"`
	ClientID   ClientID         `json:"client_id"`
	AgentSet   string           `json:"agent_set"`
	RootAgent  AgentID          `json:"root_agent"`
	Codec      string           `json:"codec"`
	Outcome    Outcome          `json:"outcome"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	Items      []TranscriptItem `json:"items,omitempty"`
	EventCount int64            `json:"event_count"`
	LastError  string           `json:"last_error,omitempty"`
}
