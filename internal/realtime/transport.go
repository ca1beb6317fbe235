// Package realtime connects a session to an OpenAI-Realtime-compatible
// WebSocket endpoint.
package realtime

import (
	"context"

	"github.com/user/patientline/internal/codec"
	"github.com/user/patientline/internal/types"
)

// ConnectOptions configures one connection.
type ConnectOptions struct {
	Credential string
	// Agents is the ordered roster. The first agent is the root.
	Agents     []*types.Agent
	Sink       types.AudioSink
	Guardrails []types.OutputGuardrail
	Codec      codec.Codec
}

// Transport is one realtime connection. A Transport is used for a single
// Connect/Disconnect cycle.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Disconnect() error
	// SendEvent writes a raw client event.
	SendEvent(event map[string]any) error
	SendUserText(text string) error
	Interrupt() error
	Mute(muted bool) error
	AppendAudio(pcm []byte) error
	SendToolResult(callID string, result any) error
	// Events is closed after Disconnect or when the connection ends.
	Events() <-chan Event
}

// Factory creates a fresh Transport for each connection attempt.
type Factory func() Transport
