// internal/types/interfaces.go
package types

import (
	"context"
)

type EventLog interface {
	Append(ctx context.Context, event *LoggedEvent) error
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*LoggedEvent, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
}

type PreferenceStore interface {
	Load(ctx context.Context, client ClientID) (Preferences, error)
	Save(ctx context.Context, client ClientID, prefs Preferences) error
}

// CredentialSource yields a short-lived secret for one realtime connection.
type CredentialSource interface {
	Fetch(ctx context.Context) (string, error)
}

// AudioSink is the local playback element agent audio is written to.
type AudioSink interface {
	Write(frame []byte) error
	SetMuted(muted bool)
	Play() error
	Pause()
	Flush()
}

// OutputGuardrail classifies assistant output.
type OutputGuardrail interface {
	Name() string
	Check(ctx context.Context, text string) (*GuardrailResult, error)
}

// SessionArchive keeps summaries of finished sessions.
type SessionArchive interface {
	Save(ctx context.Context, rec *SessionRecord) error
}
