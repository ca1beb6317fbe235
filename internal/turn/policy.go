// Package turn decides how the remote side detects the end of a user turn.
package turn

import "sync"

type Mode string

const (
	ModeServerVAD  Mode = "server_vad"
	ModePushToTalk Mode = "push_to_talk"
)

// VAD holds server voice-activity-detection parameters.
type VAD struct {
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

func DefaultVAD() VAD {
	return VAD{
		Threshold:         0.9,
		PrefixPaddingMS:   300,
		SilenceDurationMS: 500,
		CreateResponse:    true,
	}
}

// Detection is the turn_detection field of a session.update event.
type Detection struct {
	Type string `json:"type"`
	VAD
}

type Policy struct {
	Mode Mode
	VAD  VAD
}

func ForPushToTalk(ptt bool) Policy {
	if ptt {
		return Policy{Mode: ModePushToTalk, VAD: DefaultVAD()}
	}
	return Policy{Mode: ModeServerVAD, VAD: DefaultVAD()}
}

// Detection returns nil in push-to-talk mode, which disables server turn
// detection.
func (p Policy) Detection() *Detection {
	if p.Mode == ModePushToTalk {
		return nil
	}
	return &Detection{Type: string(ModeServerVAD), VAD: p.VAD}
}

// SessionUpdate builds the client event that applies the policy.
func (p Policy) SessionUpdate() map[string]any {
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"turn_detection": p.Detection(),
		},
	}
}

// Talk tracks a push-to-talk bracket. A start while already speaking and an
// end without a start are both ignored.
type Talk struct {
	mu       sync.Mutex
	speaking bool
}

// Start begins a bracket. It reports false when the session is not connected,
// not in push-to-talk mode, or a bracket is already open.
func (t *Talk) Start(connected, ptt bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !connected || !ptt || t.speaking {
		return false
	}
	t.speaking = true
	return true
}

// End closes an open bracket. It reports false when nothing should be
// committed.
func (t *Talk) End(connected bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.speaking {
		return false
	}
	t.speaking = false
	return connected
}

func (t *Talk) Reset() {
	t.mu.Lock()
	t.speaking = false
	t.mu.Unlock()
}

func (t *Talk) Speaking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speaking
}
