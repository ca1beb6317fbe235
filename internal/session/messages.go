package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/patientline/internal/agents"
	"github.com/user/patientline/internal/codec"
	"github.com/user/patientline/internal/playback"
	"github.com/user/patientline/internal/realtime"
	"github.com/user/patientline/internal/transcript"
	"github.com/user/patientline/internal/types"
)

const (
	transcribingPlaceholder = "[Transcribing...]"
	inaudiblePlaceholder    = "[inaudible]"
)

// message is one entry of the controller inbox. handle runs on the loop
// goroutine and reports whether the snapshot changed.
type message interface {
	handle(c *Controller) bool
}

type intentFunc func(c *Controller) bool

func (f intentFunc) handle(c *Controller) bool { return f(c) }

func (c *Controller) Connect() error {
	return c.post(intentFunc(func(c *Controller) bool {
		c.connect()
		return true
	}))
}

func (c *Controller) Disconnect() error {
	return c.post(intentFunc(func(c *Controller) bool {
		c.disconnect()
		return true
	}))
}

// SendText submits a typed user message, interrupting any agent speech.
func (c *Controller) SendText(text string) error {
	return c.post(intentFunc(func(c *Controller) bool {
		if !c.connected() || text == "" {
			return false
		}
		c.interrupt()
		c.logClient("conversation.item.create", map[string]any{"text": text})
		if err := c.transport.SendUserText(text); err != nil {
			c.logger.Warn("send text failed", "error", err)
			c.lastErr = err.Error()
		}
		return true
	}))
}

// TalkStart opens a push-to-talk bracket.
func (c *Controller) TalkStart() error {
	return c.post(intentFunc(func(c *Controller) bool {
		if !c.talk.Start(c.connected(), c.prefs.PushToTalk) {
			return false
		}
		c.interrupt()
		c.send(map[string]any{"type": "input_audio_buffer.clear"})
		return true
	}))
}

// TalkEnd closes the push-to-talk bracket and asks for a response.
func (c *Controller) TalkEnd() error {
	return c.post(intentFunc(func(c *Controller) bool {
		if !c.talk.End(c.connected()) {
			return c.talk.Speaking()
		}
		c.send(map[string]any{"type": "input_audio_buffer.commit"})
		c.send(map[string]any{"type": "response.create"})
		return true
	}))
}

// AppendAudio forwards microphone audio. Audio outside an open bracket is
// dropped in push-to-talk mode.
func (c *Controller) AppendAudio(pcm []byte) error {
	return c.post(intentFunc(func(c *Controller) bool {
		if !c.connected() {
			return false
		}
		if c.prefs.PushToTalk && !c.talk.Speaking() {
			return false
		}
		if err := c.transport.AppendAudio(pcm); err != nil {
			c.logger.Debug("append audio failed", "error", err)
		}
		return false
	}))
}

func (c *Controller) SetPushToTalk(enabled bool) error {
	return c.post(intentFunc(func(c *Controller) bool {
		if c.prefs.PushToTalk == enabled {
			return false
		}
		c.prefs.PushToTalk = enabled
		c.savePreferences()
		if !enabled {
			c.talk.Reset()
		}
		c.refresh(false)
		return true
	}))
}

func (c *Controller) SetAudioPlayback(enabled bool) error {
	return c.post(intentFunc(func(c *Controller) bool {
		c.prefs.AudioPlaybackEnabled = enabled
		c.savePreferences()
		var remote playback.Muter
		if c.connected() {
			remote = c.transport
		}
		c.gate.Apply(enabled, remote)
		return true
	}))
}

func (c *Controller) SetLogsExpanded(expanded bool) error {
	return c.post(intentFunc(func(c *Controller) bool {
		c.prefs.LogsExpanded = expanded
		c.savePreferences()
		return true
	}))
}

// SelectAgent makes id the root agent. A live session reconnects.
func (c *Controller) SelectAgent(id types.AgentID) error {
	return c.post(intentFunc(func(c *Controller) bool {
		if agents.Find(c.roster, id) == nil {
			c.lastErr = fmt.Sprintf("unknown agent %s in set %s", id, c.setKey)
			return true
		}
		if id == c.selected {
			return false
		}
		c.selected = id
		c.reconnect()
		return true
	}))
}

// SelectAgentSet switches the roster. Unknown keys fall back to the
// default set. A live session reconnects only when the roster changes.
func (c *Controller) SelectAgentSet(key string) error {
	return c.post(intentFunc(func(c *Controller) bool {
		if resolved, _ := c.cfg.Catalogue.Set(key); resolved == c.setKey {
			return false
		}
		c.useSet(key)
		c.reconnect()
		return true
	}))
}

// SetCodec records the codec preference. A change during a live session
// reconnects so the new codec is negotiated.
func (c *Controller) SetCodec(cd codec.Codec) error {
	return c.post(intentFunc(func(c *Controller) bool {
		if err := c.codec.Request(cd); errors.Is(err, codec.ErrReconnectRequired) {
			c.reconnect()
		}
		return true
	}))
}

func (c *Controller) ToggleItem(id types.ItemID) error {
	return c.post(intentFunc(func(c *Controller) bool {
		return c.items.ToggleExpand(id)
	}))
}

func (c *Controller) ToggleEvent(id types.EventID) error {
	return c.post(intentFunc(func(c *Controller) bool {
		for _, e := range c.events {
			if e.ID == id {
				e.Expanded = !e.Expanded
				return true
			}
		}
		return false
	}))
}

func (c *Controller) interrupt() {
	if !c.connected() {
		return
	}
	c.logClient("response.cancel", nil)
	if err := c.transport.Interrupt(); err != nil {
		c.logger.Debug("interrupt failed", "error", err)
	}
}

type credentialResult struct {
	gen uint64
	key string
	err error
}

func (r credentialResult) handle(c *Controller) bool {
	c.onCredential(r)
	return true
}

type connectResult struct {
	gen       uint64
	transport realtime.Transport
	root      types.AgentID
	err       error
}

func (r connectResult) handle(c *Controller) bool {
	c.onConnected(r)
	return true
}

type transportEvent struct {
	gen   uint64
	event realtime.Event
}

func (m transportEvent) handle(c *Controller) bool {
	if m.gen != c.gen || !c.connected() {
		return false
	}
	switch ev := m.event.(type) {
	case realtime.ServerEvent:
		c.logServer(ev)
		return c.prefs.LogsExpanded

	case realtime.ItemCreatedEvent:
		text := ev.Text
		if text == "" && ev.Role == types.RoleUser {
			text = transcribingPlaceholder
		}
		c.items.AddMessage(ev.ItemID, ev.Role, text, false)

	case realtime.TranscriptDeltaEvent:
		if item, ok := c.items.Get(ev.ItemID); ok && item.Title == transcribingPlaceholder {
			c.items.Upsert(transcript.Update{ID: ev.ItemID, Role: ev.Role, Text: ev.Delta})
			break
		}
		c.items.Upsert(transcript.Update{ID: ev.ItemID, Role: ev.Role, Text: ev.Delta, Append: true})

	case realtime.TranscriptDoneEvent:
		text := ev.Text
		if text == "" && ev.Role == types.RoleUser {
			text = inaudiblePlaceholder
		}
		c.items.Upsert(transcript.Update{ID: ev.ItemID, Role: ev.Role, Text: text})

	case realtime.GuardrailEvent:
		return c.items.SetGuardrail(ev.ItemID, ev.Result)

	case realtime.HandoffEvent:
		c.pendingHandoff = true
		c.active = ev.To
		name := string(ev.To)
		if a := agents.Find(c.roster, ev.To); a != nil {
			name = a.Name()
		}
		c.breadcrumb("Agent: "+name, nil)
		c.refresh(false)
		c.pendingHandoff = false

	case realtime.ToolCallEvent:
		c.startToolCall(ev)

	case realtime.ErrorEvent:
		c.logger.Warn("realtime error event", "code", ev.Code, "message", ev.Message)
		c.lastErr = ev.Message

	case realtime.DisconnectedEvent:
		c.logger.Info("transport disconnected", "error", ev.Err)
		if ev.Err != nil {
			c.fail(ev.Err)
		} else {
			c.disconnect()
		}

	default:
		return false
	}
	return true
}

// startToolCall records the call and executes it off the loop on behalf of
// the root agent.
func (c *Controller) startToolCall(ev realtime.ToolCallEvent) {
	c.breadcrumb("function call: "+ev.Name, json.RawMessage(ev.Arguments))

	inv := &types.ToolInvocation{
		SessionID:    c.cfg.SessionID,
		CallID:       ev.CallID,
		Name:         ev.Name,
		RawArguments: ev.Arguments,
	}
	root := c.root()
	gen := c.gen
	ctx := context.WithoutCancel(c.ctx)
	c.goBackground(func() {
		res := c.cfg.Tools.Execute(ctx, root, inv)
		c.postResult(toolResult{gen: gen, inv: inv, result: res}, nil)
	})
}

type toolResult struct {
	gen    uint64
	inv    *types.ToolInvocation
	result *types.ToolResult
}

func (r toolResult) handle(c *Controller) bool {
	switch {
	case r.result.Success:
		c.registered = true
	case r.inv.Validated:
		c.saveFailed = true
	}

	if r.gen != c.gen || !c.connected() {
		c.logger.Info("tool result arrived after disconnect", "tool", r.inv.Name, "success", r.result.Success)
		return true
	}

	c.breadcrumb("function call result: "+r.inv.Name, r.result)
	c.logClient("conversation.item.create", map[string]any{"call_id": r.inv.CallID, "output": r.result})
	if err := c.transport.SendToolResult(r.inv.CallID, r.result); err != nil {
		c.logger.Warn("send tool result failed", "tool", r.inv.Name, "error", err)
	}
	if r.result.Disconnect {
		c.graceful = true
	}
	return true
}

func (c *Controller) logClient(name string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			c.logger.Debug("client event payload not encodable", "event", name, "error", err)
		} else {
			raw = b
		}
	}
	c.appendEvent(types.DirectionClient, name, raw)
}

func (c *Controller) logServer(ev realtime.ServerEvent) {
	c.appendEvent(types.DirectionServer, ev.Type, ev.Raw)
}

func (c *Controller) appendEvent(dir types.Direction, name string, payload json.RawMessage) {
	e := &types.LoggedEvent{
		ID:        types.NewEventID(),
		SessionID: c.cfg.SessionID,
		Direction: dir,
		Name:      name,
		Payload:   payload,
		Timestamp: c.cfg.Now(),
	}
	if c.cfg.Events != nil {
		if err := c.cfg.Events.Append(c.ctx, e); err != nil {
			c.logger.Warn("event log append failed", "event", name, "error", err)
		}
	}
	c.events = append(c.events, e)
}
