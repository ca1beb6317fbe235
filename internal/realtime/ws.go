package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/patientline/internal/codec"
	"github.com/user/patientline/internal/types"
)

const (
	defaultConnectTimeout = 15 * time.Second
	guardrailTimeout      = 20 * time.Second
	handoffToolPrefix     = "transfer_to_"
)

var ErrClosed = errors.New("realtime transport is closed")

// WSConfig configures WSTransport.
type WSConfig struct {
	// URL is the realtime WebSocket endpoint, e.g. wss://api.openai.com/v1/realtime.
	URL   string
	Model string
	// TranscriptionModel enables user speech transcripts when set.
	TranscriptionModel string
	Logger             *slog.Logger
}

// WSTransport speaks the OpenAI realtime event protocol over a WebSocket.
type WSTransport struct {
	cfg    WSConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	agents map[types.AgentID]*types.Agent
	active types.AgentID
	sink   types.AudioSink
	guards []types.OutputGuardrail
	format string
	// assistant text accumulated per item for guardrail checks
	pending map[types.ItemID]*strings.Builder

	events    chan Event
	quit      chan struct{}
	done      chan struct{}
	guardWG   sync.WaitGroup
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	muted     atomic.Bool
}

var _ Transport = (*WSTransport)(nil)

func NewWSTransport(cfg WSConfig) *WSTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		cfg:     cfg,
		logger:  logger,
		agents:  make(map[types.AgentID]*types.Agent),
		pending: make(map[types.ItemID]*strings.Builder),
		events:  make(chan Event, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// NewFactory returns a Factory producing WSTransports with cfg.
func NewFactory(cfg WSConfig) Factory {
	return func() Transport { return NewWSTransport(cfg) }
}

func (t *WSTransport) Events() <-chan Event {
	return t.events
}

// Connect dials the endpoint, waits for session.created and applies the root
// agent's configuration.
func (t *WSTransport) Connect(ctx context.Context, opts ConnectOptions) error {
	if len(opts.Agents) == 0 {
		return fmt.Errorf("connect: no agents")
	}
	if opts.Credential == "" {
		return fmt.Errorf("connect: missing credential")
	}

	wsURL, err := t.endpoint()
	if err != nil {
		return err
	}

	t.mu.Lock()
	for _, a := range opts.Agents {
		t.agents[a.ID] = a
	}
	t.active = opts.Agents[0].ID
	t.sink = opts.Sink
	t.guards = opts.Guardrails
	c := opts.Codec
	if c == "" {
		c = codec.Default
	}
	t.format = c.AudioFormat()
	t.mu.Unlock()

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+opts.Credential)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	if err := t.awaitSessionCreated(dialCtx, conn); err != nil {
		conn.Close()
		return err
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()
	go t.readLoop()

	if err := t.sendJSON(t.sessionUpdate(t.rootAgent())); err != nil {
		t.Disconnect()
		return fmt.Errorf("send session config: %w", err)
	}
	return nil
}

func (t *WSTransport) endpoint() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if t.cfg.Model != "" {
		q := u.Query()
		q.Set("model", t.cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *WSTransport) awaitSessionCreated(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(defaultConnectTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read session.created: %w", err)
	}
	var env struct {
		Type  string `json:"type"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode first frame: %w", err)
	}
	switch env.Type {
	case "session.created":
		return nil
	case "error":
		if env.Error != nil {
			return fmt.Errorf("realtime error: %s", env.Error.Message)
		}
		return fmt.Errorf("realtime error")
	default:
		return fmt.Errorf("unexpected first event %q", env.Type)
	}
}

func (t *WSTransport) rootAgent() *types.Agent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.agents[t.active]
}

// sessionUpdate builds the configuration event for agent.
func (t *WSTransport) sessionUpdate(agent *types.Agent) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	tools := make([]map[string]any, 0, len(agent.Tools)+len(agent.Handoffs))
	for _, spec := range agent.Tools {
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        spec.Name,
			"description": spec.Description,
			"parameters":  spec.Parameters,
		})
	}
	for _, id := range agent.Handoffs {
		target, ok := t.agents[id]
		if !ok {
			continue
		}
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        handoffToolPrefix + string(id),
			"description": target.HandoffDescription,
			"parameters": map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
		})
	}

	session := map[string]any{
		"instructions":        agent.Instructions,
		"tools":               tools,
		"tool_choice":         "auto",
		"input_audio_format":  t.format,
		"output_audio_format": t.format,
		"modalities":          modalities(t.muted.Load()),
	}
	if agent.Voice != "" {
		session["voice"] = agent.Voice
	}
	if t.cfg.TranscriptionModel != "" {
		session["input_audio_transcription"] = map[string]any{"model": t.cfg.TranscriptionModel}
	}
	return map[string]any{"type": "session.update", "session": session}
}

func modalities(muted bool) []string {
	if muted {
		return []string{"text"}
	}
	return []string{"text", "audio"}
}

func (t *WSTransport) SendEvent(event map[string]any) error {
	return t.sendJSON(event)
}

func (t *WSTransport) SendUserText(text string) error {
	id := types.NewItemID()
	if err := t.sendJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"id":      id,
			"type":    "message",
			"role":    "user",
			"content": []map[string]any{{"type": "input_text", "text": text}},
		},
	}); err != nil {
		return err
	}
	return t.sendJSON(map[string]any{"type": "response.create"})
}

// Interrupt cancels the in-flight response and drops buffered playback.
func (t *WSTransport) Interrupt() error {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.Flush()
	}
	return t.sendJSON(map[string]any{"type": "response.cancel"})
}

// Mute stops the remote side from producing audio. Text responses continue.
func (t *WSTransport) Mute(muted bool) error {
	t.muted.Store(muted)
	return t.sendJSON(map[string]any{
		"type":    "session.update",
		"session": map[string]any{"modalities": modalities(muted)},
	})
}

func (t *WSTransport) AppendAudio(pcm []byte) error {
	return t.sendJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (t *WSTransport) SendToolResult(callID string, result any) error {
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal tool result: %w", err)
	}
	if err := t.sendJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(output),
		},
	}); err != nil {
		return err
	}
	return t.sendJSON(map[string]any{"type": "response.create"})
}

func (t *WSTransport) sendJSON(v any) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime transport is not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Disconnect closes the connection and waits for the read loop to finish.
// Safe to call more than once and before Connect completes.
func (t *WSTransport) Disconnect() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.quit)

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			close(t.events)
			close(t.done)
			return
		}

		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	})
	<-t.done
	return nil
}

func (t *WSTransport) emit(e Event) {
	select {
	case t.events <- e:
	case <-t.quit:
	}
}

func (t *WSTransport) readLoop() {
	defer close(t.done)
	defer close(t.events)
	defer t.guardWG.Wait()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.emit(DisconnectedEvent{})
			} else {
				t.emit(DisconnectedEvent{Err: err})
			}
			t.closed.Store(true)
			conn.Close()
			return
		}
		if err := t.handleFrame(data); err != nil {
			t.logger.Warn("realtime frame dropped", "error", err)
		}
	}
}

type serverItem struct {
	ID      types.ItemID `json:"id"`
	Type    string       `json:"type"`
	Role    types.Role   `json:"role"`
	Content []struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		Transcript string `json:"transcript"`
	} `json:"content"`
}

type serverFrame struct {
	Type       string       `json:"type"`
	ItemID     types.ItemID `json:"item_id"`
	Delta      string       `json:"delta"`
	Transcript string       `json:"transcript"`
	Text       string       `json:"text"`
	CallID     string       `json:"call_id"`
	Name       string       `json:"name"`
	Arguments  string       `json:"arguments"`
	Item       *serverItem  `json:"item"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (t *WSTransport) handleFrame(data []byte) error {
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode server event: %w", err)
	}

	if f.Type == "response.audio.delta" {
		return t.playAudio(f.Delta)
	}

	t.emit(ServerEvent{Type: f.Type, Raw: append(json.RawMessage(nil), data...)})

	switch f.Type {
	case "conversation.item.created":
		if f.Item == nil || f.Item.Type != "message" {
			return nil
		}
		var text []string
		for _, c := range f.Item.Content {
			switch {
			case c.Text != "":
				text = append(text, c.Text)
			case c.Transcript != "":
				text = append(text, c.Transcript)
			}
		}
		t.emit(ItemCreatedEvent{ItemID: f.Item.ID, Role: f.Item.Role, Text: strings.Join(text, " ")})

	case "conversation.item.input_audio_transcription.delta":
		t.emit(TranscriptDeltaEvent{ItemID: f.ItemID, Role: types.RoleUser, Delta: f.Delta})

	case "conversation.item.input_audio_transcription.completed":
		t.emit(TranscriptDoneEvent{ItemID: f.ItemID, Role: types.RoleUser, Text: f.Transcript})

	case "response.audio_transcript.delta", "response.text.delta":
		t.assistantDelta(f.ItemID, f.Delta)

	case "response.audio_transcript.done":
		t.assistantDone(f.ItemID, f.Transcript)

	case "response.text.done":
		t.assistantDone(f.ItemID, f.Text)

	case "response.function_call_arguments.done":
		if target, ok := strings.CutPrefix(f.Name, handoffToolPrefix); ok {
			return t.handoff(f.CallID, types.AgentID(target))
		}
		args := json.RawMessage(f.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		t.emit(ToolCallEvent{CallID: f.CallID, ItemID: f.ItemID, Name: f.Name, Arguments: args})

	case "error":
		if f.Error != nil {
			t.emit(ErrorEvent{Code: f.Error.Code, Message: f.Error.Message})
		}
	}
	return nil
}

func (t *WSTransport) playAudio(b64 string) error {
	if t.muted.Load() {
		return nil
	}
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil {
		return nil
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode audio delta: %w", err)
	}
	return sink.Write(pcm)
}

func (t *WSTransport) assistantDelta(id types.ItemID, delta string) {
	t.mu.Lock()
	buf, seen := t.pending[id]
	if !seen {
		buf = &strings.Builder{}
		t.pending[id] = buf
	}
	buf.WriteString(delta)
	guarded := len(t.guards) > 0
	t.mu.Unlock()

	t.emit(TranscriptDeltaEvent{ItemID: id, Role: types.RoleAssistant, Delta: delta})
	if !seen && guarded {
		t.emit(GuardrailEvent{ItemID: id, Result: types.GuardrailResult{Status: types.GuardrailInProgress}})
	}
}

func (t *WSTransport) assistantDone(id types.ItemID, text string) {
	t.mu.Lock()
	buf, seen := t.pending[id]
	delete(t.pending, id)
	guards := t.guards
	t.mu.Unlock()

	if text == "" && buf != nil {
		text = buf.String()
	}
	t.emit(TranscriptDoneEvent{ItemID: id, Role: types.RoleAssistant, Text: text})

	if len(guards) == 0 {
		return
	}
	if !seen {
		t.emit(GuardrailEvent{ItemID: id, Result: types.GuardrailResult{Status: types.GuardrailInProgress}})
	}
	t.guardWG.Add(1)
	go func() {
		defer t.guardWG.Done()
		t.runGuardrails(id, text, guards)
	}()
}

// runGuardrails checks text with each guardrail and reports the first
// failing verdict, or a pass. A guardrail that cannot answer is logged and
// skipped.
func (t *WSTransport) runGuardrails(id types.ItemID, text string, guards []types.OutputGuardrail) {
	ctx, cancel := context.WithTimeout(context.Background(), guardrailTimeout)
	defer cancel()
	go func() {
		select {
		case <-t.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	verdict := types.GuardrailResult{Status: types.GuardrailDone, Category: types.CategoryNone, SampleText: text}
	for _, g := range guards {
		res, err := g.Check(ctx, text)
		if err != nil {
			t.logger.Warn("guardrail check failed", "guardrail", g.Name(), "item_id", id, "error", err)
			continue
		}
		if res.Category != types.CategoryNone {
			verdict = *res
			verdict.Status = types.GuardrailDone
			break
		}
		verdict.Rationale = res.Rationale
	}
	t.emit(GuardrailEvent{ItemID: id, Result: verdict})

	if verdict.Category != types.CategoryNone && !t.closed.Load() {
		t.correct(verdict)
	}
}

// correct tells the model its last message was flagged so it rephrases.
func (t *WSTransport) correct(v types.GuardrailResult) {
	msg := fmt.Sprintf("Your previous message was flagged as %s: %s. Apologize briefly and continue the registration without repeating it.",
		v.Category, v.Rationale)
	err := t.sendJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "message",
			"role":    "system",
			"content": []map[string]any{{"type": "input_text", "text": msg}},
		},
	})
	if err == nil {
		err = t.sendJSON(map[string]any{"type": "response.create"})
	}
	if err != nil {
		t.logger.Warn("guardrail correction not sent", "error", err)
	}
}

// handoff switches the active agent, acknowledges the transfer call and
// applies the new agent's configuration.
func (t *WSTransport) handoff(callID string, to types.AgentID) error {
	t.mu.Lock()
	target, ok := t.agents[to]
	from := t.active
	if ok {
		t.active = to
	}
	t.mu.Unlock()

	if !ok {
		return t.SendToolResult(callID, map[string]any{"error": fmt.Sprintf("unknown agent %s", to)})
	}

	if err := t.sendJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  fmt.Sprintf(`{"assistant":%q}`, to),
		},
	}); err != nil {
		return err
	}
	if err := t.sendJSON(t.sessionUpdate(target)); err != nil {
		return err
	}
	t.emit(HandoffEvent{From: from, To: to})
	return t.sendJSON(map[string]any{"type": "response.create"})
}
