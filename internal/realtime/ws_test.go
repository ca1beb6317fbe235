package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/patientline/internal/codec"
	"github.com/user/patientline/internal/types"
)

// fakeServer is a scripted realtime endpoint. Every client frame is recorded
// and handed to onFrame, which may reply through send.
type fakeServer struct {
	t       *testing.T
	srv     *httptest.Server
	onFrame func(s *fakeServer, frame map[string]any)

	mu     sync.Mutex
	conn   *websocket.Conn
	frames []map[string]any
	header http.Header
	query  string
}

func newFakeServer(t *testing.T, onFrame func(s *fakeServer, frame map[string]any)) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, onFrame: onFrame}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.header = r.Header.Clone()
		fs.query = r.URL.RawQuery
		fs.mu.Unlock()

		fs.send(map[string]any{"type": "session.created"})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			fs.mu.Lock()
			fs.frames = append(fs.frames, frame)
			fs.mu.Unlock()
			if fs.onFrame != nil {
				fs.onFrame(fs, frame)
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) send(v any) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NoError(fs.t, fs.conn.WriteJSON(v))
}

func (fs *fakeServer) framesOfType(typ string) []map[string]any {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []map[string]any
	for _, f := range fs.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	flushN int
}

func (s *recordingSink) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}
func (s *recordingSink) SetMuted(bool) {}
func (s *recordingSink) Play() error   { return nil }
func (s *recordingSink) Pause()        {}
func (s *recordingSink) Flush() {
	s.mu.Lock()
	s.flushN++
	s.mu.Unlock()
}

type stubGuardrail struct {
	category types.GuardrailCategory
}

func (g stubGuardrail) Name() string { return "stub" }
func (g stubGuardrail) Check(_ context.Context, text string) (*types.GuardrailResult, error) {
	return &types.GuardrailResult{Status: types.GuardrailDone, Category: g.category, Rationale: "checked", SampleText: text}, nil
}

func testAgents() []*types.Agent {
	intake := &types.Agent{
		ID:           "intake",
		Instructions: "collect details",
		Voice:        "alloy",
		Tools:        []types.ToolSpec{{Name: "save_patient_details", Description: "save", Parameters: json.RawMessage(`{"type":"object"}`)}},
		Handoffs:     []types.AgentID{"billing"},
		IsRoot:       true,
	}
	billing := &types.Agent{ID: "billing", Instructions: "billing questions", HandoffDescription: "handles billing"}
	return []*types.Agent{intake, billing}
}

func connect(t *testing.T, fs *fakeServer, opts ConnectOptions) *WSTransport {
	t.Helper()
	tr := NewWSTransport(WSConfig{URL: fs.url(), Model: "gpt-realtime", TranscriptionModel: "whisper-1"})
	if opts.Credential == "" {
		opts.Credential = "ek_test"
	}
	if opts.Agents == nil {
		opts.Agents = testAgents()
	}
	require.NoError(t, tr.Connect(context.Background(), opts))
	t.Cleanup(func() { tr.Disconnect() })
	return tr
}

func nextEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-events:
			require.True(t, ok, "events closed")
			if v, ok := e.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestConnectSendsSessionConfig(t *testing.T) {
	fs := newFakeServer(t, nil)
	connect(t, fs, ConnectOptions{Codec: codec.PCMU})

	require.Eventually(t, func() bool { return len(fs.framesOfType("session.update")) == 1 }, 2*time.Second, 10*time.Millisecond)

	fs.mu.Lock()
	assert.Equal(t, "Bearer ek_test", fs.header.Get("Authorization"))
	assert.Equal(t, "realtime=v1", fs.header.Get("OpenAI-Beta"))
	assert.Contains(t, fs.query, "model=gpt-realtime")
	fs.mu.Unlock()

	session := fs.framesOfType("session.update")[0]["session"].(map[string]any)
	assert.Equal(t, "collect details", session["instructions"])
	assert.Equal(t, "alloy", session["voice"])
	assert.Equal(t, "g711_ulaw", session["input_audio_format"])
	assert.Equal(t, "g711_ulaw", session["output_audio_format"])

	tools := session["tools"].([]any)
	require.Len(t, tools, 2)
	assert.Equal(t, "save_patient_details", tools[0].(map[string]any)["name"])
	assert.Equal(t, "transfer_to_billing", tools[1].(map[string]any)["name"])
	assert.Equal(t, "handles billing", tools[1].(map[string]any)["description"])
}

func TestConnectRejectsUnexpectedFirstEvent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"message": "invalid key"}})
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	err := tr.Connect(context.Background(), ConnectOptions{Credential: "bad", Agents: testAgents()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key")
}

func TestConnectRequiresCredential(t *testing.T) {
	tr := NewWSTransport(WSConfig{URL: "ws://127.0.0.1:1"})
	err := tr.Connect(context.Background(), ConnectOptions{Agents: testAgents()})
	require.Error(t, err)
}

func TestTranscriptAndGuardrailEvents(t *testing.T) {
	fs := newFakeServer(t, nil)
	tr := connect(t, fs, ConnectOptions{Guardrails: []types.OutputGuardrail{stubGuardrail{category: types.CategoryNone}}})

	fs.send(map[string]any{"type": "conversation.item.created", "item": map[string]any{
		"id": "item_1", "type": "message", "role": "assistant", "content": []any{},
	}})
	fs.send(map[string]any{"type": "response.audio_transcript.delta", "item_id": "item_1", "delta": "Hello "})
	fs.send(map[string]any{"type": "response.audio_transcript.delta", "item_id": "item_1", "delta": "there"})
	fs.send(map[string]any{"type": "response.audio_transcript.done", "item_id": "item_1", "transcript": "Hello there"})

	created := nextEvent[ItemCreatedEvent](t, tr.Events())
	assert.Equal(t, types.ItemID("item_1"), created.ItemID)
	assert.Equal(t, types.RoleAssistant, created.Role)

	delta := nextEvent[TranscriptDeltaEvent](t, tr.Events())
	assert.Equal(t, "Hello ", delta.Delta)

	pending := nextEvent[GuardrailEvent](t, tr.Events())
	assert.Equal(t, types.GuardrailInProgress, pending.Result.Status)

	done := nextEvent[TranscriptDoneEvent](t, tr.Events())
	assert.Equal(t, "Hello there", done.Text)

	verdict := nextEvent[GuardrailEvent](t, tr.Events())
	assert.Equal(t, types.GuardrailDone, verdict.Result.Status)
	assert.Equal(t, types.CategoryNone, verdict.Result.Category)
}

func TestGuardrailTripSendsCorrection(t *testing.T) {
	fs := newFakeServer(t, nil)
	tr := connect(t, fs, ConnectOptions{Guardrails: []types.OutputGuardrail{stubGuardrail{category: types.CategoryOffBrand}}})

	fs.send(map[string]any{"type": "response.text.done", "item_id": "item_2", "text": "buy our competitor"})

	verdict := nextEvent[GuardrailEvent](t, tr.Events())
	if verdict.Result.Status == types.GuardrailInProgress {
		verdict = nextEvent[GuardrailEvent](t, tr.Events())
	}
	assert.Equal(t, types.CategoryOffBrand, verdict.Result.Category)

	require.Eventually(t, func() bool {
		for _, f := range fs.framesOfType("conversation.item.create") {
			item := f["item"].(map[string]any)
			if item["role"] == "system" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAudioDeltaWritesToSinkUnlessMuted(t *testing.T) {
	fs := newFakeServer(t, nil)
	sink := &recordingSink{}
	tr := connect(t, fs, ConnectOptions{Sink: sink})

	fs.send(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString([]byte{1, 2, 3})})
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.frames) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Mute(true))
	fs.send(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString([]byte{4})})
	fs.send(map[string]any{"type": "response.done"})
	nextEvent[ServerEvent](t, tr.Events())

	sink.mu.Lock()
	assert.Len(t, sink.frames, 1)
	sink.mu.Unlock()

	require.Eventually(t, func() bool { return len(fs.framesOfType("session.update")) == 2 }, 2*time.Second, 10*time.Millisecond)
	mods := fs.framesOfType("session.update")[1]["session"].(map[string]any)["modalities"].([]any)
	assert.Equal(t, []any{"text"}, mods)
}

func TestToolCallEvent(t *testing.T) {
	fs := newFakeServer(t, nil)
	tr := connect(t, fs, ConnectOptions{})

	fs.send(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call_1",
		"name":      "save_patient_details",
		"arguments": `{"patientInformation":{}}`,
	})
	call := nextEvent[ToolCallEvent](t, tr.Events())
	assert.Equal(t, "call_1", call.CallID)
	assert.Equal(t, "save_patient_details", call.Name)
	assert.JSONEq(t, `{"patientInformation":{}}`, string(call.Arguments))

	require.NoError(t, tr.SendToolResult("call_1", types.ToolResult{Success: true}))
	require.Eventually(t, func() bool { return len(fs.framesOfType("response.create")) == 1 }, 2*time.Second, 10*time.Millisecond)
	item := fs.framesOfType("conversation.item.create")[0]["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "call_1", item["call_id"])
}

func TestHandoffSwitchesAgent(t *testing.T) {
	fs := newFakeServer(t, nil)
	tr := connect(t, fs, ConnectOptions{})

	fs.send(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call_h",
		"name":      "transfer_to_billing",
		"arguments": `{}`,
	})
	h := nextEvent[HandoffEvent](t, tr.Events())
	assert.Equal(t, types.AgentID("intake"), h.From)
	assert.Equal(t, types.AgentID("billing"), h.To)

	require.Eventually(t, func() bool { return len(fs.framesOfType("session.update")) == 2 }, 2*time.Second, 10*time.Millisecond)
	session := fs.framesOfType("session.update")[1]["session"].(map[string]any)
	assert.Equal(t, "billing questions", session["instructions"])
}

func TestSendUserTextAndInterrupt(t *testing.T) {
	fs := newFakeServer(t, nil)
	sink := &recordingSink{}
	tr := connect(t, fs, ConnectOptions{Sink: sink})

	require.NoError(t, tr.Interrupt())
	require.NoError(t, tr.SendUserText("my name is Ada"))
	require.NoError(t, tr.AppendAudio([]byte{9, 9}))

	require.Eventually(t, func() bool { return len(fs.framesOfType("input_audio_buffer.append")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, fs.framesOfType("response.cancel"), 1)

	item := fs.framesOfType("conversation.item.create")[0]["item"].(map[string]any)
	assert.Equal(t, "user", item["role"])
	content := item["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "my name is Ada", content["text"])

	sink.mu.Lock()
	assert.Equal(t, 1, sink.flushN)
	sink.mu.Unlock()
}

func TestRemoteCloseEmitsDisconnected(t *testing.T) {
	fs := newFakeServer(t, nil)
	tr := connect(t, fs, ConnectOptions{})

	fs.mu.Lock()
	fs.conn.Close()
	fs.mu.Unlock()

	nextEvent[DisconnectedEvent](t, tr.Events())
	require.NoError(t, tr.Disconnect())
	assert.ErrorIs(t, tr.SendUserText("hello"), ErrClosed)
}

func TestDisconnectClosesEvents(t *testing.T) {
	fs := newFakeServer(t, nil)
	tr := connect(t, fs, ConnectOptions{})

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())

	select {
	case _, ok := <-tr.Events():
		for ok {
			_, ok = <-tr.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed")
	}
}

func TestDisconnectBeforeConnect(t *testing.T) {
	tr := NewWSTransport(WSConfig{URL: "ws://127.0.0.1:1"})
	require.NoError(t, tr.Disconnect())
	_, ok := <-tr.Events()
	assert.False(t, ok)
}
