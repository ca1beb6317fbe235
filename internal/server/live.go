package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/patientline/internal/codec"
	"github.com/user/patientline/internal/gateway"
	"github.com/user/patientline/internal/session"
	"github.com/user/patientline/internal/types"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LiveParams are the query parameters of a live session socket.
type LiveParams struct {
	ClientID types.ClientID
	AgentSet string
	Agent    types.AgentID
	Codec    codec.Codec
}

// SessionFactory builds a controller for one live socket. Agent audio is
// written to sink.
type SessionFactory func(p LiveParams, sink types.AudioSink) (*session.Controller, error)

// intent is a UI command received as a text frame.
type intent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Enabled  bool   `json:"enabled,omitempty"`
	Agent    string `json:"agent,omitempty"`
	AgentSet string `json:"agent_set,omitempty"`
	Codec    string `json:"codec,omitempty"`
	ID       string `json:"id,omitempty"`
}

func parseLiveParams(r *http.Request) LiveParams {
	q := r.URL.Query()
	p := LiveParams{
		ClientID: types.ClientID(q.Get("client")),
		AgentSet: q.Get("agentConfig"),
		Agent:    types.AgentID(q.Get("agent")),
	}
	if p.ClientID == "" {
		p.ClientID = types.ClientID("anon-" + string(types.NewEventID()))
	}
	c, err := codec.Parse(q.Get("codec"))
	if err != nil {
		slog.Warn("unknown codec requested, using default", "codec", q.Get("codec"), "default", codec.Default)
		c = codec.Default
	}
	p.Codec = c
	return p
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway == nil || s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "live sessions not configured")
		return
	}
	if s.deps.Gateway.ActiveSessions() >= s.deps.Gateway.Capacity() {
		writeError(w, http.StatusServiceUnavailable, gateway.ErrAtCapacity.Error())
		return
	}

	params := parseLiveParams(r)
	sink := newSocketSink(256)
	ctrl, err := s.deps.Sessions(params, sink)
	if err != nil {
		slog.Error("create session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	if err := s.deps.Gateway.Admit(ctrl); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		return
	}
	id := ctrl.ID()
	logger := slog.With("session_id", id, "client_id", params.ClientID)
	logger.Info("live socket opened", "agent_set", params.AgentSet, "codec", params.Codec)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	// Writer goroutine: snapshots, agent audio and keepalives.
	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		write := func(kind int, data []byte) error {
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			return ws.WriteMessage(kind, data)
		}
		sendSnapshot := func() error {
			data, err := json.Marshal(map[string]any{"type": "snapshot", "snapshot": ctrl.Snapshot()})
			if err != nil {
				return err
			}
			return write(websocket.TextMessage, data)
		}

		if err := sendSnapshot(); err != nil {
			logger.Warn("initial snapshot failed", "error", err)
			return
		}
		for {
			select {
			case <-done:
				return
			case <-ctrl.Done():
				write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			case <-ctrl.Updates():
				if err := sendSnapshot(); err != nil {
					logger.Warn("snapshot write failed", "error", err)
					return
				}
			case frame := <-sink.frames:
				if err := write(websocket.BinaryMessage, frame); err != nil {
					logger.Warn("audio write failed", "error", err)
					return
				}
			case <-sink.flushed:
				if err := write(websocket.TextMessage, []byte(`{"type":"audio.flush"}`)); err != nil {
					return
				}
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: intents as text frames, microphone audio as binary frames.
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", "error", err)
			}
			break
		}
		if kind == websocket.BinaryMessage {
			if err := ctrl.AppendAudio(data); err != nil {
				break
			}
			continue
		}

		var in intent
		if err := json.Unmarshal(data, &in); err != nil {
			logger.Warn("malformed intent", "error", err)
			continue
		}
		if err := dispatch(ctrl, in); err != nil {
			if errors.Is(err, session.ErrStopped) {
				break
			}
			logger.Warn("intent rejected", "type", in.Type, "error", err)
		}
	}

	s.deps.Gateway.Release(id)
	close(done)
	wg.Wait()
	logger.Info("live socket closed")
}

func dispatch(ctrl *session.Controller, in intent) error {
	switch in.Type {
	case "connect":
		return ctrl.Connect()
	case "disconnect":
		return ctrl.Disconnect()
	case "send_text":
		return ctrl.SendText(in.Text)
	case "talk_start":
		return ctrl.TalkStart()
	case "talk_end":
		return ctrl.TalkEnd()
	case "set_push_to_talk":
		return ctrl.SetPushToTalk(in.Enabled)
	case "set_audio_playback":
		return ctrl.SetAudioPlayback(in.Enabled)
	case "set_logs_expanded":
		return ctrl.SetLogsExpanded(in.Enabled)
	case "select_agent":
		return ctrl.SelectAgent(types.AgentID(in.Agent))
	case "select_agent_set":
		return ctrl.SelectAgentSet(in.AgentSet)
	case "set_codec":
		c, err := codec.Parse(in.Codec)
		if err != nil {
			return err
		}
		return ctrl.SetCodec(c)
	case "toggle_item":
		return ctrl.ToggleItem(types.ItemID(in.ID))
	case "toggle_event":
		return ctrl.ToggleEvent(types.EventID(in.ID))
	default:
		return fmt.Errorf("unknown intent %q", in.Type)
	}
}
