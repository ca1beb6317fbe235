// Package session drives one voice session through its connection
// lifecycle. A Controller owns all session state and mutates it from a
// single goroutine; callers post intents and read snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/patientline/internal/agents"
	"github.com/user/patientline/internal/codec"
	"github.com/user/patientline/internal/credential"
	"github.com/user/patientline/internal/playback"
	"github.com/user/patientline/internal/realtime"
	"github.com/user/patientline/internal/tools"
	"github.com/user/patientline/internal/transcript"
	"github.com/user/patientline/internal/turn"
	"github.com/user/patientline/internal/types"
)

// ErrStopped is returned by intents posted after Run has returned.
var ErrStopped = errors.New("session controller stopped")

const (
	inboxSize      = 128
	greetingText   = "hi"
	archiveTimeout = 10 * time.Second
)

// Config wires a Controller to its collaborators. Catalogue, Credentials,
// Transports and Tools are required.
type Config struct {
	SessionID types.SessionID
	ClientID  types.ClientID

	Catalogue *agents.Catalogue
	// AgentSet and Agent select the initial roster and root agent.
	AgentSet string
	Agent    types.AgentID
	Codec    codec.Codec

	Credentials types.CredentialSource
	Transports  realtime.Factory
	Tools       *tools.Registry
	Guardrails  []types.OutputGuardrail
	Sink        types.AudioSink

	Events      types.EventLog
	Preferences types.PreferenceStore
	Archive     types.SessionArchive

	Logger *slog.Logger
	Now    func() time.Time
}

type Controller struct {
	cfg    Config
	logger *slog.Logger

	inbox   chan message
	updates chan struct{}
	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool
	current atomic.Pointer[Snapshot]
	bg      sync.WaitGroup

	// Everything below is owned by the Run goroutine.
	ctx            context.Context
	status         types.SessionStatus
	gen            uint64
	attemptCtx     context.Context
	cancelAttempt  context.CancelFunc
	transport      realtime.Transport
	setKey         string
	roster         []*types.Agent
	selected       types.AgentID
	active         types.AgentID
	pendingHandoff bool
	prefs          types.Preferences
	talk           turn.Talk
	codec          *codec.Selector
	gate           *playback.Gate
	items          *transcript.Store
	events         []*types.LoggedEvent
	lastErr        string
	graceful       bool
	registered     bool
	saveFailed     bool
	startedAt      time.Time
}

func New(cfg Config) (*Controller, error) {
	if cfg.Catalogue == nil || cfg.Credentials == nil || cfg.Transports == nil || cfg.Tools == nil {
		return nil, fmt.Errorf("session config: catalogue, credentials, transports and tools are required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = types.NewSessionID()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.SessionID)

	c := &Controller{
		cfg:     cfg,
		logger:  logger,
		inbox:   make(chan message, inboxSize),
		updates: make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		status:  types.StatusDisconnected,
		prefs:   types.DefaultPreferences(),
		codec:   codec.NewSelector(cfg.Codec),
		gate:    playback.NewGate(cfg.Sink, logger),
		items:   transcript.NewWithClock(cfg.Now),
	}
	c.useSet(cfg.AgentSet)
	if cfg.Agent != "" && agents.Find(c.roster, cfg.Agent) != nil {
		c.selected = cfg.Agent
	}
	c.publish()
	return c, nil
}

func (c *Controller) ID() types.SessionID { return c.cfg.SessionID }

// Run processes intents and transport events until ctx is cancelled. The
// session is disconnected before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s already running", c.cfg.SessionID)
	}
	c.ctx = ctx
	defer close(c.done)

	if c.cfg.Preferences != nil {
		prefs, err := c.cfg.Preferences.Load(ctx, c.cfg.ClientID)
		if err != nil {
			c.logger.Warn("load preferences failed, using defaults", "client_id", c.cfg.ClientID, "error", err)
		} else {
			c.prefs = prefs
		}
		c.publish()
	}

	for {
		select {
		case <-ctx.Done():
			c.disconnect()
			c.publish()
			close(c.quit)
			c.bg.Wait()
			return nil
		case m := <-c.inbox:
			if m.handle(c) {
				c.publish()
			}
		}
	}
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Updates signals that a new snapshot is available. Signals are coalesced.
func (c *Controller) Updates() <-chan struct{} { return c.updates }

// Snapshot returns the most recently published state.
func (c *Controller) Snapshot() Snapshot {
	return *c.current.Load()
}

func (c *Controller) publish() {
	c.current.Store(c.buildSnapshot())
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Controller) post(m message) error {
	select {
	case <-c.quit:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- m:
		return nil
	case <-c.quit:
		return ErrStopped
	}
}

func (c *Controller) useSet(key string) {
	c.setKey, c.roster = c.cfg.Catalogue.Set(key)
	c.selected = ""
	if len(c.roster) > 0 {
		c.selected = c.roster[0].ID
	}
}

func (c *Controller) live() bool {
	return c.status != types.StatusDisconnected
}

func (c *Controller) connected() bool {
	return c.status == types.StatusConnected && c.transport != nil
}

func (c *Controller) root() *types.Agent {
	roster := agents.Reorder(c.roster, c.selected)
	if len(roster) == 0 {
		return nil
	}
	return roster[0]
}

func (c *Controller) outcome() types.Outcome {
	switch {
	case c.registered:
		return types.OutcomeRegistered
	case c.saveFailed:
		return types.OutcomeFailed
	case c.startedAt.IsZero():
		return ""
	case c.live():
		return ""
	default:
		return types.OutcomeAbandoned
	}
}

// connect starts a connection attempt: credential fetch first, then the
// transport. Both steps run off the loop and report back through the inbox.
func (c *Controller) connect() {
	if c.status != types.StatusDisconnected {
		return
	}
	c.gen++
	gen := c.gen
	c.status = types.StatusConnecting
	c.lastErr = ""
	c.graceful = false

	attemptCtx, cancel := context.WithCancel(c.ctx)
	c.attemptCtx, c.cancelAttempt = attemptCtx, cancel

	c.logClient("fetch_session_token_request", nil)
	c.goBackground(func() {
		key, err := c.cfg.Credentials.Fetch(attemptCtx)
		c.postResult(credentialResult{gen: gen, key: key, err: err}, nil)
	})
}

func (c *Controller) onCredential(r credentialResult) {
	if r.gen != c.gen || c.status != types.StatusConnecting {
		return
	}
	if r.err == nil && r.key == "" {
		r.err = credential.ErrMissingCredential
	}
	if r.err != nil {
		name := "error.fetch_session_token"
		if errors.Is(r.err, credential.ErrMissingCredential) {
			name = "error.no_ephemeral_key"
		}
		c.logClient(name, map[string]any{"error": r.err.Error()})
		c.fail(r.err)
		return
	}
	c.logClient("fetch_session_token_response", map[string]any{"status": "ok"})

	roster := agents.Reorder(c.roster, c.selected)
	opts := realtime.ConnectOptions{
		Credential: r.key,
		Agents:     roster,
		Sink:       c.cfg.Sink,
		Guardrails: c.cfg.Guardrails,
		Codec:      c.codec.Pin(),
	}
	tr := c.cfg.Transports()
	gen := r.gen
	ctx := c.attemptCtx
	c.goBackground(func() {
		err := tr.Connect(ctx, opts)
		c.postResult(connectResult{gen: gen, transport: tr, root: roster[0].ID, err: err}, func() {
			if err == nil {
				tr.Disconnect()
			}
		})
	})
}

func (c *Controller) onConnected(r connectResult) {
	if r.gen != c.gen || c.status != types.StatusConnecting {
		if r.err == nil {
			c.logger.Debug("discarding stale connection", "gen", r.gen)
			r.transport.Disconnect()
		}
		return
	}
	if r.err != nil {
		c.logger.Warn("realtime connect failed", "error", r.err)
		c.fail(r.err)
		return
	}

	c.transport = r.transport
	c.status = types.StatusConnected
	c.active = r.root
	if c.startedAt.IsZero() {
		c.startedAt = c.cfg.Now()
	}
	c.logger.Info("session connected", "agent", c.active, "codec", c.codec.Current())

	events := r.transport.Events()
	gen := r.gen
	c.goBackground(func() {
		for ev := range events {
			if c.post(transportEvent{gen: gen, event: ev}) != nil {
				return
			}
		}
	})

	if a := agents.Find(c.roster, c.active); a != nil {
		c.breadcrumb("Agent: "+a.Name(), nil)
	}
	c.refresh(!c.pendingHandoff)
	c.gate.Apply(c.prefs.AudioPlaybackEnabled, c.transport)
}

// fail ends the current attempt and surfaces err.
func (c *Controller) fail(err error) {
	if err != nil {
		c.lastErr = err.Error()
	}
	c.disconnect()
}

// disconnect tears down the transport and cancels in-flight work. It is a
// no-op when already disconnected.
func (c *Controller) disconnect() {
	if !c.live() {
		return
	}
	c.gen++
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.attemptCtx, c.cancelAttempt = nil, nil
	}
	if c.transport != nil {
		if err := c.transport.Disconnect(); err != nil {
			c.logger.Warn("transport disconnect failed", "error", err)
		}
		c.transport = nil
	}
	c.codec.Release()
	c.talk.Reset()
	c.pendingHandoff = false
	c.active = ""
	c.status = types.StatusDisconnected
	c.logger.Info("session disconnected")
	c.archive()
}

func (c *Controller) reconnect() {
	if !c.live() {
		return
	}
	c.disconnect()
	c.connect()
}

// refresh applies the turn policy and, when greet is set, makes the agent
// speak first.
func (c *Controller) refresh(greet bool) {
	if !c.connected() {
		return
	}
	update := turn.ForPushToTalk(c.prefs.PushToTalk).SessionUpdate()
	c.send(update)

	if !greet {
		return
	}
	id := types.NewItemID()
	c.items.AddMessage(id, types.RoleUser, greetingText, true)
	c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"id":      id,
			"type":    "message",
			"role":    "user",
			"content": []map[string]any{{"type": "input_text", "text": greetingText}},
		},
	})
	c.send(map[string]any{"type": "response.create"})
}

// send writes a client event and records it in the diagnostic log.
func (c *Controller) send(event map[string]any) {
	if !c.connected() {
		return
	}
	name, _ := event["type"].(string)
	c.logClient(name, event)
	if err := c.transport.SendEvent(event); err != nil {
		c.logger.Warn("send client event failed", "event", name, "error", err)
	}
}

func (c *Controller) breadcrumb(title string, data any) {
	if _, err := c.items.AddBreadcrumb(title, data); err != nil {
		c.logger.Warn("breadcrumb dropped", "title", title, "error", err)
	}
}

func (c *Controller) goBackground(fn func()) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn()
	}()
}

// postResult delivers a background completion. When the controller has
// already stopped, orphan runs instead.
func (c *Controller) postResult(m message, orphan func()) {
	if err := c.post(m); err != nil && orphan != nil {
		orphan()
	}
}

func (c *Controller) savePreferences() {
	if c.cfg.Preferences == nil {
		return
	}
	if err := c.cfg.Preferences.Save(c.ctx, c.cfg.ClientID, c.prefs); err != nil {
		c.logger.Warn("save preferences failed", "client_id", c.cfg.ClientID, "error", err)
	}
}

func (c *Controller) archive() {
	if c.cfg.Archive == nil || c.startedAt.IsZero() {
		return
	}
	rec := &types.SessionRecord{
		ID:        c.cfg.SessionID,
		ClientID:  c.cfg.ClientID,
		AgentSet:  c.setKey,
		RootAgent: c.selected,
		Codec:     string(c.codec.Current()),
		Outcome:   c.outcome(),
		StartedAt: c.startedAt,
		EndedAt:   c.cfg.Now(),
		Items:     c.items.Items(),
		LastError: c.lastErr,
	}
	// Run's context is already cancelled when archiving on shutdown.
	ctx := context.WithoutCancel(c.ctx)
	if c.cfg.Events != nil {
		n, err := c.cfg.Events.Count(ctx, c.cfg.SessionID)
		if err != nil {
			c.logger.Warn("count logged events failed", "error", err)
		}
		rec.EventCount = n
	}
	c.goBackground(func() {
		ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
		defer cancel()
		if err := c.cfg.Archive.Save(ctx, rec); err != nil {
			c.logger.Warn("archive session failed", "error", err)
		}
	})
}
