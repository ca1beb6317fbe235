package session

import (
	"github.com/user/patientline/internal/codec"
	"github.com/user/patientline/internal/turn"
	"github.com/user/patientline/internal/types"
)

type AgentView struct {
	ID   types.AgentID `json:"id"`
	Name string        `json:"name"`
}

// Snapshot is a read-only copy of the session state, published after every
// processed message.
type Snapshot struct {
	SessionID          types.SessionID        `json:"session_id"`
	ClientID           types.ClientID         `json:"client_id"`
	Status             types.SessionStatus    `json:"status"`
	AgentSet           string                 `json:"agent_set"`
	AgentSets          []string               `json:"agent_sets"`
	Agents             []AgentView            `json:"agents"`
	SelectedAgent      types.AgentID          `json:"selected_agent"`
	ActiveAgent        types.AgentID          `json:"active_agent,omitempty"`
	PendingHandoff     bool                   `json:"pending_handoff"`
	Mode               turn.Mode              `json:"mode"`
	Codec              codec.Codec            `json:"codec"`
	Preferences        types.Preferences      `json:"preferences"`
	Speaking           bool                   `json:"speaking"`
	Items              []types.TranscriptItem `json:"items"`
	Events             []types.LoggedEvent    `json:"events,omitempty"`
	LastError          string                 `json:"last_error,omitempty"`
	GracefulDisconnect bool                   `json:"graceful_disconnect"`
	Outcome            types.Outcome          `json:"outcome,omitempty"`
}

func (c *Controller) buildSnapshot() *Snapshot {
	agents := make([]AgentView, 0, len(c.roster))
	for _, a := range c.roster {
		agents = append(agents, AgentView{ID: a.ID, Name: a.Name()})
	}

	s := &Snapshot{
		SessionID:          c.cfg.SessionID,
		ClientID:           c.cfg.ClientID,
		Status:             c.status,
		AgentSet:           c.setKey,
		AgentSets:          c.cfg.Catalogue.Keys(),
		Agents:             agents,
		SelectedAgent:      c.selected,
		ActiveAgent:        c.active,
		PendingHandoff:     c.pendingHandoff,
		Mode:               turn.ForPushToTalk(c.prefs.PushToTalk).Mode,
		Codec:              c.codec.Current(),
		Preferences:        c.prefs,
		Speaking:           c.talk.Speaking(),
		Items:              c.items.Visible(),
		LastError:          c.lastErr,
		GracefulDisconnect: c.graceful,
		Outcome:            c.outcome(),
	}
	if c.prefs.LogsExpanded {
		s.Events = make([]types.LoggedEvent, len(c.events))
		for i, e := range c.events {
			s.Events[i] = *e
		}
	}
	return s
}
