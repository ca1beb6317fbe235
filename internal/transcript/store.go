// Package transcript keeps the user-visible conversation history of one
// session, ordered by creation time.
package transcript

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/user/patientline/internal/types"
)

// Update carries new content for a message keyed by ID. An unseen ID creates
// the item; a known ID is updated in place.
type Update struct {
	ID     types.ItemID
	Role   types.Role
	Text   string
	Append bool
}

type Store struct {
	mu    sync.RWMutex
	items map[types.ItemID]*types.TranscriptItem
	seq   int64
	now   func() time.Time
}

func New() *Store {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Store {
	return &Store{
		items: make(map[types.ItemID]*types.TranscriptItem),
		now:   now,
	}
}

func (s *Store) insert(item *types.TranscriptItem) {
	s.seq++
	item.Seq = s.seq
	item.CreatedAt = s.now()
	s.items[item.ID] = item
}

// AddMessage records a message. Adding an ID twice is a no-op.
func (s *Store) AddMessage(id types.ItemID, role types.Role, text string, hidden bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; ok {
		return
	}
	s.insert(&types.TranscriptItem{
		ID:     id,
		Kind:   types.KindMessage,
		Role:   role,
		Title:  text,
		Hidden: hidden,
	})
}

// Upsert applies a streamed or final content update.
func (s *Store) Upsert(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[u.ID]
	if !ok {
		s.insert(&types.TranscriptItem{
			ID:    u.ID,
			Kind:  types.KindMessage,
			Role:  u.Role,
			Title: u.Text,
		})
		return
	}
	if u.Append {
		item.Title += u.Text
	} else {
		item.Title = u.Text
	}
	if item.Role == "" {
		item.Role = u.Role
	}
}

// AddBreadcrumb records a non-message annotation such as a handoff or a
// tool call. Data is marshalled for the expandable detail view.
func (s *Store) AddBreadcrumb(title string, data any) (types.ItemID, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("marshal breadcrumb data: %w", err)
		}
		raw = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := types.NewItemID()
	s.insert(&types.TranscriptItem{
		ID:    id,
		Kind:  types.KindBreadcrumb,
		Title: title,
		Data:  raw,
	})
	return id, nil
}

func (s *Store) ToggleExpand(id types.ItemID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return false
	}
	item.Expanded = !item.Expanded
	return true
}

func (s *Store) Hide(id types.ItemID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[id]; ok {
		item.Hidden = true
	}
}

// SetGuardrail attaches a verdict to a message. Once DONE the verdict is
// final and later updates are ignored.
func (s *Store) SetGuardrail(id types.ItemID, result types.GuardrailResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return false
	}
	if item.Guardrail != nil && item.Guardrail.Status == types.GuardrailDone {
		return false
	}
	r := result
	item.Guardrail = &r
	return true
}

func (s *Store) Get(id types.ItemID) (types.TranscriptItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return types.TranscriptItem{}, false
	}
	return copyItem(item), true
}

// Items returns copies of every item ordered by creation time.
func (s *Store) Items() []types.TranscriptItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.TranscriptItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, copyItem(item))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Visible returns Items without hidden entries.
func (s *Store) Visible() []types.TranscriptItem {
	all := s.Items()
	out := all[:0]
	for _, item := range all {
		if !item.Hidden {
			out = append(out, item)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func copyItem(item *types.TranscriptItem) types.TranscriptItem {
	c := *item
	if item.Guardrail != nil {
		g := *item.Guardrail
		c.Guardrail = &g
	}
	return c
}
