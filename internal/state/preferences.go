// internal/state/preferences.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/patientline/internal/types"
)

// PreferenceStore is a JSON-file-backed store of UI preferences keyed by
// client id, kept in preferences.json under the data directory.
type PreferenceStore struct {
	root string
	mu   sync.RWMutex
}

func NewPreferenceStore(root string) *PreferenceStore {
	return &PreferenceStore{root: root}
}

func (s *PreferenceStore) path() string {
	return filepath.Join(s.root, "preferences.json")
}

func (s *PreferenceStore) loadIndex() (map[types.ClientID]types.Preferences, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ClientID]types.Preferences), nil
		}
		return nil, fmt.Errorf("read preferences: %w", err)
	}

	index := make(map[types.ClientID]types.Preferences)
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("unmarshal preferences: %w", err)
	}
	return index, nil
}

// saveIndex marshals with indentation and writes atomically.
func (s *PreferenceStore) saveIndex(index map[types.ClientID]types.Preferences) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp preferences: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp preferences: %w", err)
	}
	return nil
}

// Load returns the stored preferences for client, or the defaults when the
// client has none.
func (s *PreferenceStore) Load(_ context.Context, client types.ClientID) (types.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return types.DefaultPreferences(), err
	}
	prefs, ok := index[client]
	if !ok {
		return types.DefaultPreferences(), nil
	}
	return prefs, nil
}

func (s *PreferenceStore) Save(_ context.Context, client types.ClientID, prefs types.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	index[client] = prefs
	return s.saveIndex(index)
}
