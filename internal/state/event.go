// internal/state/event.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/patientline/internal/types"
)

// EventLog is a JSONL-backed append-only diagnostic log.
// Events are stored per-session in sessions/<sessionID>/events.jsonl.
type EventLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
	seqs  map[types.SessionID]int64
}

// NewEventLog creates a new file-backed EventLog rooted at the given directory.
func NewEventLog(root string) *EventLog {
	return &EventLog{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
		seqs:  make(map[types.SessionID]int64),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (e *EventLog) getLock(sessionID types.SessionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[sessionID] = lock
	return lock
}

func (e *EventLog) eventsPath(sessionID types.SessionID) string {
	return filepath.Join(e.root, "sessions", string(sessionID), "events.jsonl")
}

// count reads the event file and counts lines. Caller must hold the session lock.
func (e *EventLog) count(sessionID types.SessionID) (int64, error) {
	f, err := os.Open(e.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan events file: %w", err)
	}
	return count, nil
}

// maxLineBytes bounds one serialized event; realtime payloads can be large.
const maxLineBytes = 4 * 1024 * 1024

// nextSeq returns the sequence number for the next event. The file is only
// counted the first time a session is seen. Caller must hold the session lock.
func (e *EventLog) nextSeq(sessionID types.SessionID) (int64, error) {
	e.mu.Lock()
	seq, ok := e.seqs[sessionID]
	e.mu.Unlock()

	if !ok {
		n, err := e.count(sessionID)
		if err != nil {
			return 0, err
		}
		seq = n
	}
	seq++

	e.mu.Lock()
	e.seqs[sessionID] = seq
	e.mu.Unlock()
	return seq, nil
}

// Append adds an event to the session's log with an auto-incremented sequence number.
func (e *EventLog) Append(_ context.Context, event *types.LoggedEvent) error {
	lock := e.getLock(event.SessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(e.eventsPath(event.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	seq, err := e.nextSeq(event.SessionID)
	if err != nil {
		return err
	}
	event.Seq = seq

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(e.eventsPath(event.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}

// Tail returns the last N events for the given session.
func (e *EventLog) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]*types.LoggedEvent, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(e.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []*types.LoggedEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var event types.LoggedEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}

	return events, nil
}

// Count returns the number of events for the given session.
func (e *EventLog) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return e.count(sessionID)
}

// Remove deletes a session's log directory.
func (e *EventLog) Remove(sessionID types.SessionID) error {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	delete(e.seqs, sessionID)
	e.mu.Unlock()

	if err := os.RemoveAll(filepath.Dir(e.eventsPath(sessionID))); err != nil {
		return fmt.Errorf("remove session log: %w", err)
	}
	return nil
}
