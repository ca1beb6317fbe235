package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/patientline/internal/session"
	"github.com/user/patientline/internal/types"
)

var (
	ErrAtCapacity = errors.New("all session slots are in use")
	ErrDuplicate  = errors.New("session already admitted")
)

type entry struct {
	ctrl   *session.Controller
	cancel context.CancelFunc
}

// Gateway admits live sessions up to a fixed capacity. Each admitted
// controller runs on its own goroutine until it is released or the gateway
// stops.
type Gateway struct {
	sem      *semaphore.Weighted
	capacity int64

	mu       sync.RWMutex
	sessions map[types.SessionID]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway allowing up to capacity concurrent sessions.
func New(capacity int64) *Gateway {
	if capacity <= 0 {
		capacity = 4
	}
	return &Gateway{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
		sessions: make(map[types.SessionID]*entry),
	}
}

// Start initialises the gateway's context. Must be called before Admit.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
}

// Stop ends every session and waits for their controllers to return.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// Admit starts ctrl if a slot is free. It never blocks waiting for one.
func (g *Gateway) Admit(ctrl *session.Controller) error {
	if g.ctx == nil {
		return fmt.Errorf("gateway not started")
	}
	if err := g.ctx.Err(); err != nil {
		return fmt.Errorf("gateway stopped: %w", err)
	}
	if !g.sem.TryAcquire(1) {
		return ErrAtCapacity
	}

	id := ctrl.ID()
	g.mu.Lock()
	if _, exists := g.sessions[id]; exists {
		g.mu.Unlock()
		g.sem.Release(1)
		return ErrDuplicate
	}
	ctx, cancel := context.WithCancel(g.ctx)
	g.sessions[id] = &entry{ctrl: ctrl, cancel: cancel}
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.sem.Release(1)
		defer func() {
			g.mu.Lock()
			delete(g.sessions, id)
			g.mu.Unlock()
			cancel()
		}()

		slog.Info("session admitted", "session_id", id)
		if err := ctrl.Run(ctx); err != nil {
			slog.Error("session ended with error", "session_id", id, "error", err)
			return
		}
		slog.Info("session released", "session_id", id)
	}()
	return nil
}

// Release stops the session with id. Unknown ids are ignored.
func (g *Gateway) Release(id types.SessionID) {
	g.mu.RLock()
	e, ok := g.sessions[id]
	g.mu.RUnlock()
	if ok {
		e.cancel()
	}
}

// Get returns the running controller for id.
func (g *Gateway) Get(id types.SessionID) (*session.Controller, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.sessions[id]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// ActiveSessions reports how many sessions currently hold a slot.
func (g *Gateway) ActiveSessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

func (g *Gateway) Capacity() int {
	return int(g.capacity)
}

// WaitIdle blocks until no sessions are running, or the timeout expires.
// Returns true if idle, false if timed out.
func (g *Gateway) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if g.ActiveSessions() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
