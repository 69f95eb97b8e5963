package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantfold/engine/internal/costs"
	"github.com/quantfold/engine/internal/forecast"
	"github.com/quantfold/engine/internal/market"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/risk"
	"github.com/quantfold/engine/internal/strategy"
)

// Manager owns the live session registry. Sessions tick in parallel
// with each other; each session serializes its own ticks internally.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    *Store // nil disables checkpointing
	sink     risk.EventSink
	clock    func() time.Time
}

// NewManager creates a registry. store may be nil to run without
// persistence; sink may be nil to log risk events without persisting
// them.
func NewManager(store *Store, clock func() time.Time, sink risk.EventSink) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		sessions: make(map[string]*Session),
		store:    store,
		sink:     sink,
		clock:    clock,
	}
}

// Create validates, registers, starts, and checkpoints a new session.
func (m *Manager) Create(symbol string, strat strategy.Strategy, cost costs.Model, capital float64) (*Session, error) {
	s, err := NewSession(symbol, strat, cost, capital, m.clock, m.sink)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.checkpoint(s)
	return s, nil
}

// Get looks a session up by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns snapshots of all registered sessions, ordered by id.
func (m *Manager) List() []Status {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	out := make([]Status, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	return out
}

// Stop stops one session and returns its final summary.
func (m *Manager) Stop(id string) (Summary, error) {
	s, ok := m.Get(id)
	if !ok {
		return Summary{}, fmt.Errorf("paper: session %s not found", id)
	}
	sum := s.Stop()
	m.checkpoint(s)
	return sum, nil
}

// StopAll stops every session, used at daemon shutdown.
func (m *Manager) StopAll() {
	for _, st := range m.List() {
		if _, err := m.Stop(st.ID); err != nil {
			observ.Warn("paper_stop_failed", map[string]any{"id": st.ID, "error": err.Error()})
		}
	}
}

// TickAll advances every running session concurrently and checkpoints
// each one after its tick.
func (m *Manager) TickAll(ctx context.Context, feed market.Feed, provider forecast.Provider) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Tick(ctx, feed, provider); err != nil {
				observ.Warn("paper_tick_failed", map[string]any{"id": s.ID, "error": err.Error()})
				observ.IncCounter("paper_tick_errors_total", map[string]string{"symbol": s.Symbol})
				return
			}
			m.checkpoint(s)
		}(s)
	}
	wg.Wait()
}

// Resume reloads checkpointed sessions from the store. Stopped sessions
// are registered too so their summaries stay queryable.
func (m *Manager) Resume() error {
	if m.store == nil {
		return nil
	}
	cps, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("paper.Resume: %w", err)
	}
	for _, cp := range cps {
		s, err := ResumeSession(cp, m.clock, m.sink)
		if err != nil {
			observ.Warn("paper_resume_failed", map[string]any{"id": cp.ID, "error": err.Error()})
			continue
		}
		m.mu.Lock()
		m.sessions[s.ID] = s
		m.mu.Unlock()
		observ.Log("paper_session_resumed", map[string]any{"id": s.ID, "symbol": s.Symbol, "state": cp.State})
	}
	return nil
}

func (m *Manager) checkpoint(s *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(s.Checkpoint()); err != nil {
		observ.Warn("paper_checkpoint_failed", map[string]any{"id": s.ID, "error": err.Error()})
	}
}
