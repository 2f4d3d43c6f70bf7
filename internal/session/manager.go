// Package session manages per-session dispatch state. Each session owns
// its own orchestrator, giving it an isolated history buffer and metrics
// collector, while every session shares one capability registry and, when
// configured, one persistent metrics store.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/melvinsewak/herald/internal/capability"
	"github.com/melvinsewak/herald/internal/events"
	"github.com/melvinsewak/herald/internal/metrics"
	"github.com/melvinsewak/herald/internal/orchestrator"
)

// Manager creates and tracks sessions. Safe for concurrent use.
type Manager struct {
	logger   *slog.Logger
	registry *capability.Registry
	cfg      orchestrator.Config
	bus      *events.Bus
	store    *metrics.Store

	mu       sync.Mutex
	sessions map[string]*orchestrator.Orchestrator
}

// NewManager creates a session manager. Every session's orchestrator is
// built from the same config over the same registry.
func NewManager(logger *slog.Logger, registry *capability.Registry, cfg orchestrator.Config) *Manager {
	return &Manager{
		logger:   logger,
		registry: registry,
		cfg:      cfg,
		sessions: make(map[string]*orchestrator.Orchestrator),
	}
}

// SetBus configures an event bus shared by all sessions.
func (m *Manager) SetBus(b *events.Bus) {
	m.bus = b
}

// SetStore configures a persistent metrics store shared by all sessions.
// The store is append-only across session boundaries; ending a session
// resets its in-memory collector but never touches persisted samples.
func (m *Manager) SetStore(s *metrics.Store) {
	m.store = s
}

// GetOrCreate returns the orchestrator for id, creating the session on
// first use. An empty id gets a generated one; the (possibly generated)
// id is always returned alongside the orchestrator.
func (m *Manager) GetOrCreate(id string) (string, *orchestrator.Orchestrator, error) {
	if id == "" {
		sid, _ := uuid.NewV7()
		id = sid.String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.sessions[id]; ok {
		return id, o, nil
	}

	o, err := orchestrator.New(m.logger, m.registry, m.cfg)
	if err != nil {
		return "", nil, fmt.Errorf("create session %s: %w", id, err)
	}
	o.SetBus(m.bus)
	if m.store != nil {
		o.Metrics().SetStore(m.store)
	}
	m.sessions[id] = o

	m.logger.Info("session created", "session_id", id)
	m.bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindSessionCreated,
		Data:   map[string]any{"session_id": id},
	})
	return id, o, nil
}

// End closes a session, resetting its in-memory metrics and dropping its
// history. Unknown ids are a no-op.
func (m *Manager) End(id string) {
	m.mu.Lock()
	o, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	requests := o.Metrics().Summary().Count
	o.Metrics().Reset()

	m.logger.Info("session ended", "session_id", id, "requests", requests)
	m.bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindSessionEnded,
		Data:   map[string]any{"session_id": id, "requests": requests},
	})
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Handle routes a request to the session's orchestrator, creating the
// session on first use.
func (m *Manager) Handle(ctx context.Context, sessionID string, req capability.Request) (string, *orchestrator.Response, error) {
	id, o, err := m.GetOrCreate(sessionID)
	if err != nil {
		return "", nil, err
	}
	resp, err := o.Handle(ctx, req)
	if err != nil {
		return id, nil, err
	}
	return id, resp, nil
}
