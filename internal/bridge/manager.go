package bridge

import (
	"context"
	"sync"
)

// Factory builds an idle bridge for a session. The manager calls it the
// first time a session is started so each bridge shares the process-wide
// store, providers, and refiner but keeps per-session state to itself.
type Factory func(sessionID string) *Bridge

// Manager tracks the live bridge for each session on behalf of the web
// layer. At most one bridge exists per session id.
type Manager struct {
	factory Factory

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewManager returns a manager that builds bridges with factory.
func NewManager(factory Factory) *Manager {
	return &Manager{
		factory: factory,
		bridges: make(map[string]*Bridge),
	}
}

// Start starts the voice session for sessionID, creating the bridge on
// first use. Starting an already running session is an error.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	b, ok := m.bridges[sessionID]
	if !ok {
		b = m.factory(sessionID)
		m.bridges[sessionID] = b
	}
	m.mu.Unlock()

	return b.Start(ctx)
}

// Stop stops the voice session for sessionID. Returns ErrNotActive when the
// session has no running bridge.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	b, ok := m.bridges[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotActive
	}
	return b.Stop(ctx)
}

// Status reports the lifecycle state for sessionID, StateIdle when the
// session was never started.
func (m *Manager) Status(sessionID string) string {
	m.mu.Lock()
	b, ok := m.bridges[sessionID]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return b.State()
}

// StopAll stops every running bridge, for process shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.mu.Unlock()

	for _, b := range bridges {
		if b.State() == StateActive {
			_ = b.Stop(ctx)
		}
	}
}
