package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lobscope/lobscope/internal/engine"
	"github.com/lobscope/lobscope/internal/source"
	"github.com/lobscope/lobscope/internal/telemetry"
)

// Typed manager errors.
var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionExists   = errors.New("session: already exists")
	ErrIDTooLong       = errors.New("session: id exceeds 100 characters")
)

const maxSessionIDLen = 100

// SourceFactory builds the snapshot source for a new session.
type SourceFactory func(sessionID string) (source.Source, error)

// PipelineFactory builds the per-session reference pipeline.
type PipelineFactory func() *engine.Pipeline

// Manager owns every live session and the idle-cleanup janitor.
type Manager struct {
	cfg         Config
	timeout     time.Duration
	router      *engine.Router
	collector   *telemetry.Collector
	newSource   SourceFactory
	newPipeline PipelineFactory

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager wires the shared collaborators into a session factory.
func NewManager(cfg Config, timeout time.Duration, router *engine.Router,
	collector *telemetry.Collector, newSource SourceFactory, newPipeline PipelineFactory) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Manager{
		cfg:         cfg,
		timeout:     timeout,
		router:      router,
		collector:   collector,
		newSource:   newSource,
		newPipeline: newPipeline,
		sessions:    make(map[string]*Session),
	}
}

// Create allocates a session. An empty id gets a generated UUID.
func (m *Manager) Create(id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > maxSessionIDLen {
		return nil, ErrIDTooLong
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	src, err := m.newSource(id)
	if err != nil {
		return nil, fmt.Errorf("create source for session %s: %w", id, err)
	}

	processor := engine.NewProcessor(m.router, m.newPipeline())
	sess := New(id, m.cfg, src, processor, m.collector)
	m.sessions[id] = sess
	m.collector.SetActiveSessions(len(m.sessions))
	return sess, nil
}

// GetOrCreate returns the named session, creating it on first use.
func (m *Manager) GetOrCreate(id string) (*Session, error) {
	if sess, err := m.Get(id); err == nil {
		return sess, nil
	}
	sess, err := m.Create(id)
	if errors.Is(err, ErrSessionExists) {
		return m.Get(id)
	}
	return sess, err
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Delete stops and removes a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.collector.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Close()
	return nil
}

// List reports every live session's info.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run drives the idle janitor until ctx is done, then closes every
// session.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-ctx.Done():
			m.CloseAll()
			return
		}
	}
}

func (m *Manager) reapIdle() {
	m.mu.Lock()
	var idle []*Session
	for id, sess := range m.sessions {
		if sess.Idle(m.timeout) {
			idle = append(idle, sess)
			delete(m.sessions, id)
		}
	}
	m.collector.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()

	for _, sess := range idle {
		log.Info().Str("session", sess.ID).Dur("timeout", m.timeout).
			Msg("session idle, cleaning up")
		sess.Close()
	}
}

// CloseAll tears down every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, id)
	}
	m.collector.SetActiveSessions(0)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
