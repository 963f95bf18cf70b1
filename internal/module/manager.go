package module

import (
	"context"
	"sync"

	"github.com/project-tktt/graph-extractor/internal/common/extractor"
	"go.uber.org/zap"
)

// Manager tracks the sessions of one process so they can be listed and
// controlled together
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*extractor.Session
	order    []string
	logger   *zap.Logger
}

// NewManager creates an empty session manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*extractor.Session),
		logger:   logger.With(zap.String("component", "manager")),
	}
}

// Start starts a session on ex and registers it
func (m *Manager) Start(ctx context.Context, ex *extractor.Extractor, sourceID string, q extractor.Query, h extractor.Handler) (*extractor.Session, error) {
	s, err := ex.Start(ctx, sourceID, q, h)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.order = append(m.order, s.ID)
	m.mu.Unlock()
	return s, nil
}

// Get returns the session with the given id
func (m *Manager) Get(id string) (*extractor.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all sessions in start order
func (m *Manager) List() []*extractor.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*extractor.Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

// PauseAll pauses every running session and returns how many it paused
func (m *Manager) PauseAll() int {
	return m.each(func(s *extractor.Session) bool { return s.Pause() })
}

// ResumeAll resumes every paused session and returns how many it resumed
func (m *Manager) ResumeAll() int {
	return m.each(func(s *extractor.Session) bool { return s.Resume() })
}

// CancelAll cancels every non-terminal session and returns how many it cancelled
func (m *Manager) CancelAll() int {
	return m.each(func(s *extractor.Session) bool { return s.Cancel() })
}

// Toggle pauses all sessions when any is running, otherwise resumes them.
// It reports whether the sessions are now paused.
func (m *Manager) Toggle() bool {
	for _, s := range m.List() {
		if s.State() == extractor.Running {
			n := m.PauseAll()
			m.logger.Info("Sessions paused", zap.Int("count", n))
			return true
		}
	}
	n := m.ResumeAll()
	m.logger.Info("Sessions resumed", zap.Int("count", n))
	return false
}

// Wait blocks until every registered session is terminal or ctx is done
func (m *Manager) Wait(ctx context.Context) error {
	for _, s := range m.List() {
		if _, err := s.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Progress returns a snapshot of every session in start order
func (m *Manager) Progress() []extractor.Progress {
	sessions := m.List()
	out := make([]extractor.Progress, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Progress())
	}
	return out
}

func (m *Manager) each(fn func(*extractor.Session) bool) int {
	var n int
	for _, s := range m.List() {
		if fn(s) {
			n++
		}
	}
	return n
}
