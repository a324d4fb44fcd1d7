package draft

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Manager owns at most one draft session per workflow key.
type Manager struct {
	remote Remote
	opts   options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a manager whose sessions load from and save to remote.
func NewManager(remote Remote, opts ...Option) *Manager {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{remote: remote, opts: o, sessions: make(map[string]*Session)}
}

// Load returns the session for workflowKey, creating it from the remote's
// current document if none is open. An existing session is returned
// unchanged, edits included.
func (m *Manager) Load(ctx context.Context, workflowKey string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[workflowKey]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	view, err := m.remote.Get(ctx, workflowKey)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have loaded it while we were fetching.
	if s, ok := m.sessions[workflowKey]; ok {
		return s, nil
	}
	if view.WorkflowKey == "" {
		view.WorkflowKey = workflowKey
	}
	s := newSession(m.remote, view, m.opts)
	m.sessions[workflowKey] = s
	m.opts.logger.Debug("draft opened", zap.String("workflow_key", workflowKey),
		zap.Int64("version", view.Overrides.Version))
	return s, nil
}

// Discard drops the session for workflowKey and its unsaved edits.
func (m *Manager) Discard(workflowKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, workflowKey)
}

// Open returns the keys of the open sessions in sorted order.
func (m *Manager) Open() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
