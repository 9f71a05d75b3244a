package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/parley-sh/parley/internal/permission"
)

// Manager is the session registry. It creates controllers, looks them up for
// API handlers, routes permission prompts to the owning session, and tears
// everything down at shutdown.
type Manager struct {
	cfg Config

	mu            sync.Mutex
	sessions      map[string]*Controller
	slashCommands []string
}

// NewManager returns an empty registry.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Controller),
	}
}

// Start creates and launches a new session. On failure the session is not
// registered and the error describes what refused: a ConflictError for a
// duplicate id, a ValidationError for bad options, a StartError when the CLI
// would not launch.
func (m *Manager) Start(opts Options) (*Controller, error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	opts.Mode = mode
	if opts.ProjectDir == "" {
		opts.ProjectDir = m.cfg.DefaultProjectDir
	}
	if opts.ProjectDir == "" {
		return nil, &ValidationError{Field: "project_dir", Message: "project directory is required"}
	}

	m.mu.Lock()
	if _, taken := m.sessions[opts.SessionID]; taken {
		m.mu.Unlock()
		return nil, &ConflictError{Resource: "session", ID: opts.SessionID}
	}
	// Reserve the id while the CLI launches outside the lock.
	m.sessions[opts.SessionID] = nil
	m.mu.Unlock()

	c := newController(m.cfg, opts)
	c.onSlashCommands = m.rememberSlashCommands
	c.onClosed = func() { m.forget(opts.SessionID) }

	if err := c.start(); err != nil {
		m.forget(opts.SessionID)
		return nil, err
	}

	m.mu.Lock()
	m.sessions[opts.SessionID] = c
	m.mu.Unlock()
	return c, nil
}

// Get returns the open session with the given id.
func (m *Manager) Get(id string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[id]
	if !ok || c == nil {
		return nil, &NotFoundError{Resource: "session", ID: id}
	}
	return c, nil
}

// List reports every open session, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	cs := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		if c != nil {
			cs = append(cs, c)
		}
	}
	m.mu.Unlock()

	sort.Slice(cs, func(i, j int) bool { return cs[i].createdAt.Before(cs[j].createdAt) })
	out := make([]Info, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Info())
	}
	return out
}

// Close tears down one session.
func (m *Manager) Close(id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	c.Close()
	return nil
}

// CloseAll tears down every open session. Used at server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	cs := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		if c != nil {
			cs = append(cs, c)
		}
	}
	m.mu.Unlock()

	for _, c := range cs {
		c.Close()
	}
}

// PermissionRequested implements permission.Sink, routing a prompt to its
// session. Prompts for unknown sessions are denied outright so the CLI is
// never left hanging.
func (m *Manager) PermissionRequested(req permission.Request) {
	c, err := m.Get(req.SessionID)
	if err != nil {
		m.cfg.Logger.Warn("permission request for unknown session",
			"session_id", req.SessionID, "request_id", req.ID)
		m.cfg.Broker.Resolve(req.ID, permission.Deny("unknown session"))
		return
	}
	c.PermissionRequested(req)
}

// SlashCommands returns the most recent command list any session's CLI
// announced. Empty until the first session initializes.
func (m *Manager) SlashCommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.slashCommands...)
}

func (m *Manager) rememberSlashCommands(cmds []string) {
	m.mu.Lock()
	m.slashCommands = append([]string(nil), cmds...)
	m.mu.Unlock()
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
