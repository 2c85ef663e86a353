package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"issuebridge/pkg/backend"
	"issuebridge/pkg/command"
	"issuebridge/pkg/executor"
	"issuebridge/pkg/logx"
)

// EnvOptionPrefix is the reserved option namespace whose values are carried
// into session metadata (e.g. --env.PATH=/usr/bin).
const EnvOptionPrefix = "env."

// metadataCommandCount tracks executed commands in the session context.
const metadataCommandCount = "command_count"

// Config tunes session lifecycle behavior.
type Config struct {
	DefaultTimeout time.Duration // Inactivity timeout per session
	MaxAge         time.Duration // Absolute session age cap
	MaxCommands    int           // Per-session executed command cap
	SweepInterval  time.Duration // Expiry sweep period
	RemovalGrace   time.Duration // Delay before a terminal session leaves the table
}

// DefaultConfig provides reasonable session defaults.
var DefaultConfig = Config{
	DefaultTimeout: 30 * time.Minute,
	MaxAge:         4 * time.Hour,
	MaxCommands:    50,
	SweepInterval:  5 * time.Minute,
	RemovalGrace:   time.Minute,
}

type entry struct {
	state State
	// execMu serializes command execution within one session: a session is
	// not re-entered until its current command resolves.
	execMu   sync.Mutex
	removeAt time.Time // Zero until the session reaches a terminal state
}

// Manager owns the live session table and its expiry sweep. Construct with
// NewManager and release with Shutdown.
type Manager struct {
	cfg    Config
	exec   *executor.Executor
	logger *logx.Logger

	mu       sync.Mutex
	sessions map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager creates a session manager and starts its expiry sweep.
func NewManager(exec *executor.Executor, cfg Config) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig.MaxAge
	}
	if cfg.MaxCommands <= 0 {
		cfg.MaxCommands = DefaultConfig.MaxCommands
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig.SweepInterval
	}
	if cfg.RemovalGrace < 0 {
		cfg.RemovalGrace = DefaultConfig.RemovalGrace
	}

	m := &Manager{
		cfg:      cfg,
		exec:     exec,
		logger:   logx.NewLogger("session"),
		sessions: make(map[string]*entry),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create allocates a new session in the initializing state. The triggering
// command is recorded as a synthetic first history entry.
func (m *Manager) Create(sctx Context, cmd *command.Command) State {
	now := time.Now().UTC()
	if sctx.Metadata == nil {
		sctx.Metadata = make(map[string]any)
	}
	sctx.Metadata[metadataCommandCount] = 0

	st := State{
		ID:           uuid.NewString(),
		Context:      sctx,
		Status:       StatusInitializing,
		Timeout:      m.cfg.DefaultTimeout,
		CreatedAt:    now,
		LastActivity: now,
	}
	if cmd != nil {
		st.History = append(st.History, CommandRecord{
			Command:   *cmd,
			Timestamp: now,
			Synthetic: true,
		})
	}

	m.mu.Lock()
	m.sessions[st.ID] = &entry{state: st}
	m.mu.Unlock()

	m.logger.Info("session %s created for %s by %s", st.ID, sctx.IssueIdentifier, sctx.Actor)
	return snapshot(&st)
}

// Activate moves a session from initializing to active. Returns false and
// leaves the status unchanged for any other state.
func (m *Manager) Activate(id string) bool {
	return m.transition(id, StatusInitializing, StatusActive)
}

// Pause moves an active session to paused.
func (m *Manager) Pause(id string) bool {
	return m.transition(id, StatusActive, StatusPaused)
}

// Resume moves a paused session back to active.
func (m *Manager) Resume(id string) bool {
	return m.transition(id, StatusPaused, StatusActive)
}

// transition applies from→to if the session exists and is currently in from.
func (m *Manager) transition(id string, from, to Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || e.state.Status != from || !canTransition(from, to) {
		return false
	}
	m.setStatusLocked(e, to)
	return true
}

// setStatusLocked changes status and bumps activity. Caller holds m.mu.
func (m *Manager) setStatusLocked(e *entry, to Status) {
	from := e.state.Status
	e.state.Status = to
	e.state.LastActivity = time.Now().UTC()
	if to.IsTerminal() {
		e.removeAt = time.Now().Add(m.cfg.RemovalGrace)
	}
	m.logger.Debug("session %s: %s -> %s", e.state.ID, from, to)
}

// ExecuteCommand runs one command in an active session. Commands within a
// session execute strictly in submission order. The outcome is appended to
// history whether it succeeded or not.
func (m *Manager) ExecuteCommand(ctx context.Context, id string, cmd command.Command) (backend.Result, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return backend.Result{}, fmt.Errorf("session %s not found", id)
	}
	m.mu.Unlock()

	e.execMu.Lock()
	defer e.execMu.Unlock()

	// Re-check under the execution lock: the session may have been paused,
	// completed, or expired while a previous command was running.
	m.mu.Lock()
	if e.state.Status != StatusActive {
		status := e.state.Status
		m.mu.Unlock()
		return backend.Result{}, fmt.Errorf("session %s is %s, not active", id, status)
	}
	if e.state.CommandCount() >= m.cfg.MaxCommands {
		m.mu.Unlock()
		return backend.Result{}, fmt.Errorf("session %s reached its command limit (%d)", id, m.cfg.MaxCommands)
	}
	req := m.buildRequestLocked(e, cmd)
	m.mu.Unlock()

	start := time.Now()
	result := m.exec.Execute(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()

	e.state.History = append(e.state.History, CommandRecord{
		Command:   cmd,
		Result:    result,
		Duration:  time.Since(start),
		Timestamp: start.UTC(),
	})
	e.state.LastActivity = time.Now().UTC()
	if n, ok := e.state.Context.Metadata[metadataCommandCount].(int); ok {
		e.state.Context.Metadata[metadataCommandCount] = n + 1
	}
	m.updateMetadataLocked(e, cmd, &result)

	return result, nil
}

// updateMetadataLocked maintains working-directory and env-style metadata
// derived from the executed command. Caller holds m.mu.
func (m *Manager) updateMetadataLocked(e *entry, cmd command.Command, result *backend.Result) {
	meta := e.state.Context.Metadata

	for key, value := range cmd.Options {
		if strings.HasPrefix(key, EnvOptionPrefix) {
			meta[key] = value
		}
	}
	if cwd, ok := cmd.Options["cwd"]; ok {
		meta["cwd"] = cwd
	}
	// A successful cd records its target as the session working directory.
	if cmd.Action == "cd" && result.Success && len(cmd.Arguments) > 0 {
		meta["cwd"] = cmd.Arguments[0]
	}
}

// buildRequestLocked assembles the backend request for a session command,
// folding session metadata into the request context. Caller holds m.mu.
func (m *Manager) buildRequestLocked(e *entry, cmd command.Command) backend.Request {
	reqCtx := map[string]any{
		"session_id": e.state.ID,
		"issue":      e.state.Context.IssueIdentifier,
		"actor":      e.state.Context.Actor,
	}
	for k, v := range e.state.Context.Metadata {
		reqCtx[k] = v
	}
	return backend.Request{
		Action:    cmd.Action,
		Arguments: cmd.Arguments,
		Options:   cmd.Options,
		Context:   reqCtx,
		Source:    fmt.Sprintf("session %s (%s)", e.state.ID, e.state.Context.IssueIdentifier),
	}
}

// Complete finishes a session from any non-terminal state. An optional
// summary is appended as a synthetic status entry.
func (m *Manager) Complete(id, summary string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || !canTransition(e.state.Status, StatusCompleted) {
		return false
	}

	now := time.Now().UTC()
	if summary != "" {
		e.state.History = append(e.state.History, CommandRecord{
			Command:   command.Command{Action: "status", Arguments: []string{summary}},
			Timestamp: now,
			Synthetic: true,
		})
	}
	e.state.Context.Metadata["duration"] = now.Sub(e.state.CreatedAt).String()
	m.setStatusLocked(e, StatusCompleted)
	return true
}

// Fail moves a session to the error state after an unhandled execution fault.
func (m *Manager) Fail(id, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || !canTransition(e.state.Status, StatusError) {
		return false
	}
	e.state.Context.Metadata["error"] = reason
	m.setStatusLocked(e, StatusError)
	return true
}

// Get returns a copy of the session state.
func (m *Manager) Get(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return State{}, false
	}
	return snapshot(&e.state), true
}

// FindByIssue returns the id of an active session anchored to issueID,
// preferring the most recently active when several exist. Follow-up commands
// on an issue continue its live conversation instead of opening a new one.
func (m *Manager) FindByIssue(issueID string) (string, bool) {
	if issueID == "" {
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		bestID string
		bestAt time.Time
	)
	for id, e := range m.sessions {
		if e.state.Status != StatusActive || e.state.Context.IssueID != issueID {
			continue
		}
		if bestID == "" || e.state.LastActivity.After(bestAt) {
			bestID = id
			bestAt = e.state.LastActivity
		}
	}
	return bestID, bestID != ""
}

// ActiveCount returns the number of sessions in a non-terminal state.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.sessions {
		if !e.state.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Shutdown stops the sweep and completes all still-open sessions. Idempotent.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh

		m.mu.Lock()
		defer m.mu.Unlock()
		for _, e := range m.sessions {
			if canTransition(e.state.Status, StatusCompleted) {
				m.setStatusLocked(e, StatusCompleted)
			}
		}
		m.logger.Info("session manager stopped, %d sessions closed", len(m.sessions))
	})
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep expires idle and over-age sessions and removes terminal sessions
// whose grace period has elapsed.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, e := range m.sessions {
		if !e.state.Status.IsTerminal() {
			idle := now.Sub(e.state.LastActivity)
			age := now.Sub(e.state.CreatedAt)
			if idle > e.state.Timeout || age > m.cfg.MaxAge {
				m.logger.Info("session %s expired (idle %v, age %v)", id, idle.Round(time.Second), age.Round(time.Second))
				m.setStatusLocked(e, StatusExpired)
			}
		}
		if !e.removeAt.IsZero() && now.After(e.removeAt) {
			delete(m.sessions, id)
		}
	}
}

// snapshot deep-copies the mutable parts of a session state.
func snapshot(st *State) State {
	out := *st
	out.History = append([]CommandRecord{}, st.History...)
	out.Context.Metadata = make(map[string]any, len(st.Context.Metadata))
	for k, v := range st.Context.Metadata {
		out.Context.Metadata[k] = v
	}
	return out
}
