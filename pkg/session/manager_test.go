package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuebridge/pkg/backend"
	"issuebridge/pkg/command"
	"issuebridge/pkg/executor"
)

func testContext() Context {
	return Context{
		IssueID:         "issue-uuid-1",
		IssueIdentifier: "ENG-42",
		CommentID:       "comment-uuid-1",
		Actor:           "alice",
		Timestamp:       time.Now().UTC(),
		IssueURL:        "https://tracker.example.com/issue/ENG-42",
	}
}

func newTestManager(t *testing.T, mock *backend.MockBackend, cfg Config) *Manager {
	t.Helper()
	if mock == nil {
		mock = backend.NewMockBackend(nil, nil)
	}
	exec := executor.New(mock, executor.Config{RetryAttempts: 0, DefaultTimeout: time.Second})
	m := NewManager(exec, cfg)
	t.Cleanup(m.Shutdown)
	return m
}

func TestCreateSeedsHistory(t *testing.T) {
	m := newTestManager(t, nil, DefaultConfig)

	cmd := command.Parse("create-file foo.ts")
	st := m.Create(testContext(), &cmd)

	assert.NotEmpty(t, st.ID)
	assert.Equal(t, StatusInitializing, st.Status)
	require.Len(t, st.History, 1)
	assert.True(t, st.History[0].Synthetic)
	assert.Equal(t, "create-file", st.History[0].Command.Action)
	assert.Equal(t, 0, st.Context.Metadata["command_count"])
}

func TestActivateOnlyFromInitializing(t *testing.T) {
	m := newTestManager(t, nil, DefaultConfig)
	st := m.Create(testContext(), nil)

	assert.True(t, m.Activate(st.ID))

	// Second activation is rejected and status is unchanged.
	assert.False(t, m.Activate(st.ID))
	got, ok := m.Get(st.ID)
	require.True(t, ok)
	assert.Equal(t, StatusActive, got.Status)

	assert.False(t, m.Activate("no-such-session"))
}

func TestPauseResumeCycle(t *testing.T) {
	m := newTestManager(t, nil, DefaultConfig)
	st := m.Create(testContext(), nil)

	assert.False(t, m.Pause(st.ID), "pause requires active")
	require.True(t, m.Activate(st.ID))

	assert.True(t, m.Pause(st.ID))
	assert.False(t, m.Pause(st.ID), "already paused")
	assert.True(t, m.Resume(st.ID))
	assert.False(t, m.Resume(st.ID), "already active")
}

func TestExecuteCommandAppendsHistoryAndBumpsActivity(t *testing.T) {
	mock := backend.NewMockBackend([]backend.Result{{Success: true, Response: "created"}}, nil)
	m := newTestManager(t, mock, DefaultConfig)

	st := m.Create(testContext(), nil)
	require.True(t, m.Activate(st.ID))
	before, _ := m.Get(st.ID)

	result, err := m.ExecuteCommand(context.Background(), st.ID, command.Parse("create-file foo.ts"))
	require.NoError(t, err)
	assert.True(t, result.Success)

	after, ok := m.Get(st.ID)
	require.True(t, ok)
	assert.Equal(t, 1, after.CommandCount())
	assert.Equal(t, 1, after.Context.Metadata["command_count"])
	assert.False(t, after.LastActivity.Before(before.LastActivity))

	// The backend request carried session context.
	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, st.ID, calls[0].Context["session_id"])
	assert.Equal(t, "ENG-42", calls[0].Context["issue"])
}

func TestExecuteCommandFailureStillRecorded(t *testing.T) {
	mock := backend.NewMockBackend([]backend.Result{{Success: false, Error: "unknown command: zap"}}, nil)
	m := newTestManager(t, mock, DefaultConfig)

	st := m.Create(testContext(), nil)
	require.True(t, m.Activate(st.ID))

	result, err := m.ExecuteCommand(context.Background(), st.ID, command.Parse("zap"))
	require.NoError(t, err, "execution failures are results, not errors")
	assert.False(t, result.Success)

	after, _ := m.Get(st.ID)
	assert.Equal(t, 1, after.CommandCount())
}

func TestExecuteCommandRequiresActive(t *testing.T) {
	m := newTestManager(t, nil, DefaultConfig)
	st := m.Create(testContext(), nil)

	_, err := m.ExecuteCommand(context.Background(), st.ID, command.Parse("help"))
	assert.ErrorContains(t, err, "not active")

	_, err = m.ExecuteCommand(context.Background(), "missing", command.Parse("help"))
	assert.ErrorContains(t, err, "not found")
}

func TestCommandCapEnforced(t *testing.T) {
	cfg := DefaultConfig
	cfg.MaxCommands = 2
	m := newTestManager(t, nil, cfg)

	st := m.Create(testContext(), nil)
	require.True(t, m.Activate(st.ID))

	for i := 0; i < 2; i++ {
		_, err := m.ExecuteCommand(context.Background(), st.ID, command.Parse("help"))
		require.NoError(t, err)
	}
	_, err := m.ExecuteCommand(context.Background(), st.ID, command.Parse("help"))
	assert.ErrorContains(t, err, "command limit")
}

func TestMetadataHookEnvAndCwd(t *testing.T) {
	mock := backend.NewMockBackend([]backend.Result{
		{Success: true, Response: "ok"},
		{Success: true, Response: "ok"},
	}, nil)
	m := newTestManager(t, mock, DefaultConfig)

	st := m.Create(testContext(), nil)
	require.True(t, m.Activate(st.ID))

	_, err := m.ExecuteCommand(context.Background(), st.ID, command.Parse("run --env.PATH=/usr/bin --cwd=/srv/app"))
	require.NoError(t, err)
	_, err = m.ExecuteCommand(context.Background(), st.ID, command.Parse("cd /tmp"))
	require.NoError(t, err)

	after, _ := m.Get(st.ID)
	assert.Equal(t, "/usr/bin", after.Context.Metadata["env.PATH"])
	assert.Equal(t, "/tmp", after.Context.Metadata["cwd"])
}

func TestFindByIssueLocatesLiveSession(t *testing.T) {
	m := newTestManager(t, nil, DefaultConfig)

	st := m.Create(testContext(), nil)
	_, ok := m.FindByIssue("issue-uuid-1")
	assert.False(t, ok, "initializing sessions are not live")

	require.True(t, m.Activate(st.ID))
	id, ok := m.FindByIssue("issue-uuid-1")
	require.True(t, ok)
	assert.Equal(t, st.ID, id)

	_, ok = m.FindByIssue("issue-uuid-2")
	assert.False(t, ok, "other issues have no session")
	_, ok = m.FindByIssue("")
	assert.False(t, ok)

	require.True(t, m.Complete(st.ID, ""))
	_, ok = m.FindByIssue("issue-uuid-1")
	assert.False(t, ok, "completed sessions no longer answer")
}

func TestFindByIssuePrefersMostRecentlyActive(t *testing.T) {
	mock := backend.NewMockBackend([]backend.Result{{Success: true, Response: "ok"}}, nil)
	m := newTestManager(t, mock, DefaultConfig)

	older := m.Create(testContext(), nil)
	require.True(t, m.Activate(older.ID))
	newer := m.Create(testContext(), nil)
	require.True(t, m.Activate(newer.ID))

	_, err := m.ExecuteCommand(context.Background(), older.ID, command.Parse("help"))
	require.NoError(t, err)

	id, ok := m.FindByIssue("issue-uuid-1")
	require.True(t, ok)
	assert.Equal(t, older.ID, id)
}

func TestCompleteFromAnyNonTerminalState(t *testing.T) {
	m := newTestManager(t, nil, DefaultConfig)

	// From initializing.
	a := m.Create(testContext(), nil)
	assert.True(t, m.Complete(a.ID, "done early"))
	got, ok := m.Get(a.ID)
	require.True(t, ok, "terminal sessions remain readable during grace")
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotEmpty(t, got.Context.Metadata["duration"])

	// From paused.
	b := m.Create(testContext(), nil)
	require.True(t, m.Activate(b.ID))
	require.True(t, m.Pause(b.ID))
	assert.True(t, m.Complete(b.ID, ""))

	// Completing again fails.
	assert.False(t, m.Complete(a.ID, ""))
}

func TestCompleteAppendsSummaryEntry(t *testing.T) {
	m := newTestManager(t, nil, DefaultConfig)
	st := m.Create(testContext(), nil)

	require.True(t, m.Complete(st.ID, "all work finished"))
	got, _ := m.Get(st.ID)
	last := got.History[len(got.History)-1]
	assert.True(t, last.Synthetic)
	assert.Equal(t, []string{"all work finished"}, last.Command.Arguments)
}

func TestFailMarksError(t *testing.T) {
	m := newTestManager(t, nil, DefaultConfig)
	st := m.Create(testContext(), nil)
	require.True(t, m.Activate(st.ID))

	assert.True(t, m.Fail(st.ID, "backend exploded"))
	got, _ := m.Get(st.ID)
	assert.Equal(t, StatusError, got.Status)

	// An errored session can still be completed.
	assert.True(t, m.Complete(st.ID, ""))
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	cfg := Config{
		DefaultTimeout: 10 * time.Millisecond,
		MaxAge:         time.Hour,
		MaxCommands:    10,
		SweepInterval:  time.Hour, // Sweep run manually
		RemovalGrace:   time.Hour,
	}
	m := newTestManager(t, nil, cfg)

	st := m.Create(testContext(), nil)
	require.True(t, m.Activate(st.ID))

	time.Sleep(20 * time.Millisecond)
	m.sweep()

	got, ok := m.Get(st.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestSweepRemovesAfterGrace(t *testing.T) {
	cfg := Config{
		DefaultTimeout: time.Hour,
		MaxAge:         time.Hour,
		MaxCommands:    10,
		SweepInterval:  time.Hour,
		RemovalGrace:   time.Nanosecond,
	}
	m := newTestManager(t, nil, cfg)

	st := m.Create(testContext(), nil)
	require.True(t, m.Complete(st.ID, ""))

	time.Sleep(time.Millisecond)
	m.sweep()

	_, ok := m.Get(st.ID)
	assert.False(t, ok, "session removed after grace period")
}

func TestShutdownCompletesOpenSessions(t *testing.T) {
	mock := backend.NewMockBackend(nil, nil)
	exec := executor.New(mock, executor.Config{RetryAttempts: 0, DefaultTimeout: time.Second})
	m := NewManager(exec, DefaultConfig)

	a := m.Create(testContext(), nil)
	b := m.Create(testContext(), nil)
	require.True(t, m.Activate(b.ID))

	m.Shutdown()
	m.Shutdown() // Idempotent

	for _, id := range []string{a.ID, b.ID} {
		got, ok := m.Get(id)
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, got.Status)
	}
}

func TestHistoryLengthMonotonic(t *testing.T) {
	m := newTestManager(t, nil, DefaultConfig)
	cmd := command.Parse("help")
	st := m.Create(testContext(), &cmd)
	require.True(t, m.Activate(st.ID))

	prev := 0
	for i := 0; i < 5; i++ {
		_, err := m.ExecuteCommand(context.Background(), st.ID, command.Parse("help"))
		require.NoError(t, err)
		got, _ := m.Get(st.ID)
		assert.GreaterOrEqual(t, len(got.History), prev)
		prev = len(got.History)
	}
}
