package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.UpsertProject(context.Background(), &v1.Project{
		ID:      id,
		Slug:    id,
		OwnerID: "user-1",
	}))
}

func seedSession(t *testing.T, s *Store, id, projectID string) {
	t.Helper()
	seedProject(t, s, projectID)
	require.NoError(t, s.UpsertSession(context.Background(), &v1.Session{
		ID:            id,
		ProjectID:     projectID,
		BuildID:       "build-1",
		AgentID:       "claude-code",
		RunnerID:      "runner-1",
		Status:        v1.SessionPending,
		OperationType: v1.OperationInitialBuild,
		StartedAt:     time.Now().UTC(),
	}))
}

func TestTransitionSessionCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "proj-1")

	err := s.TransitionSession(ctx, "sess-1",
		[]v1.SessionStatus{v1.SessionPending}, v1.SessionActive, nil, "")
	require.NoError(t, err)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionActive, got.Status)

	// Terminal transition succeeds once.
	ended := time.Now().UTC()
	err = s.TransitionSession(ctx, "sess-1",
		[]v1.SessionStatus{v1.SessionActive}, v1.SessionCompleted, &ended, "done")
	require.NoError(t, err)

	// A second terminal attempt finds no matching status.
	err = s.TransitionSession(ctx, "sess-1",
		[]v1.SessionStatus{v1.SessionActive, v1.SessionPending}, v1.SessionFailed, &ended, "")
	assert.ErrorIs(t, err, store.ErrIllegalTransition)

	got, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionCompleted, got.Status)
	assert.Equal(t, "done", got.Summary)
	require.NotNil(t, got.EndedAt)
}

func TestTransitionSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.TransitionSession(context.Background(), "missing",
		[]v1.SessionStatus{v1.SessionPending}, v1.SessionActive, nil, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplaceTodosKeepsIndicesDense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "proj-1")

	todos := []v1.Todo{
		{SessionID: "sess-1", Index: 0, Content: "scaffold", Status: v1.TodoCompleted, Phase: v1.PhaseTemplate},
		{SessionID: "sess-1", Index: 1, Content: "build pages", Status: v1.TodoInProgress, Phase: v1.PhaseBuild},
		{SessionID: "sess-1", Index: 2, Content: "polish", Status: v1.TodoPending, Phase: v1.PhaseBuild},
	}
	require.NoError(t, s.ReplaceTodos(ctx, "sess-1", todos))

	// A tool call attributed to the todo that is about to be pruned.
	require.NoError(t, s.UpsertToolCall(ctx, &v1.ToolCall{
		SessionID: "sess-1", ToolCallID: "tc-doomed", TodoIndex: 2,
		Name: "Write", State: v1.ToolInputAvailable, StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.UpsertToolCall(ctx, &v1.ToolCall{
		SessionID: "sess-1", ToolCallID: "tc-keep", TodoIndex: 1,
		Name: "Bash", State: v1.ToolInputAvailable, StartedAt: time.Now().UTC(),
	}))

	// Replace with a shorter list.
	require.NoError(t, s.ReplaceTodos(ctx, "sess-1", todos[:2]))

	got, err := s.ListTodos(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, todo := range got {
		assert.Equal(t, i, todo.Index)
	}

	calls, err := s.ListToolCalls(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "tc-keep", calls[0].ToolCallID)
}

func TestReplaceTodosSparesPlanningTools(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "proj-1")

	require.NoError(t, s.UpsertToolCall(ctx, &v1.ToolCall{
		SessionID: "sess-1", ToolCallID: "tc-plan", TodoIndex: v1.PlanningTodoIndex,
		Name: "Read", State: v1.ToolOutputAvailable, StartedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.ReplaceTodos(ctx, "sess-1", []v1.Todo{
		{SessionID: "sess-1", Index: 0, Content: "only todo", Status: v1.TodoPending, Phase: v1.PhaseBuild},
	}))

	calls, err := s.ListToolCalls(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "tc-plan", calls[0].ToolCallID)
}

func TestToolCallStateNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "proj-1")

	start := time.Now().UTC()
	require.NoError(t, s.UpsertToolCall(ctx, &v1.ToolCall{
		SessionID: "sess-1", ToolCallID: "tc-1", TodoIndex: 0,
		Name: "Bash", Input: `{"command":"ls"}`,
		State: v1.ToolInputAvailable, StartedAt: start,
	}))

	ended := time.Now().UTC()
	require.NoError(t, s.UpsertToolCall(ctx, &v1.ToolCall{
		SessionID: "sess-1", ToolCallID: "tc-1", TodoIndex: 0,
		Name: "Bash", Output: "file.txt",
		State: v1.ToolOutputAvailable, StartedAt: start, EndedAt: &ended,
	}))

	// Regressing to input-available is rejected.
	err := s.UpsertToolCall(ctx, &v1.ToolCall{
		SessionID: "sess-1", ToolCallID: "tc-1", TodoIndex: 0,
		Name: "Bash", State: v1.ToolInputAvailable, StartedAt: start,
	})
	assert.ErrorIs(t, err, store.ErrStaleToolState)

	got, err := s.GetToolCall(ctx, "sess-1", "tc-1")
	require.NoError(t, err)
	assert.Equal(t, v1.ToolOutputAvailable, got.State)
	// Empty input on the update did not clobber the stored input.
	assert.Equal(t, `{"command":"ls"}`, got.Input)
	assert.Equal(t, "file.txt", got.Output)
}

func TestRecordSeqOnlyAdvances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "proj-1")

	require.NoError(t, s.RecordSeq(ctx, "sess-1", 5))
	require.NoError(t, s.RecordSeq(ctx, "sess-1", 3))

	seq, err := s.LastSeq(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)

	require.NoError(t, s.RecordSeq(ctx, "sess-1", 6))
	seq, err = s.LastSeq(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}

func TestRecoverySnapshotSplitsPlanningTools(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "proj-1")

	require.NoError(t, s.ReplaceTodos(ctx, "sess-1", []v1.Todo{
		{SessionID: "sess-1", Index: 0, Content: "build", Status: v1.TodoInProgress, Phase: v1.PhaseBuild},
	}))
	require.NoError(t, s.UpsertToolCall(ctx, &v1.ToolCall{
		SessionID: "sess-1", ToolCallID: "tc-plan", TodoIndex: v1.PlanningTodoIndex,
		Name: "Read", State: v1.ToolOutputAvailable, StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.UpsertToolCall(ctx, &v1.ToolCall{
		SessionID: "sess-1", ToolCallID: "tc-build", TodoIndex: 0,
		Name: "Write", State: v1.ToolInputAvailable, StartedAt: time.Now().UTC(),
	}))

	snap, err := s.RecoverySnapshot(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, snap.Session)
	assert.Len(t, snap.Todos, 1)
	require.Len(t, snap.PlanningTools, 1)
	assert.Equal(t, "tc-plan", snap.PlanningTools[0].ToolCallID)
	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, "tc-build", snap.ToolCalls[0].ToolCallID)
}

func TestRecoverySnapshotMissingSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RecoverySnapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListMessagesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj-1")

	base := time.Now().UTC()
	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendMessage(ctx, &v1.ChatMessage{
			ID:        string(rune('a' + i)),
			ProjectID: "proj-1",
			Role:      v1.RoleUser,
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := s.ListMessages(ctx, "proj-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "third", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestRunnerKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := &v1.RunnerKey{
		ID:         "key-1",
		UserID:     "user-1",
		Name:       "laptop",
		SecretHash: "abc123",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.CreateRunnerKey(ctx, key))

	got, err := s.GetRunnerKeyByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "key-1", got.ID)
	assert.False(t, got.Revoked())

	require.NoError(t, s.TouchRunnerKey(ctx, "key-1"))
	require.NoError(t, s.RevokeRunnerKey(ctx, "key-1", "user-1"))

	got, err = s.GetRunnerKeyByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, got.Revoked())
	require.NotNil(t, got.LastUsedAt)

	// Revoking again is a no-op failure.
	err = s.RevokeRunnerKey(ctx, "key-1", "user-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateProjectRuntime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj-1")

	err := s.UpdateProjectRuntime(ctx, "proj-1", "nextjs", v1.DevServerRunning, 3001, "https://proj.tunnel.dev")
	require.NoError(t, err)

	got, err := s.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "nextjs", got.Framework)
	assert.Equal(t, v1.DevServerRunning, got.DevServerStatus)
	assert.Equal(t, 3001, got.DevServerPort)
	assert.Equal(t, "https://proj.tunnel.dev", got.TunnelURL)

	// Stopping clears port and tunnel but keeps the framework.
	err = s.UpdateProjectRuntime(ctx, "proj-1", "", v1.DevServerStopped, 0, "")
	require.NoError(t, err)

	got, err = s.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "nextjs", got.Framework)
	assert.Equal(t, v1.DevServerStopped, got.DevServerStatus)
	assert.Zero(t, got.DevServerPort)
	assert.Empty(t, got.TunnelURL)
}
