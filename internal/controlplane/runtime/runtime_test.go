package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codyde/sentryvibe-sub006/internal/common/config"
	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store/sqlite"
	"github.com/codyde/sentryvibe-sub006/internal/events/bus"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

type fixture struct {
	rt      *Runtime
	store   *sqlite.Store
	updates chan *wire.Update
}

func newFixture(t *testing.T, cfg config.BuildConfig) *fixture {
	t.Helper()
	log := logger.Default()

	st, err := sqlite.New(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	updates := make(chan *wire.Update, 64)
	_, err = eventBus.Subscribe(bus.SubjectAllUpdates, func(ctx context.Context, subject string, event *bus.Event) error {
		var u wire.Update
		if err := event.Decode(&u); err != nil {
			return err
		}
		updates <- &u
		return nil
	})
	require.NoError(t, err)

	rt := New(st, eventBus, cfg, log)
	t.Cleanup(rt.Shutdown)
	return &fixture{rt: rt, store: st, updates: updates}
}

func defaultBuildConfig() config.BuildConfig {
	return config.BuildConfig{
		HeartbeatInterval: 15,
		CancelGrace:       60,
		OrphanResume:      600,
		AckTimeout:        10,
	}
}

func (f *fixture) seedSession(t *testing.T, sessionID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertProject(ctx, &v1.Project{
		ID: "proj-1", Slug: "proj-1", OwnerID: "user-1",
	}))
	require.NoError(t, f.store.UpsertSession(ctx, &v1.Session{
		ID:            sessionID,
		ProjectID:     "proj-1",
		BuildID:       "build-1",
		AgentID:       "claude-code",
		RunnerID:      "runner-1",
		Status:        v1.SessionPending,
		OperationType: v1.OperationInitialBuild,
		StartedAt:     time.Now().UTC(),
	}))
}

func (f *fixture) ingest(t *testing.T, sessionID string, seq uint64, typ wire.UpdateType, payload any) {
	t.Helper()
	u, err := wire.NewUpdate(typ, sessionID, payload)
	require.NoError(t, err)
	u.Seq = seq
	require.NoError(t, f.rt.Ingest(context.Background(), u))
}

func (f *fixture) nextUpdate(t *testing.T) *wire.Update {
	t.Helper()
	select {
	case u := <-f.updates:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return nil
	}
}

func (f *fixture) expectNoUpdate(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case u := <-f.updates:
		t.Fatalf("unexpected broadcast %s", u.Type)
	case <-time.After(wait):
	}
}

func todosPayload(phase v1.TodoPhase, active int, statuses ...v1.TodoStatus) wire.TodosUpdatePayload {
	items := make([]wire.TodoItem, len(statuses))
	for i, st := range statuses {
		items[i] = wire.TodoItem{Content: "todo", Status: st}
	}
	return wire.TodosUpdatePayload{Todos: items, ActiveIndex: active, Phase: phase}
}

func TestBuildCompletionHoldsBroadcastForRunnerTerminal(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")
	ctx := context.Background()

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	assert.Equal(t, wire.UpdateStart, f.nextUpdate(t).Type)

	f.ingest(t, "sess-1", 2, wire.UpdateTodos,
		todosPayload(v1.PhaseBuild, 1, v1.TodoCompleted, v1.TodoCompleted))
	assert.Equal(t, wire.UpdateTodos, f.nextUpdate(t).Type)

	// The store flips to completed immediately, but the terminal broadcast
	// waits for the runner's own build-complete so it carries the summary.
	sess, err := f.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionCompleted, sess.Status)
	require.NotNil(t, sess.EndedAt)
	f.expectNoUpdate(t, 200*time.Millisecond)

	f.ingest(t, "sess-1", 3, wire.UpdateBuildSummary,
		wire.BuildSummaryPayload{Summary: "done"})
	assert.Equal(t, wire.UpdateBuildSummary, f.nextUpdate(t).Type)

	f.ingest(t, "sess-1", 4, wire.UpdateBuildComplete,
		wire.BuildCompletePayload{Status: v1.SessionCompleted, Summary: "done"})
	terminal := f.nextUpdate(t)
	require.Equal(t, wire.UpdateBuildComplete, terminal.Type)
	var payload wire.BuildCompletePayload
	require.NoError(t, terminal.DecodePayload(&payload))
	assert.Equal(t, v1.SessionCompleted, payload.Status)
	assert.Equal(t, "done", payload.Summary)

	sess, err = f.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "done", sess.Summary)

	// A late terminal event must not produce a second broadcast.
	f.ingest(t, "sess-1", 5, wire.UpdateBuildComplete,
		wire.BuildCompletePayload{Status: v1.SessionFailed})
	f.expectNoUpdate(t, 200*time.Millisecond)
}

func TestHeldBroadcastReleasedByTimer(t *testing.T) {
	cfg := defaultBuildConfig()
	cfg.CancelGrace = 1
	f := newFixture(t, cfg)
	f.seedSession(t, "sess-1")

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)
	f.ingest(t, "sess-1", 2, wire.UpdateBuildSummary,
		wire.BuildSummaryPayload{Summary: "almost"})
	f.nextUpdate(t)
	f.ingest(t, "sess-1", 3, wire.UpdateTodos,
		todosPayload(v1.PhaseBuild, 0, v1.TodoCompleted))
	f.nextUpdate(t)

	// The runner never sends its terminal event; the timer releases the
	// broadcast with whatever summary was stored.
	terminal := f.nextUpdate(t)
	require.Equal(t, wire.UpdateBuildComplete, terminal.Type)
	var payload wire.BuildCompletePayload
	require.NoError(t, terminal.DecodePayload(&payload))
	assert.Equal(t, v1.SessionCompleted, payload.Status)
	assert.Equal(t, "almost", payload.Summary)
}

func TestLateMutationsDroppedWhileAwaitingTerminal(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")
	ctx := context.Background()

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)
	f.ingest(t, "sess-1", 2, wire.UpdateTodos,
		todosPayload(v1.PhaseBuild, 0, v1.TodoCompleted, v1.TodoCompleted))
	f.nextUpdate(t)

	// After completion, a late todos-update must not shrink the list and a
	// late tool input must not open a new call.
	f.ingest(t, "sess-1", 3, wire.UpdateTodos,
		todosPayload(v1.PhaseBuild, 0, v1.TodoPending))
	f.ingest(t, "sess-1", 4, wire.UpdateToolInput, wire.ToolInputPayload{
		ToolCallID: "tc-late", ToolName: "Bash",
	})
	f.expectNoUpdate(t, 200*time.Millisecond)

	todos, err := f.store.ListTodos(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, todos, 2)
	_, err = f.store.GetToolCall(ctx, "sess-1", "tc-late")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPersistenceFailureFailsSession(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)

	// Kill the store out from under the handler.
	require.NoError(t, f.store.Close())

	f.ingest(t, "sess-1", 2, wire.UpdateTodos,
		todosPayload(v1.PhaseBuild, 0, v1.TodoInProgress))

	terminal := f.nextUpdate(t)
	require.Equal(t, wire.UpdateBuildComplete, terminal.Type)
	var payload wire.BuildCompletePayload
	require.NoError(t, terminal.DecodePayload(&payload))
	assert.Equal(t, v1.SessionFailed, payload.Status)
}

func TestTemplatePhaseCompletionIsNotTerminal(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)

	f.ingest(t, "sess-1", 2, wire.UpdateTodos,
		todosPayload(v1.PhaseTemplate, 0, v1.TodoCompleted, v1.TodoCompleted))
	assert.Equal(t, wire.UpdateTodos, f.nextUpdate(t).Type)
	f.expectNoUpdate(t, 200*time.Millisecond)

	sess, err := f.store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionActive, sess.Status)
}

func TestDuplicateSeqDropped(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)

	f.ingest(t, "sess-1", 2, wire.UpdateTextDelta,
		wire.TextDeltaPayload{MessageID: "m1", Delta: "hello"})
	f.nextUpdate(t)

	// Replay after reconnect: same seq must be invisible downstream.
	f.ingest(t, "sess-1", 2, wire.UpdateTextDelta,
		wire.TextDeltaPayload{MessageID: "m1", Delta: "hello"})
	f.expectNoUpdate(t, 200*time.Millisecond)
}

func TestToolInputInheritsActiveTodo(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")
	ctx := context.Background()

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)
	f.ingest(t, "sess-1", 2, wire.UpdateTodos,
		todosPayload(v1.PhaseBuild, 1, v1.TodoCompleted, v1.TodoInProgress, v1.TodoPending))
	f.nextUpdate(t)

	// No explicit todo index: inherits the active index.
	f.ingest(t, "sess-1", 3, wire.UpdateToolInput, wire.ToolInputPayload{
		ToolCallID: "tc-1", ToolName: "Bash",
	})
	f.nextUpdate(t)

	call, err := f.store.GetToolCall(ctx, "sess-1", "tc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, call.TodoIndex)
	assert.Equal(t, v1.ToolInputAvailable, call.State)

	// Output completes it.
	f.ingest(t, "sess-1", 4, wire.UpdateToolOutput, wire.ToolOutputPayload{
		ToolCallID: "tc-1", Output: []byte(`"done"`),
	})
	f.nextUpdate(t)

	call, err = f.store.GetToolCall(ctx, "sess-1", "tc-1")
	require.NoError(t, err)
	assert.Equal(t, v1.ToolOutputAvailable, call.State)
	require.NotNil(t, call.EndedAt)
}

func TestToolOutputForUnknownCallIgnored(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)

	f.ingest(t, "sess-1", 2, wire.UpdateToolOutput, wire.ToolOutputPayload{
		ToolCallID: "tc-ghost", Output: []byte(`"x"`),
	})
	f.expectNoUpdate(t, 200*time.Millisecond)
}

func TestLateToolOutputAcceptedAfterTerminal(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")
	ctx := context.Background()

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)
	f.ingest(t, "sess-1", 2, wire.UpdateToolInput, wire.ToolInputPayload{
		ToolCallID: "tc-1", ToolName: "Bash",
	})
	f.nextUpdate(t)
	f.ingest(t, "sess-1", 3, wire.UpdateBuildComplete,
		wire.BuildCompletePayload{Status: v1.SessionCompleted})
	f.nextUpdate(t)

	// The output raced the terminal event but its tool call is still open.
	f.ingest(t, "sess-1", 4, wire.UpdateToolOutput, wire.ToolOutputPayload{
		ToolCallID: "tc-1", Output: []byte(`"late"`),
	})
	f.nextUpdate(t)

	call, err := f.store.GetToolCall(ctx, "sess-1", "tc-1")
	require.NoError(t, err)
	assert.Equal(t, v1.ToolOutputAvailable, call.State)
}

func TestPlanningToolBeforeTodos(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)

	f.ingest(t, "sess-1", 2, wire.UpdateToolInput, wire.ToolInputPayload{
		ToolCallID: "tc-plan", ToolName: "Read",
	})
	f.nextUpdate(t)

	call, err := f.store.GetToolCall(context.Background(), "sess-1", "tc-plan")
	require.NoError(t, err)
	assert.Equal(t, v1.PlanningTodoIndex, call.TodoIndex)
}

func TestTextDeltasPersistAsOneMessage(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")
	ctx := context.Background()

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)
	f.ingest(t, "sess-1", 2, wire.UpdateTextDelta, wire.TextDeltaPayload{Delta: "Build "})
	f.nextUpdate(t)
	f.ingest(t, "sess-1", 3, wire.UpdateTextDelta, wire.TextDeltaPayload{Delta: "done."})
	f.nextUpdate(t)
	f.ingest(t, "sess-1", 4, wire.UpdateBuildComplete,
		wire.BuildCompletePayload{Status: v1.SessionCompleted})
	f.nextUpdate(t)

	msgs, err := f.store.ListMessages(ctx, "proj-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, v1.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Build done.", msgs[0].Content)
}

func TestEmptyTodosDiscardedAndReindexed(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)

	f.ingest(t, "sess-1", 2, wire.UpdateTodos, wire.TodosUpdatePayload{
		Todos: []wire.TodoItem{
			{Content: "first", Status: v1.TodoInProgress},
			{Content: "   ", Status: v1.TodoPending},
			{Content: "second", Status: v1.TodoPending},
		},
		ActiveIndex: 0,
		Phase:       v1.PhaseBuild,
	})
	f.nextUpdate(t)

	todos, err := f.store.ListTodos(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, todos, 2)
	assert.Equal(t, "first", todos[0].Content)
	assert.Equal(t, 0, todos[0].Index)
	assert.Equal(t, "second", todos[1].Content)
	assert.Equal(t, 1, todos[1].Index)
}

func TestCancelGraceForcesCancelled(t *testing.T) {
	cfg := defaultBuildConfig()
	cfg.CancelGrace = 1
	f := newFixture(t, cfg)
	f.seedSession(t, "sess-1")

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)

	require.NoError(t, f.rt.RequestCancel(context.Background(), "sess-1"))

	terminal := f.nextUpdate(t)
	require.Equal(t, wire.UpdateBuildComplete, terminal.Type)
	var payload wire.BuildCompletePayload
	require.NoError(t, terminal.DecodePayload(&payload))
	assert.Equal(t, v1.SessionCancelled, payload.Status)

	sess, err := f.store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionCancelled, sess.Status)
}

func TestRunnerTerminalBeatsCancelGrace(t *testing.T) {
	cfg := defaultBuildConfig()
	cfg.CancelGrace = 5
	f := newFixture(t, cfg)
	f.seedSession(t, "sess-1")

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)

	require.NoError(t, f.rt.RequestCancel(context.Background(), "sess-1"))

	// Runner confirms cancellation before the grace period lapses.
	f.ingest(t, "sess-1", 2, wire.UpdateBuildComplete,
		wire.BuildCompletePayload{Status: v1.SessionCancelled})
	terminal := f.nextUpdate(t)
	assert.Equal(t, wire.UpdateBuildComplete, terminal.Type)
	f.expectNoUpdate(t, 300*time.Millisecond)
}

func TestOrphanedSessionFailsAfterResumeWindow(t *testing.T) {
	cfg := defaultBuildConfig()
	cfg.OrphanResume = 1
	f := newFixture(t, cfg)
	f.seedSession(t, "sess-1")

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)

	f.rt.RunnerDisconnected("runner-1")

	terminal := f.nextUpdate(t)
	require.Equal(t, wire.UpdateBuildComplete, terminal.Type)
	var payload wire.BuildCompletePayload
	require.NoError(t, terminal.DecodePayload(&payload))
	assert.Equal(t, v1.SessionFailed, payload.Status)
	assert.Equal(t, "runner_timeout", payload.Summary)
}

func TestResumeClaimStopsOrphanDeadline(t *testing.T) {
	cfg := defaultBuildConfig()
	cfg.OrphanResume = 1
	f := newFixture(t, cfg)
	f.seedSession(t, "sess-1")

	f.ingest(t, "sess-1", 1, wire.UpdateStart, wire.StartPayload{SessionID: "sess-1"})
	f.nextUpdate(t)

	f.rt.RunnerDisconnected("runner-1")
	accepted := f.rt.ResumeSessions(context.Background(), "runner-1", []string{"sess-1", "sess-ghost"})
	assert.Equal(t, []string{"sess-1"}, accepted)

	f.expectNoUpdate(t, 1500*time.Millisecond)
	assert.True(t, f.rt.IsActive("sess-1"))
}

func TestResumeClaimRejectedForWrongRunner(t *testing.T) {
	f := newFixture(t, defaultBuildConfig())
	f.seedSession(t, "sess-1")

	accepted := f.rt.ResumeSessions(context.Background(), "runner-other", []string{"sess-1"})
	assert.Empty(t, accepted)
}
