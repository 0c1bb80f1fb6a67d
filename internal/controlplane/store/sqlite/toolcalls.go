package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

type toolCallRow struct {
	SessionID  string       `db:"session_id"`
	ToolCallID string       `db:"tool_call_id"`
	TodoIndex  int          `db:"todo_index"`
	Name       string       `db:"name"`
	Input      string       `db:"input"`
	Output     string       `db:"output"`
	Error      string       `db:"error"`
	State      string       `db:"state"`
	StartedAt  time.Time    `db:"started_at"`
	EndedAt    sql.NullTime `db:"ended_at"`
}

func (r *toolCallRow) toToolCall() v1.ToolCall {
	call := v1.ToolCall{
		SessionID:  r.SessionID,
		ToolCallID: r.ToolCallID,
		TodoIndex:  r.TodoIndex,
		Name:       r.Name,
		Input:      r.Input,
		Output:     r.Output,
		Error:      r.Error,
		State:      v1.ToolCallState(r.State),
		StartedAt:  r.StartedAt,
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		call.EndedAt = &t
	}
	return call
}

// UpsertToolCall inserts or updates a tool call. Updates that would move
// the state machine backwards fail with ErrStaleToolState. Empty output
// and error fields never overwrite existing values.
func (s *Store) UpsertToolCall(ctx context.Context, call *v1.ToolCall) error {
	existing, err := s.GetToolCall(ctx, call.SessionID, call.ToolCallID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.State != call.State && !existing.State.CanTransitionTo(call.State) {
		return store.ErrStaleToolState
	}

	var ended sql.NullTime
	if call.EndedAt != nil {
		ended = sql.NullTime{Time: *call.EndedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generation_tool_calls (session_id, tool_call_id, todo_index, name, input, output, error, state, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, tool_call_id) DO UPDATE SET
			todo_index = excluded.todo_index,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE generation_tool_calls.name END,
			input = CASE WHEN excluded.input != '' THEN excluded.input ELSE generation_tool_calls.input END,
			output = CASE WHEN excluded.output != '' THEN excluded.output ELSE generation_tool_calls.output END,
			error = CASE WHEN excluded.error != '' THEN excluded.error ELSE generation_tool_calls.error END,
			state = excluded.state,
			ended_at = COALESCE(excluded.ended_at, generation_tool_calls.ended_at)
	`, call.SessionID, call.ToolCallID, call.TodoIndex, call.Name,
		call.Input, call.Output, call.Error, string(call.State), call.StartedAt, ended)
	if err != nil {
		return fmt.Errorf("failed to upsert tool call: %w", err)
	}
	return nil
}

// GetToolCall retrieves one tool call.
func (s *Store) GetToolCall(ctx context.Context, sessionID, toolCallID string) (*v1.ToolCall, error) {
	var row toolCallRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM generation_tool_calls WHERE session_id = ? AND tool_call_id = ?
	`, sessionID, toolCallID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool call: %w", err)
	}
	call := row.toToolCall()
	return &call, nil
}

// ListToolCalls returns the session's tool calls ordered by start time.
func (s *Store) ListToolCalls(ctx context.Context, sessionID string) ([]v1.ToolCall, error) {
	var rows []toolCallRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM generation_tool_calls
		WHERE session_id = ?
		ORDER BY started_at, tool_call_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	calls := make([]v1.ToolCall, len(rows))
	for i := range rows {
		calls[i] = rows[i].toToolCall()
	}
	return calls, nil
}

// RecoverySnapshot loads everything a browser needs to rebuild its view of
// one session. Planning tool calls (todo index -1) are split out.
func (s *Store) RecoverySnapshot(ctx context.Context, sessionID string) (*store.RecoverySnapshot, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	todos, err := s.ListTodos(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	calls, err := s.ListToolCalls(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	snap := &store.RecoverySnapshot{Session: session, Todos: todos}
	for _, call := range calls {
		if call.TodoIndex == v1.PlanningTodoIndex {
			snap.PlanningTools = append(snap.PlanningTools, call)
		} else {
			snap.ToolCalls = append(snap.ToolCalls, call)
		}
	}
	return snap, nil
}
