package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

type todoRow struct {
	SessionID  string `db:"session_id"`
	Index      int    `db:"todo_index"`
	Content    string `db:"content"`
	ActiveForm string `db:"active_form"`
	Status     string `db:"status"`
	Phase      string `db:"phase"`
}

func (r *todoRow) toTodo() v1.Todo {
	return v1.Todo{
		SessionID:  r.SessionID,
		Index:      r.Index,
		Content:    r.Content,
		ActiveForm: r.ActiveForm,
		Status:     v1.TodoStatus(r.Status),
		Phase:      v1.TodoPhase(r.Phase),
	}
}

// ReplaceTodos upserts the given todo list and prunes rows beyond it in a
// single transaction, so indices stay dense in [0, len(todos)). Tool calls
// attributed to pruned todos are removed with them; planning tool calls
// (index -1) are never pruned.
func (s *Store) ReplaceTodos(ctx context.Context, sessionID string, todos []v1.Todo) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		for i := range todos {
			t := &todos[i]
			_, err := tx.ExecContext(ctx, `
				INSERT INTO generation_todos (session_id, todo_index, content, active_form, status, phase)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (session_id, todo_index) DO UPDATE SET
					content = excluded.content,
					active_form = excluded.active_form,
					status = excluded.status,
					phase = excluded.phase
			`, sessionID, t.Index, t.Content, t.ActiveForm, string(t.Status), string(t.Phase))
			if err != nil {
				return fmt.Errorf("failed to upsert todo %d: %w", t.Index, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM generation_todos WHERE session_id = ? AND todo_index >= ?
		`, sessionID, len(todos)); err != nil {
			return fmt.Errorf("failed to prune todos: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM generation_tool_calls WHERE session_id = ? AND todo_index >= ?
		`, sessionID, len(todos)); err != nil {
			return fmt.Errorf("failed to prune tool calls: %w", err)
		}
		return nil
	})
}

// ListTodos returns the session's todos ordered by index.
func (s *Store) ListTodos(ctx context.Context, sessionID string) ([]v1.Todo, error) {
	var rows []todoRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM generation_todos WHERE session_id = ? ORDER BY todo_index
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	todos := make([]v1.Todo, len(rows))
	for i := range rows {
		todos[i] = rows[i].toTodo()
	}
	return todos, nil
}
