package sqlite

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

type messageRow struct {
	ID        string    `db:"id"`
	ProjectID string    `db:"project_id"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// AppendMessage stores a chat message. Messages are append-only.
func (s *Store) AppendMessage(ctx context.Context, msg *v1.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, project_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ProjectID, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns a project's messages, newest first. A limit of 0
// means no limit.
func (s *Store) ListMessages(ctx context.Context, projectID string, limit int) ([]v1.ChatMessage, error) {
	query := `SELECT * FROM messages WHERE project_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	msgs := make([]v1.ChatMessage, len(rows))
	for i, r := range rows {
		msgs[i] = v1.ChatMessage{
			ID:        r.ID,
			ProjectID: r.ProjectID,
			Role:      v1.MessageRole(r.Role),
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
		}
	}
	return msgs, nil
}
