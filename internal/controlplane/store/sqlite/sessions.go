package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

type sessionRow struct {
	ID            string       `db:"id"`
	ProjectID     string       `db:"project_id"`
	BuildID       string       `db:"build_id"`
	AgentID       string       `db:"agent_id"`
	ModelID       string       `db:"model_id"`
	RunnerID      string       `db:"runner_id"`
	Status        string       `db:"status"`
	OperationType string       `db:"operation_type"`
	Summary       string       `db:"summary"`
	LastSeq       uint64       `db:"last_seq"`
	StartedAt     time.Time    `db:"started_at"`
	EndedAt       sql.NullTime `db:"ended_at"`
}

func (r *sessionRow) toSession() *v1.Session {
	s := &v1.Session{
		ID:            r.ID,
		ProjectID:     r.ProjectID,
		BuildID:       r.BuildID,
		AgentID:       r.AgentID,
		ModelID:       r.ModelID,
		RunnerID:      r.RunnerID,
		Status:        v1.SessionStatus(r.Status),
		OperationType: v1.OperationType(r.OperationType),
		Summary:       r.Summary,
		StartedAt:     r.StartedAt,
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		s.EndedAt = &t
	}
	return s
}

// UpsertSession inserts or updates a session row. Status is only written
// on insert; transitions go through TransitionSession.
func (s *Store) UpsertSession(ctx context.Context, session *v1.Session) error {
	query := `
		INSERT INTO generation_sessions (id, project_id, build_id, agent_id, model_id, runner_id, status, operation_type, summary, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			build_id = excluded.build_id,
			agent_id = excluded.agent_id,
			model_id = excluded.model_id,
			runner_id = excluded.runner_id
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.ProjectID, session.BuildID, session.AgentID,
		session.ModelID, session.RunnerID, string(session.Status),
		string(session.OperationType), session.Summary, session.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM generation_sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toSession(), nil
}

// TransitionSession moves a session to a new status iff its current status
// is in the from set. Terminal transitions are one-shot: once a session is
// terminal no further CAS can match.
func (s *Store) TransitionSession(ctx context.Context, id string, from []v1.SessionStatus, to v1.SessionStatus, endedAt *time.Time, summary string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition requires a non-empty from set")
	}

	var ended sql.NullTime
	if endedAt != nil {
		ended = sql.NullTime{Time: *endedAt, Valid: true}
	}

	placeholders := make([]string, len(from))
	args := []any{string(to), ended, summary, summary, id}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	query := fmt.Sprintf(`
		UPDATE generation_sessions
		SET status = ?,
		    ended_at = COALESCE(?, ended_at),
		    summary = CASE WHEN ? != '' THEN ? ELSE summary END
		WHERE id = ? AND status IN (%s)
	`, strings.Join(placeholders, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetSession(ctx, id); errors.Is(getErr, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrIllegalTransition
	}
	return nil
}

// SetSessionSummary stores a summary without touching the status.
func (s *Store) SetSessionSummary(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE generation_sessions SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("failed to set session summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListOpenSessions returns non-terminal sessions assigned to a runner.
func (s *Store) ListOpenSessions(ctx context.Context, runnerID string) ([]*v1.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM generation_sessions
		WHERE runner_id = ? AND status IN ('pending', 'active')
		ORDER BY started_at
	`, runnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	sessions := make([]*v1.Session, len(rows))
	for i := range rows {
		sessions[i] = rows[i].toSession()
	}
	return sessions, nil
}

// ListProjectSessions returns all sessions for a project, newest first.
func (s *Store) ListProjectSessions(ctx context.Context, projectID string) ([]*v1.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM generation_sessions
		WHERE project_id = ?
		ORDER BY started_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list project sessions: %w", err)
	}
	sessions := make([]*v1.Session, len(rows))
	for i := range rows {
		sessions[i] = rows[i].toSession()
	}
	return sessions, nil
}

// LatestProjectSession returns the most recent session for a project.
func (s *Store) LatestProjectSession(ctx context.Context, projectID string) (*v1.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM generation_sessions
		WHERE project_id = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest session: %w", err)
	}
	return row.toSession(), nil
}

// LastSeq returns the highest sequence number recorded for a session.
func (s *Store) LastSeq(ctx context.Context, sessionID string) (uint64, error) {
	var seq uint64
	err := s.db.GetContext(ctx, &seq,
		`SELECT last_seq FROM generation_sessions WHERE id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	return seq, nil
}

// RecordSeq advances the session's sequence watermark. Lower or equal
// values are ignored.
func (s *Store) RecordSeq(ctx context.Context, sessionID string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generation_sessions SET last_seq = ?
		WHERE id = ? AND last_seq < ?
	`, seq, sessionID, seq)
	if err != nil {
		return fmt.Errorf("failed to record seq: %w", err)
	}
	return nil
}
