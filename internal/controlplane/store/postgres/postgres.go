// Package postgres implements the event store on PostgreSQL for
// multi-instance control planes. Single-instance deployments default to
// the sqlite package.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codyde/sentryvibe-sub006/internal/common/database"
	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

// Store is a PostgreSQL-backed event store.
type Store struct {
	db     *database.DB
	logger *logger.Logger
}

// New wraps an open connection pool and ensures the schema exists.
func New(ctx context.Context, db *database.DB, log *logger.Logger) (*Store, error) {
	s := &Store{db: db, logger: log}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id                TEXT PRIMARY KEY,
		slug              TEXT NOT NULL,
		owner_id          TEXT NOT NULL,
		runner_id         TEXT NOT NULL DEFAULT '',
		workspace_path    TEXT NOT NULL DEFAULT '',
		framework         TEXT NOT NULL DEFAULT '',
		dev_server_status TEXT NOT NULL DEFAULT 'stopped',
		dev_server_port   INTEGER NOT NULL DEFAULT 0,
		tunnel_url        TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL,
		UNIQUE (owner_id, slug)
	);
	CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);

	CREATE TABLE IF NOT EXISTS generation_sessions (
		id             TEXT PRIMARY KEY,
		project_id     TEXT NOT NULL REFERENCES projects(id),
		build_id       TEXT NOT NULL,
		agent_id       TEXT NOT NULL,
		model_id       TEXT NOT NULL DEFAULT '',
		runner_id      TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'pending',
		operation_type TEXT NOT NULL,
		summary        TEXT NOT NULL DEFAULT '',
		last_seq       BIGINT NOT NULL DEFAULT 0,
		started_at     TIMESTAMPTZ NOT NULL,
		ended_at       TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON generation_sessions(project_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON generation_sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_runner ON generation_sessions(runner_id);

	CREATE TABLE IF NOT EXISTS generation_todos (
		session_id  TEXT NOT NULL REFERENCES generation_sessions(id),
		todo_index  INTEGER NOT NULL,
		content     TEXT NOT NULL,
		active_form TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'pending',
		phase       TEXT NOT NULL DEFAULT 'build',
		PRIMARY KEY (session_id, todo_index)
	);

	CREATE TABLE IF NOT EXISTS generation_tool_calls (
		session_id   TEXT NOT NULL REFERENCES generation_sessions(id),
		tool_call_id TEXT NOT NULL,
		todo_index   INTEGER NOT NULL DEFAULT -1,
		name         TEXT NOT NULL,
		input        TEXT NOT NULL DEFAULT '',
		output       TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		ended_at     TIMESTAMPTZ,
		PRIMARY KEY (session_id, tool_call_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_todo ON generation_tool_calls(session_id, todo_index);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, created_at);

	CREATE TABLE IF NOT EXISTS runner_keys (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		secret_hash  TEXT NOT NULL UNIQUE,
		created_at   TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ,
		revoked_at   TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_runner_keys_user ON runner_keys(user_id);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

func scanSession(row pgx.Row) (*v1.Session, error) {
	var sess v1.Session
	var status, op string
	var endedAt *time.Time
	err := row.Scan(&sess.ID, &sess.ProjectID, &sess.BuildID, &sess.AgentID,
		&sess.ModelID, &sess.RunnerID, &status, &op, &sess.Summary,
		&sess.StartedAt, &endedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.Status = v1.SessionStatus(status)
	sess.OperationType = v1.OperationType(op)
	sess.EndedAt = endedAt
	return &sess, nil
}

const sessionColumns = `id, project_id, build_id, agent_id, model_id, runner_id, status, operation_type, summary, started_at, ended_at`

// UpsertSession inserts or updates a session row. Status is only written
// on insert; transitions go through TransitionSession.
func (s *Store) UpsertSession(ctx context.Context, session *v1.Session) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO generation_sessions (id, project_id, build_id, agent_id, model_id, runner_id, status, operation_type, summary, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			build_id = EXCLUDED.build_id,
			agent_id = EXCLUDED.agent_id,
			model_id = EXCLUDED.model_id,
			runner_id = EXCLUDED.runner_id
	`, session.ID, session.ProjectID, session.BuildID, session.AgentID,
		session.ModelID, session.RunnerID, string(session.Status),
		string(session.OperationType), session.Summary, session.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	return scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM generation_sessions WHERE id = $1`, id))
}

// TransitionSession moves a session to a new status iff its current status
// is in the from set.
func (s *Store) TransitionSession(ctx context.Context, id string, from []v1.SessionStatus, to v1.SessionStatus, endedAt *time.Time, summary string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition requires a non-empty from set")
	}

	placeholders := make([]string, len(from))
	args := []any{string(to), endedAt, summary, id}
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, string(st))
	}

	query := fmt.Sprintf(`
		UPDATE generation_sessions
		SET status = $1,
		    ended_at = COALESCE($2, ended_at),
		    summary = CASE WHEN $3 != '' THEN $3 ELSE summary END
		WHERE id = $4 AND status IN (%s)
	`, strings.Join(placeholders, ", "))

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetSession(ctx, id); errors.Is(getErr, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrIllegalTransition
	}
	return nil
}

// SetSessionSummary stores a summary without touching the status.
func (s *Store) SetSessionSummary(ctx context.Context, id, summary string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE generation_sessions SET summary = $1 WHERE id = $2`, summary, id)
	if err != nil {
		return fmt.Errorf("failed to set session summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*v1.Session, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*v1.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListOpenSessions returns non-terminal sessions assigned to a runner.
func (s *Store) ListOpenSessions(ctx context.Context, runnerID string) ([]*v1.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM generation_sessions
		WHERE runner_id = $1 AND status IN ('pending', 'active')
		ORDER BY started_at
	`, runnerID)
}

// ListProjectSessions returns all sessions for a project, newest first.
func (s *Store) ListProjectSessions(ctx context.Context, projectID string) ([]*v1.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM generation_sessions
		WHERE project_id = $1
		ORDER BY started_at DESC
	`, projectID)
}

// LatestProjectSession returns the most recent session for a project.
func (s *Store) LatestProjectSession(ctx context.Context, projectID string) (*v1.Session, error) {
	return scanSession(s.db.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM generation_sessions
		WHERE project_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, projectID))
}

// LastSeq returns the highest sequence number recorded for a session.
func (s *Store) LastSeq(ctx context.Context, sessionID string) (uint64, error) {
	var seq int64
	err := s.db.QueryRow(ctx,
		`SELECT last_seq FROM generation_sessions WHERE id = $1`, sessionID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	return uint64(seq), nil
}

// RecordSeq advances the session's sequence watermark.
func (s *Store) RecordSeq(ctx context.Context, sessionID string, seq uint64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE generation_sessions SET last_seq = $1
		WHERE id = $2 AND last_seq < $1
	`, int64(seq), sessionID)
	if err != nil {
		return fmt.Errorf("failed to record seq: %w", err)
	}
	return nil
}

// ReplaceTodos upserts the todo list and prunes rows beyond it in one
// transaction, keeping indices dense.
func (s *Store) ReplaceTodos(ctx context.Context, sessionID string, todos []v1.Todo) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i := range todos {
			t := &todos[i]
			_, err := tx.Exec(ctx, `
				INSERT INTO generation_todos (session_id, todo_index, content, active_form, status, phase)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (session_id, todo_index) DO UPDATE SET
					content = EXCLUDED.content,
					active_form = EXCLUDED.active_form,
					status = EXCLUDED.status,
					phase = EXCLUDED.phase
			`, sessionID, t.Index, t.Content, t.ActiveForm, string(t.Status), string(t.Phase))
			if err != nil {
				return fmt.Errorf("failed to upsert todo %d: %w", t.Index, err)
			}
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM generation_todos WHERE session_id = $1 AND todo_index >= $2
		`, sessionID, len(todos)); err != nil {
			return fmt.Errorf("failed to prune todos: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM generation_tool_calls WHERE session_id = $1 AND todo_index >= $2
		`, sessionID, len(todos)); err != nil {
			return fmt.Errorf("failed to prune tool calls: %w", err)
		}
		return nil
	})
}

// ListTodos returns the session's todos ordered by index.
func (s *Store) ListTodos(ctx context.Context, sessionID string) ([]v1.Todo, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_id, todo_index, content, active_form, status, phase
		FROM generation_todos WHERE session_id = $1 ORDER BY todo_index
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	defer rows.Close()

	var todos []v1.Todo
	for rows.Next() {
		var t v1.Todo
		var status, phase string
		if err := rows.Scan(&t.SessionID, &t.Index, &t.Content, &t.ActiveForm, &status, &phase); err != nil {
			return nil, fmt.Errorf("failed to scan todo: %w", err)
		}
		t.Status = v1.TodoStatus(status)
		t.Phase = v1.TodoPhase(phase)
		todos = append(todos, t)
	}
	return todos, rows.Err()
}

func scanToolCall(row pgx.Row) (*v1.ToolCall, error) {
	var call v1.ToolCall
	var state string
	var endedAt *time.Time
	err := row.Scan(&call.SessionID, &call.ToolCallID, &call.TodoIndex,
		&call.Name, &call.Input, &call.Output, &call.Error, &state,
		&call.StartedAt, &endedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tool call: %w", err)
	}
	call.State = v1.ToolCallState(state)
	call.EndedAt = endedAt
	return &call, nil
}

const toolCallColumns = `session_id, tool_call_id, todo_index, name, input, output, error, state, started_at, ended_at`

// UpsertToolCall inserts or updates a tool call, enforcing state
// monotonicity.
func (s *Store) UpsertToolCall(ctx context.Context, call *v1.ToolCall) error {
	existing, err := s.GetToolCall(ctx, call.SessionID, call.ToolCallID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.State != call.State && !existing.State.CanTransitionTo(call.State) {
		return store.ErrStaleToolState
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO generation_tool_calls (session_id, tool_call_id, todo_index, name, input, output, error, state, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, tool_call_id) DO UPDATE SET
			todo_index = EXCLUDED.todo_index,
			name = CASE WHEN EXCLUDED.name != '' THEN EXCLUDED.name ELSE generation_tool_calls.name END,
			input = CASE WHEN EXCLUDED.input != '' THEN EXCLUDED.input ELSE generation_tool_calls.input END,
			output = CASE WHEN EXCLUDED.output != '' THEN EXCLUDED.output ELSE generation_tool_calls.output END,
			error = CASE WHEN EXCLUDED.error != '' THEN EXCLUDED.error ELSE generation_tool_calls.error END,
			state = EXCLUDED.state,
			ended_at = COALESCE(EXCLUDED.ended_at, generation_tool_calls.ended_at)
	`, call.SessionID, call.ToolCallID, call.TodoIndex, call.Name,
		call.Input, call.Output, call.Error, string(call.State),
		call.StartedAt, call.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert tool call: %w", err)
	}
	return nil
}

// GetToolCall retrieves one tool call.
func (s *Store) GetToolCall(ctx context.Context, sessionID, toolCallID string) (*v1.ToolCall, error) {
	return scanToolCall(s.db.QueryRow(ctx, `
		SELECT `+toolCallColumns+` FROM generation_tool_calls
		WHERE session_id = $1 AND tool_call_id = $2
	`, sessionID, toolCallID))
}

// ListToolCalls returns the session's tool calls ordered by start time.
func (s *Store) ListToolCalls(ctx context.Context, sessionID string) ([]v1.ToolCall, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+toolCallColumns+` FROM generation_tool_calls
		WHERE session_id = $1
		ORDER BY started_at, tool_call_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []v1.ToolCall
	for rows.Next() {
		call, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

// RecoverySnapshot loads the durable projection of one session.
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

// AppendMessage stores a chat message.
func (s *Store) AppendMessage(ctx context.Context, msg *v1.ChatMessage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, project_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.ProjectID, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns a project's messages, newest first.
func (s *Store) ListMessages(ctx context.Context, projectID string, limit int) ([]v1.ChatMessage, error) {
	query := `SELECT id, project_id, role, content, created_at FROM messages
		WHERE project_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []v1.ChatMessage
	for rows.Next() {
		var m v1.ChatMessage
		var role string
		if err := rows.Scan(&m.ID, &m.ProjectID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = v1.MessageRole(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpsertProject inserts or updates a project.
func (s *Store) UpsertProject(ctx context.Context, project *v1.Project) error {
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now
	if project.DevServerStatus == "" {
		project.DevServerStatus = v1.DevServerStopped
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO projects (id, slug, owner_id, runner_id, workspace_path, framework, dev_server_status, dev_server_port, tunnel_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			runner_id = EXCLUDED.runner_id,
			workspace_path = EXCLUDED.workspace_path,
			updated_at = EXCLUDED.updated_at
	`, project.ID, project.Slug, project.OwnerID, project.RunnerID,
		project.WorkspacePath, project.Framework, string(project.DevServerStatus),
		project.DevServerPort, project.TunnelURL, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}
	return nil
}

func scanProject(row pgx.Row) (*v1.Project, error) {
	var p v1.Project
	var status string
	err := row.Scan(&p.ID, &p.Slug, &p.OwnerID, &p.RunnerID, &p.WorkspacePath,
		&p.Framework, &status, &p.DevServerPort, &p.TunnelURL, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	p.DevServerStatus = v1.DevServerStatus(status)
	return &p, nil
}

const projectColumns = `id, slug, owner_id, runner_id, workspace_path, framework, dev_server_status, dev_server_port, tunnel_url, created_at, updated_at`

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*v1.Project, error) {
	return scanProject(s.db.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
}

// ListProjects returns a user's projects, newest first.
func (s *Store) ListProjects(ctx context.Context, ownerID string) ([]*v1.Project, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*v1.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProjectRuntime applies runner-reported state.
func (s *Store) UpdateProjectRuntime(ctx context.Context, id string, framework string, devStatus v1.DevServerStatus, devPort int, tunnelURL string) error {
	clearPort := devStatus == v1.DevServerStopped || devStatus == v1.DevServerFailed
	tag, err := s.db.Exec(ctx, `
		UPDATE projects
		SET framework = CASE WHEN $1 != '' THEN $1 ELSE framework END,
		    dev_server_status = CASE WHEN $2 != '' THEN $2 ELSE dev_server_status END,
		    dev_server_port = CASE WHEN $3 > 0 THEN $3 WHEN $4 THEN 0 ELSE dev_server_port END,
		    tunnel_url = CASE WHEN $5 != '' THEN $5 WHEN $4 THEN '' ELSE tunnel_url END,
		    updated_at = $6
		WHERE id = $7
	`, framework, string(devStatus), devPort, clearPort, tunnelURL, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update project runtime: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateRunnerKey stores a new runner key.
func (s *Store) CreateRunnerKey(ctx context.Context, key *v1.RunnerKey) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO runner_keys (id, user_id, name, secret_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, key.ID, key.UserID, key.Name, key.SecretHash, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create runner key: %w", err)
	}
	return nil
}

// GetRunnerKeyByHash looks up a key by secret hash.
func (s *Store) GetRunnerKeyByHash(ctx context.Context, secretHash string) (*v1.RunnerKey, error) {
	var key v1.RunnerKey
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, name, secret_hash, created_at, last_used_at, revoked_at
		FROM runner_keys WHERE secret_hash = $1
	`, secretHash).Scan(&key.ID, &key.UserID, &key.Name, &key.SecretHash,
		&key.CreatedAt, &key.LastUsedAt, &key.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runner key: %w", err)
	}
	return &key, nil
}

// ListRunnerKeys returns a user's keys, newest first.
func (s *Store) ListRunnerKeys(ctx context.Context, userID string) ([]*v1.RunnerKey, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, name, secret_hash, created_at, last_used_at, revoked_at
		FROM runner_keys WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runner keys: %w", err)
	}
	defer rows.Close()

	var keys []*v1.RunnerKey
	for rows.Next() {
		var key v1.RunnerKey
		if err := rows.Scan(&key.ID, &key.UserID, &key.Name, &key.SecretHash,
			&key.CreatedAt, &key.LastUsedAt, &key.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan runner key: %w", err)
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

// RevokeRunnerKey marks a key revoked.
func (s *Store) RevokeRunnerKey(ctx context.Context, id, userID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE runner_keys SET revoked_at = $1
		WHERE id = $2 AND user_id = $3 AND revoked_at IS NULL
	`, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke runner key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TouchRunnerKey records key usage.
func (s *Store) TouchRunnerKey(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE runner_keys SET last_used_at = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch runner key: %w", err)
	}
	return nil
}
