// Package sqlite implements the event store on embedded SQLite. This is
// the default backend; deployments that set database.host use the
// postgres package instead.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
)

// Store is a SQLite-backed event store.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// New opens (or creates) the SQLite database at path and initializes the
// schema. Use ":memory:" for tests.
func New(path string, log *logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent session handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
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
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL,
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
		last_seq       INTEGER NOT NULL DEFAULT 0,
		started_at     TIMESTAMP NOT NULL,
		ended_at       TIMESTAMP
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
		started_at   TIMESTAMP NOT NULL,
		ended_at     TIMESTAMP,
		PRIMARY KEY (session_id, tool_call_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_todo ON generation_tool_calls(session_id, todo_index);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, created_at);

	CREATE TABLE IF NOT EXISTS runner_keys (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		secret_hash  TEXT NOT NULL UNIQUE,
		created_at   TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP,
		revoked_at   TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_runner_keys_user ON runner_keys(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction.
func (s *Store) withTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
