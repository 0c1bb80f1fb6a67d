// Package store defines the event store: the durable record of projects,
// sessions, todos, tool calls, chat messages, and runner keys. The control
// plane is the only writer. Implementations live in the sqlite and
// postgres subpackages.
package store

import (
	"context"
	"errors"
	"time"

	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition is returned when a session CAS fails because the
	// current status was not in the allowed from-set.
	ErrIllegalTransition = errors.New("illegal session transition")
	// ErrStaleToolState is returned when a tool-call write would regress
	// its state.
	ErrStaleToolState = errors.New("stale tool call state")
)

// RecoverySnapshot is everything needed to rebuild a browser projection
// for one session. Todos are ordered by index, tool calls by start time.
// Tool calls with todo index -1 are split into PlanningTools.
type RecoverySnapshot struct {
	Session       *v1.Session
	Todos         []v1.Todo
	ToolCalls     []v1.ToolCall
	PlanningTools []v1.ToolCall
}

// Store is the event store interface. Writes for one session are issued
// by that session's serial handler, so implementations need per-statement
// atomicity but not cross-call locking. No transaction may be held across
// network waits.
type Store interface {
	// Sessions.
	UpsertSession(ctx context.Context, session *v1.Session) error
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	// TransitionSession atomically moves a session from any status in from
	// to the target status. endedAt and summary are applied when non-zero.
	TransitionSession(ctx context.Context, id string, from []v1.SessionStatus, to v1.SessionStatus, endedAt *time.Time, summary string) error
	SetSessionSummary(ctx context.Context, id, summary string) error
	ListOpenSessions(ctx context.Context, runnerID string) ([]*v1.Session, error)
	ListProjectSessions(ctx context.Context, projectID string) ([]*v1.Session, error)
	LatestProjectSession(ctx context.Context, projectID string) (*v1.Session, error)

	// Seq bookkeeping for idempotent ingest. RecordSeq only advances.
	LastSeq(ctx context.Context, sessionID string) (uint64, error)
	RecordSeq(ctx context.Context, sessionID string, seq uint64) error

	// Todos. ReplaceTodos upserts the list and, in the same transaction,
	// prunes todos at index >= len(todos) and tool calls referencing them,
	// keeping indices dense in [0, n).
	ReplaceTodos(ctx context.Context, sessionID string, todos []v1.Todo) error
	ListTodos(ctx context.Context, sessionID string) ([]v1.Todo, error)

	// Tool calls, keyed by (session_id, tool_call_id). Writes that would
	// regress the state machine fail with ErrStaleToolState.
	UpsertToolCall(ctx context.Context, call *v1.ToolCall) error
	GetToolCall(ctx context.Context, sessionID, toolCallID string) (*v1.ToolCall, error)
	ListToolCalls(ctx context.Context, sessionID string) ([]v1.ToolCall, error)

	// RecoverySnapshot returns the durable projection of a session.
	RecoverySnapshot(ctx context.Context, sessionID string) (*RecoverySnapshot, error)

	// Chat messages, append-only.
	AppendMessage(ctx context.Context, msg *v1.ChatMessage) error
	ListMessages(ctx context.Context, projectID string, limit int) ([]v1.ChatMessage, error)

	// Projects.
	UpsertProject(ctx context.Context, project *v1.Project) error
	GetProject(ctx context.Context, id string) (*v1.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]*v1.Project, error)
	// UpdateProjectRuntime applies runner-reported fields (framework,
	// dev-server status/port, tunnel URL); empty strings leave the
	// corresponding column untouched.
	UpdateProjectRuntime(ctx context.Context, id string, framework string, devStatus v1.DevServerStatus, devPort int, tunnelURL string) error

	// Runner keys. Lookup is by SHA-256 hash of the presented secret.
	CreateRunnerKey(ctx context.Context, key *v1.RunnerKey) error
	GetRunnerKeyByHash(ctx context.Context, secretHash string) (*v1.RunnerKey, error)
	ListRunnerKeys(ctx context.Context, userID string) ([]*v1.RunnerKey, error)
	RevokeRunnerKey(ctx context.Context, id, userID string) error
	TouchRunnerKey(ctx context.Context, id string) error

	Close() error
}
