// Package v1 defines the shared API types exchanged between the control
// plane, runners, and browsers. These are the persisted shapes; the wire
// envelopes live in pkg/wire.
package v1

import "time"

// SessionStatus is the lifecycle state of a build session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status is one of the three terminal states.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// OperationType describes what kind of build a session performs.
type OperationType string

const (
	OperationInitialBuild OperationType = "initial-build"
	OperationEnhancement  OperationType = "enhancement"
	OperationFocusedEdit  OperationType = "focused-edit"
	OperationContinuation OperationType = "continuation"
)

// Session is one invocation of the AI agent for a project.
type Session struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"projectId"`
	BuildID       string        `json:"buildId"`
	AgentID       string        `json:"agentId"`
	ModelID       string        `json:"modelId,omitempty"`
	RunnerID      string        `json:"runnerId,omitempty"`
	Status        SessionStatus `json:"status"`
	OperationType OperationType `json:"operationType"`
	Summary       string        `json:"summary,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
}

// TodoStatus is the state of a single todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoPhase separates template-scaffolding todos from build todos.
type TodoPhase string

const (
	PhaseTemplate TodoPhase = "template"
	PhaseBuild    TodoPhase = "build"
)

// Todo is one unit of planned work inside a session. Indices are dense and
// 0-based within a session.
type Todo struct {
	SessionID  string     `json:"sessionId"`
	Index      int        `json:"index"`
	Content    string     `json:"content"`
	ActiveForm string     `json:"activeForm,omitempty"`
	Status     TodoStatus `json:"status"`
	Phase      TodoPhase  `json:"phase"`
}

// ToolCallState is the state of a tool call. States only move forward:
// input-streaming -> input-available -> output-available | error.
type ToolCallState string

const (
	ToolInputStreaming  ToolCallState = "input-streaming"
	ToolInputAvailable  ToolCallState = "input-available"
	ToolOutputAvailable ToolCallState = "output-available"
	ToolError           ToolCallState = "error"
)

// rank orders tool call states for monotonicity checks.
func (s ToolCallState) rank() int {
	switch s {
	case ToolInputStreaming:
		return 0
	case ToolInputAvailable:
		return 1
	case ToolOutputAvailable, ToolError:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next preserves
// tool-call state monotonicity.
func (s ToolCallState) CanTransitionTo(next ToolCallState) bool {
	return next.rank() >= s.rank() && s.rank() < 2
}

// PlanningTodoIndex marks tool calls that ran before any todo existed.
const PlanningTodoIndex = -1

// ToolCall is one external action performed by the agent during a session.
type ToolCall struct {
	SessionID  string        `json:"sessionId"`
	ToolCallID string        `json:"toolCallId"`
	TodoIndex  int           `json:"todoIndex"`
	Name       string        `json:"name"`
	Input      string        `json:"input,omitempty"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	State      ToolCallState `json:"state"`
	StartedAt  time.Time     `json:"startedAt"`
	EndedAt    *time.Time    `json:"endedAt,omitempty"`
}

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ChatMessage is a persisted chat message on a project.
type ChatMessage struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"projectId"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

// DevServerStatus is the runner-reported state of a project's dev server.
type DevServerStatus string

const (
	DevServerStopped  DevServerStatus = "stopped"
	DevServerStarting DevServerStatus = "starting"
	DevServerRunning  DevServerStatus = "running"
	DevServerStopping DevServerStatus = "stopping"
	DevServerFailed   DevServerStatus = "failed"
)

// Project is a logical workspace owned by a user and served by a runner.
type Project struct {
	ID              string          `json:"id"`
	Slug            string          `json:"slug"`
	OwnerID         string          `json:"ownerId"`
	RunnerID        string          `json:"runnerId,omitempty"`
	WorkspacePath   string          `json:"workspacePath,omitempty"`
	Framework       string          `json:"framework,omitempty"`
	DevServerStatus DevServerStatus `json:"devServerStatus"`
	DevServerPort   int             `json:"devServerPort,omitempty"`
	TunnelURL       string          `json:"tunnelUrl,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// CommandStatus is the dispatch state of a build command.
type CommandStatus string

const (
	CommandQueued       CommandStatus = "queued"
	CommandDispatched   CommandStatus = "dispatched"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandCompleted    CommandStatus = "completed"
	CommandFailed       CommandStatus = "failed"
)

// Command is a work item dispatched from the control plane to a runner.
type Command struct {
	ID        string        `json:"id"`
	RunnerID  string        `json:"runnerId"`
	ProjectID string        `json:"projectId"`
	SessionID string        `json:"sessionId"`
	BuildID   string        `json:"buildId"`
	Prompt    string        `json:"prompt"`
	AgentID   string        `json:"agentId"`
	ModelID   string        `json:"modelId,omitempty"`
	Context   string        `json:"context,omitempty"`
	Operation OperationType `json:"operation"`
	Status    CommandStatus `json:"status"`
	IssuedAt  time.Time     `json:"issuedAt"`
}

// RunnerKey is a bearer credential identifying a runner for a user.
// The secret is hashed at rest; the plaintext is only returned at creation.
type RunnerKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Name       string     `json:"name,omitempty"`
	SecretHash string     `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *RunnerKey) Revoked() bool {
	return k.RevokedAt != nil
}
