// Package wire defines the canonical update shapes and the WebSocket
// message envelopes used on both hops: runner -> control plane and
// control plane -> browser. All envelopes carry a string discriminator;
// receivers must ignore unknown discriminator values.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

// UpdateType discriminates canonical update payloads.
type UpdateType string

const (
	UpdateStart         UpdateType = "start"
	UpdateTodos         UpdateType = "todos-update"
	UpdateToolInput     UpdateType = "tool-input-available"
	UpdateToolOutput    UpdateType = "tool-output-available"
	UpdateToolError     UpdateType = "tool-error"
	UpdateTextDelta     UpdateType = "text-delta"
	UpdateBuildSummary  UpdateType = "build-summary"
	UpdateBuildComplete UpdateType = "build-complete"
)

// Update is one canonical event in a session's stream. The same shape
// flows runner -> control plane (with Seq set) and control plane ->
// browser (inside batch-update). Unknown payload fields are preserved
// opaquely in Payload.
type Update struct {
	Type      UpdateType      `json:"type"`
	SessionID string          `json:"sessionId"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	// TraceContext carries an optional W3C traceparent for downstream
	// tracing. Receivers treat a missing value as benign.
	TraceContext string    `json:"traceContext,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// StartPayload activates a session. Idempotent per session.
type StartPayload struct {
	SessionID string `json:"sessionId"`
	BuildID   string `json:"buildId"`
	ProjectID string `json:"projectId"`
	AgentID   string `json:"agentId"`
	ModelID   string `json:"modelId,omitempty"`
}

// TodoItem is one entry in a todos-update. Index is implied by position.
type TodoItem struct {
	Content    string        `json:"content"`
	ActiveForm string        `json:"activeForm,omitempty"`
	Status     v1.TodoStatus `json:"status"`
}

// TodosUpdatePayload replaces the session's todo list wholesale.
type TodosUpdatePayload struct {
	Todos       []TodoItem   `json:"todos"`
	ActiveIndex int          `json:"activeIndex"`
	Phase       v1.TodoPhase `json:"phase"`
}

// ToolInputPayload creates or updates a tool call with its input.
// TodoIndex is a pointer so "omitted" can be told apart from planning (-1);
// omitted indices inherit the session's active todo index.
type ToolInputPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	TodoIndex  *int            `json:"todoIndex,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolOutputPayload completes a tool call. Requires a prior input event.
type ToolOutputPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// ToolErrorPayload fails a tool call. Requires a prior input event.
type ToolErrorPayload struct {
	ToolCallID string `json:"toolCallId"`
	Error      string `json:"error"`
}

// TextDeltaPayload streams assistant text. Deltas are forwarded live and
// only the full concatenation is persisted, as one assistant chat message
// at session close.
type TextDeltaPayload struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// BuildSummaryPayload stores a summary on the session without ending it.
type BuildSummaryPayload struct {
	Summary string `json:"summary"`
}

// BuildCompletePayload terminates the session.
type BuildCompletePayload struct {
	Status  v1.SessionStatus `json:"status"`
	Summary string           `json:"summary,omitempty"`
}

// NewUpdate builds an Update with a marshaled payload.
func NewUpdate(t UpdateType, sessionID string, payload any) (*Update, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Update{
		Type:      t,
		SessionID: sessionID,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DecodePayload parses the update payload into v.
func (u *Update) DecodePayload(v any) error {
	if len(u.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(u.Payload, v)
}

// Known reports whether the update type is one this version understands.
// Unknown types are carried opaquely and ignored by receivers.
func (u *Update) Known() bool {
	switch u.Type {
	case UpdateStart, UpdateTodos, UpdateToolInput, UpdateToolOutput,
		UpdateToolError, UpdateTextDelta, UpdateBuildSummary, UpdateBuildComplete:
		return true
	}
	return false
}
