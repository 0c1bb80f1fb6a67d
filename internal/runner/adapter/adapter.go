// Package adapter normalizes agent process output into canonical updates.
// Each supported agent CLI has its own line format; adapters hide that
// behind a single ParseLine contract. Sequence numbers and session ids
// are stamped by the build supervisor, not here.
package adapter

import (
	"fmt"
	"strings"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

// Adapter converts one line of agent stdout into zero or more canonical
// updates. Lines that mean nothing downstream return an empty slice;
// malformed lines return an error and are skipped by the caller.
type Adapter interface {
	Name() string
	ParseLine(line []byte) ([]*wire.Update, error)
}

// New returns the adapter for an agent id.
func New(agentID string, log *logger.Logger) (Adapter, error) {
	switch agentID {
	case "claude-code", "claude":
		return NewClaude(log), nil
	case "codex":
		return NewCodex(log), nil
	}
	return nil, fmt.Errorf("unsupported agent: %s", agentID)
}

// NormalizeTodoStatus maps the status spellings agents actually emit onto
// the canonical set. Unknown values become pending.
func NormalizeTodoStatus(raw string) v1.TodoStatus {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(raw, "-", "_"), " ", "_"))) {
	case "in_progress":
		return v1.TodoInProgress
	case "completed", "done":
		return v1.TodoCompleted
	default:
		return v1.TodoPending
	}
}

// todosToPayload builds a todos-update payload from extracted items,
// dropping empty entries. The active index is the first in-progress todo,
// or -1 when none is in progress.
func todosToPayload(items []todoItem, phase v1.TodoPhase) (wire.TodosUpdatePayload, bool) {
	payload := wire.TodosUpdatePayload{ActiveIndex: -1, Phase: phase}
	for _, item := range items {
		if strings.TrimSpace(item.Content) == "" {
			continue
		}
		status := NormalizeTodoStatus(item.Status)
		if status == v1.TodoInProgress && payload.ActiveIndex == -1 {
			payload.ActiveIndex = len(payload.Todos)
		}
		payload.Todos = append(payload.Todos, wire.TodoItem{
			Content:    item.Content,
			ActiveForm: item.ActiveForm,
			Status:     status,
		})
	}
	return payload, len(payload.Todos) > 0
}
