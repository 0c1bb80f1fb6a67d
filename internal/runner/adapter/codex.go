package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

// Codex parses the codex CLI's JSONL protocol stream. Each line is an
// envelope with an event id and a typed msg. Codex has no todo tool, so
// todo lists are recovered from TodoWrite-style objects embedded in
// agent message text.
type Codex struct {
	Phase v1.TodoPhase

	logger     *logger.Logger
	messageSeq int
}

// NewCodex creates a codex adapter.
func NewCodex(log *logger.Logger) *Codex {
	return &Codex{
		Phase:  v1.PhaseBuild,
		logger: log.WithFields(zap.String("adapter", "codex")),
	}
}

func (a *Codex) Name() string { return "codex" }

type codexEnvelope struct {
	ID  string   `json:"id"`
	Msg codexMsg `json:"msg"`
}

type codexMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`

	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`

	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exit_code"`

	LastAgentMessage string `json:"last_agent_message"`
}

// ParseLine converts one codex protocol line into canonical updates.
func (a *Codex) ParseLine(line []byte) ([]*wire.Update, error) {
	var env codexEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("codex line: %w", err)
	}

	switch env.Msg.Type {
	case "agent_message":
		return a.agentMessage(env.Msg.Message)

	case "exec_command_begin":
		input, err := json.Marshal(map[string]any{
			"command": strings.Join(env.Msg.Command, " "),
			"cwd":     env.Msg.Cwd,
		})
		if err != nil {
			return nil, err
		}
		u, err := wire.NewUpdate(wire.UpdateToolInput, "", wire.ToolInputPayload{
			ToolCallID: env.Msg.CallID,
			ToolName:   "shell",
			Input:      input,
		})
		if err != nil {
			return nil, err
		}
		return []*wire.Update{u}, nil

	case "exec_command_end":
		return a.commandEnd(&env.Msg)

	case "task_complete":
		var updates []*wire.Update
		if env.Msg.LastAgentMessage != "" {
			u, err := wire.NewUpdate(wire.UpdateBuildSummary, "", wire.BuildSummaryPayload{
				Summary: env.Msg.LastAgentMessage,
			})
			if err != nil {
				return nil, err
			}
			updates = append(updates, u)
		}
		u, err := wire.NewUpdate(wire.UpdateBuildComplete, "", wire.BuildCompletePayload{
			Status:  v1.SessionCompleted,
			Summary: env.Msg.LastAgentMessage,
		})
		if err != nil {
			return nil, err
		}
		return append(updates, u), nil

	case "error":
		u, err := wire.NewUpdate(wire.UpdateBuildComplete, "", wire.BuildCompletePayload{
			Status:  v1.SessionFailed,
			Summary: env.Msg.Message,
		})
		if err != nil {
			return nil, err
		}
		return []*wire.Update{u}, nil
	}

	return nil, nil
}

// agentMessage emits todos when the text embeds a TodoWrite object and
// plain assistant text otherwise.
func (a *Codex) agentMessage(text string) ([]*wire.Update, error) {
	if text == "" {
		return nil, nil
	}
	if items, ok := extractTodos(text); ok {
		payload, ok := todosToPayload(items, a.Phase)
		if !ok {
			return nil, nil
		}
		u, err := wire.NewUpdate(wire.UpdateTodos, "", payload)
		if err != nil {
			return nil, err
		}
		return []*wire.Update{u}, nil
	}

	a.messageSeq++
	u, err := wire.NewUpdate(wire.UpdateTextDelta, "", wire.TextDeltaPayload{
		MessageID: fmt.Sprintf("codex-%d", a.messageSeq),
		Delta:     text,
	})
	if err != nil {
		return nil, err
	}
	return []*wire.Update{u}, nil
}

func (a *Codex) commandEnd(msg *codexMsg) ([]*wire.Update, error) {
	if msg.ExitCode != nil && *msg.ExitCode != 0 {
		errText := msg.Stderr
		if errText == "" {
			errText = fmt.Sprintf("exit code %d", *msg.ExitCode)
		}
		u, err := wire.NewUpdate(wire.UpdateToolError, "", wire.ToolErrorPayload{
			ToolCallID: msg.CallID,
			Error:      errText,
		})
		if err != nil {
			return nil, err
		}
		return []*wire.Update{u}, nil
	}

	output, err := json.Marshal(map[string]any{"stdout": msg.Stdout})
	if err != nil {
		return nil, err
	}
	u, err := wire.NewUpdate(wire.UpdateToolOutput, "", wire.ToolOutputPayload{
		ToolCallID: msg.CallID,
		Output:     output,
	})
	if err != nil {
		return nil, err
	}
	return []*wire.Update{u}, nil
}
