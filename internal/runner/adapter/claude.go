package adapter

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

// Claude parses the stream-json output of the claude CLI
// (--output-format stream-json). One JSON object per line.
type Claude struct {
	// Phase tags emitted todo lists. The build supervisor flips this to
	// template while scaffolding runs.
	Phase v1.TodoPhase

	logger *logger.Logger

	messageID  string
	sawDeltas  bool
	messageSeq int
}

// NewClaude creates a claude stream-json adapter.
func NewClaude(log *logger.Logger) *Claude {
	return &Claude{
		Phase:  v1.PhaseBuild,
		logger: log.WithFields(zap.String("adapter", "claude")),
	}
}

func (a *Claude) Name() string { return "claude" }

type claudeLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Event   *struct {
		Type  string `json:"type"`
		Delta *struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
	Message *struct {
		ID      string            `json:"id"`
		Content []json.RawMessage `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseLine converts one stream-json line into canonical updates.
func (a *Claude) ParseLine(line []byte) ([]*wire.Update, error) {
	var parsed claudeLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		return nil, fmt.Errorf("claude line: %w", err)
	}

	switch parsed.Type {
	case "system":
		// init carries model info only; session activation is announced
		// by the supervisor when the process spawns.
		return nil, nil

	case "stream_event":
		if parsed.Event == nil || parsed.Event.Type != "content_block_delta" {
			return nil, nil
		}
		if parsed.Event.Delta == nil || parsed.Event.Delta.Type != "text_delta" {
			return nil, nil
		}
		a.sawDeltas = true
		return a.textDelta(parsed.Event.Delta.Text)

	case "assistant":
		return a.assistantMessage(&parsed)

	case "user":
		return a.toolResults(&parsed)

	case "result":
		return a.finalResult(&parsed)
	}

	return nil, nil
}

func (a *Claude) assistantMessage(parsed *claudeLine) ([]*wire.Update, error) {
	if parsed.Message == nil {
		return nil, nil
	}
	if parsed.Message.ID != "" && parsed.Message.ID != a.messageID {
		a.messageID = parsed.Message.ID
		a.sawDeltas = false
	}

	var updates []*wire.Update
	for _, raw := range parsed.Message.Content {
		var block claudeContentBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			a.logger.Warn("skipping malformed content block", zap.Error(err))
			continue
		}

		switch block.Type {
		case "text":
			// Streaming mode already delivered this text as deltas.
			if a.sawDeltas || block.Text == "" {
				continue
			}
			u, err := a.textDelta(block.Text)
			if err != nil {
				return nil, err
			}
			updates = append(updates, u...)

		case "tool_use":
			if block.Name == "TodoWrite" {
				u, err := a.todosFromInput(block.Input)
				if err != nil {
					a.logger.Warn("unparseable TodoWrite input", zap.Error(err))
					continue
				}
				updates = append(updates, u...)
				continue
			}
			u, err := wire.NewUpdate(wire.UpdateToolInput, "", wire.ToolInputPayload{
				ToolCallID: block.ID,
				ToolName:   block.Name,
				Input:      block.Input,
			})
			if err != nil {
				return nil, err
			}
			updates = append(updates, u)
		}
	}
	return updates, nil
}

func (a *Claude) toolResults(parsed *claudeLine) ([]*wire.Update, error) {
	if parsed.Message == nil {
		return nil, nil
	}
	var updates []*wire.Update
	for _, raw := range parsed.Message.Content {
		var block claudeContentBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			continue
		}
		if block.Type != "tool_result" || block.ToolUseID == "" {
			continue
		}

		if block.IsError {
			u, err := wire.NewUpdate(wire.UpdateToolError, "", wire.ToolErrorPayload{
				ToolCallID: block.ToolUseID,
				Error:      rawToString(block.Content),
			})
			if err != nil {
				return nil, err
			}
			updates = append(updates, u)
			continue
		}
		u, err := wire.NewUpdate(wire.UpdateToolOutput, "", wire.ToolOutputPayload{
			ToolCallID: block.ToolUseID,
			Output:     block.Content,
		})
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (a *Claude) finalResult(parsed *claudeLine) ([]*wire.Update, error) {
	status := v1.SessionCompleted
	if parsed.IsError || parsed.Subtype == "error_during_execution" || parsed.Subtype == "error_max_turns" {
		status = v1.SessionFailed
	}

	var updates []*wire.Update
	if parsed.Result != "" {
		u, err := wire.NewUpdate(wire.UpdateBuildSummary, "", wire.BuildSummaryPayload{
			Summary: parsed.Result,
		})
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	u, err := wire.NewUpdate(wire.UpdateBuildComplete, "", wire.BuildCompletePayload{
		Status:  status,
		Summary: parsed.Result,
	})
	if err != nil {
		return nil, err
	}
	return append(updates, u), nil
}

func (a *Claude) todosFromInput(input json.RawMessage) ([]*wire.Update, error) {
	var env todoEnvelope
	if err := json.Unmarshal(input, &env); err != nil {
		return nil, err
	}
	payload, ok := todosToPayload(env.Todos, a.Phase)
	if !ok {
		return nil, nil
	}
	u, err := wire.NewUpdate(wire.UpdateTodos, "", payload)
	if err != nil {
		return nil, err
	}
	return []*wire.Update{u}, nil
}

func (a *Claude) textDelta(text string) ([]*wire.Update, error) {
	if a.messageID == "" {
		a.messageSeq++
		a.messageID = fmt.Sprintf("msg-%d", a.messageSeq)
	}
	u, err := wire.NewUpdate(wire.UpdateTextDelta, "", wire.TextDeltaPayload{
		MessageID: a.messageID,
		Delta:     text,
	})
	if err != nil {
		return nil, err
	}
	return []*wire.Update{u}, nil
}

// rawToString renders a tool_result content value for error reporting.
// Claude emits either a plain string or a block array here.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			out += b.Text
		}
		return out
	}
	return string(raw)
}
