package wire

import (
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

// BrowserType discriminates messages on the browser fanout channel.
type BrowserType string

const (
	TypeConnected           BrowserType = "connected"
	TypeStateRecovery       BrowserType = "state-recovery"
	TypeStateRecoveryFailed BrowserType = "state-recovery-failed"
	TypeBatchUpdate         BrowserType = "batch-update"
	TypeHeartbeat           BrowserType = "heartbeat"
	TypeHeartbeatAck        BrowserType = "heartbeat-ack"
	TypeChatMessage         BrowserType = "chat-message"
	TypeProjectStatus       BrowserType = "project-status"
)

// BrowserMessage is the envelope for all frames on /ws.
type BrowserMessage struct {
	Type      BrowserType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ConnectedPayload is the first message after upgrade.
type ConnectedPayload struct {
	ClientID  string `json:"clientId"`
	ProjectID string `json:"projectId"`
}

// Snapshot is the durable projection of a session, sufficient to rebuild
// the browser state. Clients must treat it as authoritative and replace
// any in-memory state for the session.
type Snapshot struct {
	Session       *v1.Session   `json:"session"`
	Todos         []v1.Todo     `json:"todos"`
	ToolCalls     []v1.ToolCall `json:"toolCalls"`
	PlanningTools []v1.ToolCall `json:"planningTools"`
	IsActive      bool          `json:"isActive"`
}

// ProjectStatusPayload reports runner-side project changes (dev server
// transitions, tunnel availability) to browsers.
type ProjectStatusPayload struct {
	ProjectID       string             `json:"projectId"`
	DevServerStatus v1.DevServerStatus `json:"devServerStatus,omitempty"`
	Port            int                `json:"port,omitempty"`
	Framework       string             `json:"framework,omitempty"`
	TunnelURL       string             `json:"tunnelUrl,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// StateRecoveryFailedPayload reports why a snapshot could not be produced.
type StateRecoveryFailedPayload struct {
	ProjectID string `json:"projectId"`
	Reason    string `json:"reason"`
}

// NewBrowserMessage builds an envelope with a marshaled payload.
func NewBrowserMessage(t BrowserType, payload any) (*BrowserMessage, error) {
	msg := &BrowserMessage{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// NewBatchUpdate wraps updates in a batch-update envelope. Batches absorb
// multiple updates for slow clients; they are never dropped while the
// socket is writable.
func NewBatchUpdate(updates []*Update) (*BrowserMessage, error) {
	return NewBrowserMessage(TypeBatchUpdate, updates)
}

// DecodePayload parses the message payload into v.
func (m *BrowserMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
