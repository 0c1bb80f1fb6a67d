package wire

import (
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

// RunnerKind discriminates messages on the runner <-> control plane channel.
type RunnerKind string

// Runner -> control plane.
const (
	KindHello           RunnerKind = "hello"
	KindHeartbeat       RunnerKind = "heartbeat"
	KindRunnerEvent     RunnerKind = "runner-event"
	KindCommandAck      RunnerKind = "command-ack"
	KindCommandResult   RunnerKind = "command-result"
	KindTunnelAnnounced RunnerKind = "tunnel-announced"
	KindTunnelFailed    RunnerKind = "tunnel-failed"
	KindDevServerStatus RunnerKind = "dev-server-status"
)

// Control plane -> runner.
const (
	KindHelloAck        RunnerKind = "hello-ack"
	KindCommandDispatch RunnerKind = "command-dispatch"
	KindCancelBuild     RunnerKind = "cancel-build"
	KindGoodbye         RunnerKind = "goodbye"
)

// RunnerMessage is the envelope for all frames on /ws/runner.
type RunnerMessage struct {
	Kind      RunnerKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// HelloPayload opens the runner channel. Resume lists session ids the
// runner claims to still own from a previous connection.
type HelloPayload struct {
	RunnerID    string   `json:"runnerId"`
	Name        string   `json:"name,omitempty"`
	Version     string   `json:"version,omitempty"`
	Concurrency int      `json:"concurrency"`
	Resume      []string `json:"resume,omitempty"`
}

// HelloAckPayload confirms the handshake. ResumeAccepted is the subset of
// the hello's resume claims the control plane accepted; the runner must
// stop builds for sessions it claimed but did not get back.
type HelloAckPayload struct {
	ConnectionID      string   `json:"connectionId"`
	HeartbeatInterval int      `json:"heartbeatIntervalSeconds"`
	ResumeAccepted    []string `json:"resumeAccepted,omitempty"`
}

// GoodbyePayload closes the channel with a reason. Reason "unauthorized"
// tells the runner to stop reconnecting.
type GoodbyePayload struct {
	Reason string `json:"reason"`
}

// CommandAckPayload acknowledges receipt of a dispatched command.
type CommandAckPayload struct {
	CommandID string `json:"commandId"`
	SessionID string `json:"sessionId"`
}

// CommandResultPayload closes out a command.
type CommandResultPayload struct {
	CommandID string `json:"commandId"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"` // completed | failed
	Error     string `json:"error,omitempty"`
}

// CancelBuildPayload asks the runner to stop the AI process for a session.
type CancelBuildPayload struct {
	SessionID string `json:"sessionId"`
}

// TunnelAnnouncedPayload reports a public tunnel URL for a project.
type TunnelAnnouncedPayload struct {
	ProjectID string `json:"projectId"`
	URL       string `json:"url"`
	Port      int    `json:"port"`
}

// TunnelFailedPayload reports a tunnel that could not be brought up.
// Permanent failures require user action and are not retried.
type TunnelFailedPayload struct {
	ProjectID string `json:"projectId"`
	Error     string `json:"error"`
	Permanent bool   `json:"permanent,omitempty"`
}

// DevServerStatusPayload reports a dev-server state transition.
type DevServerStatusPayload struct {
	ProjectID string             `json:"projectId"`
	Status    v1.DevServerStatus `json:"status"`
	Port      int                `json:"port,omitempty"`
	Framework string             `json:"framework,omitempty"`
	Error     string             `json:"error,omitempty"`
	Permanent bool               `json:"permanent,omitempty"`
}

// NewRunnerMessage builds an envelope with a marshaled payload.
func NewRunnerMessage(kind RunnerKind, payload any) (*RunnerMessage, error) {
	msg := &RunnerMessage{Kind: kind, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// NewRunnerEvent wraps a canonical update in a runner-event envelope.
func NewRunnerEvent(u *Update) (*RunnerMessage, error) {
	return NewRunnerMessage(KindRunnerEvent, u)
}

// DecodePayload parses the message payload into v.
func (m *RunnerMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
