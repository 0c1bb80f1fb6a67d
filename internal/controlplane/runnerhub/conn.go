package runnerhub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/events/bus"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

var (
	errInvalidHello = errors.New("invalid hello")
	// ErrRunnerOffline is returned when a frame cannot be delivered
	// because the runner has no live connection.
	ErrRunnerOffline = errors.New("runner not connected")
)

// conn is one live runner connection. All writes go through the send
// channel so the socket has a single producer.
type conn struct {
	hub          *Hub
	ws           *websocket.Conn
	runnerID     string
	userID       string
	connectionID string
	idleTimeout  time.Duration

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// enqueue queues a frame for the writer.
func (c *conn) enqueue(msg *wire.RunnerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrRunnerOffline
	}
}

// sendCommand is the dispatch path handed to the command queue.
func (c *conn) sendCommand(cmd *v1.Command) error {
	msg, err := wire.NewRunnerMessage(wire.KindCommandDispatch, cmd)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
		c.hub.unregister(c)
	})
}

func (c *conn) closeWithGoodbye(reason string) {
	c.hub.sendGoodbye(c.ws, reason)
	c.close()
}

// readPump consumes frames until the connection dies. A runner that sends
// nothing for three heartbeat intervals is considered gone.
func (c *conn) readPump() {
	defer c.close()

	log := c.hub.logger.WithRunnerID(c.runnerID)
	for {
		c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
		var msg wire.RunnerMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("runner read error", zap.Error(err))
			}
			return
		}
		c.dispatch(&msg, log)
	}
}

// writePump drains the send channel onto the socket and emits heartbeats
// on the shared interval so the runner can detect a dead link too.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatIntervalDuration())
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			hb, err := wire.NewRunnerMessage(wire.KindHeartbeat, nil)
			if err != nil {
				continue
			}
			data, err := json.Marshal(hb)
			if err != nil {
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Unknown kinds are ignored for
// forward compatibility.
func (c *conn) dispatch(msg *wire.RunnerMessage, log *logger.Logger) {
	ctx := context.Background()

	switch msg.Kind {
	case wire.KindHeartbeat:
		// The read deadline reset is the whole point.

	case wire.KindRunnerEvent:
		var update wire.Update
		if err := msg.DecodePayload(&update); err != nil {
			log.Warn("bad runner event", zap.Error(err))
			return
		}
		if err := c.hub.runtime.Ingest(ctx, &update); err != nil {
			log.Warn("runner event rejected",
				zap.String("session_id", update.SessionID),
				zap.Error(err))
		}

	case wire.KindCommandAck:
		var ack wire.CommandAckPayload
		if err := msg.DecodePayload(&ack); err != nil {
			log.Warn("bad command ack", zap.Error(err))
			return
		}
		c.hub.queue.Ack(c.runnerID, ack.CommandID)

	case wire.KindCommandResult:
		var result wire.CommandResultPayload
		if err := msg.DecodePayload(&result); err != nil {
			log.Warn("bad command result", zap.Error(err))
			return
		}
		if result.Status == "failed" {
			reason := result.Error
			if reason == "" {
				reason = "command failed on runner"
			}
			if err := c.hub.runtime.FailSession(ctx, result.SessionID, reason); err != nil {
				log.Warn("failed to fail session", zap.Error(err))
			}
		}
		c.hub.queue.Release(c.runnerID, result.SessionID)

	case wire.KindTunnelAnnounced:
		var tunnel wire.TunnelAnnouncedPayload
		if err := msg.DecodePayload(&tunnel); err != nil {
			log.Warn("bad tunnel announcement", zap.Error(err))
			return
		}
		if err := c.hub.store.UpdateProjectRuntime(ctx, tunnel.ProjectID, "", "", 0, tunnel.URL); err != nil {
			log.Warn("failed to store tunnel url", zap.Error(err))
			return
		}
		c.publishProjectStatus(ctx, wire.ProjectStatusPayload{
			ProjectID: tunnel.ProjectID,
			TunnelURL: tunnel.URL,
			Port:      tunnel.Port,
		})

	case wire.KindTunnelFailed:
		var failure wire.TunnelFailedPayload
		if err := msg.DecodePayload(&failure); err != nil {
			log.Warn("bad tunnel failure", zap.Error(err))
			return
		}
		log.Warn("runner reported tunnel failure",
			zap.String("project_id", failure.ProjectID),
			zap.Bool("permanent", failure.Permanent),
			zap.String("error", failure.Error))
		c.publishProjectStatus(ctx, wire.ProjectStatusPayload{
			ProjectID: failure.ProjectID,
			Error:     failure.Error,
		})

	case wire.KindDevServerStatus:
		var status wire.DevServerStatusPayload
		if err := msg.DecodePayload(&status); err != nil {
			log.Warn("bad dev server status", zap.Error(err))
			return
		}
		if err := c.hub.store.UpdateProjectRuntime(ctx, status.ProjectID,
			status.Framework, status.Status, status.Port, ""); err != nil {
			log.Warn("failed to store dev server status", zap.Error(err))
			return
		}
		c.publishProjectStatus(ctx, wire.ProjectStatusPayload{
			ProjectID:       status.ProjectID,
			DevServerStatus: status.Status,
			Port:            status.Port,
			Framework:       status.Framework,
			Error:           status.Error,
		})

	default:
		log.Debug("ignoring unknown runner frame", zap.String("kind", string(msg.Kind)))
	}
}

func (c *conn) publishProjectStatus(ctx context.Context, payload wire.ProjectStatusPayload) {
	event, err := bus.NewEvent(bus.EventTypeProjectStatus, "runnerhub", payload)
	if err != nil {
		return
	}
	if err := c.hub.bus.Publish(ctx, bus.SubjectProjectUpdates(payload.ProjectID), event); err != nil {
		c.hub.logger.Warn("failed to publish project status", zap.Error(err))
	}
}
