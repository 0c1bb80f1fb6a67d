// Package fanout terminates the browser WebSocket channel. Every client
// watches one project; on connect it receives a connected frame and a
// state-recovery snapshot, then live batch-update frames. The hub
// subscribes to the broadcast bus, so fanout works identically whether
// updates were ingested on this instance or another.
package fanout

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/runtime"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	"github.com/codyde/sentryvibe-sub006/internal/events/bus"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

// Hub fans persisted updates out to browser clients.
type Hub struct {
	store   store.Store
	runtime *runtime.Runtime
	bus     bus.EventBus
	logger  *logger.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{} // project ID -> clients
	sub     bus.Subscription
	closed  bool
}

// NewHub creates the fanout hub and subscribes it to the broadcast bus.
func NewHub(st store.Store, rt *runtime.Runtime, eventBus bus.EventBus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		store:   st,
		runtime: rt,
		bus:     eventBus,
		logger:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]struct{}),
	}

	sub, err := eventBus.Subscribe(bus.SubjectAllUpdates, h.onBusEvent)
	if err != nil {
		return nil, err
	}
	h.sub = sub
	return h, nil
}

// HandleWS upgrades a browser connection for one project. An optional
// sessionId query parameter pins the recovery snapshot to a specific
// session instead of the project's latest.
func (h *Hub) HandleWS(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectId is required"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("browser upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		hub:       h,
		ws:        ws,
		id:        uuid.New().String(),
		projectID: projectID,
		sessionID: c.Query("sessionId"),
		updates:   make(chan *wire.Update, updateBuffer),
		frames:    make(chan []byte, frameBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	if h.clients[projectID] == nil {
		h.clients[projectID] = make(map[*client]struct{})
	}
	h.clients[projectID][cl] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("browser connected",
		zap.String("client_id", cl.id),
		zap.String("project_id", projectID))

	go cl.writePump()
	cl.sendFrame(wire.TypeConnected, wire.ConnectedPayload{
		ClientID:  cl.id,
		ProjectID: projectID,
	})
	h.sendRecovery(cl)
	cl.readPump()
}

// sendRecovery builds and sends the state-recovery snapshot for the
// client's pinned session, or the project's latest. Any failure produces
// state-recovery-failed so the browser falls back to a full refetch
// instead of trusting partial state.
func (h *Hub) sendRecovery(cl *client) {
	ctx := context.Background()

	sessionID := cl.sessionID
	if sessionID == "" {
		sess, err := h.store.LatestProjectSession(ctx, cl.projectID)
		if err == store.ErrNotFound {
			// Nothing to recover yet; an empty snapshot is authoritative.
			cl.sendFrame(wire.TypeStateRecovery, wire.Snapshot{})
			return
		}
		if err != nil {
			h.logger.Error("state recovery failed",
				zap.String("project_id", cl.projectID), zap.Error(err))
			cl.sendFrame(wire.TypeStateRecoveryFailed, wire.StateRecoveryFailedPayload{
				ProjectID: cl.projectID,
				Reason:    "failed to load session",
			})
			return
		}
		sessionID = sess.ID
	}

	snap, err := h.store.RecoverySnapshot(ctx, sessionID)
	if err != nil || snap.Session == nil || snap.Session.Status == "" ||
		snap.Session.ProjectID != cl.projectID {
		h.logger.Error("state recovery failed",
			zap.String("session_id", sessionID), zap.Error(err))
		cl.sendFrame(wire.TypeStateRecoveryFailed, wire.StateRecoveryFailedPayload{
			ProjectID: cl.projectID,
			Reason:    "failed to load snapshot",
		})
		return
	}

	// isActive is only true for a session the runtime is still driving;
	// anything else must render as settled history.
	isActive := snap.Session.Status == v1.SessionActive && h.runtime.IsActive(sessionID)
	cl.sendFrame(wire.TypeStateRecovery, wire.Snapshot{
		Session:       snap.Session,
		Todos:         snap.Todos,
		ToolCalls:     snap.ToolCalls,
		PlanningTools: snap.PlanningTools,
		IsActive:      isActive,
	})
}

// onBusEvent routes one bus event to the project's clients.
func (h *Hub) onBusEvent(ctx context.Context, subject string, event *bus.Event) error {
	projectID := projectFromSubject(subject)
	if projectID == "" {
		return nil
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[projectID]))
	for cl := range h.clients[projectID] {
		targets = append(targets, cl)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}

	switch event.Type {
	case bus.EventTypeSessionUpdate:
		var update wire.Update
		if err := event.Decode(&update); err != nil {
			return err
		}
		for _, cl := range targets {
			cl.sendUpdate(&update)
		}

	case bus.EventTypeProjectStatus:
		var payload wire.ProjectStatusPayload
		if err := event.Decode(&payload); err != nil {
			return err
		}
		for _, cl := range targets {
			cl.sendFrame(wire.TypeProjectStatus, payload)
		}

	case bus.EventTypeChatMessage:
		var msg v1.ChatMessage
		if err := event.Decode(&msg); err != nil {
			return err
		}
		for _, cl := range targets {
			cl.sendFrame(wire.TypeChatMessage, msg)
		}
	}
	return nil
}

// handleChatMessage persists a browser chat message and publishes it; the
// bus delivery broadcasts it back to every tab, sender included, so all
// clients see the same stream.
func (h *Hub) handleChatMessage(cl *client, msg *wire.BrowserMessage) {
	ctx := context.Background()

	var chat v1.ChatMessage
	if err := msg.DecodePayload(&chat); err != nil || strings.TrimSpace(chat.Content) == "" {
		return
	}
	chat.ID = uuid.New().String()
	chat.ProjectID = cl.projectID
	if chat.Role == "" {
		chat.Role = v1.RoleUser
	}
	chat.CreatedAt = time.Now().UTC()

	if err := h.store.AppendMessage(ctx, &chat); err != nil {
		h.logger.Error("failed to persist chat message", zap.Error(err))
		return
	}
	event, err := bus.NewEvent(bus.EventTypeChatMessage, "fanout", chat)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, bus.SubjectProjectUpdates(cl.projectID), event); err != nil {
		h.logger.Warn("failed to publish chat message", zap.Error(err))
	}
}

// ClientCount returns the number of clients watching a project.
func (h *Hub) ClientCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[projectID])
}

// Shutdown closes all clients and drops the bus subscription.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for cl := range set {
			all = append(all, cl)
		}
	}
	h.clients = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	if h.sub != nil {
		h.sub.Unsubscribe()
	}
	for _, cl := range all {
		cl.close()
	}
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	if set, ok := h.clients[cl.projectID]; ok {
		delete(set, cl)
		if len(set) == 0 {
			delete(h.clients, cl.projectID)
		}
	}
	h.mu.Unlock()
}

// projectFromSubject extracts the project ID from "project.<id>.updates".
func projectFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != "project" || parts[2] != "updates" {
		return ""
	}
	return parts[1]
}
