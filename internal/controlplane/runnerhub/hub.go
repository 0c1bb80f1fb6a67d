// Package runnerhub terminates the /ws/runner channel: authenticated
// runner daemons connect here, stream canonical build events up, and
// receive command dispatches and cancellations back. One connection per
// runner; a newer connection supersedes the old one.
package runnerhub

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

	"github.com/codyde/sentryvibe-sub006/internal/common/config"
	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/commands"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/keys"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/runtime"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	"github.com/codyde/sentryvibe-sub006/internal/events/bus"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	helloWait      = 10 * time.Second
	maxMessageSize = 4 << 20 // build events can carry large tool output
	sendBuffer     = 256
)

// Hub owns all live runner connections.
type Hub struct {
	runtime *runtime.Runtime
	queue   *commands.Queue
	keys    *keys.Service
	store   store.Store
	bus     bus.EventBus
	cfg     config.BuildConfig
	logger  *logger.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn // keyed by runner ID
}

// NewHub creates the runner hub.
func NewHub(rt *runtime.Runtime, q *commands.Queue, keySvc *keys.Service, st store.Store, eventBus bus.EventBus, cfg config.BuildConfig, log *logger.Logger) *Hub {
	return &Hub{
		runtime: rt,
		queue:   q,
		keys:    keySvc,
		store:   st,
		bus:     eventBus,
		cfg:     cfg,
		logger:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Runners are not browsers; no origin check applies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// HandleWS upgrades a runner connection and runs its session. The goodbye
// frame with reason "unauthorized" is delivered over the upgraded socket
// so the runner knows to stop reconnecting.
func (h *Hub) HandleWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("runner upgrade failed", zap.Error(err))
		return
	}

	key, err := h.keys.Verify(c.Request.Context(), bearerToken(c.Request))
	if err != nil {
		h.logger.Warn("runner rejected", zap.String("remote", c.Request.RemoteAddr))
		h.sendGoodbye(ws, "unauthorized")
		ws.Close()
		return
	}

	cn, err := h.handshake(ws, key)
	if err != nil {
		h.logger.Warn("runner handshake failed", zap.Error(err))
		ws.Close()
		return
	}

	go cn.writePump()
	cn.readPump()
}

// handshake consumes the hello frame and registers the connection.
func (h *Hub) handshake(ws *websocket.Conn, key *v1.RunnerKey) (*conn, error) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(helloWait))

	var msg wire.RunnerMessage
	if err := ws.ReadJSON(&msg); err != nil {
		return nil, err
	}
	if msg.Kind != wire.KindHello {
		h.sendGoodbye(ws, "hello expected")
		return nil, errInvalidHello
	}
	var hello wire.HelloPayload
	if err := msg.DecodePayload(&hello); err != nil || hello.RunnerID == "" {
		h.sendGoodbye(ws, "hello expected")
		return nil, errInvalidHello
	}

	cn := &conn{
		hub:          h,
		ws:           ws,
		runnerID:     hello.RunnerID,
		userID:       key.UserID,
		connectionID: uuid.New().String(),
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		idleTimeout:  3 * h.cfg.HeartbeatIntervalDuration(),
	}

	h.mu.Lock()
	if old, ok := h.conns[cn.runnerID]; ok {
		old.closeWithGoodbye("superseded")
	}
	h.conns[cn.runnerID] = cn
	h.mu.Unlock()

	accepted := h.runtime.ResumeSessions(context.Background(), cn.runnerID, hello.Resume)

	ack, err := wire.NewRunnerMessage(wire.KindHelloAck, wire.HelloAckPayload{
		ConnectionID:      cn.connectionID,
		HeartbeatInterval: int(h.cfg.HeartbeatIntervalDuration().Seconds()),
		ResumeAccepted:    accepted,
	})
	if err != nil {
		return nil, err
	}
	if err := cn.enqueue(ack); err != nil {
		return nil, err
	}

	h.queue.RunnerConnected(cn.runnerID, hello.Concurrency, cn.sendCommand)
	h.logger.Info("runner connected",
		zap.String("runner_id", cn.runnerID),
		zap.String("connection_id", cn.connectionID),
		zap.Int("concurrency", hello.Concurrency),
		zap.Int("resumed", len(accepted)))
	return cn, nil
}

// DispatchCancel sends cancel-build to the session's runner, if connected.
func (h *Hub) DispatchCancel(runnerID, sessionID string) error {
	h.mu.Lock()
	cn, ok := h.conns[runnerID]
	h.mu.Unlock()
	if !ok {
		return ErrRunnerOffline
	}
	msg, err := wire.NewRunnerMessage(wire.KindCancelBuild, wire.CancelBuildPayload{
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}
	return cn.enqueue(msg)
}

// IsConnected reports whether a runner currently holds a live connection.
func (h *Hub) IsConnected(runnerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[runnerID]
	return ok
}

// Shutdown sends goodbye to every runner and closes the hub.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, cn := range h.conns {
		conns = append(conns, cn)
	}
	h.conns = make(map[string]*conn)
	h.mu.Unlock()

	for _, cn := range conns {
		cn.closeWithGoodbye("shutting down")
	}
}

// unregister removes the connection if it is still current, orphaning its
// sessions and parking its queued commands.
func (h *Hub) unregister(cn *conn) {
	h.mu.Lock()
	current := h.conns[cn.runnerID] == cn
	if current {
		delete(h.conns, cn.runnerID)
	}
	h.mu.Unlock()

	if current {
		h.queue.RunnerDisconnected(cn.runnerID)
		h.runtime.RunnerDisconnected(cn.runnerID)
		h.logger.Info("runner disconnected", zap.String("runner_id", cn.runnerID))
	}
}

func (h *Hub) sendGoodbye(ws *websocket.Conn, reason string) {
	msg, err := wire.NewRunnerMessage(wire.KindGoodbye, wire.GoodbyePayload{Reason: reason})
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteJSON(msg)
}

// bearerToken extracts the runner credential from the Authorization
// header, with a query fallback for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
