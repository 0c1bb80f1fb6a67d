// Package transport maintains the runner's WebSocket connection to the
// control plane: hello handshake, heartbeats, reconnect with exponential
// backoff, and a single outbound writer. Events queued while the link is
// down are delivered after reconnect; the control plane dedupes replays
// by sequence number.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/runner/config"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	writeWait     = 10 * time.Second
	dialTimeout   = 10 * time.Second
	maxBackoff    = 30 * time.Second
	jitterRange   = 2 * time.Second // +-1s
	outboundQueue = 1024
)

// ErrStopped is returned when the client has shut down permanently.
var ErrStopped = errors.New("transport stopped")

// Handler receives inbound control-plane frames.
type Handler interface {
	// HandleCommand runs a dispatched build command.
	HandleCommand(cmd *v1.Command)
	// HandleCancel stops the build for a session.
	HandleCancel(sessionID string)
	// ResumeClaims lists sessions the runner still owns, sent in hello.
	ResumeClaims() []string
	// HandleResumeAccepted reports which claims the control plane kept.
	// Claimed sessions not in the list must be stopped locally.
	HandleResumeAccepted(accepted []string)
}

// Client is the runner-side connection manager.
type Client struct {
	cfg     *config.Config
	handler Handler
	logger  *logger.Logger

	send chan []byte

	mu      sync.Mutex
	state   State
	attempt int

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a transport client. A Handler must be attached with
// SetHandler before Run.
func New(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "transport")),
		send:   make(chan []byte, outboundQueue),
		stop:   make(chan struct{}),
	}
}

// SetHandler attaches the inbound frame handler. Must be called before
// Run; the client and its handler reference each other, so construction
// happens in two steps.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Close stops the client permanently.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		c.setState(StateStopped)
		close(c.stop)
	})
}

// SendEvent queues a canonical update for delivery. Blocks when the
// outbound queue is full; events are never dropped while the client
// lives.
func (c *Client) SendEvent(u *wire.Update) error {
	msg, err := wire.NewRunnerEvent(u)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

// SendMessage queues an arbitrary runner frame.
func (c *Client) SendMessage(kind wire.RunnerKind, payload any) error {
	msg, err := wire.NewRunnerMessage(kind, payload)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (c *Client) enqueue(msg *wire.RunnerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.stop:
		return ErrStopped
	}
}

// Run drives the connect/backoff loop until ctx ends or Close is called.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.stop:
			return
		default:
		}

		c.setState(StateConnecting)
		if err := c.session(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				return
			}
			c.logger.Warn("connection lost", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.stop:
			return
		default:
		}

		c.setState(StateBackoff)
		delay := c.nextBackoff()
		c.logger.Info("reconnecting", zap.Duration("after", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.Close()
			return
		case <-c.stop:
			return
		}
	}
}

// nextBackoff returns 2^n seconds capped at 30s, with +-1s jitter.
func (c *Client) nextBackoff() time.Duration {
	c.mu.Lock()
	attempt := c.attempt
	c.attempt++
	c.mu.Unlock()

	if attempt > 5 {
		attempt = 5
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > maxBackoff {
		delay = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(jitterRange))) - jitterRange/2
	if delay+jitter < time.Second {
		return time.Second
	}
	return delay + jitter
}

// session runs one connection: dial, hello, pumps. Returns when the
// connection dies.
func (c *Client) session(ctx context.Context) error {
	url := strings.TrimRight(c.cfg.ControlPlane, "/") + "/ws/runner"
	header := http.Header{}
	if c.cfg.RunnerKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.RunnerKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	hello, err := wire.NewRunnerMessage(wire.KindHello, wire.HelloPayload{
		RunnerID:    c.cfg.RunnerID,
		Name:        c.cfg.Name,
		Concurrency: c.cfg.Concurrency,
		Resume:      c.handler.ResumeClaims(),
	})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	// The writer owns the socket for writes; readLoop signals it to stop.
	connDone := make(chan struct{})
	var closeDone sync.Once
	finish := func() { closeDone.Do(func() { close(connDone); ws.Close() }) }
	defer finish()

	go c.writePump(ws, connDone, finish)

	return c.readLoop(ws, finish)
}

func (c *Client) writePump(ws *websocket.Conn, connDone chan struct{}, finish func()) {
	ticker := time.NewTicker(c.cfg.HeartbeatIntervalDuration())
	defer func() {
		ticker.Stop()
		finish()
	}()

	for {
		select {
		case <-connDone:
			return
		case <-c.stop:
			return
		case data := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			hb, err := wire.NewRunnerMessage(wire.KindHeartbeat, nil)
			if err != nil {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(hb); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn, finish func()) error {
	defer finish()

	// The control plane heartbeats on the shared interval; a link that
	// stays silent for three of them is dead, even if TCP disagrees.
	idle := 3 * c.cfg.HeartbeatIntervalDuration()
	for {
		ws.SetReadDeadline(time.Now().Add(idle))
		var msg wire.RunnerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}

		switch msg.Kind {
		case wire.KindHeartbeat:
			// The read deadline reset above is all a heartbeat does.

		case wire.KindHelloAck:
			var ack wire.HelloAckPayload
			if err := msg.DecodePayload(&ack); err != nil {
				c.logger.Warn("bad hello-ack", zap.Error(err))
				continue
			}
			c.mu.Lock()
			c.state = StateConnected
			c.attempt = 0
			c.mu.Unlock()
			c.handler.HandleResumeAccepted(ack.ResumeAccepted)
			c.logger.Info("connected to control plane",
				zap.String("connection_id", ack.ConnectionID))

		case wire.KindCommandDispatch:
			var cmd v1.Command
			if err := msg.DecodePayload(&cmd); err != nil {
				c.logger.Warn("bad command dispatch", zap.Error(err))
				continue
			}
			c.handler.HandleCommand(&cmd)

		case wire.KindCancelBuild:
			var cancel wire.CancelBuildPayload
			if err := msg.DecodePayload(&cancel); err != nil {
				c.logger.Warn("bad cancel", zap.Error(err))
				continue
			}
			c.handler.HandleCancel(cancel.SessionID)

		case wire.KindGoodbye:
			var goodbye wire.GoodbyePayload
			_ = msg.DecodePayload(&goodbye)
			if goodbye.Reason == "unauthorized" {
				// Reconnecting with the same credential is pointless.
				c.logger.Error("control plane rejected credentials, stopping")
				c.Close()
				return ErrStopped
			}
			c.logger.Info("control plane said goodbye",
				zap.String("reason", goodbye.Reason))
			return fmt.Errorf("server closed: %s", goodbye.Reason)

		default:
			c.logger.Debug("ignoring unknown frame", zap.String("kind", string(msg.Kind)))
		}
	}
}
