package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

const (
	// Server pings every pingPeriod; a client that misses three is gone.
	pingPeriod = 30 * time.Second
	pongWait   = 3 * pingPeriod

	clientWriteWait = 10 * time.Second
	clientReadLimit = 64 << 10

	updateBuffer = 256
	frameBuffer  = 64

	// maxBatch caps how many queued updates are coalesced into a single
	// batch-update frame for a slow client.
	maxBatch = 64

	// writeFailureLimit closes the client after this many consecutive
	// write failures.
	writeFailureLimit = 2
)

// client is one browser tab. Updates queue on their own channel so the
// writer can coalesce them into batch-update frames; everything else is
// sent as a prebuilt frame.
type client struct {
	hub       *Hub
	ws        *websocket.Conn
	id        string
	projectID string
	// sessionID, when set, pins state recovery to that session.
	sessionID string

	updates chan *wire.Update
	frames  chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
		c.hub.unregister(c)
	})
}

// sendUpdate queues a canonical update for batching. Blocks briefly if
// the client is saturated; updates are not dropped while the socket
// lives.
func (c *client) sendUpdate(u *wire.Update) {
	select {
	case c.updates <- u:
	case <-c.done:
	}
}

// sendFrame queues a complete browser frame.
func (c *client) sendFrame(t wire.BrowserType, payload any) {
	msg, err := wire.NewBrowserMessage(t, payload)
	if err != nil {
		c.hub.logger.Error("failed to build browser frame", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.frames <- data:
	case <-c.done:
	}
}

// readPump consumes browser frames: application heartbeats and chat
// messages. Everything else is ignored.
func (c *client) readPump() {
	defer c.close()

	c.ws.SetReadLimit(clientReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg wire.BrowserMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("browser read error",
					zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case wire.TypeHeartbeat:
			c.sendFrame(wire.TypeHeartbeatAck, nil)
		case wire.TypeChatMessage:
			c.hub.handleChatMessage(c, &msg)
		}
	}
}

// writePump is the socket's single producer. Pending updates are drained
// and coalesced into one batch-update per write so a slow tab receives
// fewer, larger frames instead of falling behind frame by frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	failures := 0
	write := func(messageType int, data []byte) bool {
		c.ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
		if err := c.ws.WriteMessage(messageType, data); err != nil {
			failures++
			return failures < writeFailureLimit
		}
		failures = 0
		return true
	}

	for {
		select {
		case <-c.done:
			return

		case u := <-c.updates:
			batch := []*wire.Update{u}
			for len(batch) < maxBatch {
				select {
				case more := <-c.updates:
					batch = append(batch, more)
				default:
					goto flush
				}
			}
		flush:
			msg, err := wire.NewBatchUpdate(batch)
			if err != nil {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if !write(websocket.TextMessage, data) {
				return
			}

		case data := <-c.frames:
			if !write(websocket.TextMessage, data) {
				return
			}

		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}
