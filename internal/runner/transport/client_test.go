package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/runner/config"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

type recordingHandler struct {
	mu       sync.Mutex
	commands []*v1.Command
	cancels  []string
	accepted [][]string
	claims   []string
}

func (h *recordingHandler) HandleCommand(cmd *v1.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd)
}

func (h *recordingHandler) HandleCancel(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancels = append(h.cancels, sessionID)
}

func (h *recordingHandler) ResumeClaims() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.claims
}

func (h *recordingHandler) HandleResumeAccepted(accepted []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepted = append(h.accepted, accepted)
}

// fakeControlPlane upgrades /ws/runner, validates the bearer, and hands
// the socket to fn.
func fakeControlPlane(t *testing.T, fn func(ws *websocket.Conn, hello wire.HelloPayload)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/runner" {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		var msg wire.RunnerMessage
		require.NoError(t, ws.ReadJSON(&msg))
		require.Equal(t, wire.KindHello, msg.Kind)
		var hello wire.HelloPayload
		require.NoError(t, msg.DecodePayload(&hello))
		fn(ws, hello)
	}))
}

func testClient(t *testing.T, serverURL string, handler Handler) *Client {
	t.Helper()
	cfg := &config.Config{
		RunnerID:          "r1",
		ControlPlane:      "ws" + strings.TrimPrefix(serverURL, "http"),
		RunnerKey:         "svk_test",
		Concurrency:       2,
		HeartbeatInterval: 1,
	}
	c := New(cfg, logger.Default())
	c.SetHandler(handler)
	return c
}

func ack(t *testing.T, ws *websocket.Conn, accepted []string) {
	t.Helper()
	msg, err := wire.NewRunnerMessage(wire.KindHelloAck, wire.HelloAckPayload{
		ConnectionID:      "conn-1",
		HeartbeatInterval: 1,
		ResumeAccepted:    accepted,
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(msg))
}

func TestHandshakeAndCommandDispatch(t *testing.T) {
	handler := &recordingHandler{claims: []string{"s-old"}}
	done := make(chan struct{})

	server := fakeControlPlane(t, func(ws *websocket.Conn, hello wire.HelloPayload) {
		assert.Equal(t, "r1", hello.RunnerID)
		assert.Equal(t, 2, hello.Concurrency)
		assert.Equal(t, []string{"s-old"}, hello.Resume)

		ack(t, ws, []string{"s-old"})

		dispatch, err := wire.NewRunnerMessage(wire.KindCommandDispatch, &v1.Command{
			ID: "cmd-1", SessionID: "s1", Prompt: "go",
		})
		require.NoError(t, err)
		require.NoError(t, ws.WriteJSON(dispatch))

		cancel, err := wire.NewRunnerMessage(wire.KindCancelBuild, wire.CancelBuildPayload{SessionID: "s1"})
		require.NoError(t, err)
		require.NoError(t, ws.WriteJSON(cancel))

		<-done
	})
	defer server.Close()

	client := testClient(t, server.URL, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Close()

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.commands) == 1 && len(handler.cancels) == 1
	}, 5*time.Second, 10*time.Millisecond)

	handler.mu.Lock()
	assert.Equal(t, "cmd-1", handler.commands[0].ID)
	assert.Equal(t, "s1", handler.cancels[0])
	assert.Equal(t, [][]string{{"s-old"}}, handler.accepted)
	handler.mu.Unlock()
	assert.Equal(t, StateConnected, client.State())
	close(done)
}

func TestEventsQueuedWhileDisconnectedAreDelivered(t *testing.T) {
	handler := &recordingHandler{}
	received := make(chan *wire.Update, 1)

	server := fakeControlPlane(t, func(ws *websocket.Conn, hello wire.HelloPayload) {
		ack(t, ws, nil)
		for {
			var msg wire.RunnerMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Kind != wire.KindRunnerEvent {
				continue
			}
			var u wire.Update
			require.NoError(t, msg.DecodePayload(&u))
			received <- &u
			return
		}
	})
	defer server.Close()

	client := testClient(t, server.URL, handler)

	// Queue before any connection exists.
	u, err := wire.NewUpdate(wire.UpdateTextDelta, "s1", wire.TextDeltaPayload{Delta: "hi"})
	require.NoError(t, err)
	u.Seq = 7
	require.NoError(t, client.SendEvent(u))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Close()

	select {
	case got := <-received:
		assert.Equal(t, "s1", got.SessionID)
		assert.Equal(t, uint64(7), got.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("queued event never delivered")
	}
}

func TestUnauthorizedGoodbyeStopsReconnecting(t *testing.T) {
	handler := &recordingHandler{}
	server := fakeControlPlane(t, func(ws *websocket.Conn, hello wire.HelloPayload) {
		goodbye, err := wire.NewRunnerMessage(wire.KindGoodbye, wire.GoodbyePayload{Reason: "unauthorized"})
		require.NoError(t, err)
		require.NoError(t, ws.WriteJSON(goodbye))
	})
	defer server.Close()

	client := testClient(t, server.URL, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("client kept running after unauthorized goodbye")
	}
	assert.Equal(t, StateStopped, client.State())
}

func TestSilentServerTriggersReconnect(t *testing.T) {
	handler := &recordingHandler{}
	release := make(chan struct{})
	var mu sync.Mutex
	dials := 0

	server := fakeControlPlane(t, func(ws *websocket.Conn, hello wire.HelloPayload) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		ack(t, ws, nil)
		if n == 1 {
			// Hold the first socket open without sending anything; the
			// idle deadline must cut the link and force a redial.
			<-release
		}
	})
	defer server.Close()
	defer close(release)

	client := testClient(t, server.URL, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	}, 8*time.Second, 50*time.Millisecond)
}

func TestNextBackoffBounds(t *testing.T) {
	c := New(&config.Config{}, logger.Default())

	first := c.nextBackoff()
	assert.GreaterOrEqual(t, first, time.Second)
	assert.LessOrEqual(t, first, 2*time.Second)

	// Many failures later the delay stays capped near 30s.
	c.mu.Lock()
	c.attempt = 40
	c.mu.Unlock()
	capped := c.nextBackoff()
	assert.LessOrEqual(t, capped, maxBackoff+time.Second)
	assert.GreaterOrEqual(t, capped, maxBackoff-time.Second)
}
