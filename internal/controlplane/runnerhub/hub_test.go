package runnerhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codyde/sentryvibe-sub006/internal/common/config"
	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/commands"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/keys"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/runtime"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store/sqlite"
	"github.com/codyde/sentryvibe-sub006/internal/events/bus"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

const testSecret = "shared-secret-for-tests"

type testEnv struct {
	hub     *Hub
	store   *sqlite.Store
	queue   *commands.Queue
	runtime *runtime.Runtime
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.BuildConfig{
		HeartbeatInterval: 15, CancelGrace: 60, OrphanResume: 600, AckTimeout: 10,
	})
}

func newTestEnvWithConfig(t *testing.T, buildCfg config.BuildConfig) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	st, err := sqlite.New(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	rt := runtime.New(st, eventBus, buildCfg, log)
	t.Cleanup(rt.Shutdown)

	queue := commands.NewQueue(buildCfg.AckTimeoutDuration(), log)
	rt.SetFinalizedHook(func(runnerID, sessionID string) {
		queue.Release(runnerID, sessionID)
	})
	keySvc := keys.NewService(st, testSecret, log)

	hub := NewHub(rt, queue, keySvc, st, eventBus, buildCfg, log)
	t.Cleanup(hub.Shutdown)

	router := gin.New()
	router.GET("/ws/runner", hub.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{hub: hub, store: st, queue: queue, runtime: rt, server: server}
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/runner"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendHello(t *testing.T, ws *websocket.Conn, runnerID string, concurrency int, resume []string) {
	t.Helper()
	msg, err := wire.NewRunnerMessage(wire.KindHello, wire.HelloPayload{
		RunnerID:    runnerID,
		Concurrency: concurrency,
		Resume:      resume,
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(msg))
}

func readKind(t *testing.T, ws *websocket.Conn) *wire.RunnerMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg wire.RunnerMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return &msg
}

func seedSession(t *testing.T, st *sqlite.Store, projectID, sessionID, runnerID string, status v1.SessionStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertProject(ctx, &v1.Project{
		ID: projectID, Slug: projectID, OwnerID: "user-1", RunnerID: runnerID,
	}))
	require.NoError(t, st.UpsertSession(ctx, &v1.Session{
		ID:            sessionID,
		ProjectID:     projectID,
		BuildID:       "build-1",
		AgentID:       "claude-code",
		RunnerID:      runnerID,
		Status:        status,
		OperationType: v1.OperationInitialBuild,
		StartedAt:     time.Now().UTC(),
	}))
}

func TestUnauthorizedRunnerGetsGoodbye(t *testing.T) {
	env := newTestEnv(t)

	ws := env.dial(t, "wrong-secret")
	msg := readKind(t, ws)
	require.Equal(t, wire.KindGoodbye, msg.Kind)
	var goodbye wire.GoodbyePayload
	require.NoError(t, msg.DecodePayload(&goodbye))
	assert.Equal(t, "unauthorized", goodbye.Reason)
}

func TestHandshakeAndCommandDelivery(t *testing.T) {
	env := newTestEnv(t)
	seedSession(t, env.store, "p1", "s1", "r1", v1.SessionPending)

	require.NoError(t, env.queue.Enqueue(&v1.Command{
		ID: "cmd-1", RunnerID: "r1", ProjectID: "p1", SessionID: "s1",
		Prompt: "build", IssuedAt: time.Now().UTC(),
	}))

	ws := env.dial(t, testSecret)
	sendHello(t, ws, "r1", 1, nil)

	msg := readKind(t, ws)
	require.Equal(t, wire.KindHelloAck, msg.Kind)
	var ack wire.HelloAckPayload
	require.NoError(t, msg.DecodePayload(&ack))
	assert.NotEmpty(t, ack.ConnectionID)
	assert.Equal(t, 15, ack.HeartbeatInterval)
	assert.True(t, env.hub.IsConnected("r1"))

	// The queued command flows out once the slot opens.
	msg = readKind(t, ws)
	require.Equal(t, wire.KindCommandDispatch, msg.Kind)
	var cmd v1.Command
	require.NoError(t, msg.DecodePayload(&cmd))
	assert.Equal(t, "cmd-1", cmd.ID)

	ackMsg, err := wire.NewRunnerMessage(wire.KindCommandAck, wire.CommandAckPayload{
		CommandID: "cmd-1", SessionID: "s1",
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(ackMsg))

	// Stream a build to completion over the socket.
	for i, payload := range []struct {
		typ  wire.UpdateType
		body any
	}{
		{wire.UpdateStart, wire.StartPayload{SessionID: "s1", BuildID: "build-1", ProjectID: "p1", AgentID: "claude-code"}},
		{wire.UpdateBuildComplete, wire.BuildCompletePayload{Status: v1.SessionCompleted, Summary: "done"}},
	} {
		u, err := wire.NewUpdate(payload.typ, "s1", payload.body)
		require.NoError(t, err)
		u.Seq = uint64(i + 1)
		event, err := wire.NewRunnerEvent(u)
		require.NoError(t, err)
		require.NoError(t, ws.WriteJSON(event))
	}

	require.Eventually(t, func() bool {
		sess, err := env.store.GetSession(context.Background(), "s1")
		return err == nil && sess.Status == v1.SessionCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestResumeClaimAccepted(t *testing.T) {
	env := newTestEnv(t)
	seedSession(t, env.store, "p2", "s2", "r2", v1.SessionActive)

	ws := env.dial(t, testSecret)
	sendHello(t, ws, "r2", 1, []string{"s2", "s-unknown"})

	msg := readKind(t, ws)
	require.Equal(t, wire.KindHelloAck, msg.Kind)
	var ack wire.HelloAckPayload
	require.NoError(t, msg.DecodePayload(&ack))
	assert.Equal(t, []string{"s2"}, ack.ResumeAccepted)
}

func TestNewConnectionSupersedesOld(t *testing.T) {
	env := newTestEnv(t)

	first := env.dial(t, testSecret)
	sendHello(t, first, "r3", 1, nil)
	require.Equal(t, wire.KindHelloAck, readKind(t, first).Kind)

	second := env.dial(t, testSecret)
	sendHello(t, second, "r3", 1, nil)
	require.Equal(t, wire.KindHelloAck, readKind(t, second).Kind)

	// The first socket is told it was replaced.
	var sawGoodbye bool
	for i := 0; i < 3; i++ {
		first.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg wire.RunnerMessage
		if err := first.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Kind == wire.KindGoodbye {
			sawGoodbye = true
			break
		}
	}
	assert.True(t, sawGoodbye)
	assert.True(t, env.hub.IsConnected("r3"))
}

func TestHubHeartbeatsConnectedRunner(t *testing.T) {
	env := newTestEnvWithConfig(t, config.BuildConfig{
		HeartbeatInterval: 1, CancelGrace: 60, OrphanResume: 600, AckTimeout: 10,
	})

	ws := env.dial(t, testSecret)
	sendHello(t, ws, "r-hb", 1, nil)
	require.Equal(t, wire.KindHelloAck, readKind(t, ws).Kind)

	// With nothing else to send, the next frame is a heartbeat.
	msg := readKind(t, ws)
	assert.Equal(t, wire.KindHeartbeat, msg.Kind)
}

func TestDispatchCancelOffline(t *testing.T) {
	env := newTestEnv(t)
	assert.ErrorIs(t, env.hub.DispatchCancel("ghost", "s9"), ErrRunnerOffline)
}
