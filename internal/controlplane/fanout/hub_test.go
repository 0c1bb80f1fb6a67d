package fanout

import (
	"context"
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
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/runtime"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store/sqlite"
	"github.com/codyde/sentryvibe-sub006/internal/events/bus"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

type testEnv struct {
	hub    *Hub
	store  *sqlite.Store
	bus    *bus.MemoryEventBus
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	st, err := sqlite.New(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	rt := runtime.New(st, eventBus, config.BuildConfig{
		HeartbeatInterval: 15, CancelGrace: 60, OrphanResume: 600, AckTimeout: 10,
	}, log)
	t.Cleanup(rt.Shutdown)

	hub, err := NewHub(st, rt, eventBus, log)
	require.NoError(t, err)
	t.Cleanup(hub.Shutdown)

	router := gin.New()
	router.GET("/ws", hub.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{hub: hub, store: st, bus: eventBus, server: server}
}

func (e *testEnv) dial(t *testing.T, projectID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?projectId=" + projectID
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *wire.BrowserMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wire.BrowserMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return &msg
}

func seedSession(t *testing.T, st *sqlite.Store, projectID, sessionID string, status v1.SessionStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertProject(ctx, &v1.Project{
		ID: projectID, Slug: projectID, OwnerID: "user-1",
	}))
	require.NoError(t, st.UpsertSession(ctx, &v1.Session{
		ID:            sessionID,
		ProjectID:     projectID,
		BuildID:       "build-1",
		AgentID:       "claude-code",
		Status:        status,
		OperationType: v1.OperationInitialBuild,
		StartedAt:     time.Now().UTC(),
	}))
}

func TestConnectSendsConnectedThenRecovery(t *testing.T) {
	env := newTestEnv(t)
	seedSession(t, env.store, "proj-1", "sess-1", v1.SessionCompleted)

	ws := env.dial(t, "proj-1")

	first := readFrame(t, ws)
	require.Equal(t, wire.TypeConnected, first.Type)
	var connected wire.ConnectedPayload
	require.NoError(t, first.DecodePayload(&connected))
	assert.Equal(t, "proj-1", connected.ProjectID)
	assert.NotEmpty(t, connected.ClientID)

	second := readFrame(t, ws)
	require.Equal(t, wire.TypeStateRecovery, second.Type)
	var snap wire.Snapshot
	require.NoError(t, second.DecodePayload(&snap))
	require.NotNil(t, snap.Session)
	assert.Equal(t, "sess-1", snap.Session.ID)
	// A completed session can never present as live.
	assert.False(t, snap.IsActive)
}

func TestRecoveryHonorsRequestedSession(t *testing.T) {
	env := newTestEnv(t)
	seedSession(t, env.store, "proj-1", "sess-old", v1.SessionCompleted)
	require.NoError(t, env.store.UpsertSession(context.Background(), &v1.Session{
		ID:            "sess-new",
		ProjectID:     "proj-1",
		BuildID:       "build-2",
		AgentID:       "claude-code",
		Status:        v1.SessionActive,
		OperationType: v1.OperationEnhancement,
		StartedAt:     time.Now().UTC(),
	}))

	// Asking for the historical session must not serve the latest one.
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/ws?projectId=proj-1&sessionId=sess-old"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })

	readFrame(t, ws) // connected
	frame := readFrame(t, ws)
	require.Equal(t, wire.TypeStateRecovery, frame.Type)
	var snap wire.Snapshot
	require.NoError(t, frame.DecodePayload(&snap))
	require.NotNil(t, snap.Session)
	assert.Equal(t, "sess-old", snap.Session.ID)
	assert.False(t, snap.IsActive)
}

func TestRecoveryForForeignSessionFails(t *testing.T) {
	env := newTestEnv(t)
	seedSession(t, env.store, "proj-1", "sess-1", v1.SessionActive)
	seedSession(t, env.store, "proj-2", "sess-2", v1.SessionActive)

	// A session belonging to another project is not served.
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/ws?projectId=proj-1&sessionId=sess-2"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })

	readFrame(t, ws) // connected
	frame := readFrame(t, ws)
	assert.Equal(t, wire.TypeStateRecoveryFailed, frame.Type)
}

func TestRecoveryWithNoSessionsIsEmptySnapshot(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.UpsertProject(context.Background(), &v1.Project{
		ID: "proj-1", Slug: "proj-1", OwnerID: "user-1",
	}))

	ws := env.dial(t, "proj-1")
	readFrame(t, ws) // connected

	frame := readFrame(t, ws)
	require.Equal(t, wire.TypeStateRecovery, frame.Type)
	var snap wire.Snapshot
	require.NoError(t, frame.DecodePayload(&snap))
	assert.Nil(t, snap.Session)
}

func TestBusUpdateReachesAllTabs(t *testing.T) {
	env := newTestEnv(t)
	seedSession(t, env.store, "proj-1", "sess-1", v1.SessionActive)

	tab1 := env.dial(t, "proj-1")
	tab2 := env.dial(t, "proj-1")
	for _, ws := range []*websocket.Conn{tab1, tab2} {
		readFrame(t, ws) // connected
		readFrame(t, ws) // state-recovery
	}

	update, err := wire.NewUpdate(wire.UpdateTextDelta, "sess-1",
		wire.TextDeltaPayload{Delta: "hi"})
	require.NoError(t, err)
	event, err := bus.NewEvent(bus.EventTypeSessionUpdate, "test", update)
	require.NoError(t, err)
	require.NoError(t, env.bus.Publish(context.Background(),
		bus.SubjectProjectUpdates("proj-1"), event))

	for _, ws := range []*websocket.Conn{tab1, tab2} {
		frame := readFrame(t, ws)
		require.Equal(t, wire.TypeBatchUpdate, frame.Type)
		var batch []*wire.Update
		require.NoError(t, frame.DecodePayload(&batch))
		require.Len(t, batch, 1)
		assert.Equal(t, wire.UpdateTextDelta, batch[0].Type)
	}
}

func TestUpdateForOtherProjectNotDelivered(t *testing.T) {
	env := newTestEnv(t)
	seedSession(t, env.store, "proj-1", "sess-1", v1.SessionActive)

	ws := env.dial(t, "proj-1")
	readFrame(t, ws)
	readFrame(t, ws)

	update, err := wire.NewUpdate(wire.UpdateTextDelta, "sess-other",
		wire.TextDeltaPayload{Delta: "x"})
	require.NoError(t, err)
	event, err := bus.NewEvent(bus.EventTypeSessionUpdate, "test", update)
	require.NoError(t, err)
	require.NoError(t, env.bus.Publish(context.Background(),
		bus.SubjectProjectUpdates("proj-other"), event))

	ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg wire.BrowserMessage
	err = ws.ReadJSON(&msg)
	assert.Error(t, err)
}

func TestHeartbeatGetsAck(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.UpsertProject(context.Background(), &v1.Project{
		ID: "proj-1", Slug: "proj-1", OwnerID: "user-1",
	}))

	ws := env.dial(t, "proj-1")
	readFrame(t, ws)
	readFrame(t, ws)

	hb, err := wire.NewBrowserMessage(wire.TypeHeartbeat, nil)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(hb))

	frame := readFrame(t, ws)
	assert.Equal(t, wire.TypeHeartbeatAck, frame.Type)
}

func TestChatMessagePersistsAndBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.UpsertProject(context.Background(), &v1.Project{
		ID: "proj-1", Slug: "proj-1", OwnerID: "user-1",
	}))

	sender := env.dial(t, "proj-1")
	watcher := env.dial(t, "proj-1")
	for _, ws := range []*websocket.Conn{sender, watcher} {
		readFrame(t, ws)
		readFrame(t, ws)
	}

	chat, err := wire.NewBrowserMessage(wire.TypeChatMessage, v1.ChatMessage{
		Content: "make the hero section blue",
	})
	require.NoError(t, err)
	require.NoError(t, sender.WriteJSON(chat))

	// Both tabs, sender included, receive the broadcast.
	for _, ws := range []*websocket.Conn{sender, watcher} {
		frame := readFrame(t, ws)
		require.Equal(t, wire.TypeChatMessage, frame.Type)
		var msg v1.ChatMessage
		require.NoError(t, frame.DecodePayload(&msg))
		assert.Equal(t, "make the hero section blue", msg.Content)
		assert.Equal(t, v1.RoleUser, msg.Role)
	}

	msgs, err := env.store.ListMessages(context.Background(), "proj-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestProjectFromSubject(t *testing.T) {
	assert.Equal(t, "abc", projectFromSubject("project.abc.updates"))
	assert.Empty(t, projectFromSubject("project.abc.other"))
	assert.Empty(t, projectFromSubject("task.abc.updates"))
}
