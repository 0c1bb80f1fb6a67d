package commands

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

type captureSend struct {
	mu   sync.Mutex
	sent []*v1.Command
	ch   chan *v1.Command
}

func newCaptureSend() *captureSend {
	return &captureSend{ch: make(chan *v1.Command, 16)}
}

func (c *captureSend) send(cmd *v1.Command) error {
	c.mu.Lock()
	c.sent = append(c.sent, cmd)
	c.mu.Unlock()
	c.ch <- cmd
	return nil
}

func (c *captureSend) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func cmd(id, sessionID string) *v1.Command {
	return &v1.Command{
		ID:        id,
		RunnerID:  "runner-1",
		ProjectID: "proj-1",
		SessionID: sessionID,
		Prompt:    "build it",
		AgentID:   "claude-code",
		Operation: v1.OperationInitialBuild,
		IssuedAt:  time.Now().UTC(),
	}
}

func TestDispatchRespectsConcurrency(t *testing.T) {
	q := NewQueue(time.Minute, logger.Default())
	send := newCaptureSend()
	q.RunnerConnected("runner-1", 1, send.send)

	require.NoError(t, q.Enqueue(cmd("c1", "s1")))
	require.NoError(t, q.Enqueue(cmd("c2", "s2")))

	first := <-send.ch
	assert.Equal(t, "c1", first.ID)
	assert.Equal(t, 1, send.count())

	// Ack alone does not free the slot; the session has to finish.
	q.Ack("runner-1", "c1")
	assert.Equal(t, 1, send.count())

	q.Release("runner-1", "s1")
	second := <-send.ch
	assert.Equal(t, "c2", second.ID)
}

func TestEnqueueBeforeRunnerConnects(t *testing.T) {
	q := NewQueue(time.Minute, logger.Default())
	require.NoError(t, q.Enqueue(cmd("c1", "s1")))
	assert.Equal(t, 1, q.Depth("runner-1"))

	send := newCaptureSend()
	q.RunnerConnected("runner-1", 2, send.send)
	got := <-send.ch
	assert.Equal(t, "c1", got.ID)
}

func TestDuplicateSessionRejected(t *testing.T) {
	q := NewQueue(time.Minute, logger.Default())
	require.NoError(t, q.Enqueue(cmd("c1", "s1")))
	err := q.Enqueue(cmd("c2", "s1"))
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestAckTimeoutRequeuesSameID(t *testing.T) {
	q := NewQueue(50*time.Millisecond, logger.Default())
	send := newCaptureSend()
	q.RunnerConnected("runner-1", 1, send.send)

	require.NoError(t, q.Enqueue(cmd("c1", "s1")))
	first := <-send.ch
	assert.Equal(t, "c1", first.ID)

	// No ack arrives; the same command is redispatched.
	second := <-send.ch
	assert.Equal(t, "c1", second.ID)
	assert.Equal(t, v1.CommandDispatched, second.Status)
}

func TestDisconnectRequeuesInflight(t *testing.T) {
	q := NewQueue(time.Minute, logger.Default())
	send := newCaptureSend()
	q.RunnerConnected("runner-1", 1, send.send)

	require.NoError(t, q.Enqueue(cmd("c1", "s1")))
	<-send.ch

	q.RunnerDisconnected("runner-1")
	assert.Equal(t, 1, q.Depth("runner-1"))

	// Reconnect delivers the same command again.
	send2 := newCaptureSend()
	q.RunnerConnected("runner-1", 1, send2.send)
	got := <-send2.ch
	assert.Equal(t, "c1", got.ID)
}

func TestReleaseDropsQueuedCommand(t *testing.T) {
	q := NewQueue(time.Minute, logger.Default())
	require.NoError(t, q.Enqueue(cmd("c1", "s1")))
	require.NoError(t, q.Enqueue(cmd("c2", "s2")))

	// Cancel before any runner connects.
	q.Release("runner-1", "s2")
	assert.Equal(t, 1, q.Depth("runner-1"))

	// The session can be enqueued again afterwards.
	require.NoError(t, q.Enqueue(cmd("c3", "s2")))
}
