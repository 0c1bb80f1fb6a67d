// Package commands implements per-runner command dispatch: a FIFO queue
// per runner, bounded by the runner's advertised concurrency, with
// at-least-once delivery. Dispatched commands that are not acknowledged
// in time are requeued at the front with the same command ID so the
// runner can deduplicate.
package commands

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

// SendFunc delivers a command to a connected runner.
type SendFunc func(cmd *v1.Command) error

// ErrDuplicateSession is returned when a command for a session is already
// queued, dispatched, or running on the runner.
var ErrDuplicateSession = fmt.Errorf("session already has a command in flight")

// Queue tracks command dispatch across all runners.
type Queue struct {
	mu         sync.Mutex
	runners    map[string]*runnerQueue
	ackTimeout time.Duration
	logger     *logger.Logger
}

type runnerQueue struct {
	pending  []*v1.Command
	inflight map[string]*inflightCommand // command ID -> awaiting ack
	active   map[string]string           // command ID -> session ID, acked and running
	sessions map[string]struct{}         // sessions with any live command
	slots    int
	send     SendFunc // nil while the runner is disconnected
}

type inflightCommand struct {
	cmd   *v1.Command
	timer *time.Timer
}

// NewQueue creates a dispatch queue.
func NewQueue(ackTimeout time.Duration, log *logger.Logger) *Queue {
	return &Queue{
		runners:    make(map[string]*runnerQueue),
		ackTimeout: ackTimeout,
		logger:     log,
	}
}

func (q *Queue) runner(runnerID string) *runnerQueue {
	rq, ok := q.runners[runnerID]
	if !ok {
		rq = &runnerQueue{
			inflight: make(map[string]*inflightCommand),
			active:   make(map[string]string),
			sessions: make(map[string]struct{}),
			slots:    1,
		}
		q.runners[runnerID] = rq
	}
	return rq
}

// Enqueue queues a command for its runner, dispatching immediately when a
// slot is free. At most one command per session may be live on a runner.
func (q *Queue) Enqueue(cmd *v1.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq := q.runner(cmd.RunnerID)
	if _, dup := rq.sessions[cmd.SessionID]; dup {
		return ErrDuplicateSession
	}
	rq.sessions[cmd.SessionID] = struct{}{}
	cmd.Status = v1.CommandQueued
	rq.pending = append(rq.pending, cmd)

	q.logger.Info("command queued",
		zap.String("command_id", cmd.ID),
		zap.String("runner_id", cmd.RunnerID),
		zap.String("session_id", cmd.SessionID))
	q.pump(cmd.RunnerID, rq)
	return nil
}

// RunnerConnected registers a live delivery path and the runner's
// concurrency, then drains whatever is queued.
func (q *Queue) RunnerConnected(runnerID string, concurrency int, send SendFunc) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	rq := q.runner(runnerID)
	rq.slots = concurrency
	rq.send = send
	q.pump(runnerID, rq)
}

// RunnerDisconnected stops delivery. Unacked commands return to the front
// of the queue with their IDs intact.
func (q *Queue) RunnerDisconnected(runnerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq, ok := q.runners[runnerID]
	if !ok {
		return
	}
	rq.send = nil
	for id, inf := range rq.inflight {
		inf.timer.Stop()
		inf.cmd.Status = v1.CommandQueued
		rq.pending = append([]*v1.Command{inf.cmd}, rq.pending...)
		delete(rq.inflight, id)
	}
}

// Ack marks a dispatched command as accepted by the runner. The session
// stays occupied until Release.
func (q *Queue) Ack(runnerID, commandID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq, ok := q.runners[runnerID]
	if !ok {
		return
	}
	inf, ok := rq.inflight[commandID]
	if !ok {
		return
	}
	inf.timer.Stop()
	delete(rq.inflight, commandID)
	inf.cmd.Status = v1.CommandAcknowledged
	rq.active[commandID] = inf.cmd.SessionID
}

// Release frees the slot held by a session once its build reached a
// terminal state, then dispatches the next queued command.
func (q *Queue) Release(runnerID, sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq, ok := q.runners[runnerID]
	if !ok {
		return
	}
	delete(rq.sessions, sessionID)
	for id, sid := range rq.active {
		if sid == sessionID {
			delete(rq.active, id)
		}
	}
	// A command can also die before ack (e.g. rejected by the runner).
	for id, inf := range rq.inflight {
		if inf.cmd.SessionID == sessionID {
			inf.timer.Stop()
			delete(rq.inflight, id)
		}
	}
	for i, cmd := range rq.pending {
		if cmd.SessionID == sessionID {
			rq.pending = append(rq.pending[:i], rq.pending[i+1:]...)
			break
		}
	}
	q.pump(runnerID, rq)
}

// Depth returns the number of live commands for a runner.
func (q *Queue) Depth(runnerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq, ok := q.runners[runnerID]
	if !ok {
		return 0
	}
	return len(rq.pending) + len(rq.inflight) + len(rq.active)
}

// pump dispatches pending commands while slots are free. Caller holds the
// lock.
func (q *Queue) pump(runnerID string, rq *runnerQueue) {
	for rq.send != nil && len(rq.pending) > 0 &&
		len(rq.inflight)+len(rq.active) < rq.slots {
		cmd := rq.pending[0]
		rq.pending = rq.pending[1:]

		if err := rq.send(cmd); err != nil {
			q.logger.Warn("command dispatch failed, requeueing",
				zap.String("command_id", cmd.ID),
				zap.Error(err))
			rq.pending = append([]*v1.Command{cmd}, rq.pending...)
			return
		}
		cmd.Status = v1.CommandDispatched

		inf := &inflightCommand{cmd: cmd}
		inf.timer = time.AfterFunc(q.ackTimeout, func() {
			q.requeue(runnerID, cmd.ID)
		})
		rq.inflight[cmd.ID] = inf
		q.logger.Info("command dispatched",
			zap.String("command_id", cmd.ID),
			zap.String("runner_id", runnerID))
	}
}

// requeue returns an unacked command to the front of the queue.
func (q *Queue) requeue(runnerID, commandID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq, ok := q.runners[runnerID]
	if !ok {
		return
	}
	inf, ok := rq.inflight[commandID]
	if !ok {
		return
	}
	delete(rq.inflight, commandID)
	inf.cmd.Status = v1.CommandQueued
	rq.pending = append([]*v1.Command{inf.cmd}, rq.pending...)
	q.logger.Warn("command ack timed out, requeued",
		zap.String("command_id", commandID),
		zap.String("runner_id", runnerID))
	q.pump(runnerID, rq)
}
