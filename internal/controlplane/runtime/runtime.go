// Package runtime owns the in-memory session table on the control plane.
// Every update for a session flows through that session's serial handler:
// validate, persist, then publish on the broadcast bus. The runtime is the
// only authority for terminal session state; runner disconnects, cancel
// grace periods, and orphan deadlines all resolve here.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/config"
	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	"github.com/codyde/sentryvibe-sub006/internal/events/bus"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

// mailboxSize bounds each session's pending updates. Ingest blocks when a
// session falls this far behind rather than reordering.
const mailboxSize = 256

// summaryRunnerTimeout is stored when an orphaned session exhausts its
// resume window.
const summaryRunnerTimeout = "runner_timeout"

// Runtime routes canonical updates into per-session serial handlers.
type Runtime struct {
	store  store.Store
	bus    bus.EventBus
	cfg    config.BuildConfig
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	closed   bool

	// onFinalized, when set, fires after a session reaches a terminal
	// state, whichever path got it there. Used to release dispatch slots.
	onFinalized func(runnerID, sessionID string)
}

// SetFinalizedHook registers the terminal-state callback. Must be called
// before any ingest.
func (r *Runtime) SetFinalizedHook(fn func(runnerID, sessionID string)) {
	r.onFinalized = fn
}

type sessionState struct {
	id        string
	projectID string
	runnerID  string

	mailbox chan *wire.Update
	done    chan struct{}

	// Everything below is touched only by the session's run goroutine.
	lastSeq    uint64
	activeTodo int
	started    bool
	finalized  bool
	// awaitingTerminal is set once the build-phase todo list finishes: the
	// store already holds completed, but the terminal broadcast is held for
	// the runner's own build-complete so it carries the final summary.
	awaitingTerminal bool
	summary          string
	text             strings.Builder

	// Timers enqueue synthetic terminal updates; they never mutate state
	// directly.
	timerMu       sync.Mutex
	cancelTimer   *time.Timer
	orphanTimer   *time.Timer
	terminalTimer *time.Timer
}

// New creates a runtime.
func New(st store.Store, eventBus bus.EventBus, cfg config.BuildConfig, log *logger.Logger) *Runtime {
	return &Runtime{
		store:    st,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log,
		sessions: make(map[string]*sessionState),
	}
}

// Ingest enqueues an update for its session's serial handler. The session
// must already exist in the store; updates for unknown sessions are
// rejected.
func (r *Runtime) Ingest(ctx context.Context, update *wire.Update) error {
	if update.SessionID == "" {
		return fmt.Errorf("update has no session id")
	}
	if !update.Known() {
		// Forward compatibility: ignore, never fail the stream.
		r.logger.Debug("ignoring unknown update type",
			zap.String("type", string(update.Type)),
			zap.String("session_id", update.SessionID))
		return nil
	}

	st, err := r.state(ctx, update.SessionID)
	if err != nil {
		return err
	}

	select {
	case st.mailbox <- update:
		return nil
	case <-st.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// state returns the session's runtime entry, creating it from the store on
// first sight.
func (r *Runtime) state(ctx context.Context, sessionID string) (*sessionState, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("runtime is shut down")
	}
	if st, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return st, nil
	}
	r.mu.Unlock()

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("unknown session %s: %w", sessionID, err)
	}
	lastSeq, err := r.store.LastSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[sessionID]; ok {
		return st, nil
	}
	st := &sessionState{
		id:         sessionID,
		projectID:  sess.ProjectID,
		runnerID:   sess.RunnerID,
		mailbox:    make(chan *wire.Update, mailboxSize),
		done:       make(chan struct{}),
		lastSeq:    lastSeq,
		activeTodo: v1.PlanningTodoIndex,
		started:    sess.Status == v1.SessionActive,
		finalized:  sess.Status.Terminal(),
	}
	r.sessions[sessionID] = st
	go r.run(st)
	return st, nil
}

// run is the session's serial handler loop.
func (r *Runtime) run(st *sessionState) {
	for {
		select {
		case <-st.done:
			return
		case update := <-st.mailbox:
			r.handle(st, update)
		}
	}
}

// handle applies one update: seq dedupe, persist, publish.
func (r *Runtime) handle(st *sessionState, update *wire.Update) {
	ctx := context.Background()
	log := r.logger.WithSessionID(st.id)

	// One exception to the terminal barrier: a tool output racing the
	// terminal event still closes out its open tool call.
	if st.finalized && update.Type != wire.UpdateToolOutput {
		return
	}
	// Runner updates carry seq >= 1; synthetic timer updates carry 0 and
	// always pass.
	if update.Seq > 0 {
		if update.Seq <= st.lastSeq {
			log.Debug("dropping duplicate update", zap.Uint64("seq", update.Seq))
			return
		}
		st.lastSeq = update.Seq
	}

	var err error
	switch update.Type {
	case wire.UpdateStart:
		err = r.handleStart(ctx, st, update)
	case wire.UpdateTodos:
		err = r.handleTodos(ctx, st, update)
	case wire.UpdateToolInput:
		err = r.handleToolInput(ctx, st, update)
	case wire.UpdateToolOutput:
		err = r.handleToolOutput(ctx, st, update)
	case wire.UpdateToolError:
		err = r.handleToolError(ctx, st, update)
	case wire.UpdateTextDelta:
		err = r.handleTextDelta(ctx, st, update)
	case wire.UpdateBuildSummary:
		err = r.handleBuildSummary(ctx, st, update)
	case wire.UpdateBuildComplete:
		err = r.handleBuildComplete(ctx, st, update)
	}
	if err != nil {
		log.Error("failed to apply update",
			zap.String("type", string(update.Type)),
			zap.Error(err))
		// A session whose updates cannot be persisted must not hang active;
		// browsers learn terminal state from an event, never from silence.
		r.finalize(ctx, st, v1.SessionFailed, "failed to apply "+string(update.Type))
		return
	}

	if update.Seq > 0 {
		if err := r.store.RecordSeq(ctx, st.id, update.Seq); err != nil {
			log.Warn("failed to record seq", zap.Error(err))
		}
	}
}

func (r *Runtime) handleStart(ctx context.Context, st *sessionState, update *wire.Update) error {
	if st.started {
		// start is idempotent; a resumed runner may replay it.
		return nil
	}
	err := r.store.TransitionSession(ctx, st.id,
		[]v1.SessionStatus{v1.SessionPending}, v1.SessionActive, nil, "")
	if err != nil && err != store.ErrIllegalTransition {
		return err
	}
	st.started = true
	r.publish(ctx, st, update)
	return nil
}

func (r *Runtime) handleTodos(ctx context.Context, st *sessionState, update *wire.Update) error {
	if st.awaitingTerminal {
		// The build already completed off its todo list; late mutations
		// are dropped while the terminal event is awaited.
		return nil
	}
	var payload wire.TodosUpdatePayload
	if err := update.DecodePayload(&payload); err != nil {
		return fmt.Errorf("bad todos payload: %w", err)
	}

	phase := payload.Phase
	if phase == "" {
		phase = v1.PhaseBuild
	}

	// Empty-content entries are dropped and the rest re-indexed densely.
	todos := make([]v1.Todo, 0, len(payload.Todos))
	for _, item := range payload.Todos {
		if strings.TrimSpace(item.Content) == "" {
			continue
		}
		todos = append(todos, v1.Todo{
			SessionID:  st.id,
			Index:      len(todos),
			Content:    item.Content,
			ActiveForm: item.ActiveForm,
			Status:     item.Status,
			Phase:      phase,
		})
	}

	if err := r.store.ReplaceTodos(ctx, st.id, todos); err != nil {
		return err
	}

	st.activeTodo = payload.ActiveIndex
	if st.activeTodo >= len(todos) {
		st.activeTodo = len(todos) - 1
	}
	if st.activeTodo < 0 {
		st.activeTodo = v1.PlanningTodoIndex
	}

	r.publish(ctx, st, update)

	// A fully completed build-phase list ends the session. Template-phase
	// completion never does; scaffolding finishing is not the build
	// finishing.
	if phase == v1.PhaseBuild && len(todos) > 0 && allCompleted(todos) {
		return r.completeEarly(ctx, st)
	}
	return nil
}

// completeEarly records completion as soon as the build-phase todo list is
// fully done. The store flips to completed immediately, but the terminal
// broadcast is held for the runner's own build-complete so it carries the
// final summary. A timer bounds the wait for runners that die in between.
func (r *Runtime) completeEarly(ctx context.Context, st *sessionState) error {
	if st.awaitingTerminal {
		return nil
	}
	ended := time.Now().UTC()
	err := r.store.TransitionSession(ctx, st.id,
		[]v1.SessionStatus{v1.SessionPending, v1.SessionActive}, v1.SessionCompleted, &ended, "")
	if err == store.ErrIllegalTransition {
		return nil
	}
	if err != nil {
		return err
	}
	st.awaitingTerminal = true

	st.timerMu.Lock()
	if st.terminalTimer == nil {
		st.terminalTimer = time.AfterFunc(r.cfg.CancelGraceDuration(), func() {
			r.enqueueTerminal(st, v1.SessionCompleted, "")
		})
	}
	st.timerMu.Unlock()
	r.logger.WithSessionID(st.id).Info("build todos completed, awaiting terminal event")
	return nil
}

func allCompleted(todos []v1.Todo) bool {
	for _, t := range todos {
		if t.Status != v1.TodoCompleted {
			return false
		}
	}
	return true
}

func (r *Runtime) handleToolInput(ctx context.Context, st *sessionState, update *wire.Update) error {
	if st.awaitingTerminal {
		// No new tool calls after the build completed. Outputs for calls
		// already open still land through handleToolOutput.
		return nil
	}
	var payload wire.ToolInputPayload
	if err := update.DecodePayload(&payload); err != nil {
		return fmt.Errorf("bad tool input payload: %w", err)
	}
	if payload.ToolCallID == "" {
		return fmt.Errorf("tool input without tool call id")
	}

	todoIndex := st.activeTodo
	if payload.TodoIndex != nil {
		todoIndex = *payload.TodoIndex
	}

	err := r.store.UpsertToolCall(ctx, &v1.ToolCall{
		SessionID:  st.id,
		ToolCallID: payload.ToolCallID,
		TodoIndex:  todoIndex,
		Name:       payload.ToolName,
		Input:      string(payload.Input),
		State:      v1.ToolInputAvailable,
		StartedAt:  update.Timestamp,
	})
	if err == store.ErrStaleToolState {
		// Late replay after the call already finished.
		r.logger.WithSessionID(st.id).Debug("stale tool input dropped",
			zap.String("tool_call_id", payload.ToolCallID))
		return nil
	}
	if err != nil {
		return err
	}
	r.publish(ctx, st, update)
	return nil
}

func (r *Runtime) handleToolOutput(ctx context.Context, st *sessionState, update *wire.Update) error {
	var payload wire.ToolOutputPayload
	if err := update.DecodePayload(&payload); err != nil {
		return fmt.Errorf("bad tool output payload: %w", err)
	}

	existing, err := r.store.GetToolCall(ctx, st.id, payload.ToolCallID)
	if err == store.ErrNotFound {
		// Output without a prior input has nothing to attach to.
		r.logger.WithSessionID(st.id).Warn("tool output for unknown call",
			zap.String("tool_call_id", payload.ToolCallID))
		return nil
	}
	if err != nil {
		return err
	}

	ended := update.Timestamp
	existing.Output = string(payload.Output)
	existing.State = v1.ToolOutputAvailable
	existing.EndedAt = &ended
	if err := r.store.UpsertToolCall(ctx, existing); err != nil {
		if err == store.ErrStaleToolState {
			return nil
		}
		return err
	}
	r.publish(ctx, st, update)
	return nil
}

func (r *Runtime) handleToolError(ctx context.Context, st *sessionState, update *wire.Update) error {
	var payload wire.ToolErrorPayload
	if err := update.DecodePayload(&payload); err != nil {
		return fmt.Errorf("bad tool error payload: %w", err)
	}

	existing, err := r.store.GetToolCall(ctx, st.id, payload.ToolCallID)
	if err == store.ErrNotFound {
		r.logger.WithSessionID(st.id).Warn("tool error for unknown call",
			zap.String("tool_call_id", payload.ToolCallID))
		return nil
	}
	if err != nil {
		return err
	}

	ended := update.Timestamp
	existing.Error = payload.Error
	existing.State = v1.ToolError
	existing.EndedAt = &ended
	if err := r.store.UpsertToolCall(ctx, existing); err != nil {
		if err == store.ErrStaleToolState {
			return nil
		}
		return err
	}
	r.publish(ctx, st, update)
	return nil
}

func (r *Runtime) handleTextDelta(ctx context.Context, st *sessionState, update *wire.Update) error {
	var payload wire.TextDeltaPayload
	if err := update.DecodePayload(&payload); err != nil {
		return fmt.Errorf("bad text delta payload: %w", err)
	}
	// Deltas stream to browsers live; only the concatenation is persisted,
	// as one assistant message at session close.
	st.text.WriteString(payload.Delta)
	r.publish(ctx, st, update)
	return nil
}

func (r *Runtime) handleBuildSummary(ctx context.Context, st *sessionState, update *wire.Update) error {
	var payload wire.BuildSummaryPayload
	if err := update.DecodePayload(&payload); err != nil {
		return fmt.Errorf("bad build summary payload: %w", err)
	}
	if err := r.store.SetSessionSummary(ctx, st.id, payload.Summary); err != nil {
		return err
	}
	st.summary = payload.Summary
	r.publish(ctx, st, update)
	return nil
}

func (r *Runtime) handleBuildComplete(ctx context.Context, st *sessionState, update *wire.Update) error {
	var payload wire.BuildCompletePayload
	if err := update.DecodePayload(&payload); err != nil {
		return fmt.Errorf("bad build complete payload: %w", err)
	}
	status := payload.Status
	if !status.Terminal() {
		status = v1.SessionCompleted
	}
	r.finalize(ctx, st, status, payload.Summary)
	return nil
}

// finalize moves the session to a terminal state exactly once. The store
// CAS is the authority: if another path already terminated the session,
// nothing is broadcast.
func (r *Runtime) finalize(ctx context.Context, st *sessionState, status v1.SessionStatus, summary string) {
	if st.finalized {
		return
	}
	st.finalized = true
	st.stopTimers()

	log := r.logger.WithSessionID(st.id)
	if summary == "" {
		summary = st.summary
	}

	broadcast := true
	if st.awaitingTerminal {
		// The store was CASed to completed when the todo list finished;
		// this event contributes the summary and releases the held
		// broadcast.
		status = v1.SessionCompleted
		if summary != "" {
			if err := r.store.SetSessionSummary(ctx, st.id, summary); err != nil {
				log.Warn("failed to store summary", zap.Error(err))
			}
		}
	} else {
		ended := time.Now().UTC()
		err := r.store.TransitionSession(ctx, st.id,
			[]v1.SessionStatus{v1.SessionPending, v1.SessionActive}, status, &ended, summary)
		if err == store.ErrIllegalTransition {
			log.Debug("session already terminal", zap.String("status", string(status)))
			broadcast = false
		} else if err != nil {
			// Persistence failed, but browsers must still see a terminal
			// event rather than a session that hangs active forever.
			log.Error("failed to finalize session", zap.Error(err))
			status = v1.SessionFailed
			summary = "persistence failure"
		}
	}

	if broadcast {
		if text := st.text.String(); strings.TrimSpace(text) != "" {
			msg := &v1.ChatMessage{
				ID:        uuid.New().String(),
				ProjectID: st.projectID,
				Role:      v1.RoleAssistant,
				Content:   text,
				CreatedAt: time.Now().UTC(),
			}
			if err := r.store.AppendMessage(ctx, msg); err != nil {
				log.Warn("failed to persist assistant message", zap.Error(err))
			}
		}

		update, err := wire.NewUpdate(wire.UpdateBuildComplete, st.id, wire.BuildCompletePayload{
			Status:  status,
			Summary: summary,
		})
		if err != nil {
			log.Error("failed to build terminal update", zap.Error(err))
		} else {
			r.publish(ctx, st, update)
		}
		log.Info("session finalized", zap.String("status", string(status)))
	}

	r.remove(st)
	if r.onFinalized != nil {
		r.onFinalized(st.runnerID, st.id)
	}
}

// publish sends the update to the project's broadcast subject.
func (r *Runtime) publish(ctx context.Context, st *sessionState, update *wire.Update) {
	event, err := bus.NewEvent(bus.EventTypeSessionUpdate, "runtime", update)
	if err != nil {
		r.logger.Error("failed to encode bus event", zap.Error(err))
		return
	}
	if err := r.bus.Publish(ctx, bus.SubjectProjectUpdates(st.projectID), event); err != nil {
		r.logger.Error("failed to publish update",
			zap.String("session_id", st.id), zap.Error(err))
	}
}

func (r *Runtime) remove(st *sessionState) {
	r.mu.Lock()
	delete(r.sessions, st.id)
	r.mu.Unlock()
	close(st.done)
}

// Shutdown stops all session handlers. Sessions stay in whatever durable
// state they reached; recovery on restart resumes from the store.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*sessionState, 0, len(r.sessions))
	for _, st := range r.sessions {
		sessions = append(sessions, st)
	}
	r.sessions = make(map[string]*sessionState)
	r.mu.Unlock()

	for _, st := range sessions {
		st.stopTimers()
		close(st.done)
	}
}
