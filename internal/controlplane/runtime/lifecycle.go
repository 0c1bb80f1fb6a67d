package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

// IsActive reports whether the session currently has a live handler that
// has not finalized. Browsers use this to decide whether a stream is still
// coming.
func (r *Runtime) IsActive(sessionID string) bool {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-st.done:
		return false
	default:
		return true
	}
}

// RequestCancel starts the cancel grace period for a session. The caller
// dispatches cancel-build to the runner; if no terminal event arrives
// before the grace period expires, the runtime forces the session to
// cancelled.
func (r *Runtime) RequestCancel(ctx context.Context, sessionID string) error {
	st, err := r.state(ctx, sessionID)
	if err != nil {
		return err
	}

	st.timerMu.Lock()
	defer st.timerMu.Unlock()
	if st.cancelTimer != nil {
		// Cancel already pending; keep the original deadline.
		return nil
	}
	grace := r.cfg.CancelGraceDuration()
	st.cancelTimer = time.AfterFunc(grace, func() {
		r.enqueueTerminal(st, v1.SessionCancelled, "")
	})
	r.logger.WithSessionID(sessionID).Info("cancel requested",
		zap.Duration("grace", grace))
	return nil
}

// RunnerDisconnected marks every open session on the runner as orphaned.
// Orphaned sessions keep accepting resumed streams until the resume window
// lapses, then fail with runner_timeout.
func (r *Runtime) RunnerDisconnected(runnerID string) {
	ctx := context.Background()
	sessions, err := r.store.ListOpenSessions(ctx, runnerID)
	if err != nil {
		r.logger.WithRunnerID(runnerID).Error("failed to list open sessions", zap.Error(err))
		return
	}

	window := r.cfg.OrphanResumeDuration()
	for _, sess := range sessions {
		st, err := r.state(ctx, sess.ID)
		if err != nil {
			continue
		}
		st.timerMu.Lock()
		if st.orphanTimer == nil {
			st.orphanTimer = time.AfterFunc(window, func() {
				r.enqueueTerminal(st, v1.SessionFailed, summaryRunnerTimeout)
			})
		}
		st.timerMu.Unlock()
		r.logger.WithSessionID(sess.ID).Info("session orphaned",
			zap.String("runner_id", runnerID),
			zap.Duration("resume_window", window))
	}
}

// ResumeSessions accepts a reconnected runner's resume claims. A claim is
// accepted when the session is still open and assigned to that runner;
// accepted sessions drop their orphan deadline. The returned list is the
// accepted subset.
func (r *Runtime) ResumeSessions(ctx context.Context, runnerID string, sessionIDs []string) []string {
	var accepted []string
	for _, id := range sessionIDs {
		sess, err := r.store.GetSession(ctx, id)
		if err != nil || sess.RunnerID != runnerID || sess.Status.Terminal() {
			r.logger.WithRunnerID(runnerID).Warn("rejecting resume claim",
				zap.String("session_id", id))
			continue
		}
		st, err := r.state(ctx, id)
		if err != nil {
			continue
		}
		st.timerMu.Lock()
		if st.orphanTimer != nil {
			st.orphanTimer.Stop()
			st.orphanTimer = nil
		}
		st.timerMu.Unlock()
		accepted = append(accepted, id)
		r.logger.WithSessionID(id).Info("session resumed",
			zap.String("runner_id", runnerID))
	}
	return accepted
}

// FailSession forces a session to failed through its serial handler. Used
// when a runner rejects or cannot run a dispatched command.
func (r *Runtime) FailSession(ctx context.Context, sessionID, reason string) error {
	st, err := r.state(ctx, sessionID)
	if err != nil {
		return err
	}
	r.enqueueTerminal(st, v1.SessionFailed, reason)
	return nil
}

// enqueueTerminal injects a synthetic build-complete into the session's
// serial handler. Seq stays 0 so dedupe never drops it.
func (r *Runtime) enqueueTerminal(st *sessionState, status v1.SessionStatus, summary string) {
	update, err := wire.NewUpdate(wire.UpdateBuildComplete, st.id, wire.BuildCompletePayload{
		Status:  status,
		Summary: summary,
	})
	if err != nil {
		r.logger.Error("failed to build synthetic terminal update", zap.Error(err))
		return
	}
	select {
	case st.mailbox <- update:
	case <-st.done:
	}
}

func (st *sessionState) stopTimers() {
	st.timerMu.Lock()
	defer st.timerMu.Unlock()
	if st.cancelTimer != nil {
		st.cancelTimer.Stop()
		st.cancelTimer = nil
	}
	if st.orphanTimer != nil {
		st.orphanTimer.Stop()
		st.orphanTimer = nil
	}
	if st.terminalTimer != nil {
		st.terminalTimer.Stop()
		st.terminalTimer = nil
	}
}
