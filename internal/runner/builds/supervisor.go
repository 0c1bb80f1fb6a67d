// Package builds runs AI agent processes on behalf of dispatched
// commands and streams their normalized output to the control plane.
// One reader goroutine per active session is the single producer for
// that session's events, which keeps seq assignment ordered.
package builds

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/runner/adapter"
	"github.com/codyde/sentryvibe-sub006/internal/runner/config"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

// Agent stdout lines can carry whole file contents.
const maxLineSize = 4 << 20

// Sender is the transport surface the supervisor needs.
type Sender interface {
	SendEvent(u *wire.Update) error
	SendMessage(kind wire.RunnerKind, payload any) error
}

// Supervisor owns the set of running builds. It implements the transport
// handler interface.
type Supervisor struct {
	cfg    *config.Config
	sender Sender
	logger *logger.Logger

	// onFinished is called after a build's process has exited and its
	// terminal event is sent. Used to kick dev-server startup.
	onFinished func(projectID, workspace string, succeeded bool)

	mu     sync.Mutex
	builds map[string]*build // session id -> build
	seen   map[string]bool   // command ids already accepted, for redelivery
}

type build struct {
	cmd       *v1.Command
	workspace string
	proc      *exec.Cmd
	seq       uint64

	mu        sync.Mutex
	cancelled bool
	detached  bool
	terminal  bool
	done      chan struct{}
}

// New creates a build supervisor.
func New(cfg *config.Config, sender Sender, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		sender: sender,
		logger: log.WithFields(zap.String("component", "builds")),
		builds: make(map[string]*build),
		seen:   make(map[string]bool),
	}
}

// SetFinishedHook registers a callback fired after each build ends.
func (s *Supervisor) SetFinishedHook(fn func(projectID, workspace string, succeeded bool)) {
	s.onFinished = fn
}

// HandleCommand accepts a dispatched command. Redeliveries of a command
// id already running are re-acked and otherwise ignored.
func (s *Supervisor) HandleCommand(cmd *v1.Command) {
	s.mu.Lock()
	if s.seen[cmd.ID] {
		s.mu.Unlock()
		s.ack(cmd)
		return
	}
	if _, exists := s.builds[cmd.SessionID]; exists {
		s.mu.Unlock()
		s.logger.Warn("command for session already building",
			zap.String("session_id", cmd.SessionID),
			zap.String("command_id", cmd.ID))
		s.ack(cmd)
		return
	}
	s.seen[cmd.ID] = true
	b := &build{
		cmd:       cmd,
		workspace: filepath.Join(s.cfg.WorkspaceRoot, cmd.ProjectID),
		done:      make(chan struct{}),
	}
	s.builds[cmd.SessionID] = b
	s.mu.Unlock()

	s.ack(cmd)
	go s.run(b)
}

func (s *Supervisor) ack(cmd *v1.Command) {
	err := s.sender.SendMessage(wire.KindCommandAck, wire.CommandAckPayload{
		CommandID: cmd.ID,
		SessionID: cmd.SessionID,
	})
	if err != nil {
		s.logger.Warn("failed to queue ack", zap.Error(err))
	}
}

// HandleCancel stops the build for a session. SIGTERM first; SIGKILL
// after the configured grace.
func (s *Supervisor) HandleCancel(sessionID string) {
	s.mu.Lock()
	b := s.builds[sessionID]
	s.mu.Unlock()
	if b == nil {
		s.logger.Debug("cancel for unknown session", zap.String("session_id", sessionID))
		return
	}

	b.mu.Lock()
	b.cancelled = true
	b.mu.Unlock()
	s.logger.Info("cancelling build", zap.String("session_id", sessionID))
	s.terminate(b)
}

// ResumeClaims lists sessions with a live agent process, sent in hello
// after a reconnect.
func (s *Supervisor) ResumeClaims() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	claims := make([]string, 0, len(s.builds))
	for id := range s.builds {
		claims = append(claims, id)
	}
	return claims
}

// HandleResumeAccepted kills builds whose resume claims the control
// plane rejected. Those sessions are already finalized upstream, so the
// processes die quietly with no further events.
func (s *Supervisor) HandleResumeAccepted(accepted []string) {
	keep := make(map[string]bool, len(accepted))
	for _, id := range accepted {
		keep[id] = true
	}

	s.mu.Lock()
	var orphans []*build
	for id, b := range s.builds {
		if !keep[id] {
			orphans = append(orphans, b)
		}
	}
	s.mu.Unlock()

	for _, b := range orphans {
		b.mu.Lock()
		b.detached = true
		b.mu.Unlock()
		s.logger.Info("stopping unresumed build",
			zap.String("session_id", b.cmd.SessionID))
		s.terminate(b)
	}
}

// Active reports whether a session has a running build.
func (s *Supervisor) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.builds[sessionID]
	return ok
}

// Shutdown terminates all running builds and waits for their readers.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	var all []*build
	for _, b := range s.builds {
		all = append(all, b)
	}
	s.mu.Unlock()

	for _, b := range all {
		b.mu.Lock()
		b.detached = true
		b.mu.Unlock()
		s.terminate(b)
	}
	for _, b := range all {
		<-b.done
	}
}

// run executes one build to completion. It is the sole event producer
// for its session.
func (s *Supervisor) run(b *build) {
	defer close(b.done)
	cmd := b.cmd
	log := s.logger.WithSessionID(cmd.SessionID).WithProjectID(cmd.ProjectID)

	defer func() {
		s.mu.Lock()
		delete(s.builds, cmd.SessionID)
		s.mu.Unlock()
	}()

	norm, err := adapter.New(cmd.AgentID, log)
	if err != nil {
		s.fail(b, log, fmt.Sprintf("unsupported agent %q", cmd.AgentID))
		return
	}

	if err := os.MkdirAll(b.workspace, 0o755); err != nil {
		s.fail(b, log, fmt.Sprintf("workspace: %v", err))
		return
	}

	s.sendUpdate(b, mustUpdate(wire.UpdateStart, wire.StartPayload{
		SessionID: cmd.SessionID,
		BuildID:   cmd.BuildID,
		ProjectID: cmd.ProjectID,
		AgentID:   cmd.AgentID,
		ModelID:   cmd.ModelID,
	}))

	proc := exec.Command(s.cfg.Agent.Binary, s.agentArgs(cmd)...)
	proc.Dir = b.workspace
	proc.Env = os.Environ()
	// Own process group so cancellation reaches the agent's children.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		s.fail(b, log, fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		s.fail(b, log, fmt.Sprintf("stderr pipe: %v", err))
		return
	}

	if err := proc.Start(); err != nil {
		s.fail(b, log, fmt.Sprintf("spawn agent: %v", err))
		return
	}
	b.mu.Lock()
	b.proc = proc
	alreadyStopped := b.cancelled || b.detached
	b.mu.Unlock()
	if alreadyStopped {
		// Cancel raced the spawn.
		s.terminate(b)
	}
	log.Info("agent started",
		zap.String("agent", cmd.AgentID),
		zap.Int("pid", proc.Process.Pid))

	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64<<10), maxLineSize)
		for scanner.Scan() {
			log.Debug("agent stderr", zap.String("line", scanner.Text()))
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		updates, err := norm.ParseLine(line)
		if err != nil {
			log.Debug("unparseable agent line", zap.Error(err))
			continue
		}
		for _, u := range updates {
			s.sendUpdate(b, u)
		}
	}

	waitErr := proc.Wait()

	b.mu.Lock()
	cancelled, detached, terminal := b.cancelled, b.detached, b.terminal
	b.mu.Unlock()

	switch {
	case detached:
		log.Info("detached build exited")
		return
	case cancelled:
		if !terminal {
			s.sendUpdate(b, mustUpdate(wire.UpdateBuildComplete, wire.BuildCompletePayload{
				Status:  v1.SessionCancelled,
				Summary: "build cancelled",
			}))
		}
		s.result(cmd, "completed", "")
	case waitErr != nil:
		reason := fmt.Sprintf("agent exited: %v", waitErr)
		if !terminal {
			s.sendUpdate(b, mustUpdate(wire.UpdateBuildComplete, wire.BuildCompletePayload{
				Status:  v1.SessionFailed,
				Summary: reason,
			}))
		}
		s.result(cmd, "failed", reason)
	default:
		if !terminal {
			// The agent ended cleanly without a result line.
			s.sendUpdate(b, mustUpdate(wire.UpdateBuildComplete, wire.BuildCompletePayload{
				Status: v1.SessionCompleted,
			}))
		}
		s.result(cmd, "completed", "")
	}

	if s.onFinished != nil {
		s.onFinished(cmd.ProjectID, b.workspace, waitErr == nil && !cancelled)
	}
}

// agentArgs builds the CLI invocation for the selected agent.
func (s *Supervisor) agentArgs(cmd *v1.Command) []string {
	args := append([]string{}, s.cfg.Agent.Args...)
	prompt := cmd.Prompt
	if cmd.Context != "" {
		prompt = cmd.Context + "\n\n" + prompt
	}

	model := cmd.ModelID
	if model == "" {
		model = s.cfg.Agent.Model
	}

	switch cmd.AgentID {
	case "codex":
		args = append(args, "exec", "--json")
		if model != "" {
			args = append(args, "-m", model)
		}
		return append(args, prompt)
	default:
		args = append(args, "-p", prompt, "--output-format", "stream-json", "--verbose")
		if model != "" {
			args = append(args, "--model", model)
		}
		return args
	}
}

// sendUpdate stamps session id and seq and queues the event. Detached
// builds stay silent.
func (s *Supervisor) sendUpdate(b *build, u *wire.Update) {
	if u == nil {
		return
	}
	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		return
	}
	b.seq++
	u.Seq = b.seq
	if u.Type == wire.UpdateBuildComplete {
		b.terminal = true
	}
	b.mu.Unlock()

	u.SessionID = b.cmd.SessionID
	if err := s.sender.SendEvent(u); err != nil {
		s.logger.Warn("failed to queue event",
			zap.String("session_id", b.cmd.SessionID),
			zap.Error(err))
	}
}

// fail reports a build that never produced agent output.
func (s *Supervisor) fail(b *build, log *logger.Logger, reason string) {
	log.Error("build failed", zap.String("reason", reason))
	s.sendUpdate(b, mustUpdate(wire.UpdateBuildComplete, wire.BuildCompletePayload{
		Status:  v1.SessionFailed,
		Summary: reason,
	}))
	s.result(b.cmd, "failed", reason)
}

func (s *Supervisor) result(cmd *v1.Command, status, errText string) {
	err := s.sender.SendMessage(wire.KindCommandResult, wire.CommandResultPayload{
		CommandID: cmd.ID,
		SessionID: cmd.SessionID,
		Status:    status,
		Error:     errText,
	})
	if err != nil {
		s.logger.Warn("failed to queue command result", zap.Error(err))
	}
}

// terminate signals the build's process group, escalating to SIGKILL
// after the cancel timeout.
func (s *Supervisor) terminate(b *build) {
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	if proc == nil || proc.Process == nil {
		return
	}
	pid := proc.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	go func() {
		select {
		case <-b.done:
		case <-time.After(s.cfg.CancelTimeoutDuration()):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}()
}

func mustUpdate(t wire.UpdateType, payload any) *wire.Update {
	u, err := wire.NewUpdate(t, "", payload)
	if err != nil {
		return nil
	}
	return u
}
