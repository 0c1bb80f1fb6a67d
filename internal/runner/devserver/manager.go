// Package devserver runs one dev-server process per project, detects the
// project's framework, and reports lifecycle transitions to the control
// plane. Ports come from a process-wide allocator shared with the tunnel
// layer.
package devserver

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/runner/config"
	"github.com/codyde/sentryvibe-sub006/internal/runner/tunnel"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

const (
	readyPollInterval = 250 * time.Millisecond
	stopGrace         = 5 * time.Second
)

// Sender delivers runner frames to the control plane.
type Sender interface {
	SendMessage(kind wire.RunnerKind, payload any) error
}

// TunnelOpener exposes dev servers through public tunnels. Open returns
// the public URL once the tunnel is ready.
type TunnelOpener interface {
	Open(projectID string, targetPort int) (string, error)
	Close(projectID string)
}

// Manager supervises dev-server processes.
type Manager struct {
	cfg        *config.Config
	sender     Sender
	tunnels    TunnelOpener
	alloc      *Allocator
	frameworks []Framework
	logger     *logger.Logger

	mu      sync.Mutex
	servers map[string]*server // project id -> server
}

type server struct {
	projectID string
	workspace string
	framework Framework
	port      int
	proc      *exec.Cmd

	mu       sync.Mutex
	stopping bool
	done     chan struct{}
}

// NewManager creates a dev-server manager. tunnels may be nil when
// tunnel exposure is disabled.
func NewManager(cfg *config.Config, sender Sender, tunnels TunnelOpener, alloc *Allocator, log *logger.Logger) (*Manager, error) {
	frameworks, err := loadFrameworks()
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		sender:     sender,
		tunnels:    tunnels,
		alloc:      alloc,
		frameworks: frameworks,
		logger:     log.WithFields(zap.String("component", "devserver")),
		servers:    make(map[string]*server),
	}, nil
}

// Allocator exposes the port pool for sharing with the tunnel layer.
func (m *Manager) Allocator() *Allocator {
	return m.alloc
}

// Start launches (or restarts) the dev server for a project. The actual
// bring-up is asynchronous; progress is reported upstream via
// dev-server-status frames.
func (m *Manager) Start(projectID, workspace string) {
	m.Stop(projectID)
	go m.bringUp(projectID, workspace)
}

func (m *Manager) bringUp(projectID, workspace string) {
	log := m.logger.WithProjectID(projectID)
	m.report(projectID, v1.DevServerStarting, 0, "", "", false)

	fw := Detect(workspace, m.frameworks)
	port, err := m.alloc.Allocate()
	if err != nil {
		log.Error("no port available", zap.Error(err))
		m.report(projectID, v1.DevServerFailed, 0, fw.Name, err.Error(), true)
		return
	}

	proc := exec.Command(fw.Command, fw.launchArgs(port)...)
	proc.Dir = workspace
	proc.Env = append(os.Environ(), "NODE_ENV=development")
	if fw.PortEnv != "" {
		proc.Env = append(proc.Env, fw.PortEnv+"="+strconv.Itoa(port))
	}
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := proc.Start(); err != nil {
		m.alloc.Release(port)
		log.Error("dev server spawn failed", zap.Error(err))
		m.report(projectID, v1.DevServerFailed, 0, fw.Name, err.Error(), true)
		return
	}

	srv := &server{
		projectID: projectID,
		workspace: workspace,
		framework: fw,
		port:      port,
		proc:      proc,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.servers[projectID] = srv
	m.mu.Unlock()

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	log.Info("dev server starting",
		zap.String("framework", fw.Name),
		zap.Int("port", port),
		zap.Int("pid", proc.Process.Pid))

	if err := m.awaitReady(srv, exited); err != nil {
		m.teardown(srv)
		m.report(projectID, v1.DevServerFailed, 0, fw.Name, err.Error(), false)
		return
	}

	m.report(projectID, v1.DevServerRunning, port, fw.Name, "", false)

	if m.tunnels != nil && m.cfg.Tunnel.Enabled {
		go m.openTunnel(srv)
	}

	// Monitor until exit, then clean up port and tunnel.
	err = <-exited
	m.teardown(srv)

	srv.mu.Lock()
	stopping := srv.stopping
	srv.mu.Unlock()
	if stopping || err == nil {
		m.report(projectID, v1.DevServerStopped, 0, fw.Name, "", false)
	} else {
		log.Warn("dev server exited", zap.Error(err))
		m.report(projectID, v1.DevServerFailed, 0, fw.Name, err.Error(), false)
	}
}

// awaitReady waits for the dev server's port to accept connections.
// Exiting early or missing the start deadline both fail the bring-up.
func (m *Manager) awaitReady(srv *server, exited <-chan error) error {
	deadline := time.After(m.cfg.StartDeadlineDuration())
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.port))
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			close(srv.done)
			if err != nil {
				return fmt.Errorf("process exited during startup: %v", err)
			}
			return fmt.Errorf("process exited during startup")
		case <-deadline:
			pid := srv.proc.Process.Pid
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			<-exited
			close(srv.done)
			return fmt.Errorf("port %d not listening after %s", srv.port, m.cfg.StartDeadlineDuration())
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, readyPollInterval)
			if err == nil {
				conn.Close()
				return nil
			}
		}
	}
}

func (m *Manager) openTunnel(srv *server) {
	url, err := m.tunnels.Open(srv.projectID, srv.port)
	if err != nil {
		m.logger.WithProjectID(srv.projectID).Warn("tunnel bring-up failed", zap.Error(err))
		if sendErr := m.sender.SendMessage(wire.KindTunnelFailed, wire.TunnelFailedPayload{
			ProjectID: srv.projectID,
			Error:     err.Error(),
			Permanent: tunnel.IsPermanent(err),
		}); sendErr != nil {
			m.logger.Warn("failed to queue tunnel failure", zap.Error(sendErr))
		}
		return
	}
	if err := m.sender.SendMessage(wire.KindTunnelAnnounced, wire.TunnelAnnouncedPayload{
		ProjectID: srv.projectID,
		URL:       url,
		Port:      srv.port,
	}); err != nil {
		m.logger.Warn("failed to queue tunnel announcement", zap.Error(err))
	}
}

// teardown releases the server's port and tunnel and drops it from the
// table. Safe to call once per server instance.
func (m *Manager) teardown(srv *server) {
	if m.tunnels != nil {
		m.tunnels.Close(srv.projectID)
	}
	m.alloc.Release(srv.port)

	m.mu.Lock()
	if m.servers[srv.projectID] == srv {
		delete(m.servers, srv.projectID)
	}
	m.mu.Unlock()

	select {
	case <-srv.done:
	default:
		close(srv.done)
	}
}

// Stop shuts down a project's dev server and waits for it to exit.
// No-op when nothing is running.
func (m *Manager) Stop(projectID string) {
	m.mu.Lock()
	srv := m.servers[projectID]
	m.mu.Unlock()
	if srv == nil {
		return
	}

	srv.mu.Lock()
	if srv.stopping {
		srv.mu.Unlock()
		<-srv.done
		return
	}
	srv.stopping = true
	srv.mu.Unlock()

	m.report(projectID, v1.DevServerStopping, srv.port, srv.framework.Name, "", false)
	pid := srv.proc.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-srv.done:
	case <-time.After(stopGrace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-srv.done
	}
}

// StopAll stops every dev server, used at daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// Running reports the port of a project's running dev server, or 0.
func (m *Manager) Running(projectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv := m.servers[projectID]; srv != nil {
		return srv.port
	}
	return 0
}

func (m *Manager) report(projectID string, status v1.DevServerStatus, port int, framework, errText string, permanent bool) {
	err := m.sender.SendMessage(wire.KindDevServerStatus, wire.DevServerStatusPayload{
		ProjectID: projectID,
		Status:    status,
		Port:      port,
		Framework: framework,
		Error:     errText,
		Permanent: permanent,
	})
	if err != nil {
		m.logger.Warn("failed to queue dev-server status", zap.Error(err))
	}
}
