// Package tunnel exposes local dev servers through a public tunnel
// provider. Bring-up is two stage: an HTML-injecting reverse proxy on a
// fresh local port, then the provider binary pointed at the proxy. The
// tunnel counts as ready only after both a public URL and a connection
// registration appear on its output.
package tunnel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/runner/config"
)

const (
	overallTimeout = 30 * time.Second
	dnsDelay       = 3 * time.Second
	termGrace      = 1 * time.Second
	maxRetryDelay  = 8 * time.Second
)

var urlPattern = regexp.MustCompile(`https://[a-zA-Z0-9._-]+\.(?:trycloudflare\.com|cfargotunnel\.com)[^\s]*`)

// PermanentError marks failures that retrying cannot fix: missing
// binary, permission problems, port conflicts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a non-retryable tunnel failure.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// PortAllocator reserves local ports for injection proxies.
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}

// Manager owns the set of open tunnels, one per project.
type Manager struct {
	cfg    *config.Config
	alloc  PortAllocator
	logger *logger.Logger

	mu      sync.Mutex
	tunnels map[string]*activeTunnel
}

type activeTunnel struct {
	proxy     *injectionProxy
	proxyPort int
	proc      *exec.Cmd
	// exited is fed by the single goroutine allowed to call proc.Wait.
	exited    <-chan error
	url       string
	closeOnce sync.Once
}

// NewManager creates a tunnel manager.
func NewManager(cfg *config.Config, alloc PortAllocator, log *logger.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		alloc:   alloc,
		logger:  log.WithFields(zap.String("component", "tunnel")),
		tunnels: make(map[string]*activeTunnel),
	}
}

// Open brings up a tunnel for a project's dev server and returns its
// public URL. Retries transient failures with exponential backoff inside
// a 30s overall budget; permanent failures return immediately.
func (m *Manager) Open(projectID string, targetPort int) (string, error) {
	m.Close(projectID)
	log := m.logger.WithProjectID(projectID)

	proxyPort, err := m.alloc.Allocate()
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("proxy port: %w", err)}
	}
	proxy, err := newInjectionProxy(proxyPort, targetPort)
	if err != nil {
		m.alloc.Release(proxyPort)
		return "", &PermanentError{Err: err}
	}

	deadline := time.Now().Add(overallTimeout)
	var lastErr error
	for attempt := 0; time.Now().Before(deadline); attempt++ {
		proc, exited, url, err := m.spawn(proxyPort, deadline)
		if err == nil {
			// The provider's DNS record needs a moment to propagate.
			time.Sleep(dnsDelay)
			t := &activeTunnel{proxy: proxy, proxyPort: proxyPort, proc: proc, exited: exited, url: url}
			m.mu.Lock()
			m.tunnels[projectID] = t
			m.mu.Unlock()
			log.Info("tunnel ready",
				zap.String("url", url),
				zap.Int("target_port", targetPort))
			return url, nil
		}
		lastErr = err
		if IsPermanent(err) {
			break
		}
		delay := time.Duration(1<<uint(min(attempt, 3))) * time.Second
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		delay += time.Duration(rand.Int63n(int64(time.Second)))
		log.Warn("tunnel attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		time.Sleep(delay)
	}

	proxy.close()
	m.alloc.Release(proxyPort)
	if lastErr == nil {
		lastErr = fmt.Errorf("tunnel not ready within %s", overallTimeout)
	}
	return "", lastErr
}

// spawn runs one tunnel process attempt and waits for its readiness
// signals. On success the returned channel carries the process exit; it
// is the only place proc.Wait is called.
func (m *Manager) spawn(proxyPort int, deadline time.Time) (*exec.Cmd, <-chan error, string, error) {
	args := []string{"tunnel", "--url", "http://127.0.0.1:" + strconv.Itoa(proxyPort)}
	if m.cfg.Tunnel.Domain != "" {
		args = append(args, "--hostname", m.cfg.Tunnel.Domain)
	}
	proc := exec.Command(m.cfg.Tunnel.Binary, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, nil, "", err
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return nil, nil, "", err
	}

	if err := proc.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, nil, "", &PermanentError{Err: fmt.Errorf("%s not found", m.cfg.Tunnel.Binary)}
		}
		return nil, nil, "", err
	}

	type signal struct {
		url  string
		reg  bool
		perm error
	}
	lines := make(chan signal, 16)
	scan := func(r io.Reader) {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			lower := strings.ToLower(line)
			switch {
			case strings.Contains(lower, "permission denied"),
				strings.Contains(lower, "address already in use"):
				lines <- signal{perm: fmt.Errorf("%s", strings.TrimSpace(line))}
			case strings.Contains(lower, "registered tunnel connection"),
				strings.Contains(lower, "connection registered"):
				lines <- signal{reg: true}
			default:
				if url := urlPattern.FindString(line); url != "" {
					lines <- signal{url: url}
				}
			}
		}
	}
	go scan(stdout)
	go scan(stderr)

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	kill := func() {
		_ = syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
		<-exited
	}

	var url string
	var registered bool
	timeout := time.NewTimer(time.Until(deadline))
	defer timeout.Stop()
	for {
		select {
		case sig := <-lines:
			if sig.perm != nil {
				kill()
				return nil, nil, "", &PermanentError{Err: sig.perm}
			}
			if sig.url != "" {
				url = sig.url
			}
			if sig.reg {
				registered = true
			}
			if url != "" && registered {
				return proc, exited, url, nil
			}
		case err := <-exited:
			return nil, nil, "", fmt.Errorf("tunnel process exited early: %v", err)
		case <-timeout.C:
			kill()
			return nil, nil, "", fmt.Errorf("no readiness signal before deadline")
		}
	}
}

// URL returns the public URL of a project's tunnel, or empty.
func (m *Manager) URL(projectID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.tunnels[projectID]; t != nil {
		return t.url
	}
	return ""
}

// Close tears down a project's tunnel: proxy first, then the provider
// process with a short SIGTERM grace. Idempotent.
func (m *Manager) Close(projectID string) {
	m.mu.Lock()
	t := m.tunnels[projectID]
	delete(m.tunnels, projectID)
	m.mu.Unlock()
	if t == nil {
		return
	}

	t.closeOnce.Do(func() {
		t.proxy.close()

		// Wait on the exit channel handed over by spawn; proc.Wait has
		// exactly one caller and it is not here.
		pid := t.proc.Process.Pid
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case <-t.exited:
		case <-time.After(termGrace):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			<-t.exited
		}
		m.alloc.Release(t.proxyPort)
	})
}

// CloseAll tears down every tunnel, used at daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tunnels))
	for id := range m.tunnels {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}
