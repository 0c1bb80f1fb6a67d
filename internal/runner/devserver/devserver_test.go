package devserver

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/runner/config"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []wire.DevServerStatusPayload
	ch       chan v1.DevServerStatus
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{ch: make(chan v1.DevServerStatus, 16)}
}

func (r *statusRecorder) SendMessage(kind wire.RunnerKind, payload any) error {
	if kind != wire.KindDevServerStatus {
		return nil
	}
	status := payload.(wire.DevServerStatusPayload)
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
	r.ch <- status.Status
	return nil
}

func (r *statusRecorder) waitFor(t *testing.T, want v1.DevServerStatus) wire.DevServerStatusPayload {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == want {
				r.mu.Lock()
				defer r.mu.Unlock()
				return r.statuses[len(r.statuses)-1]
			}
		case <-deadline:
			t.Fatalf("never saw dev-server status %s", want)
		}
	}
}

func testManager(t *testing.T, rec *statusRecorder, frameworks []Framework) *Manager {
	t.Helper()
	cfg := &config.Config{
		WorkspaceRoot: t.TempDir(),
		StartDeadline: 1,
	}
	m, err := NewManager(cfg, rec, nil, NewAllocator(42000, 42099), logger.Default())
	require.NoError(t, err)
	if frameworks != nil {
		m.frameworks = frameworks
	}
	return m
}

func TestDetectByMarkerFile(t *testing.T) {
	frameworks, err := loadFrameworks()
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "next.config.ts"), []byte("export default {}"), 0o644))
	assert.Equal(t, "next", Detect(dir, frameworks).Name)

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "angular.json"), []byte("{}"), 0o644))
	assert.Equal(t, "angular", Detect(dir, frameworks).Name)
}

func TestDetectByPackageDependency(t *testing.T) {
	frameworks, err := loadFrameworks()
	require.NoError(t, err)

	dir := t.TempDir()
	pkg := `{"devDependencies":{"vite":"^5.0.0"},"dependencies":{"react":"^18.0.0"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(pkg), 0o644))
	assert.Equal(t, "vite", Detect(dir, frameworks).Name)
}

func TestDetectFallsBackToGeneric(t *testing.T) {
	frameworks, err := loadFrameworks()
	require.NoError(t, err)

	dir := t.TempDir()
	fw := Detect(dir, frameworks)
	assert.Equal(t, "generic", fw.Name)
	assert.Equal(t, "PORT", fw.PortEnv)

	// Unparseable package.json must not break detection.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("not json"), 0o644))
	assert.Equal(t, "generic", Detect(dir, frameworks).Name)
}

func TestLaunchArgsSubstitutesPort(t *testing.T) {
	fw := Framework{Command: "npm", Args: []string{"run", "dev", "--", "--port", "{port}"}}
	assert.Equal(t, []string{"run", "dev", "--", "--port", "4123"}, fw.launchArgs(4123))
}

func TestAllocatorReservesAndReleases(t *testing.T) {
	alloc := NewAllocator(43000, 43010)

	p1, err := alloc.Allocate()
	require.NoError(t, err)
	p2, err := alloc.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.True(t, alloc.Reserved(p1))

	alloc.Release(p1)
	assert.False(t, alloc.Reserved(p1))

	// Released ports become allocatable again.
	p3, err := alloc.Allocate()
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}

func TestAllocatorExhaustion(t *testing.T) {
	alloc := NewAllocator(43100, 43101)
	_, err := alloc.Allocate()
	require.NoError(t, err)
	_, err = alloc.Allocate()
	require.NoError(t, err)
	_, err = alloc.Allocate()
	assert.Error(t, err)
}

func TestEarlyExitReportsFailed(t *testing.T) {
	rec := newStatusRecorder()
	m := testManager(t, rec, []Framework{{
		Name:    "fake",
		Command: "sh",
		Args:    []string{"-c", "exit 1"},
	}})

	m.Start("p1", t.TempDir())
	rec.waitFor(t, v1.DevServerStarting)
	failed := rec.waitFor(t, v1.DevServerFailed)
	assert.Contains(t, failed.Error, "exited during startup")
	assert.Equal(t, 0, m.Running("p1"))
}

func TestStartDeadlineReportsFailed(t *testing.T) {
	rec := newStatusRecorder()
	m := testManager(t, rec, []Framework{{
		Name:    "fake",
		Command: "sleep",
		Args:    []string{"30"},
	}})

	m.Start("p2", t.TempDir())
	failed := rec.waitFor(t, v1.DevServerFailed)
	assert.Contains(t, failed.Error, "not listening")
	assert.Equal(t, 0, m.Running("p2"))
}

func TestStopWithoutServerIsNoop(t *testing.T) {
	rec := newStatusRecorder()
	m := testManager(t, rec, nil)
	m.Stop("nothing")
	assert.Empty(t, rec.statuses)
}
