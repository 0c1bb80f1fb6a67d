package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

type projectRow struct {
	ID              string    `db:"id"`
	Slug            string    `db:"slug"`
	OwnerID         string    `db:"owner_id"`
	RunnerID        string    `db:"runner_id"`
	WorkspacePath   string    `db:"workspace_path"`
	Framework       string    `db:"framework"`
	DevServerStatus string    `db:"dev_server_status"`
	DevServerPort   int       `db:"dev_server_port"`
	TunnelURL       string    `db:"tunnel_url"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *projectRow) toProject() *v1.Project {
	return &v1.Project{
		ID:              r.ID,
		Slug:            r.Slug,
		OwnerID:         r.OwnerID,
		RunnerID:        r.RunnerID,
		WorkspacePath:   r.WorkspacePath,
		Framework:       r.Framework,
		DevServerStatus: v1.DevServerStatus(r.DevServerStatus),
		DevServerPort:   r.DevServerPort,
		TunnelURL:       r.TunnelURL,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// UpsertProject inserts or updates a project.
func (s *Store) UpsertProject(ctx context.Context, project *v1.Project) error {
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now
	if project.DevServerStatus == "" {
		project.DevServerStatus = v1.DevServerStopped
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, slug, owner_id, runner_id, workspace_path, framework, dev_server_status, dev_server_port, tunnel_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			slug = excluded.slug,
			runner_id = excluded.runner_id,
			workspace_path = excluded.workspace_path,
			updated_at = excluded.updated_at
	`, project.ID, project.Slug, project.OwnerID, project.RunnerID,
		project.WorkspacePath, project.Framework, string(project.DevServerStatus),
		project.DevServerPort, project.TunnelURL, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*v1.Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return row.toProject(), nil
}

// ListProjects returns a user's projects, newest first.
func (s *Store) ListProjects(ctx context.Context, ownerID string) ([]*v1.Project, error) {
	var rows []projectRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM projects WHERE owner_id = ? ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	projects := make([]*v1.Project, len(rows))
	for i := range rows {
		projects[i] = rows[i].toProject()
	}
	return projects, nil
}

// UpdateProjectRuntime applies runner-reported state. Empty framework and
// tunnel URL leave the stored values alone; a zero port clears the port
// when the status is stopped or failed.
func (s *Store) UpdateProjectRuntime(ctx context.Context, id string, framework string, devStatus v1.DevServerStatus, devPort int, tunnelURL string) error {
	clearPort := devStatus == v1.DevServerStopped || devStatus == v1.DevServerFailed
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET framework = CASE WHEN ? != '' THEN ? ELSE framework END,
		    dev_server_status = CASE WHEN ? != '' THEN ? ELSE dev_server_status END,
		    dev_server_port = CASE WHEN ? > 0 THEN ? WHEN ? THEN 0 ELSE dev_server_port END,
		    tunnel_url = CASE WHEN ? != '' THEN ? WHEN ? THEN '' ELSE tunnel_url END,
		    updated_at = ?
		WHERE id = ?
	`, framework, framework,
		string(devStatus), string(devStatus),
		devPort, devPort, clearPort,
		tunnelURL, tunnelURL, clearPort,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update project runtime: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
