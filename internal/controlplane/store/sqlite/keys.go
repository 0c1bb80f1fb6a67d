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

type runnerKeyRow struct {
	ID         string       `db:"id"`
	UserID     string       `db:"user_id"`
	Name       string       `db:"name"`
	SecretHash string       `db:"secret_hash"`
	CreatedAt  time.Time    `db:"created_at"`
	LastUsedAt sql.NullTime `db:"last_used_at"`
	RevokedAt  sql.NullTime `db:"revoked_at"`
}

func (r *runnerKeyRow) toKey() *v1.RunnerKey {
	key := &v1.RunnerKey{
		ID:         r.ID,
		UserID:     r.UserID,
		Name:       r.Name,
		SecretHash: r.SecretHash,
		CreatedAt:  r.CreatedAt,
	}
	if r.LastUsedAt.Valid {
		t := r.LastUsedAt.Time
		key.LastUsedAt = &t
	}
	if r.RevokedAt.Valid {
		t := r.RevokedAt.Time
		key.RevokedAt = &t
	}
	return key
}

// CreateRunnerKey stores a new runner key. Only the secret hash is
// persisted.
func (s *Store) CreateRunnerKey(ctx context.Context, key *v1.RunnerKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runner_keys (id, user_id, name, secret_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, key.ID, key.UserID, key.Name, key.SecretHash, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create runner key: %w", err)
	}
	return nil
}

// GetRunnerKeyByHash looks up a key by the SHA-256 hash of its secret.
func (s *Store) GetRunnerKeyByHash(ctx context.Context, secretHash string) (*v1.RunnerKey, error) {
	var row runnerKeyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runner_keys WHERE secret_hash = ?`, secretHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runner key: %w", err)
	}
	return row.toKey(), nil
}

// ListRunnerKeys returns a user's keys, newest first.
func (s *Store) ListRunnerKeys(ctx context.Context, userID string) ([]*v1.RunnerKey, error) {
	var rows []runnerKeyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM runner_keys WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runner keys: %w", err)
	}
	keys := make([]*v1.RunnerKey, len(rows))
	for i := range rows {
		keys[i] = rows[i].toKey()
	}
	return keys, nil
}

// RevokeRunnerKey marks a key revoked. Revocation is permanent and only
// the owning user can revoke.
func (s *Store) RevokeRunnerKey(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runner_keys SET revoked_at = ?
		WHERE id = ? AND user_id = ? AND revoked_at IS NULL
	`, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke runner key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TouchRunnerKey records key usage.
func (s *Store) TouchRunnerKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runner_keys SET last_used_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch runner key: %w", err)
	}
	return nil
}
