// Package keys manages runner credentials. A key is an opaque secret
// handed out once at creation; only its SHA-256 hash is stored. A
// deployment-wide shared secret (RUNNER_SHARED_SECRET) is accepted as an
// alternative for single-user installs.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

// secretPrefix marks runner key secrets so they are recognizable in
// configs and logs without revealing anything.
const secretPrefix = "svk_"

// ErrUnauthorized is returned for unknown, revoked, or malformed secrets.
var ErrUnauthorized = errors.New("unauthorized runner credential")

// Service issues and verifies runner keys.
type Service struct {
	store        store.Store
	sharedSecret string
	logger       *logger.Logger
}

// NewService creates the key service. sharedSecret may be empty, which
// disables the shared-secret path entirely.
func NewService(st store.Store, sharedSecret string, log *logger.Logger) *Service {
	return &Service{store: st, sharedSecret: sharedSecret, logger: log}
}

// Create mints a new key for a user. The plaintext secret is returned
// exactly once and never stored.
func (s *Service) Create(ctx context.Context, userID, name string) (*v1.RunnerKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	secret := secretPrefix + hex.EncodeToString(raw)

	key := &v1.RunnerKey{
		ID:         uuid.New().String(),
		UserID:     userID,
		Name:       name,
		SecretHash: HashSecret(secret),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateRunnerKey(ctx, key); err != nil {
		return nil, "", err
	}
	s.logger.Info("runner key created",
		zap.String("key_id", key.ID),
		zap.String("user_id", userID))
	return key, secret, nil
}

// Verify resolves a presented secret to its key. Revoked keys fail closed.
// The shared secret, when configured, resolves to a synthetic key owned by
// the local user.
func (s *Service) Verify(ctx context.Context, secret string) (*v1.RunnerKey, error) {
	if secret == "" {
		return nil, ErrUnauthorized
	}

	if s.sharedSecret != "" &&
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.sharedSecret)) == 1 {
		return &v1.RunnerKey{ID: "shared-secret", UserID: "local"}, nil
	}

	key, err := s.store.GetRunnerKeyByHash(ctx, HashSecret(secret))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if key.Revoked() {
		return nil, ErrUnauthorized
	}

	if err := s.store.TouchRunnerKey(ctx, key.ID); err != nil {
		s.logger.Warn("failed to record key usage", zap.Error(err))
	}
	return key, nil
}

// List returns a user's keys.
func (s *Service) List(ctx context.Context, userID string) ([]*v1.RunnerKey, error) {
	return s.store.ListRunnerKeys(ctx, userID)
}

// Revoke permanently disables a key. Only the owner can revoke.
func (s *Service) Revoke(ctx context.Context, keyID, userID string) error {
	return s.store.RevokeRunnerKey(ctx, keyID, userID)
}

// HashSecret returns the hex SHA-256 of a secret, the at-rest form.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
