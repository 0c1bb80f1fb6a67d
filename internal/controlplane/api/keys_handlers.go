package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/codyde/sentryvibe-sub006/internal/common/errors"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	"github.com/codyde/sentryvibe-sub006/pkg/wire"
)

// CreateRunnerKeyRequest is the body for POST /api/runner-keys.
type CreateRunnerKeyRequest struct {
	Name string `json:"name"`
}

// ListRunnerKeys returns the acting user's keys. Secrets are never
// included.
// GET /api/runner-keys
func (h *Handler) ListRunnerKeys(c *gin.Context) {
	list, err := h.keys.List(c.Request.Context(), userID(c))
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to list runner keys")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": list, "total": len(list)})
}

// CreateRunnerKey mints a key. The secret appears in this response and
// nowhere else.
// POST /api/runner-keys
func (h *Handler) CreateRunnerKey(c *gin.Context) {
	var req CreateRunnerKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = CreateRunnerKeyRequest{}
	}

	key, secret, err := h.keys.Create(c.Request.Context(), userID(c), req.Name)
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to create runner key")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key, "secret": secret})
}

// RevokeRunnerKey permanently disables a key.
// DELETE /api/runner-keys/:id
func (h *Handler) RevokeRunnerKey(c *gin.Context) {
	err := h.keys.Revoke(c.Request.Context(), c.Param("id"), userID(c))
	if errors.Is(err, store.ErrNotFound) {
		appErr := apperrors.NotFound("runner key", c.Param("id"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to revoke runner key")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// CLIAuthStart provisions a key for a CLI-driven runner install in one
// step.
// POST /api/auth/cli/start
func (h *Handler) CLIAuthStart(c *gin.Context) {
	key, secret, err := h.keys.Create(c.Request.Context(), userID(c), "cli")
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to provision cli key")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"keyId":  key.ID,
		"secret": secret,
	})
}

// IngestBuildEvent accepts a canonical update over HTTP. Runners prefer
// the WebSocket channel; this is the fallback for one-shot senders.
// POST /api/build-events
func (h *Handler) IngestBuildEvent(c *gin.Context) {
	var update wire.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.ingest(c, &update); err != nil {
		appErr := apperrors.Wrap(err, "failed to ingest build event")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (h *Handler) ingest(c *gin.Context, update *wire.Update) error {
	if err := h.runtime.Ingest(c.Request.Context(), update); err != nil {
		h.logger.Warn("build event rejected",
			zap.String("session_id", update.SessionID),
			zap.Error(err))
		return err
	}
	return nil
}
