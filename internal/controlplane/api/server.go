// Package api exposes the control-plane HTTP surface: project and message
// CRUD, build triggering and cancellation, runner key management, and an
// HTTP fallback for build-event ingestion.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/config"
	apperrors "github.com/codyde/sentryvibe-sub006/internal/common/errors"
	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/commands"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/keys"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/runnerhub"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/runtime"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	"github.com/codyde/sentryvibe-sub006/internal/events/bus"
)

// Handler contains the HTTP handlers for the control-plane API.
type Handler struct {
	store   store.Store
	runtime *runtime.Runtime
	queue   *commands.Queue
	runners *runnerhub.Hub
	keys    *keys.Service
	bus     bus.EventBus
	cfg     *config.Config
	logger  *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(st store.Store, rt *runtime.Runtime, q *commands.Queue, runners *runnerhub.Hub, keySvc *keys.Service, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		store:   st,
		runtime: rt,
		queue:   q,
		runners: runners,
		keys:    keySvc,
		bus:     eventBus,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "api")),
	}
}

// RegisterRoutes mounts all HTTP routes on the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		user := api.Group("")
		user.Use(h.userAuth())
		{
			user.GET("/projects", h.ListProjects)
			user.POST("/projects", h.CreateProject)
			user.GET("/projects/:id", h.GetProject)
			user.GET("/projects/:id/messages", h.ListMessages)
			user.POST("/projects/:id/messages", h.PostMessage)
			user.GET("/projects/:id/sessions", h.ListSessions)
			user.GET("/messages", h.ListRecentMessages)
			user.POST("/messages", h.AppendChatMessage)
			user.POST("/projects/:id/generate", h.Generate)
			user.POST("/projects/:id/cancel-build", h.CancelBuild)

			user.GET("/runner-keys", h.ListRunnerKeys)
			user.POST("/runner-keys", h.CreateRunnerKey)
			user.DELETE("/runner-keys/:id", h.RevokeRunnerKey)

			user.POST("/auth/cli/start", h.CLIAuthStart)
		}

		runner := api.Group("")
		runner.Use(h.runnerAuth())
		{
			runner.POST("/build-events", h.IngestBuildEvent)
		}
	}
}

// Health reports liveness of the store and the broadcast bus.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if !h.bus.IsConnected() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"bus":    h.bus.IsConnected(),
	})
}

// userAuth resolves the acting user. Local mode maps everything to the
// configured dev user; anything else requires an identity header from the
// fronting proxy.
func (h *Handler) userAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg.Auth.LocalMode {
			c.Set("userID", h.cfg.Auth.DevUserID)
			c.Next()
			return
		}
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			appErr := apperrors.Unauthorized("missing identity")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

// runnerAuth validates the runner bearer credential.
func (h *Handler) runnerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(token) > len(prefix) && token[:len(prefix)] == prefix {
			token = token[len(prefix):]
		} else {
			token = ""
		}
		key, err := h.keys.Verify(c.Request.Context(), token)
		if err != nil {
			appErr := apperrors.Unauthorized("invalid runner credential")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Set("runnerKeyID", key.ID)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString("userID")
}
