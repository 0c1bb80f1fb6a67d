package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/codyde/sentryvibe-sub006/internal/common/errors"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/commands"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	"github.com/codyde/sentryvibe-sub006/internal/events/bus"
	v1 "github.com/codyde/sentryvibe-sub006/pkg/api/v1"
)

// CreateProjectRequest is the body for POST /api/projects.
type CreateProjectRequest struct {
	Slug          string `json:"slug" binding:"required"`
	RunnerID      string `json:"runnerId"`
	WorkspacePath string `json:"workspacePath"`
}

// GenerateRequest is the body for POST /api/projects/:id/generate.
type GenerateRequest struct {
	Prompt    string `json:"prompt" binding:"required"`
	AgentID   string `json:"agentId"`
	ModelID   string `json:"modelId"`
	Operation string `json:"operation"`
	Context   string `json:"context"`
}

// PostMessageRequest is the body for POST /api/projects/:id/messages.
type PostMessageRequest struct {
	Content string `json:"content" binding:"required"`
	Role    string `json:"role"`
}

// AppendMessageRequest is the body for POST /api/messages. The project is
// named in the body rather than the path.
type AppendMessageRequest struct {
	ProjectID string `json:"projectId" binding:"required"`
	Content   string `json:"content" binding:"required"`
	Role      string `json:"role"`
}

// ListProjects returns the acting user's projects.
// GET /api/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.store.ListProjects(c.Request.Context(), userID(c))
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to list projects")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "total": len(projects)})
}

// CreateProject registers a project.
// POST /api/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	project := &v1.Project{
		ID:            uuid.New().String(),
		Slug:          req.Slug,
		OwnerID:       userID(c),
		RunnerID:      req.RunnerID,
		WorkspacePath: req.WorkspacePath,
	}
	if err := h.store.UpsertProject(c.Request.Context(), project); err != nil {
		appErr := apperrors.Wrap(err, "failed to create project")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// GetProject returns one project.
// GET /api/projects/:id
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.store.GetProject(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		appErr := apperrors.NotFound("project", c.Param("id"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to get project")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, project)
}

// ListSessions returns a project's build sessions, newest first.
// GET /api/projects/:id/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListProjectSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to list sessions")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// ListMessages returns a project's chat history, newest first.
// GET /api/projects/:id/messages?limit=50
func (h *Handler) ListMessages(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			appErr := apperrors.ValidationError("limit", "must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = parsed
	}

	msgs, err := h.store.ListMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to list messages")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
}

// PostMessage appends a chat message and broadcasts it to the project's
// browser clients.
// POST /api/projects/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	role := v1.MessageRole(req.Role)
	if role == "" {
		role = v1.RoleUser
	}
	msg := &v1.ChatMessage{
		ID:        uuid.New().String(),
		ProjectID: c.Param("id"),
		Role:      role,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.AppendMessage(c.Request.Context(), msg); err != nil {
		appErr := apperrors.Wrap(err, "failed to store message")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.publishChat(c, msg)
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) publishChat(c *gin.Context, msg *v1.ChatMessage) {
	event, err := bus.NewEvent(bus.EventTypeChatMessage, "api", msg)
	if err != nil {
		return
	}
	if err := h.bus.Publish(c.Request.Context(), bus.SubjectProjectUpdates(msg.ProjectID), event); err != nil {
		h.logger.Warn("failed to publish chat message", zap.Error(err))
	}
}

// ListRecentMessages is the flat messages listing used by the CLI.
// GET /api/messages?projectId=p1&limit=50
func (h *Handler) ListRecentMessages(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		appErr := apperrors.ValidationError("projectId", "query parameter is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			appErr := apperrors.ValidationError("limit", "must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = parsed
	}

	msgs, err := h.store.ListMessages(c.Request.Context(), projectID, limit)
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to list messages")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
}

// AppendChatMessage appends a chat message by project id in the body.
// POST /api/messages
func (h *Handler) AppendChatMessage(c *gin.Context) {
	var req AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	role := v1.MessageRole(req.Role)
	if role == "" {
		role = v1.RoleUser
	}
	msg := &v1.ChatMessage{
		ID:        uuid.New().String(),
		ProjectID: req.ProjectID,
		Role:      role,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.AppendMessage(c.Request.Context(), msg); err != nil {
		appErr := apperrors.Wrap(err, "failed to store message")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.publishChat(c, msg)
	c.JSON(http.StatusCreated, msg)
}

// Generate creates a build session and queues its command for the
// project's runner.
// POST /api/projects/:id/generate
func (h *Handler) Generate(c *gin.Context) {
	projectID := c.Param("id")

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	project, err := h.store.GetProject(c.Request.Context(), projectID)
	if errors.Is(err, store.ErrNotFound) {
		appErr := apperrors.NotFound("project", projectID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to load project")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if project.RunnerID == "" {
		appErr := apperrors.Conflict("project has no runner assigned")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = h.cfg.Build.DefaultAgentID
	}
	modelID := req.ModelID
	if modelID == "" {
		modelID = h.cfg.Build.DefaultModelID
	}
	operation := v1.OperationType(req.Operation)
	if operation == "" {
		operation = h.defaultOperation(c, projectID)
	}

	session := &v1.Session{
		ID:            uuid.New().String(),
		ProjectID:     projectID,
		BuildID:       uuid.New().String(),
		AgentID:       agentID,
		ModelID:       modelID,
		RunnerID:      project.RunnerID,
		Status:        v1.SessionPending,
		OperationType: operation,
		StartedAt:     time.Now().UTC(),
	}
	if err := h.store.UpsertSession(c.Request.Context(), session); err != nil {
		appErr := apperrors.Wrap(err, "failed to create session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	// The prompt is part of the project's chat history.
	userMsg := &v1.ChatMessage{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Role:      v1.RoleUser,
		Content:   req.Prompt,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.AppendMessage(c.Request.Context(), userMsg); err != nil {
		h.logger.Warn("failed to store prompt message", zap.Error(err))
	} else {
		h.publishChat(c, userMsg)
	}

	cmd := &v1.Command{
		ID:        uuid.New().String(),
		RunnerID:  project.RunnerID,
		ProjectID: projectID,
		SessionID: session.ID,
		BuildID:   session.BuildID,
		Prompt:    req.Prompt,
		AgentID:   agentID,
		ModelID:   modelID,
		Context:   req.Context,
		Operation: operation,
		IssuedAt:  time.Now().UTC(),
	}
	if err := h.queue.Enqueue(cmd); err != nil {
		if errors.Is(err, commands.ErrDuplicateSession) {
			appErr := apperrors.Conflict("a build is already running for this session")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := apperrors.Wrap(err, "failed to queue build")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.logger.Info("build queued",
		zap.String("project_id", projectID),
		zap.String("session_id", session.ID),
		zap.String("command_id", cmd.ID))
	c.JSON(http.StatusAccepted, gin.H{
		"sessionId": session.ID,
		"buildId":   session.BuildID,
		"commandId": cmd.ID,
	})
}

// defaultOperation picks initial-build for a project's first session and
// enhancement afterwards.
func (h *Handler) defaultOperation(c *gin.Context, projectID string) v1.OperationType {
	_, err := h.store.LatestProjectSession(c.Request.Context(), projectID)
	if errors.Is(err, store.ErrNotFound) {
		return v1.OperationInitialBuild
	}
	return v1.OperationEnhancement
}

// CancelBuild requests cancellation of the project's running session.
// POST /api/projects/:id/cancel-build
func (h *Handler) CancelBuild(c *gin.Context) {
	projectID := c.Param("id")

	session, err := h.store.LatestProjectSession(c.Request.Context(), projectID)
	if errors.Is(err, store.ErrNotFound) {
		appErr := apperrors.NotFound("session", projectID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to load session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if session.Status.Terminal() {
		appErr := apperrors.Conflict("session already finished")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.runtime.RequestCancel(c.Request.Context(), session.ID); err != nil {
		appErr := apperrors.Wrap(err, "failed to request cancel")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	// Best effort: the grace timer covers a disconnected runner.
	if err := h.runners.DispatchCancel(session.RunnerID, session.ID); err != nil {
		h.logger.Warn("cancel not delivered to runner",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	c.JSON(http.StatusAccepted, gin.H{"sessionId": session.ID, "status": "cancelling"})
}
