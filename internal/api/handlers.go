// Package api exposes the HTTP surface: auth, conversations, message
// acceptance, listing for reconciliation, run status and media.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agentchat/internal/auth"
	"agentchat/internal/delivery"
	"agentchat/internal/logging"
	"agentchat/internal/metrics"
	"agentchat/internal/models"
	"agentchat/internal/runs"
	"agentchat/internal/service/acceptance"
	"agentchat/internal/service/chat"
	"agentchat/internal/visual"
)

const healthTimeout = 2 * time.Second

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the services the handlers are wired to.
type Deps struct {
	Chat       *chat.Service
	Acceptance *acceptance.Service
	Auth       *auth.Service
	Ledger     *runs.Ledger
	Tracker    *delivery.Tracker
	Media      *visual.MediaStore
	Metrics    *metrics.Metrics
	Checks     map[string]HealthCheck
}

// Handler wires HTTP routes to the chat services.
type Handler struct {
	chat       *chat.Service
	acceptance *acceptance.Service
	auth       *auth.Service
	ledger     *runs.Ledger
	tracker    *delivery.Tracker
	media      *visual.MediaStore
	metrics    *metrics.Metrics
	checks     map[string]HealthCheck
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		chat:       deps.Chat,
		acceptance: deps.Acceptance,
		auth:       deps.Auth,
		ledger:     deps.Ledger,
		tracker:    deps.Tracker,
		media:      deps.Media,
		metrics:    deps.Metrics,
		checks:     deps.Checks,
	}
}

// NewRouter builds a gin engine with logging, recovery and every route.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(RequestLogger(), Recovery())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/metrics", h.metricsSnapshot)

	v1 := router.Group("/v1")
	v1.POST("/auth/register", h.registerUser)
	v1.POST("/auth/login", h.loginUser)

	authed := v1.Group("")
	authed.Use(h.auth.Middleware())
	authed.POST("/auth/logout", h.logoutUser)
	authed.POST("/conversations", h.createConversation)
	authed.GET("/conversations", h.listConversations)
	authed.POST("/conversations/:id/messages", h.postMessage)
	authed.GET("/conversations/:id/messages", h.listMessages)
	authed.GET("/runs/:id", h.getRun)
	authed.GET("/media/:id", h.getMedia)
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chat.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, chat.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chat.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	token, expiresAt, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"user_id":    user.ID,
		"expires_at": expiresAt,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if token, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
			logging.FromContext(c.Request.Context()).Warn("revoke token", zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) createConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	// an empty body is a conversation with the default title
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	conv, err := h.chat.CreateConversation(c.Request.Context(), userID, req.Title)
	if err != nil {
		h.internalError(c, "create conversation", err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	convs, err := h.chat.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "list conversations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

type postMessageRequest struct {
	Text     string          `json:"text"`
	Metadata json.RawMessage `json:"metadata"`
}

// postMessage accepts a user message and answers 202 as soon as the run is
// queued. The assistant reply shows up later in the message listing.
func (h *Handler) postMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	receipt, err := h.acceptance.Accept(c.Request.Context(), userID, c.Param("id"), req.Text, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, acceptance.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		case errors.Is(err, acceptance.ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		case errors.Is(err, acceptance.ErrEmptyText), errors.Is(err, acceptance.ErrInvalidMetadata):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.internalError(c, "accept message", err)
		}
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (h *Handler) listMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	convID := c.Param("id")
	if !h.authorizeConversation(c, userID, convID) {
		return
	}
	opts, err := parseListOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgs, err := h.chat.ListMessages(c.Request.Context(), convID, opts)
	if err != nil {
		h.internalError(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func parseListOptions(c *gin.Context) (chat.ListOptions, error) {
	opts := chat.ListOptions{AfterID: strings.TrimSpace(c.Query("after_id"))}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return opts, errors.New("limit must be a positive integer")
		}
		opts.Limit = min(limit, chat.MaxListLimit)
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return opts, errors.New("since must be an RFC3339 timestamp")
		}
		opts.Since = &since
	}
	return opts, nil
}

// runResponse is a run plus its integration delivery record, when one exists.
type runResponse struct {
	*models.Run
	Delivery *models.DeliveryAttempt `json:"delivery,omitempty"`
}

func (h *Handler) getRun(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	run, err := h.ledger.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		h.internalError(c, "get run", err)
		return
	}
	if !h.authorizeConversation(c, userID, run.ConversationID) {
		return
	}
	resp := runResponse{Run: run}
	if h.tracker != nil {
		rec, err := h.tracker.Get(ctx, run.ID)
		switch {
		case err == nil:
			resp.Delivery = rec
		case errors.Is(err, delivery.ErrNotFound):
		default:
			h.internalError(c, "get delivery", err)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getMedia(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	media, err := h.media.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, visual.ErrMediaNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "media not found"})
			return
		}
		h.internalError(c, "get media", err)
		return
	}
	if !h.authorizeConversation(c, userID, media.ConversationID) {
		return
	}
	etag := `"` + media.Digest + `"`
	c.Header("ETag", etag)
	c.Header("Cache-Control", "private, max-age=31536000, immutable")
	if match := c.GetHeader("If-None-Match"); match != "" && (match == etag || match == "*") {
		c.Status(http.StatusNotModified)
		return
	}
	f, err := h.media.Open(media)
	if err != nil {
		if errors.Is(err, visual.ErrMediaNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "media not found"})
			return
		}
		h.internalError(c, "open media", err)
		return
	}
	defer f.Close()
	c.DataFromReader(http.StatusOK, media.Size, media.MediaType, f, nil)
}

// authorizeConversation writes the 404/403 response itself and reports
// whether the caller may proceed.
func (h *Handler) authorizeConversation(c *gin.Context, userID, convID string) bool {
	_, err := h.chat.Authorize(c.Request.Context(), userID, convID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, chat.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		h.internalError(c, "authorize conversation", err)
	}
	return false
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) metricsSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.GetSnapshot())
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	logging.FromContext(c.Request.Context()).Error(op, zap.Error(err))
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
