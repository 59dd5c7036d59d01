package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"monkchat/internal/auth"
	"monkchat/internal/chat"
	"monkchat/internal/models"
	"monkchat/internal/service/history"
)

// ConversationManager is the per-user chat orchestrator behind the conversation routes.
type ConversationManager interface {
	SendMessage(ctx context.Context, user *models.User, in chat.Input) (chat.State, error)
	SelectSession(ctx context.Context, user *models.User, sessionID int64) (chat.State, error)
	NewChat(user *models.User) (chat.State, error)
	Snapshot(user *models.User) chat.State
	RenameSession(ctx context.Context, user *models.User, sessionID int64, title string) error
	DeleteSession(ctx context.Context, user *models.User, sessionID int64) error
	Forget(user *models.User)
}

// Handler wires HTTP routes to the auth, history and conversation services.
type Handler struct {
	auth    *auth.Service
	history *history.Service
	chats   ConversationManager
	logger  *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(authService *auth.Service, historyService *history.Service, chats ConversationManager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		auth:    authService,
		history: historyService,
		chats:   chats,
		logger:  logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	userRoutes := api.Group("/users/:id")
	userRoutes.Use(h.auth.Middleware(), h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
	userRoutes.GET("/sessions", h.listSessions)
	userRoutes.PATCH("/sessions/:session_id", h.renameSession)
	userRoutes.DELETE("/sessions/:session_id", h.deleteSession)
	userRoutes.GET("/sessions/:session_id/messages", h.getSessionMessages)
	userRoutes.GET("/conversation", h.getConversation)
	userRoutes.POST("/conversation/new", h.newConversation)
	userRoutes.POST("/conversation/select", h.selectConversation)
	userRoutes.POST("/conversation/msg", h.sendMessage)
	userRoutes.POST("/uploads", h.uploadImages)
	userRoutes.GET("/uploads/:upload_id", h.getUpload)
}

// requirePathUser checks that the :id path parameter is the token owner.
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := auth.UserFromContext(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != user.ID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("issue token failed", zap.Int64("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":          user.ID,
		"email":       user.Email,
		"created_at":  user.CreatedAt,
		"auth_token":  authToken,
		"csrf_token":  csrfToken,
		"csrf_header": h.auth.CSRFHeaderName(),
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	user := auth.UserFromContext(c)
	h.chats.Forget(user)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.logger.Warn("revoke token failed", zap.Error(err))
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	user := auth.UserFromContext(c)
	ctx := c.Request.Context()
	if err := h.auth.RevokeUserTokens(ctx, user.ID); err != nil {
		h.logger.Error("revoke user tokens failed", zap.Int64("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete user failed"})
		return
	}
	h.chats.Forget(user)
	if _, err := h.history.DeleteUserUploads(ctx, user); err != nil {
		h.logger.Warn("remove user uploads failed", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	if err := h.auth.DeleteUser(ctx, user.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		h.logger.Error("delete user failed", zap.Int64("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete user failed"})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// storeFailure maps persistence errors to a response.
func (h *Handler) storeFailure(c *gin.Context, err error, notFound string) {
	switch {
	case errors.Is(err, history.ErrUnauthenticated), errors.Is(err, chat.ErrAuthRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
	case history.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
	default:
		h.logger.Error("storage failure", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}
