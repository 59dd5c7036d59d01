package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"monkchat/internal/auth"
	"monkchat/internal/chat"
	"monkchat/internal/content"
	"monkchat/internal/models"
	"monkchat/internal/service/gateway"
	"monkchat/internal/service/history"
)

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.history.ListSessions(c.Request.Context(), auth.UserFromContext(c))
	if err != nil {
		h.storeFailure(c, err, "sessions not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_list": sessions})
}

func (h *Handler) renameSession(c *gin.Context) {
	sessionID, ok := pathID(c, "session_id")
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.chats.RenameSession(c.Request.Context(), auth.UserFromContext(c), sessionID, req.Title); err != nil {
		h.storeFailure(c, err, "session not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID, ok := pathID(c, "session_id")
	if !ok {
		return
	}
	if err := h.chats.DeleteSession(c.Request.Context(), auth.UserFromContext(c), sessionID); err != nil {
		h.storeFailure(c, err, "session not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	sessionID, ok := pathID(c, "session_id")
	if !ok {
		return
	}
	user := auth.UserFromContext(c)
	session, err := h.history.GetSession(c.Request.Context(), user, sessionID)
	if err != nil {
		h.storeFailure(c, err, "session not found")
		return
	}
	messages, err := h.history.LoadMessages(c.Request.Context(), user, sessionID)
	if err != nil {
		h.storeFailure(c, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"messages": messages,
	})
}

func (h *Handler) getConversation(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": h.chats.Snapshot(auth.UserFromContext(c))})
}

func (h *Handler) newConversation(c *gin.Context) {
	state, err := h.chats.NewChat(auth.UserFromContext(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (h *Handler) selectConversation(c *gin.Context) {
	var req struct {
		SessionID int64 `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	state, err := h.chats.SelectSession(c.Request.Context(), auth.UserFromContext(c), req.SessionID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, chat.ErrAuthRequired):
			status = http.StatusUnauthorized
		case history.IsNotFound(err):
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": state.Error, "state": state})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

type sendRequest struct {
	Text     string  `json:"text"`
	ImageIDs []int64 `json:"image_ids"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user := auth.UserFromContext(c)
	images, err := h.resolveImages(c, user, req.ImageIDs)
	if err != nil {
		h.storeFailure(c, err, "image not found")
		return
	}

	state, err := h.chats.SendMessage(c.Request.Context(), user, chat.Input{Text: req.Text, Images: images})
	if err != nil {
		var gwErr *gateway.Error
		switch {
		case errors.Is(err, chat.ErrAuthRequired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		case errors.Is(err, chat.ErrEmptyInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, chat.ErrSendInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": state})
		case errors.As(err, &gwErr):
			c.JSON(http.StatusBadGateway, gin.H{"error": state.Error, "state": state})
		default:
			h.logger.Error("send message failed", zap.Int64("user_id", user.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": state.Error, "state": state})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// resolveImages turns upload ids into image handles, dropping duplicates and non-images.
func (h *Handler) resolveImages(c *gin.Context, user *models.User, ids []int64) ([]models.ImageHandle, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[int64]struct{}, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	uploads, err := h.history.GetUploads(c.Request.Context(), user, unique)
	if err != nil {
		return nil, err
	}
	handles := make([]models.ImageHandle, 0, len(uploads))
	for i := range uploads {
		handles = append(handles, *uploads[i].Handle())
	}
	return content.FilterImages(handles), nil
}
