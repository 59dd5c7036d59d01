package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"monkchat/internal/models"
	"monkchat/internal/redis"
)

const (
	invalidateChannel = "chat:invalidate"
	historyTTL        = 30 * time.Minute
	// versions must outlive any entry stored against them
	versionTTL = 2 * historyTTL
)

// cachedHistory is a session history tagged with the session version it was read at.
// An entry whose version no longer matches was loaded before a later write.
type cachedHistory struct {
	Version  int64            `json:"version"`
	Messages []models.Message `json:"messages"`
}

type invalidateMessage struct {
	UserID    int64 `json:"user_id"`
	SessionID int64 `json:"session_id"`
}

// historyCache keeps loaded session histories in redis and tells other instances when a
// session goes away. A nil client disables it.
type historyCache struct {
	client *redis.Client
	logger *zap.Logger
}

func historyKey(userID, sessionID int64) string {
	return fmt.Sprintf("chat:history:%d:%d", userID, sessionID)
}

func versionKey(userID, sessionID int64) string {
	return fmt.Sprintf("chat:history:version:%d:%d", userID, sessionID)
}

// version reads the session's write counter. ok is false when it cannot be read, in which
// case nothing should be stored.
func (h *historyCache) version(ctx context.Context, userID, sessionID int64) (int64, bool) {
	if !h.client.Enabled() {
		return 0, false
	}
	raw, err := h.client.Get(ctx, versionKey(userID, sessionID))
	if errors.Is(err, redis.ErrCacheMiss) {
		return 0, true
	}
	if err != nil {
		h.logger.Warn("load history version failed", zap.Int64("session_id", sessionID), zap.Error(err))
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (h *historyCache) load(ctx context.Context, userID, sessionID int64) ([]models.Message, bool) {
	raw, err := h.client.Get(ctx, historyKey(userID, sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			h.logger.Warn("load cached history failed", zap.Int64("session_id", sessionID), zap.Error(err))
		}
		return nil, false
	}
	var entry cachedHistory
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		h.logger.Warn("decode cached history failed", zap.Int64("session_id", sessionID), zap.Error(err))
		return nil, false
	}
	current, ok := h.version(ctx, userID, sessionID)
	if !ok || current != entry.Version {
		return nil, false
	}
	return entry.Messages, true
}

// store caches msgs as read at version. A write that bumped the version in between makes
// the entry unreadable.
func (h *historyCache) store(ctx context.Context, userID, sessionID, version int64, msgs []models.Message) {
	if !h.client.Enabled() {
		return
	}
	data, err := json.Marshal(cachedHistory{Version: version, Messages: msgs})
	if err != nil {
		h.logger.Warn("encode history failed", zap.Int64("session_id", sessionID), zap.Error(err))
		return
	}
	if err := h.client.Set(ctx, historyKey(userID, sessionID), data, historyTTL); err != nil {
		h.logger.Warn("cache history failed", zap.Int64("session_id", sessionID), zap.Error(err))
	}
}

func (h *historyCache) invalidate(ctx context.Context, userID, sessionID int64) {
	if !h.client.Enabled() {
		return
	}
	if _, err := h.client.Incr(ctx, versionKey(userID, sessionID), versionTTL); err != nil {
		h.logger.Warn("bump history version failed", zap.Int64("session_id", sessionID), zap.Error(err))
	}
	if err := h.client.Del(ctx, historyKey(userID, sessionID)); err != nil {
		h.logger.Warn("invalidate history failed", zap.Int64("session_id", sessionID), zap.Error(err))
	}
}

func (h *historyCache) publishDeleted(ctx context.Context, userID, sessionID int64) {
	payload, err := json.Marshal(invalidateMessage{UserID: userID, SessionID: sessionID})
	if err != nil {
		return
	}
	if err := h.client.Publish(ctx, invalidateChannel, payload); err != nil {
		h.logger.Warn("publish session deletion failed", zap.Error(err))
	}
}

func (h *historyCache) listen(ctx context.Context, handler func(invalidateMessage)) {
	h.client.Subscribe(ctx, invalidateChannel, func(payload []byte) {
		var msg invalidateMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Warn("decode invalidation failed", zap.Error(err))
			return
		}
		handler(msg)
	})
}
