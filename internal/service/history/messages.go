package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"monkchat/internal/models"
)

// AppendMessage stores msg under the session and then refreshes the session's
// updated_at. The refresh is best effort; when it fails the message still counts as saved.
func (s *Service) AppendMessage(ctx context.Context, user *models.User, sessionID int64, msg models.Message) error {
	if user == nil {
		return ErrUnauthenticated
	}
	if err := s.ownsSession(ctx, user, sessionID); err != nil {
		return storeErr("append message", err)
	}
	payload, err := json.Marshal(msg.Content.WithoutHandles())
	if err != nil {
		return storeErr("encode message", err)
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Role), string(payload), now,
	); err != nil {
		return storeErr("insert message", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, now, sessionID,
	); err != nil {
		s.logger.Warn("touch session failed",
			zap.Int64("session_id", sessionID),
			zap.Error(err),
		)
	}
	return nil
}

// LoadMessages returns the session's messages oldest first, timestamped with their
// stored creation time.
func (s *Service) LoadMessages(ctx context.Context, user *models.User, sessionID int64) ([]models.Message, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if err := s.ownsSession(ctx, user, sessionID); err != nil {
		return nil, storeErr("load messages", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM chat_messages WHERE session_id = ? ORDER BY created_at ASC, seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, storeErr("load messages", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			m       models.Message
			role    string
			content string
		)
		if err := rows.Scan(&m.ID, &role, &content, &m.Timestamp); err != nil {
			return nil, storeErr("scan message", err)
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, storeErr("decode message", err)
		}
		m.Role = models.Role(role)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load messages", err)
	}
	return messages, nil
}

func (s *Service) ownsSession(ctx context.Context, user *models.User, sessionID int64) error {
	var owner int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM chat_sessions WHERE id = ?`, sessionID).Scan(&owner)
	if err != nil {
		return err
	}
	if owner != user.ID {
		return sql.ErrNoRows
	}
	return nil
}

// IsNotFound reports whether err means the session, message or upload does not exist
// for this user.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
