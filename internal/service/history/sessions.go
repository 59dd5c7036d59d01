package history

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"monkchat/internal/models"
)

// CreateSession stores a new session titled after the first message and returns its id.
func (s *Service) CreateSession(ctx context.Context, user *models.User, first models.Content) (int64, error) {
	if user == nil {
		return 0, ErrUnauthenticated
	}
	now := time.Now().UTC()
	id, err := s.db.InsertID(ctx,
		`INSERT INTO chat_sessions (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		user.ID, models.GenerateTitle(first), now, now,
	)
	if err != nil {
		return 0, storeErr("create session", err)
	}
	return id, nil
}

// ListSessions returns the user's sessions, most recently active first. A nil user has
// no sessions.
func (s *Service) ListSessions(ctx context.Context, user *models.User) ([]models.Session, error) {
	sessions := make([]models.Session, 0)
	if user == nil {
		return sessions, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chat_sessions WHERE user_id = ? ORDER BY updated_at DESC, id DESC`,
		user.ID,
	)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var se models.Session
		if err := rows.Scan(&se.ID, &se.UserID, &se.Title, &se.CreatedAt, &se.UpdatedAt); err != nil {
			return nil, storeErr("scan session", err)
		}
		sessions = append(sessions, se)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list sessions", err)
	}
	return sessions, nil
}

// GetSession returns one session owned by the user.
func (s *Service) GetSession(ctx context.Context, user *models.User, sessionID int64) (*models.Session, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	var se models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chat_sessions WHERE id = ? AND user_id = ?`,
		sessionID, user.ID,
	).Scan(&se.ID, &se.UserID, &se.Title, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return &se, nil
}

// RenameSession sets the title. A blank title is ignored.
func (s *Service) RenameSession(ctx context.Context, user *models.User, sessionID int64, title string) error {
	if user == nil {
		return ErrUnauthenticated
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET title = ? WHERE id = ? AND user_id = ?`,
		title, sessionID, user.ID,
	)
	if err != nil {
		return storeErr("rename session", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return storeErr("rename session", sql.ErrNoRows)
	}
	return nil
}

// DeleteSession removes the session and its messages.
func (s *Service) DeleteSession(ctx context.Context, user *models.User, sessionID int64) (err error) {
	if user == nil {
		return ErrUnauthenticated
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin delete session", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM chat_sessions WHERE id = ? AND user_id = ?`), sessionID, user.ID)
	if err != nil {
		return storeErr("delete session", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete session", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return storeErr("delete session", err)
	}
	// no-op when the schema cascade already removed them
	if _, err = tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM chat_messages WHERE session_id = ?`), sessionID); err != nil {
		return storeErr("delete messages", err)
	}
	if err = tx.Commit(); err != nil {
		return storeErr("commit delete session", err)
	}
	return nil
}
