package storage

import (
	"context"
	"testing"
	"time"

	"monkchat/internal/config"
)

func TestOpenNormalizesDriver(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := Open("SQLite", cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if db.Driver() != "sqlite3" {
		t.Fatalf("driver: %q", db.Driver())
	}
}

func TestOpenRejectsMissingConfig(t *testing.T) {
	if _, err := Open("postgresql", &config.Config{}); err == nil {
		t.Fatalf("expected error without a postgres section")
	}
}

func TestRebind(t *testing.T) {
	query := "SELECT id FROM chat_sessions WHERE user_id = ? AND id = ?"
	pg := &DB{driver: "postgres"}
	if got := pg.Rebind(query); got != "SELECT id FROM chat_sessions WHERE user_id = $1 AND id = $2" {
		t.Fatalf("postgres rebind: %q", got)
	}
	for _, driver := range []string{"sqlite3", "mysql"} {
		db := &DB{driver: driver}
		if got := db.Rebind(query); got != query {
			t.Fatalf("%s rebind changed query: %q", driver, got)
		}
	}
}

func TestDeletingUserCascades(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	userID, err := db.InsertID(ctx, `INSERT INTO users (email, password_hash, created_at) VALUES (?, ?, ?)`, "a@example.com", "x", now)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	sessionID, err := db.InsertID(ctx, `INSERT INTO chat_sessions (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`, userID, "t", now, now)
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	stmts := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO chat_messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`, []any{"m1", sessionID, "user", `"hi"`, now}},
		{`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`, []any{"tok", userID, now, now.Add(time.Hour)}},
		{`INSERT INTO image_uploads (user_id, storage_key, file_name, mime_type, size, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)`, []any{userID, "k", "a.png", "image/png", 4, now, now.Add(time.Hour)}},
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s.query, s.args...); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	for _, table := range []string{"chat_sessions", "chat_messages", "user_tokens", "image_uploads"} {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Fatalf("%s: expected cascade delete, %d rows left", table, n)
		}
	}
}
