package models

import (
	"strings"
	"time"
)

const (
	DefaultSessionTitle = "New Chat"
	maxTitleRunes       = 50
)

// Session groups the messages of one conversation. It belongs to exactly one user.
type Session struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GenerateTitle derives a session title from the first message of a conversation.
func GenerateTitle(first Content) string {
	text := DefaultSessionTitle
	if !first.IsMultimodal() {
		text = first.PlainText()
	} else if part, ok := first.FirstText(); ok {
		text = part.Text
	}

	runes := []rune(text)
	if len(runes) > maxTitleRunes {
		runes = runes[:maxTitleRunes]
	}
	title := strings.TrimSpace(string(runes))
	if title == "" {
		return DefaultSessionTitle
	}
	return title
}
