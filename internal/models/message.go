package models

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat turn, kept in memory by the conversation and persisted
// under its session.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
