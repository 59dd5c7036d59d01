package models

import "time"

// User is the signed-in identity handed explicitly to persistence and conversation calls.
// A nil *User means nobody is signed in.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}
