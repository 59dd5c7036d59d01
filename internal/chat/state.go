package chat

import (
	"errors"
	"sync"

	"monkchat/internal/models"
)

var (
	ErrAuthRequired = errors.New("sign in to chat")
	ErrEmptyInput   = errors.New("message is empty")
	ErrSendInFlight = errors.New("a message is already being sent")
)

const loadHistoryFailed = "Failed to load chat history"

// Input is what the user typed plus the images they attached.
type Input struct {
	Text   string
	Images []models.ImageHandle
}

// State is a copy of one user's conversation as the client renders it.
type State struct {
	SessionID int64            `json:"session_id"`
	Messages  []models.Message `json:"messages"`
	Loading   bool             `json:"loading"`
	Error     string           `json:"error,omitempty"`
}

// conversation is the in-memory chat of one user. generation changes whenever the
// visible conversation is replaced so late replies can tell they are stale.
type conversation struct {
	mu         sync.Mutex
	sessionID  int64
	messages   []models.Message
	loading    bool
	err        string
	generation uint64
}

func newConversation() *conversation {
	return &conversation{messages: make([]models.Message, 0)}
}

// snapshot must be called with mu held.
func (c *conversation) snapshot() State {
	msgs := make([]models.Message, len(c.messages))
	for i, m := range c.messages {
		m.Content = m.Content.WithoutHandles()
		msgs[i] = m
	}
	return State{
		SessionID: c.sessionID,
		Messages:  msgs,
		Loading:   c.loading,
		Error:     c.err,
	}
}

// reset must be called with mu held.
func (c *conversation) reset() {
	c.sessionID = 0
	c.messages = make([]models.Message, 0)
	c.loading = false
	c.err = ""
	c.generation++
}
