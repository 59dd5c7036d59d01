package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"monkchat/internal/content"
	"monkchat/internal/models"
	"monkchat/internal/redis"
)

// History is the persistence the conversation writes through.
type History interface {
	CreateSession(ctx context.Context, user *models.User, first models.Content) (int64, error)
	AppendMessage(ctx context.Context, user *models.User, sessionID int64, msg models.Message) error
	LoadMessages(ctx context.Context, user *models.User, sessionID int64) ([]models.Message, error)
	RenameSession(ctx context.Context, user *models.User, sessionID int64, title string) error
	DeleteSession(ctx context.Context, user *models.User, sessionID int64) error
}

// Responder produces the assistant reply for a conversation.
type Responder interface {
	Reply(ctx context.Context, conversation []models.Message) (string, error)
}

// Manager owns one conversation per signed-in user.
type Manager struct {
	history History
	llm     Responder
	cache   *historyCache
	logger  *zap.Logger

	mu            sync.Mutex
	conversations map[int64]*conversation
}

// NewManager wires the orchestrator. cache may be nil.
func NewManager(history History, llm Responder, cache *redis.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		history:       history,
		llm:           llm,
		cache:         &historyCache{client: cache, logger: logger},
		logger:        logger,
		conversations: make(map[int64]*conversation),
	}
}

// Start listens for sessions deleted by other instances until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.cache.listen(ctx, func(msg invalidateMessage) {
		m.dropSession(msg.UserID, msg.SessionID)
	})
}

func (m *Manager) get(userID int64) *conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[userID]
	if !ok {
		conv = newConversation()
		m.conversations[userID] = conv
	}
	return conv
}

// SendMessage runs one turn: record the user message, make sure a session exists,
// persist, ask the model and record the reply. Failures after the message is accepted
// are reported in State.Error and returned; the user's message is never rolled back.
func (m *Manager) SendMessage(ctx context.Context, user *models.User, in Input) (State, error) {
	if user == nil {
		return State{}, ErrAuthRequired
	}
	if content.IsEmpty(in.Text, in.Images) {
		return m.Snapshot(user), ErrEmptyInput
	}
	// the turn outlives a disconnected client
	ctx = context.WithoutCancel(ctx)

	conv := m.get(user.ID)
	conv.mu.Lock()
	if conv.loading {
		state := conv.snapshot()
		conv.mu.Unlock()
		return state, ErrSendInFlight
	}
	userMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   content.Normalize(in.Text, in.Images),
		Timestamp: time.Now().UTC(),
	}
	conv.messages = append(conv.messages, userMsg)
	conv.loading = true
	conv.err = ""
	gen := conv.generation
	sessionID := conv.sessionID
	outgoing := append([]models.Message(nil), conv.messages...)
	conv.mu.Unlock()

	log := m.logger.With(zap.Int64("user_id", user.ID))

	if sessionID == 0 {
		id, err := m.history.CreateSession(ctx, user, userMsg.Content)
		if err != nil {
			log.Error("create session failed", zap.Error(err))
			return m.finish(conv, gen, func() {
				conv.err = fmt.Sprintf("Failed to start a new chat: %v", err)
			}), err
		}
		sessionID = id
		conv.mu.Lock()
		if conv.generation == gen {
			conv.sessionID = id
		}
		conv.mu.Unlock()
	}
	log = log.With(zap.Int64("session_id", sessionID))

	var warning string
	if err := m.history.AppendMessage(ctx, user, sessionID, userMsg); err != nil {
		log.Warn("persist user message failed", zap.Error(err))
		warning = "Your message could not be saved"
		conv.mu.Lock()
		if conv.generation == gen {
			conv.err = warning
		}
		conv.mu.Unlock()
	}
	m.cache.invalidate(ctx, user.ID, sessionID)

	reply, err := m.llm.Reply(ctx, outgoing)
	if err != nil {
		log.Error("llm reply failed", zap.Error(err))
		return m.finish(conv, gen, func() {
			conv.err = err.Error()
		}), err
	}

	assistantMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   models.TextContent(reply),
		Timestamp: time.Now().UTC(),
	}
	if err := m.history.AppendMessage(ctx, user, sessionID, assistantMsg); err != nil {
		log.Warn("persist reply failed", zap.Error(err))
		warning = "The reply could not be saved"
	}
	m.cache.invalidate(ctx, user.ID, sessionID)

	return m.finish(conv, gen, func() {
		conv.messages = append(conv.messages, assistantMsg)
		conv.err = warning
	}), nil
}

// finish ends a turn. apply only runs when the conversation was not replaced meanwhile.
func (m *Manager) finish(conv *conversation, gen uint64, apply func()) State {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.generation != gen {
		m.logger.Debug("discarding stale reply", zap.Uint64("generation", gen))
		return conv.snapshot()
	}
	apply()
	conv.loading = false
	return conv.snapshot()
}

// SelectSession replaces the conversation with a stored session. On failure the current
// messages stay and the error is reported.
func (m *Manager) SelectSession(ctx context.Context, user *models.User, sessionID int64) (State, error) {
	if user == nil {
		return State{}, ErrAuthRequired
	}
	msgs, cached := m.cache.load(ctx, user.ID, sessionID)
	if !cached {
		// read before loading so a reply appended meanwhile outdates what gets stored
		version, versioned := m.cache.version(ctx, user.ID, sessionID)
		loaded, err := m.history.LoadMessages(ctx, user, sessionID)
		if err != nil {
			m.logger.Error("load history failed",
				zap.Int64("user_id", user.ID),
				zap.Int64("session_id", sessionID),
				zap.Error(err),
			)
			conv := m.get(user.ID)
			conv.mu.Lock()
			defer conv.mu.Unlock()
			conv.err = loadHistoryFailed
			return conv.snapshot(), err
		}
		msgs = loaded
		if versioned {
			m.cache.store(ctx, user.ID, sessionID, version, msgs)
		}
	}

	conv := m.get(user.ID)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.reset()
	conv.sessionID = sessionID
	conv.messages = append(conv.messages, msgs...)
	return conv.snapshot(), nil
}

// NewChat clears the conversation; the next send creates a session.
func (m *Manager) NewChat(user *models.User) (State, error) {
	if user == nil {
		return State{}, ErrAuthRequired
	}
	conv := m.get(user.ID)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.reset()
	return conv.snapshot(), nil
}

// Snapshot returns the current conversation of user.
func (m *Manager) Snapshot(user *models.User) State {
	if user == nil {
		return State{Messages: make([]models.Message, 0)}
	}
	conv := m.get(user.ID)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.snapshot()
}

// RenameSession retitles a stored session.
func (m *Manager) RenameSession(ctx context.Context, user *models.User, sessionID int64, title string) error {
	if user == nil {
		return ErrAuthRequired
	}
	return m.history.RenameSession(ctx, user, sessionID, title)
}

// DeleteSession removes a stored session. If it is the open conversation, a new chat starts.
func (m *Manager) DeleteSession(ctx context.Context, user *models.User, sessionID int64) error {
	if user == nil {
		return ErrAuthRequired
	}
	if err := m.history.DeleteSession(ctx, user, sessionID); err != nil {
		return err
	}
	m.cache.invalidate(ctx, user.ID, sessionID)
	m.cache.publishDeleted(ctx, user.ID, sessionID)
	m.dropSession(user.ID, sessionID)
	return nil
}

func (m *Manager) dropSession(userID, sessionID int64) {
	m.mu.Lock()
	conv, ok := m.conversations[userID]
	m.mu.Unlock()
	if !ok {
		return
	}
	conv.mu.Lock()
	if conv.sessionID == sessionID {
		conv.reset()
	}
	conv.mu.Unlock()
}

// Forget drops the in-memory conversation of user, used on sign-out.
func (m *Manager) Forget(user *models.User) {
	if user == nil {
		return
	}
	m.mu.Lock()
	delete(m.conversations, user.ID)
	m.mu.Unlock()
}
