// Package session tracks the single conversation the user is currently viewing.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/store"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/transport"
	"go.uber.org/zap"
)

const defaultWindowSize = 50

var (
	errMissingStore   = errors.New("session: store is required")
	errMissingEmitter = errors.New("session: emitter is required")
)

// Emitter sends outbound transport commands.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// WindowObserver receives the active conversation and its message window.
// An empty conversation identifier signals that the session was left.
type WindowObserver func(conversationID chat.ConversationID, messages []chat.Message)

// Config wires the session manager dependencies.
type Config struct {
	Store      *store.Store
	Emitter    Emitter
	Identity   chat.IdentityProvider
	WindowSize int
	Logger     *zap.Logger
}

// Manager enforces at most one joined conversation. Join and Leave are
// serialized so the previous conversation is always left before the next
// one is joined.
type Manager struct {
	store      *store.Store
	emitter    Emitter
	identity   chat.IdentityProvider
	windowSize int
	logger     *zap.Logger

	operationMu sync.Mutex

	mu          sync.Mutex
	active      chat.ConversationID
	window      []chat.Message
	generation  uint64
	cancelWatch context.CancelFunc
	observers   []WindowObserver
}

// NewManager constructs an idle Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Emitter == nil {
		return nil, errMissingEmitter
	}
	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      cfg.Store,
		emitter:    cfg.Emitter,
		identity:   cfg.Identity,
		windowSize: windowSize,
		logger:     logger,
	}, nil
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// OnWindowChange registers an observer of the active message window.
func (m *Manager) OnWindowChange(observer WindowObserver) {
	if observer == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, observer)
	m.mu.Unlock()
}

// Active reports the joined conversation, if any.
func (m *Manager) Active() (chat.ConversationID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != ""
}

// Messages returns the message window of the joined conversation.
func (m *Manager) Messages() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.window...)
}

// Join makes conversationID the active conversation. Joining the active
// conversation again is a no-op. An unknown conversation fails with
// chat.ErrConversationNotFound and leaves the current session untouched.
func (m *Manager) Join(ctx context.Context, conversationID chat.ConversationID) error {
	m.operationMu.Lock()
	defer m.operationMu.Unlock()

	if current, joined := m.Active(); joined && current == conversationID {
		return nil
	}
	if _, err := m.store.FindConversation(ctx, conversationID); err != nil {
		return err
	}
	if _, joined := m.Active(); joined {
		m.leaveLocked(ctx)
	}

	m.emit(ctx, transport.EventJoinConversation, conversationID)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	changes, _ := m.store.Feed().Subscribe(watchCtx)

	window, err := m.store.ListMessages(ctx, conversationID, m.windowSize)
	if err != nil {
		cancelWatch()
		m.logger.Error("session window load failed",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
		window = nil
	}

	m.mu.Lock()
	m.generation++
	generation := m.generation
	m.active = conversationID
	m.window = window
	m.cancelWatch = cancelWatch
	m.mu.Unlock()

	if err == nil {
		go m.watch(watchCtx, changes, conversationID, generation)
	}
	m.markRead(ctx, conversationID)
	m.notify(conversationID, window)
	return nil
}

// Leave ends the active session. Leaving while idle is a no-op.
func (m *Manager) Leave(ctx context.Context) error {
	m.operationMu.Lock()
	defer m.operationMu.Unlock()
	if _, joined := m.Active(); !joined {
		return nil
	}
	m.leaveLocked(ctx)
	return nil
}

// Close stops the window subscription without emitting.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelWatch != nil {
		m.cancelWatch()
		m.cancelWatch = nil
	}
}

func (m *Manager) leaveLocked(ctx context.Context) {
	m.mu.Lock()
	previous := m.active
	if m.cancelWatch != nil {
		m.cancelWatch()
		m.cancelWatch = nil
	}
	m.generation++
	m.active = ""
	m.window = nil
	m.mu.Unlock()

	m.emit(ctx, transport.EventLeaveConversation, previous)
	m.notify("", nil)
}

func (m *Manager) emit(ctx context.Context, event string, conversationID chat.ConversationID) {
	err := m.emitter.Emit(ctx, event, conversationPayload{ConversationID: conversationID.String()})
	if err != nil {
		m.logger.Warn("session emit failed",
			zap.String("event", event),
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
	}
}

func (m *Manager) markRead(ctx context.Context, conversationID chat.ConversationID) {
	if m.identity == nil {
		return
	}
	user, ok := m.identity.CurrentUser(ctx)
	if !ok {
		return
	}
	err := m.store.Commit(ctx, func(tx *store.Tx) error {
		_, err := tx.AdvanceMembershipReadAt(conversationID, user.ID(), tx.Now())
		return err
	})
	if err != nil {
		m.logger.Error("session read cursor update failed",
			zap.String("conversation_id", conversationID.String()),
			zap.String("user_id", user.UserID),
			zap.Error(err))
	}
}

func (m *Manager) watch(ctx context.Context, changes <-chan store.Change, conversationID chat.ConversationID, generation uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			if change.Kind != store.ChangeMessage || change.ConversationID != conversationID.String() {
				continue
			}
			window, err := m.store.ListMessages(ctx, conversationID, m.windowSize)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Error("session window reload failed",
						zap.String("conversation_id", conversationID.String()),
						zap.Error(err))
				}
				continue
			}
			m.mu.Lock()
			if m.generation != generation {
				m.mu.Unlock()
				return
			}
			m.window = window
			m.mu.Unlock()
			m.notify(conversationID, window)
		}
	}
}

func (m *Manager) notify(conversationID chat.ConversationID, window []chat.Message) {
	m.mu.Lock()
	observers := append([]WindowObserver(nil), m.observers...)
	m.mu.Unlock()
	for _, observer := range observers {
		observer(conversationID, append([]chat.Message(nil), window...))
	}
}
