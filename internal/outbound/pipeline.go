// Package outbound turns user intents into optimistic local writes and
// outbound transport commands.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/store"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// MaxMessageLength is the longest accepted message text in characters.
	MaxMessageLength     = 1000
	defaultMaxAttempts   = 5
	defaultRatePerSecond = 20
	taskShareTextPrefix  = "shared a task: "
)

var (
	// ErrInvalidMessageText indicates blank or oversized message text.
	ErrInvalidMessageText = errors.New("outbound: invalid message text")
	// ErrUnknownParticipant indicates a participant that is not known locally.
	ErrUnknownParticipant = errors.New("outbound: unknown participant")
	// ErrInvalidParticipants indicates a participant list that does not fit the conversation kind.
	ErrInvalidParticipants = errors.New("outbound: invalid participants")

	errMissingStore    = errors.New("outbound: store is required")
	errMissingEmitter  = errors.New("outbound: emitter is required")
	errMissingIdentity = errors.New("outbound: identity provider is required")
)

const (
	resultEmitted  = "emitted"
	resultQueued   = "queued"
	resultDropped  = "dropped"
	resultReplayed = "replayed"
)

// Emitter sends outbound transport commands.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// ConversationReloader refreshes the conversation list after local writes.
type ConversationReloader interface {
	ReloadConversations(ctx context.Context) error
}

// Config wires the pipeline dependencies.
type Config struct {
	Store         *store.Store
	Emitter       Emitter
	Identity      chat.IdentityProvider
	IDProvider    IDProvider
	Reloader      ConversationReloader
	Logger        *zap.Logger
	Registerer    prometheus.Registerer
	OutboxEnabled bool
	MaxAttempts   int
	RatePerSecond float64
}

// Pipeline sends user intents. Every command carries a client-generated
// identifier so that the server echo of an optimistic write is a no-op.
type Pipeline struct {
	store         *store.Store
	emitter       Emitter
	identity      chat.IdentityProvider
	ids           IDProvider
	reloader      ConversationReloader
	logger        *zap.Logger
	commands      *prometheus.CounterVec
	outboxEnabled bool
	maxAttempts   int
	limiter       *rate.Limiter
	flushMu       sync.Mutex
}

// NewPipeline constructs a Pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Emitter == nil {
		return nil, errMissingEmitter
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	ratePerSecond := cfg.RatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = defaultRatePerSecond
	}
	return &Pipeline{
		store:         cfg.Store,
		emitter:       cfg.Emitter,
		identity:      cfg.Identity,
		ids:           ids,
		reloader:      cfg.Reloader,
		logger:        logger,
		outboxEnabled: cfg.OutboxEnabled,
		maxAttempts:   maxAttempts,
		limiter:       rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		commands: metrics.CounterVec(cfg.Registerer, prometheus.CounterOpts{
			Name: "relay_outbound_commands_total",
			Help: "Outbound commands by command name and result.",
		}, "command", "result"),
	}, nil
}

// Attach replays the outbox on every transition of channel to connected.
func (p *Pipeline) Attach(channel transport.Channel) {
	channel.OnStateChange(func(state transport.State) {
		if state != transport.StateConnected {
			return
		}
		go func() {
			if _, err := p.FlushOutbox(context.Background()); err != nil {
				p.logger.Warn("outbox replay interrupted", zap.Error(err))
			}
		}()
	})
}

// SendMessage emits a text message and records it optimistically.
func (p *Pipeline) SendMessage(ctx context.Context, text string, conversationID chat.ConversationID) (chat.Message, error) {
	user, ok := p.identity.CurrentUser(ctx)
	if !ok {
		return chat.Message{}, chat.ErrNoCurrentUser
	}
	normalized, err := normalizeText(text)
	if err != nil {
		return chat.Message{}, err
	}
	if _, err := p.store.FindConversation(ctx, conversationID); err != nil {
		return chat.Message{}, err
	}
	return p.send(ctx, user, conversationID, normalized, chat.MessageKindText, nil)
}

// SendTaskToConversation shares a task into a conversation as a task link message.
func (p *Pipeline) SendTaskToConversation(ctx context.Context, taskID chat.TaskID, conversationID chat.ConversationID) (chat.Message, error) {
	user, ok := p.identity.CurrentUser(ctx)
	if !ok {
		return chat.Message{}, chat.ErrNoCurrentUser
	}
	if _, err := p.store.FindConversation(ctx, conversationID); err != nil {
		return chat.Message{}, err
	}
	task, err := p.store.ResolveTask(ctx, taskID)
	if err != nil {
		return chat.Message{}, err
	}
	return p.send(ctx, user, conversationID, taskShareTextPrefix+task.Title, chat.MessageKindTaskLink, &task)
}

func (p *Pipeline) send(ctx context.Context, user chat.User, conversationID chat.ConversationID, text string, kind chat.MessageKind, task *chat.Task) (chat.Message, error) {
	rawID, err := p.ids.NewID()
	if err != nil {
		p.logError("send_message", "id_generation_failed", err)
		return chat.Message{}, fmt.Errorf("outbound: generate message id: %w", err)
	}
	sentAt := p.store.Now()
	message := chat.Message{
		MessageID:       rawID,
		ConversationID:  conversationID.String(),
		SenderID:        user.UserID,
		Text:            text,
		Kind:            kind,
		CreatedAtMillis: chat.UnixMillis(sentAt),
	}
	payload := sendMessagePayload{
		ID:             message.MessageID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Text:           message.Text,
		Type:           string(message.Kind),
		Timestamp:      chat.FormatTimestamp(sentAt),
	}
	if task != nil {
		taskID := task.TaskID
		payload.TaskID = &taskID
	}

	emitErr := p.emitter.Emit(ctx, transport.EventSendMessage, payload)
	queue, err := p.outboxFor(transport.EventSendMessage, message.MessageID, payload, emitErr)
	if err != nil {
		return chat.Message{}, err
	}

	err = p.store.Commit(ctx, func(tx *store.Tx) error {
		if _, err := tx.InsertMessage(&message); err != nil {
			return err
		}
		if task != nil {
			if _, err := tx.LinkMessageTask(message.ID(), chat.TaskID(task.TaskID)); err != nil {
				return err
			}
			if _, err := tx.LinkTaskConversation(&chat.TaskConversationLink{
				TaskID:          task.TaskID,
				ConversationID:  conversationID.String(),
				CreatedBy:       user.UserID,
				CreatedAtMillis: chat.UnixMillis(sentAt),
			}); err != nil {
				return err
			}
		}
		if _, err := tx.AdvanceConversationActivity(conversationID, sentAt); err != nil {
			return err
		}
		if err := tx.TouchConversation(conversationID); err != nil {
			return err
		}
		if queue != nil {
			_, err := tx.EnqueueOutbox(queue)
			return err
		}
		return nil
	})
	if err != nil {
		p.logError("send_message", "commit_failed", err,
			zap.String("message_id", message.MessageID),
			zap.String("conversation_id", message.ConversationID))
		return chat.Message{}, err
	}
	p.countEmit(transport.EventSendMessage, emitErr, queue != nil)
	p.reload(ctx)
	return message, nil
}

// CreateConversationRequest describes a conversation to create.
type CreateConversationRequest struct {
	ParticipantIDs []chat.UserID
	Name           *string
	// Kind defaults to direct for one other participant and group otherwise.
	Kind chat.ConversationKind
}

// CreateConversation emits the creation command and stores the conversation
// with one membership per participant.
func (p *Pipeline) CreateConversation(ctx context.Context, request CreateConversationRequest) (chat.Conversation, error) {
	user, ok := p.identity.CurrentUser(ctx)
	if !ok {
		return chat.Conversation{}, chat.ErrNoCurrentUser
	}

	others := make([]chat.UserID, 0, len(request.ParticipantIDs))
	seen := map[chat.UserID]struct{}{user.ID(): {}}
	for _, participantID := range request.ParticipantIDs {
		if _, duplicate := seen[participantID]; duplicate {
			continue
		}
		seen[participantID] = struct{}{}
		if _, found, err := p.store.FindUser(ctx, participantID); err != nil {
			return chat.Conversation{}, err
		} else if !found {
			return chat.Conversation{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
		}
		others = append(others, participantID)
	}

	kind := request.Kind
	if kind == "" {
		kind = chat.ConversationKindGroup
		if len(others) == 1 {
			kind = chat.ConversationKindDirect
		}
	}
	if len(others) == 0 {
		return chat.Conversation{}, fmt.Errorf("%w: at least one other participant is required", ErrInvalidParticipants)
	}
	if kind == chat.ConversationKindDirect && len(others) != 1 {
		return chat.Conversation{}, fmt.Errorf("%w: direct conversations have exactly one other participant", ErrInvalidParticipants)
	}

	var name *string
	if request.Name != nil {
		if trimmed := strings.TrimSpace(*request.Name); trimmed != "" {
			name = &trimmed
		}
	}

	rawID, err := p.ids.NewID()
	if err != nil {
		p.logError("create_conversation", "id_generation_failed", err)
		return chat.Conversation{}, fmt.Errorf("outbound: generate conversation id: %w", err)
	}
	createdAt := p.store.Now()
	createdAtMillis := chat.UnixMillis(createdAt)
	conversation := chat.Conversation{
		ConversationID:       rawID,
		Kind:                 kind,
		Name:                 name,
		OwnerID:              user.UserID,
		CreatedAtMillis:      createdAtMillis,
		UpdatedAtMillis:      createdAtMillis,
		LastActivityAtMillis: createdAtMillis,
	}
	participantIDs := make([]string, 0, len(others)+1)
	participantIDs = append(participantIDs, user.UserID)
	for _, other := range others {
		participantIDs = append(participantIDs, other.String())
	}
	payload := createConversationPayload{
		ID:             conversation.ConversationID,
		Type:           string(kind),
		Name:           name,
		OwnerID:        user.UserID,
		ParticipantIDs: participantIDs,
	}

	emitErr := p.emitter.Emit(ctx, transport.EventCreateConversation, payload)
	queue, err := p.outboxFor(transport.EventCreateConversation, conversation.ConversationID, payload, emitErr)
	if err != nil {
		return chat.Conversation{}, err
	}

	err = p.store.Commit(ctx, func(tx *store.Tx) error {
		if _, err := tx.InsertConversation(&conversation); err != nil {
			return err
		}
		for _, participantID := range participantIDs {
			role := chat.RoleCommenter
			if participantID == user.UserID {
				role = chat.RoleOwner
			}
			if _, err := tx.InsertMembership(&chat.Membership{
				ConversationID:    conversation.ConversationID,
				UserID:            participantID,
				Role:              role,
				NotificationLevel: chat.NotificationAll,
				JoinedAtMillis:    createdAtMillis,
				Active:            true,
			}); err != nil {
				return err
			}
		}
		if queue != nil {
			_, err := tx.EnqueueOutbox(queue)
			return err
		}
		return nil
	})
	if err != nil {
		p.logError("create_conversation", "commit_failed", err,
			zap.String("conversation_id", conversation.ConversationID))
		return chat.Conversation{}, err
	}
	p.countEmit(transport.EventCreateConversation, emitErr, queue != nil)
	p.reload(ctx)
	return conversation, nil
}

// FlushOutbox replays queued commands oldest first and reports how many were
// delivered. Replay stops at the first failed emit; commands past the attempt
// limit are discarded.
func (p *Pipeline) FlushOutbox(ctx context.Context) (int, error) {
	if !p.outboxEnabled {
		return 0, nil
	}
	if !p.flushMu.TryLock() {
		return 0, nil
	}
	defer p.flushMu.Unlock()

	commands, err := p.store.ListOutbox(ctx, 0)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, command := range commands {
		if command.Attempts >= p.maxAttempts {
			p.logger.Warn("outbox command discarded",
				zap.String("command_id", command.CommandID),
				zap.String("event", command.Event),
				zap.Int("attempts", command.Attempts))
			if err := p.store.Commit(ctx, func(tx *store.Tx) error {
				return tx.DeleteOutbox(command.CommandID)
			}); err != nil {
				return delivered, err
			}
			p.commands.WithLabelValues(command.Event, resultDropped).Inc()
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return delivered, err
		}

		emitErr := p.emitter.Emit(ctx, command.Event, json.RawMessage(command.PayloadJSON))
		if emitErr != nil {
			if err := p.store.Commit(ctx, func(tx *store.Tx) error {
				return tx.RecordOutboxAttempt(command.CommandID, emitErr.Error())
			}); err != nil {
				return delivered, err
			}
			return delivered, emitErr
		}
		if err := p.store.Commit(ctx, func(tx *store.Tx) error {
			return tx.DeleteOutbox(command.CommandID)
		}); err != nil {
			return delivered, err
		}
		p.commands.WithLabelValues(command.Event, resultReplayed).Inc()
		delivered++
	}
	if delivered > 0 {
		p.logger.Info("outbox replayed", zap.Int("commands", delivered))
	}
	return delivered, nil
}

func (p *Pipeline) outboxFor(event, commandID string, payload any, emitErr error) (*store.OutboxCommand, error) {
	if emitErr == nil {
		return nil, nil
	}
	p.logger.Warn("outbound emit failed",
		zap.String("event", event),
		zap.String("command_id", commandID),
		zap.Bool("queued", p.outboxEnabled),
		zap.Error(emitErr))
	if !p.outboxEnabled {
		return nil, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("outbound: encode %s payload: %w", event, err)
	}
	return &store.OutboxCommand{
		CommandID:   commandID,
		Event:       event,
		PayloadJSON: string(encoded),
	}, nil
}

func (p *Pipeline) countEmit(event string, emitErr error, queued bool) {
	switch {
	case emitErr == nil:
		p.commands.WithLabelValues(event, resultEmitted).Inc()
	case queued:
		p.commands.WithLabelValues(event, resultQueued).Inc()
	default:
		p.commands.WithLabelValues(event, resultDropped).Inc()
	}
}

func (p *Pipeline) reload(ctx context.Context) {
	if p.reloader == nil {
		return
	}
	if err := p.reloader.ReloadConversations(ctx); err != nil {
		p.logError("reload_conversations", "reload_failed", err)
	}
}

func normalizeText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", fmt.Errorf("%w: text is blank", ErrInvalidMessageText)
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return "", fmt.Errorf("%w: text exceeds %d characters", ErrInvalidMessageText, MaxMessageLength)
	}
	return trimmed, nil
}

func (p *Pipeline) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "outbound."+operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("outbound pipeline error", attrs...)
}
