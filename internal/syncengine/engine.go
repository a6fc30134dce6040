// Package syncengine reconciles inbound transport events into the local store.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/store"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const defaultQueueSize = 256

var errMissingStore = errors.New("syncengine: store is required")

// Outcome classifies how an inbound event was handled.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeMalformed  Outcome = "malformed"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeFailed     Outcome = "failed"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDropped    Outcome = "dropped"
)

// Config wires the engine dependencies.
type Config struct {
	Store      *store.Store
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	QueueSize  int
}

// Engine applies inbound events one at a time. Events are never retried:
// the server stream is the source of truth and later events converge state.
type Engine struct {
	store  *store.Store
	logger *zap.Logger
	queue  chan transport.Event
	events *prometheus.CounterVec

	conversationsMu sync.RWMutex
	conversations   []chat.Conversation
	listeners       []func([]chat.Conversation)
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Engine{
		store:  cfg.Store,
		logger: logger,
		queue:  make(chan transport.Event, queueSize),
		events: metrics.CounterVec(cfg.Registerer, prometheus.CounterOpts{
			Name: "relay_sync_events_total",
			Help: "Inbound sync events by event name and outcome.",
		}, "event", "outcome"),
	}, nil
}

// Attach subscribes the engine to the inbound events of channel. Every
// transition to connected schedules a conversation list refresh.
func (e *Engine) Attach(channel transport.Channel) {
	for _, name := range []string{
		transport.EventMessage,
		transport.EventMessageDelivered,
		transport.EventMessageRead,
		transport.EventConversationUpdated,
	} {
		eventName := name
		channel.On(eventName, func(ctx context.Context, payload json.RawMessage) {
			e.Enqueue(transport.Event{Name: eventName, Payload: payload})
		})
	}
	channel.OnStateChange(func(state transport.State) {
		if state == transport.StateConnected {
			e.Enqueue(transport.Event{Name: transport.EventConversationUpdated})
		}
	})
}

// Enqueue schedules an event without blocking. A full queue drops the event.
func (e *Engine) Enqueue(event transport.Event) bool {
	select {
	case e.queue <- event:
		return true
	default:
		e.logger.Warn("sync event dropped", zap.String("event", event.Name), zap.String("reason", "queue_full"))
		e.events.WithLabelValues(event.Name, string(OutcomeDropped)).Inc()
		return false
	}
}

// Run processes queued events until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-e.queue:
			e.Handle(ctx, event)
		}
	}
}

// Handle applies a single event and reports its outcome.
func (e *Engine) Handle(ctx context.Context, event transport.Event) Outcome {
	var outcome Outcome
	switch event.Name {
	case transport.EventMessage:
		outcome = e.handleMessage(ctx, event.Payload)
	case transport.EventMessageDelivered:
		outcome = e.handleReceipt(ctx, event.Payload, receiptDelivered)
	case transport.EventMessageRead:
		outcome = e.handleReceipt(ctx, event.Payload, receiptRead)
	case transport.EventConversationUpdated:
		outcome = e.handleConversationUpdated(ctx)
	default:
		outcome = OutcomeIgnored
	}
	e.events.WithLabelValues(event.Name, string(outcome)).Inc()
	return outcome
}

// Conversations returns the latest non-archived conversation list snapshot,
// most recent activity first.
func (e *Engine) Conversations() []chat.Conversation {
	e.conversationsMu.RLock()
	defer e.conversationsMu.RUnlock()
	return append([]chat.Conversation(nil), e.conversations...)
}

// OnConversationsChange registers an observer of conversation list reloads.
func (e *Engine) OnConversationsChange(listener func([]chat.Conversation)) {
	if listener == nil {
		return
	}
	e.conversationsMu.Lock()
	e.listeners = append(e.listeners, listener)
	e.conversationsMu.Unlock()
}

// ReloadConversations refreshes the conversation list snapshot from the store.
func (e *Engine) ReloadConversations(ctx context.Context) error {
	conversations, err := e.store.ListConversations(ctx)
	if err != nil {
		return err
	}
	e.conversationsMu.Lock()
	e.conversations = conversations
	listeners := append([]func([]chat.Conversation){}, e.listeners...)
	e.conversationsMu.Unlock()

	for _, listener := range listeners {
		listener(append([]chat.Conversation(nil), conversations...))
	}
	e.store.Publish(store.Change{Kind: store.ChangeConversationList})
	return nil
}

func (e *Engine) handleMessage(ctx context.Context, payload json.RawMessage) Outcome {
	message, err := decodeMessage(payload)
	if err != nil {
		e.logger.Debug("sync message malformed", zap.String("event", transport.EventMessage), zap.Error(err))
		return OutcomeMalformed
	}
	fields := []zap.Field{
		zap.String("message_id", message.ID.String()),
		zap.String("conversation_id", message.ConversationID.String()),
	}

	if _, err := e.store.FindConversation(ctx, message.ConversationID); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			e.logger.Info("sync message discarded", append(fields, zap.String("reason", "unknown_conversation"))...)
			return OutcomeUnresolved
		}
		e.logError("handle_message", "conversation_lookup_failed", err, fields...)
		return OutcomeFailed
	}
	if _, found, err := e.store.FindUser(ctx, message.SenderID); err != nil {
		e.logError("handle_message", "sender_lookup_failed", err, fields...)
		return OutcomeFailed
	} else if !found {
		e.logger.Info("sync message discarded", append(fields, zap.String("reason", "unknown_sender"))...)
		return OutcomeUnresolved
	}

	var linkedTask *chat.Task
	if message.TaskID != nil {
		task, err := e.store.ResolveTask(ctx, *message.TaskID)
		switch {
		case err == nil:
			linkedTask = &task
		case errors.Is(err, chat.ErrTaskNotFound):
			e.logger.Debug("sync message task unresolved", append(fields, zap.String("task_id", message.TaskID.String()))...)
		default:
			e.logError("handle_message", "task_lookup_failed", err, fields...)
			return OutcomeFailed
		}
	}

	duplicate := false
	err = e.store.Commit(ctx, func(tx *store.Tx) error {
		inserted, err := tx.InsertMessage(&chat.Message{
			MessageID:       message.ID.String(),
			ConversationID:  message.ConversationID.String(),
			SenderID:        message.SenderID.String(),
			Text:            message.Text,
			Kind:            message.Kind,
			CreatedAtMillis: chat.UnixMillis(message.CreatedAt),
		})
		if err != nil {
			return err
		}
		if !inserted {
			duplicate = true
			return nil
		}
		if linkedTask != nil {
			if _, err := tx.LinkMessageTask(message.ID, chat.TaskID(linkedTask.TaskID)); err != nil {
				return err
			}
		}
		if _, err := tx.AdvanceConversationActivity(message.ConversationID, message.CreatedAt); err != nil {
			return err
		}
		return tx.TouchConversation(message.ConversationID)
	})
	if err != nil {
		e.logError("handle_message", "commit_failed", err, fields...)
		return OutcomeFailed
	}
	if duplicate {
		e.logger.Debug("sync message duplicate", fields...)
		return OutcomeDuplicate
	}

	if err := e.ReloadConversations(ctx); err != nil {
		e.logError("handle_message", "conversation_reload_failed", err, fields...)
	}
	return OutcomeAccepted
}

type receiptKind string

const (
	receiptDelivered receiptKind = "delivered"
	receiptRead      receiptKind = "read"
)

func (e *Engine) handleReceipt(ctx context.Context, payload json.RawMessage, kind receiptKind) Outcome {
	receipt, err := decodeReceipt(payload)
	if err != nil {
		e.logger.Debug("sync receipt malformed", zap.String("receipt", string(kind)), zap.Error(err))
		return OutcomeMalformed
	}
	fields := []zap.Field{
		zap.String("receipt", string(kind)),
		zap.String("message_id", receipt.MessageID.String()),
		zap.String("user_id", receipt.UserID.String()),
	}

	message, found, err := e.store.FindMessage(ctx, receipt.MessageID)
	if err != nil {
		e.logError("handle_receipt", "message_lookup_failed", err, fields...)
		return OutcomeFailed
	}
	if !found {
		e.logger.Info("sync receipt discarded", append(fields, zap.String("reason", "unknown_message"))...)
		return OutcomeUnresolved
	}
	if _, found, err := e.store.FindUser(ctx, receipt.UserID); err != nil {
		e.logError("handle_receipt", "user_lookup_failed", err, fields...)
		return OutcomeFailed
	} else if !found {
		e.logger.Info("sync receipt discarded", append(fields, zap.String("reason", "unknown_user"))...)
		return OutcomeUnresolved
	}

	conversationID := chat.ConversationID(message.ConversationID)
	inserted := false
	err = e.store.Commit(ctx, func(tx *store.Tx) error {
		at := tx.Now()
		if receipt.At != nil {
			at = *receipt.At
		}
		var err error
		switch kind {
		case receiptDelivered:
			inserted, err = tx.InsertDeliveryReceipt(&chat.DeliveryReceipt{
				MessageID:         receipt.MessageID.String(),
				UserID:            receipt.UserID.String(),
				DeliveredAtMillis: chat.UnixMillis(at),
			}, conversationID)
		case receiptRead:
			inserted, err = tx.InsertReadReceipt(&chat.ReadReceipt{
				MessageID:    receipt.MessageID.String(),
				UserID:       receipt.UserID.String(),
				ReadAtMillis: chat.UnixMillis(at),
			}, conversationID)
			if err == nil && inserted {
				_, err = tx.AdvanceMembershipReadAt(conversationID, receipt.UserID, at)
			}
		}
		return err
	})
	if err != nil {
		e.logError("handle_receipt", "commit_failed", err, fields...)
		return OutcomeFailed
	}
	if !inserted {
		return OutcomeDuplicate
	}
	return OutcomeAccepted
}

func (e *Engine) handleConversationUpdated(ctx context.Context) Outcome {
	if err := e.ReloadConversations(ctx); err != nil {
		e.logError("handle_conversation_updated", "conversation_reload_failed", err)
		return OutcomeFailed
	}
	return OutcomeAccepted
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "syncengine."+operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}
