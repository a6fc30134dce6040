package store

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config wires the store dependencies.
type Config struct {
	Database       *gorm.DB
	Clock          func() time.Time
	Logger         *zap.Logger
	FeedBufferSize int
}

// Store is the single owner of local persistence. Writes are serialized
// through one background executor; reads run on the caller's goroutine.
//
// A Commit closure must only use the provided Tx. Calling Store read
// methods from inside a closure blocks on the connection held by the
// transaction.
type Store struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	feed     *ChangeFeed
	executor *executor
}

// New constructs a Store and starts its write executor.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:       cfg.Database,
		clock:    clock,
		logger:   logger,
		feed:     NewChangeFeed(cfg.FeedBufferSize),
		executor: newExecutor(),
	}, nil
}

// Close stops the write executor. Later commits fail with ErrExecutorClosed.
func (s *Store) Close() {
	s.executor.close()
}

// Feed exposes committed change notifications.
func (s *Store) Feed() *ChangeFeed {
	return s.feed
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.clock().UTC()
}

// Commit runs fn inside a single transaction on the write executor.
// Either every write in fn persists or none does. Changes recorded by the
// transaction are published only after a successful commit. Once the
// executor accepted the job, cancelling ctx stops the wait but not the write.
func (s *Store) Commit(ctx context.Context, fn func(tx *Tx) error) error {
	err := s.executor.submit(ctx, func() error {
		tx := &Tx{now: s.Now()}
		txErr := s.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(db *gorm.DB) error {
			tx.db = db
			return fn(tx)
		})
		if txErr != nil {
			return txErr
		}
		for _, change := range tx.changes {
			s.feed.Publish(change)
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrExecutorClosed):
		s.logError(opCommit, reasonClosed, err)
		return newServiceError(opCommit, reasonClosed, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newServiceError(opCommit, reasonCanceled, err)
	default:
		return newServiceError(opCommit, reasonTxFailed, err)
	}
}

// Publish forwards an out-of-band change, such as a conversation list reload.
func (s *Store) Publish(change Change) {
	if change.Timestamp.IsZero() {
		change.Timestamp = s.Now()
	}
	s.feed.Publish(change)
}

// FindConversation loads a conversation or returns chat.ErrConversationNotFound.
func (s *Store) FindConversation(ctx context.Context, conversationID chat.ConversationID) (chat.Conversation, error) {
	var conversation chat.Conversation
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID.String()).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Conversation{}, chat.ErrConversationNotFound
	}
	if err != nil {
		s.logError(opQuery, "conversation_select_failed", err, zap.String("conversation_id", conversationID.String()))
		return chat.Conversation{}, newServiceError(opQuery, reasonQuery, err)
	}
	return conversation, nil
}

// FindUser loads a user; the boolean reports whether it exists.
func (s *Store) FindUser(ctx context.Context, userID chat.UserID) (chat.User, bool, error) {
	var user chat.User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.User{}, false, nil
	}
	if err != nil {
		s.logError(opQuery, "user_select_failed", err, zap.String("user_id", userID.String()))
		return chat.User{}, false, newServiceError(opQuery, reasonQuery, err)
	}
	return user, true, nil
}

// FindMessage loads a message; the boolean reports whether it exists.
func (s *Store) FindMessage(ctx context.Context, messageID chat.MessageID) (chat.Message, bool, error) {
	var message chat.Message
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID.String()).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		s.logError(opQuery, "message_select_failed", err, zap.String("message_id", messageID.String()))
		return chat.Message{}, false, newServiceError(opQuery, reasonQuery, err)
	}
	return message, true, nil
}

// FindMembership loads a membership; the boolean reports whether it exists.
func (s *Store) FindMembership(ctx context.Context, conversationID chat.ConversationID, userID chat.UserID) (chat.Membership, bool, error) {
	var membership chat.Membership
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID.String(), userID.String()).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Membership{}, false, nil
	}
	if err != nil {
		s.logError(opQuery, "membership_select_failed", err,
			zap.String("conversation_id", conversationID.String()),
			zap.String("user_id", userID.String()))
		return chat.Membership{}, false, newServiceError(opQuery, reasonQuery, err)
	}
	return membership, true, nil
}

// ListMemberships returns every membership of a conversation ordered by join time.
func (s *Store) ListMemberships(ctx context.Context, conversationID chat.ConversationID) ([]chat.Membership, error) {
	var memberships []chat.Membership
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID.String()).
		Order("joined_at_ms ASC").Order("user_id ASC").
		Find(&memberships).Error
	if err != nil {
		s.logError(opQuery, "membership_list_failed", err, zap.String("conversation_id", conversationID.String()))
		return nil, newServiceError(opQuery, reasonQuery, err)
	}
	return memberships, nil
}

// ListConversations returns non-archived conversations, most recent activity first.
func (s *Store) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var conversations []chat.Conversation
	err := s.db.WithContext(ctx).
		Where("is_archived = ?", false).
		Order("last_activity_at_ms DESC").Order("conversation_id ASC").
		Find(&conversations).Error
	if err != nil {
		s.logError(opQuery, "conversation_list_failed", err)
		return nil, newServiceError(opQuery, reasonQuery, err)
	}
	return conversations, nil
}

// ListMessages returns the latest limit non-deleted messages of a conversation
// in ascending creation order.
func (s *Store) ListMessages(ctx context.Context, conversationID chat.ConversationID, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		return []chat.Message{}, nil
	}
	var latest []chat.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_deleted = ?", conversationID.String(), false).
		Order("created_at_ms DESC").Order("message_id DESC").
		Limit(limit).
		Find(&latest).Error
	if err != nil {
		s.logError(opQuery, "message_list_failed", err, zap.String("conversation_id", conversationID.String()))
		return nil, newServiceError(opQuery, reasonQuery, err)
	}
	ascending := make([]chat.Message, len(latest))
	for index, message := range latest {
		ascending[len(latest)-1-index] = message
	}
	return ascending, nil
}

// CountMessages returns how many rows exist for a message identifier.
func (s *Store) CountMessages(ctx context.Context, messageID chat.MessageID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&chat.Message{}).Where("message_id = ?", messageID.String()).Count(&count).Error
	if err != nil {
		return 0, newServiceError(opQuery, reasonQuery, err)
	}
	return count, nil
}

// ListDeliveryReceipts returns the delivery receipts of a message.
func (s *Store) ListDeliveryReceipts(ctx context.Context, messageID chat.MessageID) ([]chat.DeliveryReceipt, error) {
	var receipts []chat.DeliveryReceipt
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID.String()).Order("user_id ASC").Find(&receipts).Error
	if err != nil {
		s.logError(opQuery, "delivery_receipt_list_failed", err, zap.String("message_id", messageID.String()))
		return nil, newServiceError(opQuery, reasonQuery, err)
	}
	return receipts, nil
}

// ListReadReceipts returns the read receipts of a message.
func (s *Store) ListReadReceipts(ctx context.Context, messageID chat.MessageID) ([]chat.ReadReceipt, error) {
	var receipts []chat.ReadReceipt
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID.String()).Order("user_id ASC").Find(&receipts).Error
	if err != nil {
		s.logError(opQuery, "read_receipt_list_failed", err, zap.String("message_id", messageID.String()))
		return nil, newServiceError(opQuery, reasonQuery, err)
	}
	return receipts, nil
}

// ResolveTask loads a task or returns chat.ErrTaskNotFound.
func (s *Store) ResolveTask(ctx context.Context, taskID chat.TaskID) (chat.Task, error) {
	var task chat.Task
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID.String()).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Task{}, chat.ErrTaskNotFound
	}
	if err != nil {
		s.logError(opQuery, "task_select_failed", err, zap.String("task_id", taskID.String()))
		return chat.Task{}, newServiceError(opQuery, reasonQuery, err)
	}
	return task, nil
}

// ListTaskLinks returns the task identifiers linked from a message.
func (s *Store) ListTaskLinks(ctx context.Context, messageID chat.MessageID) ([]string, error) {
	var links []chat.MessageTaskLink
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID.String()).Order("task_id ASC").Find(&links).Error
	if err != nil {
		return nil, newServiceError(opQuery, reasonQuery, err)
	}
	taskIDs := make([]string, 0, len(links))
	for _, link := range links {
		taskIDs = append(taskIDs, link.TaskID)
	}
	return taskIDs, nil
}

// ListTaskConversations returns the conversations a task was shared into.
func (s *Store) ListTaskConversations(ctx context.Context, taskID chat.TaskID) ([]chat.TaskConversationLink, error) {
	var links []chat.TaskConversationLink
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID.String()).Order("created_at_ms ASC").Find(&links).Error
	if err != nil {
		return nil, newServiceError(opQuery, reasonQuery, err)
	}
	return links, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
