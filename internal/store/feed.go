package store

import (
	"context"
	"sync"
	"time"
)

// ChangeKind names the entity family a committed change touched.
type ChangeKind string

const (
	ChangeMessage          ChangeKind = "message"
	ChangeReceipt          ChangeKind = "receipt"
	ChangeConversation     ChangeKind = "conversation"
	ChangeMembership       ChangeKind = "membership"
	ChangeConversationList ChangeKind = "conversation_list"
)

// Change is a notification emitted after a successful commit.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	EntityIDs      []string
	Timestamp      time.Time
}

// ChangeFeed fans committed changes out to subscribers. Slow subscribers
// lose notifications rather than block writers.
type ChangeFeed struct {
	mu          sync.RWMutex
	subscribers map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan Change
}

// NewChangeFeed constructs a feed whose subscriber buffers hold bufferSize changes.
func NewChangeFeed(bufferSize int) *ChangeFeed {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &ChangeFeed{
		subscribers: make(map[int64]*feedSubscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber until ctx is done or the returned cleanup runs.
func (f *ChangeFeed) Subscribe(ctx context.Context) (<-chan Change, func()) {
	subscriber := &feedSubscriber{
		id:     f.nextSequence(),
		stream: make(chan Change, f.bufferSize),
	}
	f.register(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.unregister(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the change to every subscriber without blocking.
func (f *ChangeFeed) Publish(change Change) {
	if change.Kind == "" {
		return
	}
	f.mu.RLock()
	if len(f.subscribers) == 0 {
		f.mu.RUnlock()
		return
	}
	copies := make([]*feedSubscriber, 0, len(f.subscribers))
	for _, subscriber := range f.subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

func (f *ChangeFeed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *ChangeFeed) register(subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[subscriber.id] = subscriber
}

func (f *ChangeFeed) unregister(subscriberID int64) {
	f.mu.Lock()
	delete(f.subscribers, subscriberID)
	f.mu.Unlock()
}
