package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/database"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/store"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var engineEpoch = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

type engineHarness struct {
	engine *Engine
	store  *store.Store
}

func newEngineHarness(t *testing.T) engineHarness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	localStore, err := store.New(store.Config{
		Database: db,
		Clock:    func() time.Time { return engineEpoch.Add(time.Hour) },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	t.Cleanup(localStore.Close)

	engine, err := New(Config{Store: localStore, Registerer: prometheus.NewRegistry(), QueueSize: 4})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	err = localStore.Commit(context.Background(), func(tx *store.Tx) error {
		for _, userID := range []string{"u1", "u2"} {
			if err := tx.SaveUser(&chat.User{UserID: userID, DisplayName: userID}); err != nil {
				return err
			}
		}
		for _, conversationID := range []string{"c1", "c2"} {
			if _, err := tx.InsertConversation(&chat.Conversation{
				ConversationID:  conversationID,
				Kind:            chat.ConversationKindGroup,
				OwnerID:         "u1",
				CreatedAtMillis: chat.UnixMillis(engineEpoch),
				UpdatedAtMillis: chat.UnixMillis(engineEpoch),
			}); err != nil {
				return err
			}
			if _, err := tx.InsertMembership(&chat.Membership{
				ConversationID:    conversationID,
				UserID:            "u2",
				Role:              chat.RoleCommenter,
				NotificationLevel: chat.NotificationAll,
				JoinedAtMillis:    chat.UnixMillis(engineEpoch),
				Active:            true,
			}); err != nil {
				return err
			}
		}
		return tx.SaveTask(&chat.Task{TaskID: "t1", Title: "Ship release"})
	})
	if err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}
	return engineHarness{engine: engine, store: localStore}
}

func messageEvent(t *testing.T, fields map[string]any) transport.Event {
	t.Helper()
	payload, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return transport.Event{Name: transport.EventMessage, Payload: payload}
}

func validMessage(id, conversationID string, at time.Time) map[string]any {
	return map[string]any{
		"id":             id,
		"conversationId": conversationID,
		"senderId":       "u1",
		"text":           "hello " + id,
		"type":           "text",
		"timestamp":      chat.FormatTimestamp(at),
	}
}

func receiptEvent(t *testing.T, name string, messageID, userID string, at *time.Time) transport.Event {
	t.Helper()
	fields := map[string]any{"messageId": messageID, "userId": userID}
	if at != nil {
		fields["timestamp"] = chat.FormatTimestamp(*at)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return transport.Event{Name: name, Payload: payload}
}

func TestHandleMessageIsIdempotent(t *testing.T) {
	harness := newEngineHarness(t)
	event := messageEvent(t, validMessage("m1", "c1", engineEpoch.Add(time.Minute)))

	if outcome := harness.engine.Handle(context.Background(), event); outcome != OutcomeAccepted {
		t.Fatalf("expected first delivery accepted, got %s", outcome)
	}
	for attempt := 0; attempt < 4; attempt++ {
		if outcome := harness.engine.Handle(context.Background(), event); outcome != OutcomeDuplicate {
			t.Fatalf("expected duplicate on redelivery %d, got %s", attempt, outcome)
		}
	}

	count, err := harness.store.CountMessages(context.Background(), chat.MessageID("m1"))
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one stored message, got %d", count)
	}
	if got := testutil.ToFloat64(harness.engine.events.WithLabelValues(transport.EventMessage, string(OutcomeDuplicate))); got != 4 {
		t.Fatalf("expected four duplicate outcomes counted, got %v", got)
	}
}

func TestLastActivityIsMonotonicForAnyArrivalOrder(t *testing.T) {
	times := []time.Time{
		engineEpoch.Add(1 * time.Minute),
		engineEpoch.Add(2 * time.Minute),
		engineEpoch.Add(3 * time.Minute),
	}
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			harness := newEngineHarness(t)
			for _, index := range order {
				event := messageEvent(t, validMessage(fmt.Sprintf("m%d", index), "c1", times[index]))
				if outcome := harness.engine.Handle(context.Background(), event); outcome != OutcomeAccepted {
					t.Fatalf("expected accepted, got %s", outcome)
				}
			}
			conversation, err := harness.store.FindConversation(context.Background(), chat.ConversationID("c1"))
			if err != nil {
				t.Fatalf("unexpected find error: %v", err)
			}
			if !conversation.LastActivityAt().Equal(times[2]) {
				t.Fatalf("expected last activity %v, got %v", times[2], conversation.LastActivityAt())
			}
		})
	}
}

func TestReceiptKeepsFirstTimestamp(t *testing.T) {
	harness := newEngineHarness(t)
	harness.engine.Handle(context.Background(), messageEvent(t, validMessage("m1", "c1", engineEpoch.Add(time.Minute))))

	first := engineEpoch.Add(5 * time.Minute)
	second := engineEpoch.Add(9 * time.Minute)
	if outcome := harness.engine.Handle(context.Background(), receiptEvent(t, transport.EventMessageRead, "m1", "u2", &first)); outcome != OutcomeAccepted {
		t.Fatalf("expected first receipt accepted, got %s", outcome)
	}
	if outcome := harness.engine.Handle(context.Background(), receiptEvent(t, transport.EventMessageRead, "m1", "u2", &second)); outcome != OutcomeDuplicate {
		t.Fatalf("expected second receipt to be a no-op, got %s", outcome)
	}

	receipts, err := harness.store.ListReadReceipts(context.Background(), chat.MessageID("m1"))
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(receipts) != 1 || receipts[0].ReadAtMillis != chat.UnixMillis(first) {
		t.Fatalf("expected single receipt at first timestamp, got %+v", receipts)
	}

	membership, found, err := harness.store.FindMembership(context.Background(), chat.ConversationID("c1"), chat.UserID("u2"))
	if err != nil || !found {
		t.Fatalf("expected membership, found=%v err=%v", found, err)
	}
	if !membership.LastReadAt().Equal(first) {
		t.Fatalf("expected read cursor at receipt time, got %v", membership.LastReadAt())
	}
}

func TestDeliveryReceiptFallsBackToLocalClock(t *testing.T) {
	harness := newEngineHarness(t)
	harness.engine.Handle(context.Background(), messageEvent(t, validMessage("m1", "c1", engineEpoch.Add(time.Minute))))

	if outcome := harness.engine.Handle(context.Background(), receiptEvent(t, transport.EventMessageDelivered, "m1", "u2", nil)); outcome != OutcomeAccepted {
		t.Fatalf("expected delivery receipt accepted, got %s", outcome)
	}
	receipts, err := harness.store.ListDeliveryReceipts(context.Background(), chat.MessageID("m1"))
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(receipts) != 1 || receipts[0].DeliveredAtMillis != chat.UnixMillis(engineEpoch.Add(time.Hour)) {
		t.Fatalf("expected receipt stamped with local clock, got %+v", receipts)
	}
}

func TestReceiptBeforeMessageIsDiscarded(t *testing.T) {
	harness := newEngineHarness(t)
	readAt := engineEpoch.Add(2 * time.Minute)

	if outcome := harness.engine.Handle(context.Background(), receiptEvent(t, transport.EventMessageRead, "m9", "u2", &readAt)); outcome != OutcomeUnresolved {
		t.Fatalf("expected early receipt to be unresolved, got %s", outcome)
	}
	if outcome := harness.engine.Handle(context.Background(), messageEvent(t, validMessage("m9", "c1", engineEpoch.Add(time.Minute)))); outcome != OutcomeAccepted {
		t.Fatalf("expected message accepted, got %s", outcome)
	}

	receipts, err := harness.store.ListReadReceipts(context.Background(), chat.MessageID("m9"))
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(receipts) != 0 {
		t.Fatalf("expected no receipt from the discarded event, got %+v", receipts)
	}

	if outcome := harness.engine.Handle(context.Background(), receiptEvent(t, transport.EventMessageRead, "m9", "u2", &readAt)); outcome != OutcomeAccepted {
		t.Fatalf("expected resent receipt accepted, got %s", outcome)
	}
	receipts, err = harness.store.ListReadReceipts(context.Background(), chat.MessageID("m9"))
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(receipts) != 1 || receipts[0].UserID != "u2" || receipts[0].ReadAtMillis != chat.UnixMillis(readAt) {
		t.Fatalf("expected exactly one read receipt after resend, got %+v", receipts)
	}
}

func TestMessageForUnknownConversationIsDiscarded(t *testing.T) {
	harness := newEngineHarness(t)
	if err := harness.engine.ReloadConversations(context.Background()); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	before := harness.engine.Conversations()

	outcome := harness.engine.Handle(context.Background(), messageEvent(t, validMessage("m1", "c404", engineEpoch.Add(time.Minute))))
	if outcome != OutcomeUnresolved {
		t.Fatalf("expected unresolved, got %s", outcome)
	}
	count, err := harness.store.CountMessages(context.Background(), chat.MessageID("m1"))
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no stored message")
	}
	after := harness.engine.Conversations()
	if len(after) != len(before) {
		t.Fatalf("expected conversation list unchanged, before=%d after=%d", len(before), len(after))
	}
}

func TestMessageFromUnknownSenderIsDiscarded(t *testing.T) {
	harness := newEngineHarness(t)
	fields := validMessage("m1", "c1", engineEpoch.Add(time.Minute))
	fields["senderId"] = "stranger"
	if outcome := harness.engine.Handle(context.Background(), messageEvent(t, fields)); outcome != OutcomeUnresolved {
		t.Fatalf("expected unresolved, got %s", outcome)
	}
}

func TestMalformedMessagesAreDiscarded(t *testing.T) {
	harness := newEngineHarness(t)
	at := engineEpoch.Add(time.Minute)

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{name: "missing-id", mutate: func(fields map[string]any) { delete(fields, "id") }},
		{name: "blank-id", mutate: func(fields map[string]any) { fields["id"] = "  " }},
		{name: "missing-text", mutate: func(fields map[string]any) { delete(fields, "text") }},
		{name: "unknown-type", mutate: func(fields map[string]any) { fields["type"] = "voice" }},
		{name: "bad-timestamp", mutate: func(fields map[string]any) { fields["timestamp"] = "yesterday" }},
		{name: "missing-sender", mutate: func(fields map[string]any) { delete(fields, "senderId") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := validMessage("m-"+tt.name, "c1", at)
			tt.mutate(fields)
			if outcome := harness.engine.Handle(context.Background(), messageEvent(t, fields)); outcome != OutcomeMalformed {
				t.Fatalf("expected malformed, got %s", outcome)
			}
		})
	}

	garbage := transport.Event{Name: transport.EventMessage, Payload: json.RawMessage(`[1,2,3]`)}
	if outcome := harness.engine.Handle(context.Background(), garbage); outcome != OutcomeMalformed {
		t.Fatalf("expected malformed for non-object payload, got %s", outcome)
	}

	conversation, err := harness.store.FindConversation(context.Background(), chat.ConversationID("c1"))
	if err != nil {
		t.Fatalf("unexpected find error: %v", err)
	}
	if conversation.LastActivityAtMillis != 0 {
		t.Fatalf("expected malformed events to leave activity untouched")
	}
}

func TestMessageWithTaskLinksResolvedTask(t *testing.T) {
	harness := newEngineHarness(t)
	fields := validMessage("m1", "c1", engineEpoch.Add(time.Minute))
	fields["type"] = "task_link"
	fields["taskId"] = "t1"
	if outcome := harness.engine.Handle(context.Background(), messageEvent(t, fields)); outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", outcome)
	}
	links, err := harness.store.ListTaskLinks(context.Background(), chat.MessageID("m1"))
	if err != nil {
		t.Fatalf("unexpected link error: %v", err)
	}
	if len(links) != 1 || links[0] != "t1" {
		t.Fatalf("expected task link, got %v", links)
	}

	unresolved := validMessage("m2", "c1", engineEpoch.Add(2*time.Minute))
	unresolved["taskId"] = "t-missing"
	if outcome := harness.engine.Handle(context.Background(), messageEvent(t, unresolved)); outcome != OutcomeAccepted {
		t.Fatalf("expected message with unknown task accepted, got %s", outcome)
	}
	links, err = harness.store.ListTaskLinks(context.Background(), chat.MessageID("m2"))
	if err != nil {
		t.Fatalf("unexpected link error: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("expected no link for unresolved task, got %v", links)
	}
}

func TestTaskLinkTagSpellingsAreAccepted(t *testing.T) {
	harness := newEngineHarness(t)
	for index, tag := range []string{"task-link", "task_update"} {
		messageID := fmt.Sprintf("tagged-%d", index)
		fields := validMessage(messageID, "c1", engineEpoch.Add(time.Duration(index+1)*time.Minute))
		fields["type"] = tag
		fields["taskId"] = "t1"
		if outcome := harness.engine.Handle(context.Background(), messageEvent(t, fields)); outcome != OutcomeAccepted {
			t.Fatalf("expected %q message accepted, got %s", tag, outcome)
		}
		message, found, err := harness.store.FindMessage(context.Background(), chat.MessageID(messageID))
		if err != nil || !found {
			t.Fatalf("expected stored %q message, found=%v err=%v", tag, found, err)
		}
		if message.Kind != chat.MessageKindTaskLink {
			t.Fatalf("expected task_link kind for %q, got %q", tag, message.Kind)
		}
		links, err := harness.store.ListTaskLinks(context.Background(), chat.MessageID(messageID))
		if err != nil {
			t.Fatalf("unexpected link error: %v", err)
		}
		if len(links) != 1 || links[0] != "t1" {
			t.Fatalf("expected task link for %q, got %v", tag, links)
		}
	}
}

func TestCommitFailureDropsEvent(t *testing.T) {
	harness := newEngineHarness(t)
	harness.store.Close()

	outcome := harness.engine.Handle(context.Background(), messageEvent(t, validMessage("m1", "c1", engineEpoch.Add(time.Minute))))
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", outcome)
	}
	count, err := harness.store.CountMessages(context.Background(), chat.MessageID("m1"))
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no stored message after commit failure")
	}
}

func TestAcceptedMessageReordersConversationList(t *testing.T) {
	harness := newEngineHarness(t)
	var observed [][]chat.Conversation
	harness.engine.OnConversationsChange(func(conversations []chat.Conversation) {
		observed = append(observed, conversations)
	})

	harness.engine.Handle(context.Background(), messageEvent(t, validMessage("m1", "c1", engineEpoch.Add(time.Minute))))
	harness.engine.Handle(context.Background(), messageEvent(t, validMessage("m2", "c2", engineEpoch.Add(2*time.Minute))))

	conversations := harness.engine.Conversations()
	if len(conversations) != 2 || conversations[0].ConversationID != "c2" || conversations[1].ConversationID != "c1" {
		t.Fatalf("unexpected conversation order %+v", conversations)
	}
	if len(observed) != 2 {
		t.Fatalf("expected two list reloads, got %d", len(observed))
	}
}

type fakeChannel struct {
	mu            sync.Mutex
	handlers      map[string][]transport.Handler
	stateHandlers []transport.StateHandler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeChannel) Connect(ctx context.Context) error { return nil }
func (f *fakeChannel) Disconnect() error                 { return nil }
func (f *fakeChannel) State() transport.State            { return transport.StateConnected }

func (f *fakeChannel) Emit(ctx context.Context, event string, payload any) error {
	return nil
}

func (f *fakeChannel) On(event string, handler transport.Handler) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], handler)
	f.mu.Unlock()
}

func (f *fakeChannel) OnStateChange(handler transport.StateHandler) {
	f.mu.Lock()
	f.stateHandlers = append(f.stateHandlers, handler)
	f.mu.Unlock()
}

func (f *fakeChannel) deliver(event transport.Event) {
	f.mu.Lock()
	handlers := append([]transport.Handler(nil), f.handlers[event.Name]...)
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(context.Background(), event.Payload)
	}
}

func (f *fakeChannel) changeState(state transport.State) {
	f.mu.Lock()
	handlers := append([]transport.StateHandler(nil), f.stateHandlers...)
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(state)
	}
}

func TestAttachQueuesEventsAndRefreshesOnConnect(t *testing.T) {
	harness := newEngineHarness(t)
	channel := newFakeChannel()
	harness.engine.Attach(channel)

	reloads := make(chan []chat.Conversation, 8)
	harness.engine.OnConversationsChange(func(conversations []chat.Conversation) {
		reloads <- conversations
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = harness.engine.Run(ctx)
	}()

	channel.changeState(transport.StateConnected)
	select {
	case conversations := <-reloads:
		if len(conversations) != 2 {
			t.Fatalf("expected two conversations after reconnect refresh, got %d", len(conversations))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected reconnect-triggered refresh")
	}

	channel.deliver(messageEvent(t, validMessage("m1", "c1", engineEpoch.Add(time.Minute))))
	select {
	case <-reloads:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected reload after accepted message")
	}
	count, err := harness.store.CountMessages(context.Background(), chat.MessageID("m1"))
	if err != nil || count != 1 {
		t.Fatalf("expected queued message to be stored, count=%d err=%v", count, err)
	}
}

func TestEnqueueDropsWhenQueueIsFull(t *testing.T) {
	harness := newEngineHarness(t)
	for index := 0; index < 4; index++ {
		if !harness.engine.Enqueue(transport.Event{Name: transport.EventConversationUpdated}) {
			t.Fatalf("expected event %d to be queued", index)
		}
	}
	if harness.engine.Enqueue(transport.Event{Name: transport.EventConversationUpdated}) {
		t.Fatalf("expected overflow event to be dropped")
	}
	if got := testutil.ToFloat64(harness.engine.events.WithLabelValues(transport.EventConversationUpdated, string(OutcomeDropped))); got != 1 {
		t.Fatalf("expected one dropped event counted, got %v", got)
	}
}

func TestUnknownEventIsIgnored(t *testing.T) {
	harness := newEngineHarness(t)
	if outcome := harness.engine.Handle(context.Background(), transport.Event{Name: "typing"}); outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", outcome)
	}
}
