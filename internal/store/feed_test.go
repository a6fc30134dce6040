package store

import (
	"context"
	"testing"
	"time"
)

func TestChangeFeedDeliversToSubscribers(t *testing.T) {
	feed := NewChangeFeed(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, _ := feed.Subscribe(ctx)
	second, _ := feed.Subscribe(ctx)

	feed.Publish(Change{Kind: ChangeMessage, ConversationID: "c1", EntityIDs: []string{"m1"}})

	for _, stream := range []<-chan Change{first, second} {
		select {
		case change := <-stream:
			if change.ConversationID != "c1" {
				t.Fatalf("unexpected change %+v", change)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for change")
		}
	}
}

func TestChangeFeedDropsWhenSubscriberIsFull(t *testing.T) {
	feed := NewChangeFeed(1)
	stream, cleanup := feed.Subscribe(context.Background())
	defer cleanup()

	feed.Publish(Change{Kind: ChangeMessage, ConversationID: "c1"})
	feed.Publish(Change{Kind: ChangeMessage, ConversationID: "c2"})

	change := <-stream
	if change.ConversationID != "c1" {
		t.Fatalf("expected first change to be retained, got %+v", change)
	}
	select {
	case extra := <-stream:
		t.Fatalf("expected overflow to be dropped, got %+v", extra)
	default:
	}
}

func TestChangeFeedStopsAfterCleanup(t *testing.T) {
	feed := NewChangeFeed(1)
	stream, cleanup := feed.Subscribe(context.Background())
	cleanup()

	feed.Publish(Change{Kind: ChangeReceipt, ConversationID: "c1"})

	select {
	case change := <-stream:
		t.Fatalf("unexpected change after cleanup: %+v", change)
	case <-time.After(50 * time.Millisecond):
	}
}
