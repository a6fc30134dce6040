package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type countingTokenSource struct {
	calls atomic.Int32
}

func (s *countingTokenSource) Token(ctx context.Context) (string, error) {
	count := s.calls.Add(1)
	return fmt.Sprintf("token-%d", count), nil
}

type fakeMessagingServer struct {
	server      *httptest.Server
	reject      atomic.Bool
	connections chan *websocket.Conn
	received    chan Event

	mu            sync.Mutex
	authorization []string
}

func newFakeMessagingServer(t *testing.T) *fakeMessagingServer {
	t.Helper()
	fake := &fakeMessagingServer{
		connections: make(chan *websocket.Conn, 8),
		received:    make(chan Event, 32),
	}
	fake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fake.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		fake.mu.Lock()
		fake.authorization = append(fake.authorization, r.Header.Get("Authorization"))
		fake.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fake.connections <- conn
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var event Event
			if json.Unmarshal(data, &event) == nil {
				fake.received <- event
			}
		}
	}))
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeMessagingServer) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeMessagingServer) headers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authorization...)
}

func (f *fakeMessagingServer) nextConnection(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.connections:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection")
		return nil
	}
}

func newTestChannel(t *testing.T, url string, tokens TokenSource) *WebSocketChannel {
	t.Helper()
	channel, err := NewWebSocketChannel(Config{
		URL:                  url,
		TokenSource:          tokens,
		MaxReconnectAttempts: 2,
		ReconnectWait:        20 * time.Millisecond,
		HeartbeatInterval:    time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct channel: %v", err)
	}
	t.Cleanup(func() {
		_ = channel.Disconnect()
	})
	return channel
}

func waitForState(t *testing.T, channel *WebSocketChannel, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if channel.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %s, got %s", want, channel.State())
}

func TestNewWebSocketChannelValidatesConfig(t *testing.T) {
	if _, err := NewWebSocketChannel(Config{TokenSource: &countingTokenSource{}}); !errors.Is(err, errMissingURL) {
		t.Fatalf("expected missing url error, got %v", err)
	}
	if _, err := NewWebSocketChannel(Config{URL: "ws://localhost"}); !errors.Is(err, errMissingTokenSource) {
		t.Fatalf("expected missing token source error, got %v", err)
	}
}

func TestConnectPresentsBearerTokenAndEmitsFrames(t *testing.T) {
	fake := newFakeMessagingServer(t)
	tokens := &countingTokenSource{}
	channel := newTestChannel(t, fake.url(), tokens)

	var statesMu sync.Mutex
	var states []State
	channel.OnStateChange(func(state State) {
		statesMu.Lock()
		states = append(states, state)
		statesMu.Unlock()
	})

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	fake.nextConnection(t)
	if channel.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", channel.State())
	}
	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("expected repeated connect to be a no-op, got %v", err)
	}
	if got := tokens.calls.Load(); got != 1 {
		t.Fatalf("expected single dial, got %d", got)
	}

	headers := fake.headers()
	if len(headers) != 1 || headers[0] != "Bearer token-1" {
		t.Fatalf("unexpected authorization headers %v", headers)
	}

	if err := channel.Emit(context.Background(), EventJoinConversation, map[string]string{"conversationId": "c1"}); err != nil {
		t.Fatalf("unexpected emit error: %v", err)
	}
	select {
	case event := <-fake.received:
		if event.Name != EventJoinConversation {
			t.Fatalf("unexpected event name %q", event.Name)
		}
		var payload map[string]string
		if err := json.Unmarshal(event.Payload, &payload); err != nil || payload["conversationId"] != "c1" {
			t.Fatalf("unexpected payload %s", string(event.Payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}

	statesMu.Lock()
	defer statesMu.Unlock()
	if len(states) < 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Fatalf("unexpected state transitions %v", states)
	}
}

func TestInboundEventsDispatchInOrder(t *testing.T) {
	fake := newFakeMessagingServer(t)
	channel := newTestChannel(t, fake.url(), &countingTokenSource{})

	received := make(chan string, 8)
	channel.On(EventMessage, func(ctx context.Context, payload json.RawMessage) {
		var body struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(payload, &body)
		received <- body.ID
	})

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	serverConn := fake.nextConnection(t)

	frames := []string{
		`{"event":"message","payload":{"id":"m1"}}`,
		`not json`,
		`{"event":"typing","payload":{}}`,
		`{"event":"message","payload":{"id":"m2"}}`,
	}
	for _, frame := range frames {
		if err := serverConn.Write(context.Background(), websocket.MessageText, []byte(frame)); err != nil {
			t.Fatalf("failed to write frame: %v", err)
		}
	}

	for _, want := range []string{"m1", "m2"} {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestEmitWithoutConnectionFails(t *testing.T) {
	channel := newTestChannel(t, "ws://127.0.0.1:1", &countingTokenSource{})
	if err := channel.Emit(context.Background(), EventSendMessage, map[string]string{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReconnectsWithFreshTokenAfterConnectionLoss(t *testing.T) {
	fake := newFakeMessagingServer(t)
	tokens := &countingTokenSource{}
	channel := newTestChannel(t, fake.url(), tokens)

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	first := fake.nextConnection(t)
	_ = first.Close(websocket.StatusGoingAway, "server restart")

	fake.nextConnection(t)
	waitForState(t, channel, StateConnected)

	headers := fake.headers()
	if len(headers) != 2 || headers[1] != "Bearer token-2" {
		t.Fatalf("expected a fresh token on reconnect, got %v", headers)
	}
}

func TestReconnectGivesUpAfterBoundedAttempts(t *testing.T) {
	fake := newFakeMessagingServer(t)
	tokens := &countingTokenSource{}
	channel := newTestChannel(t, fake.url(), tokens)

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	conn := fake.nextConnection(t)
	fake.reject.Store(true)
	_ = conn.Close(websocket.StatusGoingAway, "server down")

	waitForState(t, channel, StateDisconnected)
	if got := tokens.calls.Load(); got != 3 {
		t.Fatalf("expected one dial plus two reconnect attempts, got %d", got)
	}
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	fake := newFakeMessagingServer(t)
	channel := newTestChannel(t, fake.url(), &countingTokenSource{})

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	fake.nextConnection(t)
	if err := channel.Disconnect(); err != nil {
		t.Fatalf("unexpected disconnect error: %v", err)
	}
	if channel.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", channel.State())
	}
	time.Sleep(60 * time.Millisecond)
	if channel.State() != StateDisconnected {
		t.Fatalf("expected channel to stay disconnected, got %s", channel.State())
	}
}
