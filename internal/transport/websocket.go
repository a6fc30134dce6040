package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	defaultReconnectAttempts = 3
	defaultReconnectWait     = 2 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultDialTimeout       = 10 * time.Second
	readLimitBytes           = 1 << 20
)

var (
	errMissingURL         = errors.New("transport: url is required")
	errMissingTokenSource = errors.New("transport: token source is required")
)

// Config describes a WebSocketChannel.
type Config struct {
	URL         string
	TokenSource TokenSource
	// MaxReconnectAttempts bounds automatic reconnects after a lost
	// connection. A negative value disables reconnecting.
	MaxReconnectAttempts int
	ReconnectWait        time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
	Registerer           prometheus.Registerer
}

// WebSocketChannel implements Channel over a single WebSocket connection with
// bounded automatic reconnection.
type WebSocketChannel struct {
	config Config
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	generation    uint64
	intentional   bool
	lifecycle     context.Context
	stopLifecycle context.CancelFunc

	handlersMu    sync.RWMutex
	handlers      map[string][]Handler
	stateHandlers []StateHandler

	transitions *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	frames      *prometheus.CounterVec
}

// NewWebSocketChannel validates the configuration and constructs a disconnected channel.
func NewWebSocketChannel(cfg Config) (*WebSocketChannel, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	if cfg.TokenSource == nil {
		return nil, errMissingTokenSource
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaultReconnectWait
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketChannel{
		config:   cfg,
		logger:   logger,
		state:    StateDisconnected,
		handlers: make(map[string][]Handler),
		transitions: metrics.CounterVec(cfg.Registerer, prometheus.CounterOpts{
			Name: "relay_transport_state_transitions_total",
			Help: "Connection state transitions of the messaging transport.",
		}, "state"),
		reconnects: metrics.CounterVec(cfg.Registerer, prometheus.CounterOpts{
			Name: "relay_transport_reconnect_attempts_total",
			Help: "Reconnect attempts of the messaging transport by result.",
		}, "result"),
		frames: metrics.CounterVec(cfg.Registerer, prometheus.CounterOpts{
			Name: "relay_transport_frames_total",
			Help: "Frames exchanged with the messaging server.",
		}, "direction", "event"),
	}, nil
}

// On registers a handler for an inbound event name.
func (c *WebSocketChannel) On(event string, handler Handler) {
	if handler == nil {
		return
	}
	c.handlersMu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.handlersMu.Unlock()
}

// OnStateChange registers a connection state observer.
func (c *WebSocketChannel) OnStateChange(handler StateHandler) {
	if handler == nil {
		return
	}
	c.handlersMu.Lock()
	c.stateHandlers = append(c.stateHandlers, handler)
	c.handlersMu.Unlock()
}

// State returns the current connection state.
func (c *WebSocketChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server. Calling Connect while a connection is live or
// being established is a no-op. When the first dial fails the channel keeps
// retrying in the background within the reconnect budget and the dial error
// is returned.
func (c *WebSocketChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.intentional = false
	if c.stopLifecycle != nil {
		c.stopLifecycle()
	}
	c.lifecycle, c.stopLifecycle = context.WithCancel(context.WithoutCancel(ctx))
	lifecycle := c.lifecycle
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("transport dial failed", zap.String("url", c.config.URL), zap.Error(err))
		if c.config.MaxReconnectAttempts > 0 {
			if c.transition(StateConnecting, StateReconnecting) {
				go c.reconnectLoop(lifecycle)
			}
		} else {
			c.transition(StateConnecting, StateDisconnected)
		}
		return fmt.Errorf("transport: connect: %w", err)
	}
	c.establish(lifecycle, conn)
	return nil
}

// Disconnect closes the live connection and stops reconnecting.
func (c *WebSocketChannel) Disconnect() error {
	c.mu.Lock()
	c.intentional = true
	if c.stopLifecycle != nil {
		c.stopLifecycle()
		c.stopLifecycle = nil
	}
	conn := c.conn
	c.conn = nil
	c.generation++
	previous := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if previous != StateDisconnected {
		c.notifyState(StateDisconnected)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends one event frame. Without a live connection it fails with ErrNotConnected.
func (c *WebSocketChannel) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Event{Name: event, Payload: encodedPayload})
	if err != nil {
		return fmt.Errorf("transport: encode %s frame: %w", event, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrNotConnected, event, err)
	}
	c.frames.WithLabelValues("out", event).Inc()
	return nil
}

func (c *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.config.TokenSource.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("issue handshake token: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(dialCtx, c.config.URL, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimitBytes)
	return conn, nil
}

func (c *WebSocketChannel) establish(lifecycle context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return
	}
	c.generation++
	generation := c.generation
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("transport connected", zap.String("url", c.config.URL))
	c.notifyState(StateConnected)

	go c.readLoop(lifecycle, conn, generation)
	go c.heartbeatLoop(lifecycle, conn, generation)
}

func (c *WebSocketChannel) isCurrent(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == generation && !c.intentional
}

func (c *WebSocketChannel) readLoop(ctx context.Context, conn *websocket.Conn, generation uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.connectionLost(generation, err)
			return
		}
		if !c.isCurrent(generation) {
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil || event.Name == "" {
			c.logger.Debug("transport frame skipped", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		c.frames.WithLabelValues("in", event.Name).Inc()
		c.dispatch(ctx, event)
	}
}

func (c *WebSocketChannel) dispatch(ctx context.Context, event Event) {
	c.handlersMu.RLock()
	handlers := append([]Handler(nil), c.handlers[event.Name]...)
	c.handlersMu.RUnlock()
	if len(handlers) == 0 {
		c.logger.Debug("transport event ignored", zap.String("event", event.Name))
		return
	}
	for _, handler := range handlers {
		handler(ctx, event.Payload)
	}
}

func (c *WebSocketChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, generation uint64) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.isCurrent(generation) {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, c.config.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Warn("transport heartbeat failed", zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *WebSocketChannel) connectionLost(generation uint64, cause error) {
	c.mu.Lock()
	if c.generation != generation || c.intentional {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	next := StateDisconnected
	if c.config.MaxReconnectAttempts > 0 {
		next = StateReconnecting
	}
	c.state = next
	lifecycle := c.lifecycle
	c.mu.Unlock()

	c.logger.Warn("transport connection lost", zap.String("state", string(next)), zap.Error(cause))
	c.notifyState(next)
	if next == StateReconnecting {
		go c.reconnectLoop(lifecycle)
	}
}

func (c *WebSocketChannel) reconnectLoop(ctx context.Context) {
	timer := time.NewTimer(c.config.ReconnectWait)
	defer timer.Stop()
	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.reconnects.WithLabelValues("succeeded").Inc()
			c.mu.Lock()
			stillReconnecting := c.state == StateReconnecting
			c.mu.Unlock()
			if !stillReconnecting {
				_ = conn.Close(websocket.StatusNormalClosure, "superseded")
				return
			}
			c.establish(ctx, conn)
			return
		}
		c.reconnects.WithLabelValues("failed").Inc()
		c.logger.Warn("transport reconnect failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		timer.Reset(c.config.ReconnectWait)
	}

	if c.transition(StateReconnecting, StateDisconnected) {
		c.logger.Error("transport reconnect attempts exhausted",
			zap.Int("attempts", c.config.MaxReconnectAttempts))
	}
}

// transition moves from one state to another when the channel is still in from.
func (c *WebSocketChannel) transition(from, to State) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()
	c.notifyState(to)
	return true
}

func (c *WebSocketChannel) notifyState(state State) {
	c.transitions.WithLabelValues(string(state)).Inc()
	c.handlersMu.RLock()
	handlers := append([]StateHandler(nil), c.stateHandlers...)
	c.handlersMu.RUnlock()
	for _, handler := range handlers {
		handler(state)
	}
}
