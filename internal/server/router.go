// Package server exposes the local intent API consumed by the UI.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/outbound"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/store"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/transport"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const currentUserContextKey = "relay_current_user"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingConversations    = errors.New("conversation source dependency required")
	errMissingSessions         = errors.New("session controller dependency required")
	errMissingIntents          = errors.New("intent sender dependency required")
	errMissingTransport        = errors.New("transport state dependency required")
	errMissingFeed             = errors.New("change feed dependency required")
)

// SessionValidator authenticates local API requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims to the canonical chat user.
type UserResolver interface {
	ResolveUser(ctx context.Context, claims auth.SessionClaims) (chat.User, error)
}

// ConversationSource exposes the current conversation list snapshot.
type ConversationSource interface {
	Conversations() []chat.Conversation
}

// SessionController joins and leaves conversations.
type SessionController interface {
	Join(ctx context.Context, conversationID chat.ConversationID) error
	Leave(ctx context.Context) error
	Active() (chat.ConversationID, bool)
	Messages() []chat.Message
}

// IntentSender turns user intents into outbound commands.
type IntentSender interface {
	SendMessage(ctx context.Context, text string, conversationID chat.ConversationID) (chat.Message, error)
	SendTaskToConversation(ctx context.Context, taskID chat.TaskID, conversationID chat.ConversationID) (chat.Message, error)
	CreateConversation(ctx context.Context, request outbound.CreateConversationRequest) (chat.Conversation, error)
}

// TransportState reports the messaging connection state.
type TransportState interface {
	State() transport.State
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator  SessionValidator
	Users             UserResolver
	Conversations     ConversationSource
	Sessions          SessionController
	Intents           IntentSender
	Transport         TransportState
	Feed              *store.ChangeFeed
	Gatherer          prometheus.Gatherer
	Registerer        prometheus.Registerer
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUserResolver
	case deps.Conversations == nil:
		return nil, errMissingConversations
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Intents == nil:
		return nil, errMissingIntents
	case deps.Transport == nil:
		return nil, errMissingTransport
	case deps.Feed == nil:
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	handler := &httpHandler{
		validator:     deps.SessionValidator,
		users:         deps.Users,
		conversations: deps.Conversations,
		sessions:      deps.Sessions,
		intents:       deps.Intents,
		transport:     deps.Transport,
		feed:          deps.Feed,
		heartbeat:     heartbeat,
		logger:        logger,
		requests: metrics.CounterVec(deps.Registerer, prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Local API requests by route and status code.",
		}, "route", "status"),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(handler.countRequests)

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/conversations", handler.handleListConversations)
	protected.POST("/conversations", handler.handleCreateConversation)
	protected.POST("/conversations/:id/messages", handler.handleSendMessage)
	protected.POST("/conversations/:id/tasks", handler.handleShareTask)
	protected.POST("/conversations/:id/join", handler.handleJoin)
	protected.POST("/session/leave", handler.handleLeave)
	protected.GET("/session", handler.handleSession)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	validator     SessionValidator
	users         UserResolver
	conversations ConversationSource
	sessions      SessionController
	intents       IntentSender
	transport     TransportState
	feed          *store.ChangeFeed
	heartbeat     time.Duration
	logger        *zap.Logger
	requests      *prometheus.CounterVec
}

func (h *httpHandler) countRequests(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.users.ResolveUser(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_resolution_failed"})
		return
	}
	c.Set(currentUserContextKey, user)
	c.Request = c.Request.WithContext(users.WithCurrentUser(c.Request.Context(), user))
	c.Next()
}

type healthResponse struct {
	Status    string `json:"status"`
	Transport string `json:"transport"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Transport: string(h.transport.State())})
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	conversations := h.conversations.Conversations()
	response := make([]conversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		response = append(response, newConversationResponse(conversation))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": response})
}

type createConversationRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	Name           *string  `json:"name"`
	Type           string   `json:"type"`
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	var request createConversationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	intent := outbound.CreateConversationRequest{Name: request.Name}
	if strings.TrimSpace(request.Type) != "" {
		kind, err := chat.ParseConversationKind(request.Type)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_conversation_type"})
			return
		}
		intent.Kind = kind
	}
	for _, rawID := range request.ParticipantIDs {
		participantID, err := chat.NewUserID(rawID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_participant_id"})
			return
		}
		intent.ParticipantIDs = append(intent.ParticipantIDs, participantID)
	}

	conversation, err := h.intents.CreateConversation(c.Request.Context(), intent)
	if err != nil {
		h.writeError(c, "create_conversation", err)
		return
	}
	c.JSON(http.StatusCreated, newConversationResponse(conversation))
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}
	var request sendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.intents.SendMessage(c.Request.Context(), request.Text, conversationID)
	if err != nil {
		h.writeError(c, "send_message", err)
		return
	}
	c.JSON(http.StatusAccepted, newMessageResponse(message))
}

type shareTaskRequest struct {
	TaskID string `json:"taskId"`
}

func (h *httpHandler) handleShareTask(c *gin.Context) {
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}
	var request shareTaskRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	taskID, err := chat.NewTaskID(request.TaskID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_task_id"})
		return
	}
	message, err := h.intents.SendTaskToConversation(c.Request.Context(), taskID, conversationID)
	if err != nil {
		h.writeError(c, "share_task", err)
		return
	}
	c.JSON(http.StatusAccepted, newMessageResponse(message))
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}
	if err := h.sessions.Join(c.Request.Context(), conversationID); err != nil {
		h.writeError(c, "join", err)
		return
	}
	h.handleSession(c)
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	if err := h.sessions.Leave(c.Request.Context()); err != nil {
		h.writeError(c, "leave", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sessionResponse struct {
	ConversationID *string           `json:"conversationId"`
	Messages       []messageResponse `json:"messages"`
}

func (h *httpHandler) handleSession(c *gin.Context) {
	response := sessionResponse{Messages: []messageResponse{}}
	if active, joined := h.sessions.Active(); joined {
		value := active.String()
		response.ConversationID = &value
	}
	for _, message := range h.sessions.Messages() {
		response.Messages = append(response.Messages, newMessageResponse(message))
	}
	c.JSON(http.StatusOK, response)
}

func conversationParam(c *gin.Context) (chat.ConversationID, bool) {
	conversationID, err := chat.NewConversationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_conversation_id"})
		return "", false
	}
	return conversationID, true
}

type codedError interface {
	Code() string
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("intent failed",
			zap.String("operation", "server."+operation),
			zap.String("reason", code),
			zap.String("user_id", requestUserID(c)),
			zap.Error(err))
	} else {
		h.logger.Debug("intent rejected",
			zap.String("operation", "server."+operation),
			zap.String("reason", code),
			zap.String("user_id", requestUserID(c)),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func requestUserID(c *gin.Context) string {
	value, ok := c.Get(currentUserContextKey)
	if !ok {
		return ""
	}
	user, ok := value.(chat.User)
	if !ok {
		return ""
	}
	return user.UserID
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrNoCurrentUser):
		return http.StatusUnauthorized, "no_current_user"
	case errors.Is(err, chat.ErrConversationNotFound):
		return http.StatusNotFound, "conversation_not_found"
	case errors.Is(err, chat.ErrTaskNotFound):
		return http.StatusNotFound, "task_not_found"
	case errors.Is(err, outbound.ErrInvalidMessageText):
		return http.StatusBadRequest, "invalid_message_text"
	case errors.Is(err, outbound.ErrUnknownParticipant):
		return http.StatusBadRequest, "unknown_participant"
	case errors.Is(err, outbound.ErrInvalidParticipants):
		return http.StatusBadRequest, "invalid_participants"
	}
	var coded codedError
	if errors.As(err, &coded) {
		return http.StatusInternalServerError, coded.Code()
	}
	return http.StatusInternalServerError, "internal_error"
}
