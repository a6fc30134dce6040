package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/store"
	"github.com/gin-gonic/gin"
)

const (
	// StreamEventChange carries a committed store change.
	StreamEventChange      = "store-change"
	streamEventReady       = "ready"
	streamEventHeartbeat   = "heartbeat"
	streamSource           = "relay-sync"
	defaultStreamHeartbeat = 30 * time.Second
)

type streamChangePayload struct {
	Kind           string   `json:"kind"`
	ConversationID string   `json:"conversationId,omitempty"`
	EntityIDs      []string `json:"entityIds,omitempty"`
	Timestamp      string   `json:"timestamp"`
}

type streamHeartbeatPayload struct {
	Source    string `json:"source"`
	Transport string `json:"transport"`
	Timestamp string `json:"timestamp"`
}

func newStreamChangePayload(change store.Change) streamChangePayload {
	return streamChangePayload{
		Kind:           string(change.Kind),
		ConversationID: change.ConversationID,
		EntityIDs:      change.EntityIDs,
		Timestamp:      chat.FormatTimestamp(change.Timestamp),
	}
}

// handleEvents streams committed store changes as server-sent events until
// the client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	changes, cleanup := h.feed.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(streamEventReady, h.heartbeatPayload())
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			c.SSEvent(StreamEventChange, newStreamChangePayload(change))
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(streamEventHeartbeat, h.heartbeatPayload())
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) heartbeatPayload() streamHeartbeatPayload {
	return streamHeartbeatPayload{
		Source:    streamSource,
		Transport: string(h.transport.State()),
		Timestamp: chat.FormatTimestamp(time.Now()),
	}
}
