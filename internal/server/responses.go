package server

import (
	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
)

type conversationResponse struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Name           *string `json:"name,omitempty"`
	OwnerID        string  `json:"ownerId,omitempty"`
	LastActivityAt *string `json:"lastActivityAt"`
	UpdatedAt      string  `json:"updatedAt"`
}

func newConversationResponse(conversation chat.Conversation) conversationResponse {
	response := conversationResponse{
		ID:        conversation.ConversationID,
		Type:      string(conversation.Kind),
		Name:      conversation.Name,
		OwnerID:   conversation.OwnerID,
		UpdatedAt: chat.FormatTimestamp(chat.FromUnixMillis(conversation.UpdatedAtMillis)),
	}
	if conversation.LastActivityAtMillis > 0 {
		value := chat.FormatTimestamp(conversation.LastActivityAt())
		response.LastActivityAt = &value
	}
	return response
}

type messageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	Type           string `json:"type"`
	Timestamp      string `json:"timestamp"`
}

func newMessageResponse(message chat.Message) messageResponse {
	return messageResponse{
		ID:             message.MessageID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Text:           message.Text,
		Type:           string(message.Kind),
		Timestamp:      chat.FormatTimestamp(message.CreatedAt()),
	}
}
