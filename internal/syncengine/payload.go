package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
)

var errMissingField = errors.New("syncengine: missing field")

type messagePayload struct {
	ID             *string `json:"id"`
	ConversationID *string `json:"conversationId"`
	SenderID       *string `json:"senderId"`
	Text           *string `json:"text"`
	Type           *string `json:"type"`
	Timestamp      *string `json:"timestamp"`
	TaskID         *string `json:"taskId"`
}

type receiptPayload struct {
	MessageID *string `json:"messageId"`
	UserID    *string `json:"userId"`
	Timestamp *string `json:"timestamp"`
}

type inboundMessage struct {
	ID             chat.MessageID
	ConversationID chat.ConversationID
	SenderID       chat.UserID
	Text           string
	Kind           chat.MessageKind
	CreatedAt      time.Time
	TaskID         *chat.TaskID
}

type inboundReceipt struct {
	MessageID chat.MessageID
	UserID    chat.UserID
	At        *time.Time
}

func required(field string, value *string) (string, error) {
	if value == nil {
		return "", fmt.Errorf("%w: %s", errMissingField, field)
	}
	return *value, nil
}

func decodeMessage(raw json.RawMessage) (inboundMessage, error) {
	var payload messagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return inboundMessage{}, fmt.Errorf("decode message: %w", err)
	}

	rawID, err := required("id", payload.ID)
	if err != nil {
		return inboundMessage{}, err
	}
	messageID, err := chat.NewMessageID(rawID)
	if err != nil {
		return inboundMessage{}, err
	}
	rawConversationID, err := required("conversationId", payload.ConversationID)
	if err != nil {
		return inboundMessage{}, err
	}
	conversationID, err := chat.NewConversationID(rawConversationID)
	if err != nil {
		return inboundMessage{}, err
	}
	rawSenderID, err := required("senderId", payload.SenderID)
	if err != nil {
		return inboundMessage{}, err
	}
	senderID, err := chat.NewUserID(rawSenderID)
	if err != nil {
		return inboundMessage{}, err
	}
	text, err := required("text", payload.Text)
	if err != nil {
		return inboundMessage{}, err
	}
	rawKind, err := required("type", payload.Type)
	if err != nil {
		return inboundMessage{}, err
	}
	kind, err := chat.ParseMessageKind(rawKind)
	if err != nil {
		return inboundMessage{}, err
	}
	rawTimestamp, err := required("timestamp", payload.Timestamp)
	if err != nil {
		return inboundMessage{}, err
	}
	createdAt, err := chat.ParseTimestamp(rawTimestamp)
	if err != nil {
		return inboundMessage{}, err
	}

	message := inboundMessage{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Kind:           kind,
		CreatedAt:      createdAt,
	}
	if payload.TaskID != nil && *payload.TaskID != "" {
		taskID, err := chat.NewTaskID(*payload.TaskID)
		if err != nil {
			return inboundMessage{}, err
		}
		message.TaskID = &taskID
	}
	return message, nil
}

func decodeReceipt(raw json.RawMessage) (inboundReceipt, error) {
	var payload receiptPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return inboundReceipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	rawMessageID, err := required("messageId", payload.MessageID)
	if err != nil {
		return inboundReceipt{}, err
	}
	messageID, err := chat.NewMessageID(rawMessageID)
	if err != nil {
		return inboundReceipt{}, err
	}
	rawUserID, err := required("userId", payload.UserID)
	if err != nil {
		return inboundReceipt{}, err
	}
	userID, err := chat.NewUserID(rawUserID)
	if err != nil {
		return inboundReceipt{}, err
	}
	receipt := inboundReceipt{MessageID: messageID, UserID: userID}
	if payload.Timestamp != nil {
		at, err := chat.ParseTimestamp(*payload.Timestamp)
		if err != nil {
			return inboundReceipt{}, err
		}
		receipt.At = &at
	}
	return receipt, nil
}
