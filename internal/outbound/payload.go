package outbound

type sendMessagePayload struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversationId"`
	SenderID       string  `json:"senderId"`
	Text           string  `json:"text"`
	Type           string  `json:"type"`
	Timestamp      string  `json:"timestamp"`
	TaskID         *string `json:"taskId,omitempty"`
}

type createConversationPayload struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Name           *string  `json:"name,omitempty"`
	OwnerID        string   `json:"ownerId"`
	ParticipantIDs []string `json:"participantIds"`
}
