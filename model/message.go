package model

import (
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// MessageType is the content type of a chat message.
type MessageType string

const (
	MessageTypeText    MessageType = "TEXT"
	MessageTypeImage   MessageType = "IMAGE"
	MessageTypeSticker MessageType = "STICKER"
)

// MessageStatus tracks a chat message from optimistic display to delivery.
type MessageStatus string

const (
	// MessageStatusSending is set locally while the message waits in the outbound queue.
	MessageStatusSending MessageStatus = "SENDING"

	// MessageStatusSent is set locally once the frame was written to the broker.
	MessageStatusSent MessageStatus = "SENT"

	// MessageStatusReceived is assigned by the server when it persists the message.
	MessageStatusReceived MessageStatus = "RECEIVED"

	// MessageStatusDelivered is assigned once the recipient has seen the message.
	MessageStatusDelivered MessageStatus = "DELIVERED"
)

// ChatMessage is a direct or group chat message.
//
// Exactly one of RecipientID and GroupID is set. ClientTempID is generated on
// the sending side for optimistic display; when the broker echoes the message
// back with a server-assigned ID the two are matched by ClientTempID.
type ChatMessage struct {
	ID           string        `json:"id,omitempty"`
	SenderID     string        `json:"senderId"`
	RecipientID  string        `json:"recipientId,omitempty"`
	GroupID      string        `json:"groupId,omitempty"`
	Content      string        `json:"content"`
	Type         MessageType   `json:"type"`
	Status       MessageStatus `json:"status,omitempty"`
	Timestamp    Timestamp     `json:"timestamp"`
	ClientTempID string        `json:"clientTempId,omitempty"`

	// Reconciled is set locally when an echo matched a pending ClientTempID.
	Reconciled bool `json:"-"`
}

// NewDirectMessage creates a message addressed to a single recipient.
// A fresh ClientTempID is assigned and the status starts at SENDING.
func NewDirectMessage(senderID, recipientID, content string, typ MessageType) ChatMessage {
	return ChatMessage{
		SenderID:     senderID,
		RecipientID:  recipientID,
		Content:      content,
		Type:         typ,
		Status:       MessageStatusSending,
		Timestamp:    Now(),
		ClientTempID: uuid.NewString(),
	}
}

// NewGroupMessage creates a message addressed to a group.
func NewGroupMessage(senderID, groupID, content string, typ MessageType) ChatMessage {
	m := NewDirectMessage(senderID, "", content, typ)
	m.GroupID = groupID
	return m
}

// Validate checks the message invariants before it is published.
func (m ChatMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.SenderID, validation.Required),
		validation.Field(&m.RecipientID,
			validation.When(m.GroupID == "", validation.Required.Error("either recipientId or groupId is required")).
				Else(validation.Empty.Error("must be blank when groupId is set"))),
		validation.Field(&m.Content, validation.Required),
		validation.Field(&m.Type, validation.Required,
			validation.In(MessageTypeText, MessageTypeImage, MessageTypeSticker)),
	)
}

// IsGroup reports whether the message belongs to a group conversation.
func (m ChatMessage) IsGroup() bool {
	return m.GroupID != ""
}

// ConversationKey identifies the conversation a message belongs to.
// Direct conversations use the sorted participant pair so both sides agree.
func (m ChatMessage) ConversationKey() string {
	if m.IsGroup() {
		return "group:" + m.GroupID
	}
	ids := []string{m.SenderID, m.RecipientID}
	sort.Strings(ids)
	return "direct:" + strings.Join(ids, ":")
}

// MarkSent records that the message was written to the broker.
func (m *ChatMessage) MarkSent() {
	if m.Status == MessageStatusSending || m.Status == "" {
		m.Status = MessageStatusSent
	}
}

// Conversation is one row of the recent-conversations list.
type Conversation struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	FullName    string    `json:"fullName"`
	Avatar      string    `json:"avatar"`
	LastMessage string    `json:"lastMessage"`
	Timestamp   Timestamp `json:"timestamp"`
}
