package chatcore

import (
	"context"
	"time"

	"github.com/coregx/chatcore/model"
)

// OutboxRepository defines the persistence interface for the outbound queue.
// A persistent outbox lets queued chat messages survive a process restart.
//
// Implementations must be safe for concurrent use.
type OutboxRepository interface {
	// Save creates a new item (if ID=0) or updates an existing one.
	// Returns the saved item with populated ID.
	Save(ctx context.Context, m *model.OutboundMessage) (*model.OutboundMessage, error)

	// Delete permanently removes an item from storage.
	Delete(ctx context.Context, m *model.OutboundMessage) error

	// FindPending returns the owner's pending items ordered by sequence number.
	// Returns empty slice if none found.
	FindPending(ctx context.Context, owner string, limit int) ([]model.OutboundMessage, error)

	// DeleteByOwner removes every item of the owner (sign-out).
	DeleteByOwner(ctx context.Context, owner string) error

	// DeleteExpired removes items whose expires_at is before the given time.
	// Returns the number of rows removed.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// HistoryProvider loads conversation history from the application server.
// History is read-only; live messages arrive through the broker.
type HistoryProvider interface {
	// DirectHistory returns the messages exchanged between two users, oldest first.
	DirectHistory(ctx context.Context, userID, peerID string) ([]model.ChatMessage, error)

	// GroupHistory returns the messages of a group, oldest first.
	GroupHistory(ctx context.Context, groupID string) ([]model.ChatMessage, error)

	// Conversations returns the user's recent conversations.
	Conversations(ctx context.Context, userID string) ([]model.Conversation, error)
}

// CredentialProvider issues media credentials for a channel.
type CredentialProvider interface {
	// Credential returns a token admitting the local user into channel.
	Credential(ctx context.Context, channel string) (model.Credential, error)
}
