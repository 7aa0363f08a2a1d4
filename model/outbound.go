package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// OutboundStatus represents the lifecycle state of an outbound item.
type OutboundStatus string

const (
	// OutboundStatusPending indicates the item is waiting for a connected broker.
	OutboundStatusPending OutboundStatus = "pending"

	// OutboundStatusSent indicates the frame was written to the broker.
	OutboundStatusSent OutboundStatus = "sent"

	// OutboundStatusDropped indicates the queue discarded the item (overflow or expiry).
	OutboundStatusDropped OutboundStatus = "dropped"
)

// Default time-to-live per payload kind. A stale OFFER must never ring a phone,
// chat content stays useful for much longer.
const (
	DefaultChatTTL   = 24 * time.Hour
	DefaultSignalTTL = 30 * time.Second
)

// OutboundMessage is a publish waiting in the outbound queue.
//
// Items follow this lifecycle:
//  1. Created with status=PENDING and a per-kind expiry
//  2. Drained in Sequence order once the connection is up
//  3. Written → SENT and removed; write failure → stays at the head for the next connect
//  4. Overflow or expiry → DROPPED and reported to the listener
//
// Business logic methods:
//   - MarkSent/MarkFailed/MarkDropped: lifecycle updates
//   - CanAttemptDelivery: check whether a write may be attempted
type OutboundMessage struct {
	ID            int64          `json:"id" db:"id"`
	MessageID     string         `json:"messageId" db:"message_id"`
	Owner         string         `json:"owner" db:"owner"`
	Destination   string         `json:"destination" db:"destination"`
	Kind          TopicKind      `json:"kind" db:"kind"`
	Payload       string         `json:"payload" db:"payload"`
	Sequence      int64          `json:"sequence" db:"sequence_number"`
	Status        OutboundStatus `json:"status" db:"status"`
	AttemptCount  int            `json:"attemptCount" db:"attempt_count"`
	LastAttemptAt sql.NullTime   `json:"lastAttemptAt" db:"last_attempt_at"`
	LastError     sql.NullString `json:"lastError" db:"last_error"`
	EnqueuedAt    time.Time      `json:"enqueuedAt" db:"enqueued_at"`
	ExpiresAt     time.Time      `json:"expiresAt" db:"expires_at"`
	SentAt        sql.NullTime   `json:"sentAt" db:"sent_at"`
}

// NewOutboundMessage creates a pending item for destination.
// The sequence number is assigned by the queue.
func NewOutboundMessage(owner, destination string, kind TopicKind, payload []byte) OutboundMessage {
	now := time.Now()
	ttl := DefaultChatTTL
	if kind == KindSignal {
		ttl = DefaultSignalTTL
	}
	return OutboundMessage{
		MessageID:   uuid.NewString(),
		Owner:       owner,
		Destination: destination,
		Kind:        kind,
		Payload:     string(payload),
		Status:      OutboundStatusPending,
		EnqueuedAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
}

// WithTTL overrides the expiry relative to the enqueue time.
func (m *OutboundMessage) WithTTL(ttl time.Duration) {
	m.ExpiresAt = m.EnqueuedAt.Add(ttl)
}

// MarkSent records a successful write.
func (m *OutboundMessage) MarkSent() {
	now := time.Now()
	m.Status = OutboundStatusSent
	m.AttemptCount++
	m.LastAttemptAt = sql.NullTime{Time: now, Valid: true}
	m.SentAt = sql.NullTime{Time: now, Valid: true}
}

// MarkFailed records a failed write. The item stays pending.
func (m *OutboundMessage) MarkFailed(err error) {
	m.AttemptCount++
	m.LastAttemptAt = sql.NullTime{Time: time.Now(), Valid: true}
	if err != nil {
		m.LastError = sql.NullString{String: err.Error(), Valid: true}
	}
}

// MarkDropped records that the queue discarded the item.
func (m *OutboundMessage) MarkDropped(reason string) {
	m.Status = OutboundStatusDropped
	m.LastError = sql.NullString{String: reason, Valid: reason != ""}
}

// IsExpired checks if the item has passed its expiration time.
func (m *OutboundMessage) IsExpired() bool {
	return time.Now().After(m.ExpiresAt)
}

// CanAttemptDelivery validates whether a write may be attempted.
//
// Returns error if delivery cannot be attempted:
//   - ErrOutboundExpired: item outlived its TTL
//   - ErrOutboundAlreadySent: already written
//   - ErrOutboundDropped: discarded by the queue
func (m *OutboundMessage) CanAttemptDelivery() error {
	switch {
	case m.Status == OutboundStatusSent:
		return ErrOutboundAlreadySent
	case m.Status == OutboundStatusDropped:
		return ErrOutboundDropped
	case m.IsExpired():
		return ErrOutboundExpired
	}
	return nil
}

// GetAge returns how long the item has been queued.
func (m *OutboundMessage) GetAge() time.Duration {
	return time.Since(m.EnqueuedAt)
}
