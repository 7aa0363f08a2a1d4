package model

import (
	"database/sql"
	"time"
)

// Subscription is a registered interest in a broker topic.
//
// Each subscription:
//   - Is unique per topic within a session
//   - Carries the broker-level subscription id used in SUBSCRIBE/UNSUBSCRIBE
//   - Keeps its registration position so reconnects replay in order
//
// Lifecycle: subscriptions survive disconnects and are dropped only on
// explicit unsubscribe or session teardown.
type Subscription struct {
	ID        string       `json:"id"`        // Broker subscription id ("sub-N")
	Topic     string       `json:"topic"`     // Destination subscribed to
	Position  int64        `json:"position"`  // Registration order
	IsActive  bool         `json:"isActive"`  // False once unsubscribed
	CreatedAt time.Time    `json:"createdAt"` // Registration time
	DeletedAt sql.NullTime `json:"deletedAt"` // Unsubscribe time
}

// NewSubscription creates a new active subscription.
func NewSubscription(id, topic string, position int64) Subscription {
	return Subscription{
		ID:        id,
		Topic:     topic,
		Position:  position,
		IsActive:  true,
		CreatedAt: time.Now(),
		DeletedAt: sql.NullTime{},
	}
}

// Deactivate marks the subscription as removed.
func (m *Subscription) Deactivate() {
	m.IsActive = false
	m.DeletedAt = sql.NullTime{Time: time.Now(), Valid: true}
}
