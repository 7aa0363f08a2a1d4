package chatcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coregx/chatcore/model"
)

// OverflowPolicy decides what happens when the outbound queue is full.
type OverflowPolicy int

const (
	// OverflowDropOldest discards the head of the queue to make room.
	OverflowDropOldest OverflowPolicy = iota

	// OverflowDropNewest discards the message being enqueued.
	OverflowDropNewest

	// OverflowReject refuses the message with ErrQueueFull.
	OverflowReject
)

// String returns the policy name used in configuration.
func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDropOldest:
		return "drop-oldest"
	case OverflowDropNewest:
		return "drop-newest"
	case OverflowReject:
		return "reject"
	}
	return fmt.Sprintf("OverflowPolicy(%d)", int(p))
}

// ParseOverflowPolicy parses the configuration name of a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop-oldest":
		return OverflowDropOldest, nil
	case "drop-newest":
		return OverflowDropNewest, nil
	case "reject":
		return OverflowReject, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

// DefaultMaxPending bounds the outbound queue.
const DefaultMaxPending = 1000

// OutboundQueue holds publishes made while the broker is unreachable and
// flushes them, in order, as soon as the connection comes back.
//
// A publish made while connected with an empty queue is written directly.
// Otherwise it is appended, so a new message can never overtake a queued one.
// Expired items are dropped during the flush and reported.
//
// Thread safety: Safe for concurrent use.
type OutboundQueue struct {
	conn          *Connection
	store         OutboxRepository
	writer        *outboxWriter
	logger        Logger
	notifications NotificationService
	maxPending    int
	policy        OverflowPolicy
	owner         string

	sent    observerSet[model.OutboundMessage]
	dropped observerSet[model.OutboundMessage]

	mu    sync.Mutex
	items []model.OutboundMessage
	seq   int64
}

// OutboundQueueOption is a function that configures an OutboundQueue.
type OutboundQueueOption func(*OutboundQueue) error

// NewOutboundQueue creates a queue that flushes on conn.
//
// Required options:
//   - WithQueueConnection: the connection to publish on
//   - WithQueueLogger: logger instance
//
// Optional options:
//   - WithOutboxRepository: persist queued items (default: memory only)
//   - WithQueueLimit: capacity and overflow policy (default: 1000, drop oldest)
//   - WithQueueOwner: owner key for persisted items
//   - WithQueueNotifications: report dropped items
func NewOutboundQueue(opts ...OutboundQueueOption) (*OutboundQueue, error) {
	q := &OutboundQueue{
		notifications: &NoOpNotificationService{},
		maxPending:    DefaultMaxPending,
		policy:        OverflowDropOldest,
	}

	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply outbound queue option", err)
		}
	}

	if q.conn == nil {
		return nil, NewError(ErrCodeConfiguration, "Connection is required (use WithQueueConnection)")
	}
	if q.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithQueueLogger)")
	}

	if q.store != nil {
		q.writer = newOutboxWriter(q.store, q.logger)
	}
	q.conn.onConnected(q.drain)
	return q, nil
}

// WithQueueConnection sets the connection items are published on.
func WithQueueConnection(conn *Connection) OutboundQueueOption {
	return func(q *OutboundQueue) error {
		if conn == nil {
			return fmt.Errorf("connection cannot be nil")
		}
		q.conn = conn
		return nil
	}
}

// WithQueueLogger sets the logger instance.
func WithQueueLogger(logger Logger) OutboundQueueOption {
	return func(q *OutboundQueue) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		q.logger = logger
		return nil
	}
}

// WithOutboxRepository persists queued items so they survive restarts.
func WithOutboxRepository(store OutboxRepository) OutboundQueueOption {
	return func(q *OutboundQueue) error {
		if store == nil {
			return fmt.Errorf("outbox repository cannot be nil")
		}
		q.store = store
		return nil
	}
}

// WithQueueLimit sets the capacity and what happens when it is reached.
func WithQueueLimit(maxPending int, policy OverflowPolicy) OutboundQueueOption {
	return func(q *OutboundQueue) error {
		if maxPending < 1 {
			return fmt.Errorf("queue limit must be positive, got %d", maxPending)
		}
		q.maxPending = maxPending
		q.policy = policy
		return nil
	}
}

// WithQueueOwner sets the owner key of persisted items.
func WithQueueOwner(owner string) OutboundQueueOption {
	return func(q *OutboundQueue) error {
		q.owner = owner
		return nil
	}
}

// WithQueueNotifications sets where dropped items are reported.
func WithQueueNotifications(n NotificationService) OutboundQueueOption {
	return func(q *OutboundQueue) error {
		if n == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		q.notifications = n
		return nil
	}
}

// OnSent registers fn to be called after an item is written to the broker.
// The returned function removes the callback.
func (q *OutboundQueue) OnSent(fn func(model.OutboundMessage)) func() {
	return q.sent.Add(fn)
}

// OnDropped registers fn to be called after an item is discarded.
func (q *OutboundQueue) OnDropped(fn func(model.OutboundMessage)) func() {
	return q.dropped.Add(fn)
}

// PublishJSON encodes v and enqueues it for destination.
func (q *OutboundQueue) PublishJSON(ctx context.Context, destination string, kind model.TopicKind, v any) (model.OutboundMessage, bool, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return model.OutboundMessage{}, false, NewErrorWithCause(ErrCodeValidation, "encode payload", err)
	}
	msg := model.NewOutboundMessage(q.owner, destination, kind, body)
	sent, err := q.Enqueue(ctx, &msg)
	return msg, sent, err
}

// Enqueue writes msg now if possible, otherwise queues it.
// The first result reports whether the frame was written.
func (q *OutboundQueue) Enqueue(ctx context.Context, msg *model.OutboundMessage) (bool, error) {
	if msg.Destination == "" {
		return false, NewError(ErrCodeValidation, "destination is required")
	}

	sent := false
	err := q.conn.exec(func(tx connTx) error {
		q.mu.Lock()
		defer q.mu.Unlock()

		if tx.connected() && len(q.items) == 0 {
			err := tx.send(sendFrame(msg.Destination, []byte(msg.Payload)))
			if err == nil {
				msg.MarkSent()
				sent = true
				q.emitSent(*msg)
				return nil
			}
			msg.MarkFailed(err)
		}

		if len(q.items) >= q.maxPending {
			switch q.policy {
			case OverflowReject:
				return ErrQueueFull
			case OverflowDropNewest:
				msg.MarkDropped("queue full")
				q.reportDrop(*msg, ErrQueueFull)
				return nil
			default:
				oldest := q.items[0]
				q.items = q.items[1:]
				oldest.MarkDropped("queue full")
				q.forget(&oldest)
				q.reportDrop(oldest, ErrQueueFull)
			}
		}

		q.seq++
		msg.Sequence = q.seq
		q.persist(msg)
		q.items = append(q.items, *msg)
		q.logger.Debugf("outbox: queued %s for %s (%d pending)", msg.MessageID, msg.Destination, len(q.items))
		return nil
	})
	return sent, err
}

// Restore loads persisted items queued by a previous process. Items already
// in memory keep their place after the restored ones.
func (q *OutboundQueue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	var stored []model.OutboundMessage
	err := q.writer.call(ctx, func() error {
		var err error
		stored, err = q.store.FindPending(ctx, q.owner, q.maxPending)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load outbox: %w", err)
	}

	restored := 0
	err = q.conn.exec(func(tx connTx) error {
		q.mu.Lock()
		defer q.mu.Unlock()

		known := make(map[string]bool, len(q.items))
		for _, m := range q.items {
			known[m.MessageID] = true
		}
		merged := make([]model.OutboundMessage, 0, len(stored)+len(q.items))
		for _, m := range stored {
			if known[m.MessageID] {
				continue
			}
			merged = append(merged, m)
			if m.Sequence > q.seq {
				q.seq = m.Sequence
			}
			restored++
		}
		q.items = append(merged, q.items...)
		if len(q.items) > 0 && tx.connected() {
			return q.drainLocked(tx)
		}
		return nil
	})
	if restored > 0 {
		q.logger.Infof("outbox: restored %d pending items", restored)
	}
	return restored, err
}

// PruneExpired drops every expired item without waiting for a flush.
func (q *OutboundQueue) PruneExpired(ctx context.Context) (int, error) {
	dropped := 0
	_ = q.conn.exec(func(tx connTx) error {
		q.mu.Lock()
		defer q.mu.Unlock()

		kept := q.items[:0]
		for _, m := range q.items {
			if m.IsExpired() {
				m.MarkDropped("expired")
				q.reportDrop(m, NewError(ErrCodeExpired, "expired before delivery"))
				dropped++
				continue
			}
			kept = append(kept, m)
		}
		q.items = kept
		return nil
	})

	if q.store != nil {
		err := q.writer.call(ctx, func() error {
			_, err := q.store.DeleteExpired(ctx, time.Now())
			return err
		})
		if err != nil {
			return dropped, fmt.Errorf("failed to delete expired outbox items: %w", err)
		}
	}
	return dropped, nil
}

// Clear discards every queued item, in memory and in the store.
func (q *OutboundQueue) Clear(ctx context.Context) error {
	_ = q.conn.exec(func(tx connTx) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.items = nil
		return nil
	})
	if q.store != nil {
		err := q.writer.call(ctx, func() error {
			q.writer.forgetAll()
			return q.store.DeleteByOwner(ctx, q.owner)
		})
		if err != nil {
			return fmt.Errorf("failed to clear outbox: %w", err)
		}
	}
	return nil
}

// Sync waits until every outbox write queued so far has reached the
// OutboxRepository. Writes run outside the connection lock, in order.
func (q *OutboundQueue) Sync(ctx context.Context) error {
	if q.writer == nil {
		return nil
	}
	return q.writer.sync(ctx)
}

// Len returns the number of queued items.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the queued items in flush order.
func (q *OutboundQueue) Pending() []model.OutboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.OutboundMessage, len(q.items))
	copy(out, q.items)
	return out
}

// drain runs under the connection lock right after CONNECTED, after the
// subscription replay.
func (q *OutboundQueue) drain(tx connTx) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked(tx)
}

func (q *OutboundQueue) drainLocked(tx connTx) error {
	flushed := 0
	for len(q.items) > 0 {
		head := &q.items[0]
		if err := head.CanAttemptDelivery(); err != nil {
			item := *head
			q.items = q.items[1:]
			item.MarkDropped(err.Error())
			q.forget(&item)
			q.reportDrop(item, NewErrorWithCause(ErrCodeExpired, "not delivered", err))
			continue
		}

		if err := tx.send(sendFrame(head.Destination, []byte(head.Payload))); err != nil {
			head.MarkFailed(err)
			q.persist(head)
			return err
		}

		head.MarkSent()
		item := *head
		q.items = q.items[1:]
		q.forget(&item)
		q.emitSent(item)
		flushed++
	}
	if flushed > 0 {
		q.logger.Infof("outbox: flushed %d queued items", flushed)
	}
	return nil
}

// persist and forget are called under the connection lock and only queue
// the store write.
func (q *OutboundQueue) persist(msg *model.OutboundMessage) {
	if q.writer == nil || msg.Kind == model.KindSignal {
		return
	}
	q.writer.save(*msg)
}

func (q *OutboundQueue) forget(msg *model.OutboundMessage) {
	if q.writer == nil || msg.Kind == model.KindSignal {
		return
	}
	q.writer.remove(*msg)
}

func (q *OutboundQueue) emitSent(msg model.OutboundMessage) {
	q.conn.events.post(func() { q.sent.Emit(msg) })
}

func (q *OutboundQueue) reportDrop(msg model.OutboundMessage, reason error) {
	q.logger.Warnf("outbox: dropped %s for %s: %v", msg.MessageID, msg.Destination, reason)
	q.conn.events.post(func() {
		q.dropped.Emit(msg)
		if err := q.notifications.NotifyMessageDropped(context.Background(), msg, reason); err != nil {
			q.logger.Warnf("outbox: notification failed: %v", err)
		}
	})
}
