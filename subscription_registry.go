package chatcore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coregx/chatcore/model"
	"github.com/go-stomp/stomp/v3/frame"
)

// Handler processes one delivery for a subscribed topic.
type Handler func(Delivery)

type registryEntry struct {
	sub     model.Subscription
	handler Handler
}

// SubscriptionRegistry is the durable record of topic interests. Entries
// survive disconnects: after every CONNECTED the registry re-issues one
// SUBSCRIBE per topic, in registration order, before anything else is sent.
//
// Key operations:
//   - Subscribe: register or replace the handler for a topic
//   - Unsubscribe: remove the topic and tell the broker
//   - Route: hand an inbound delivery to the handler of its topic
//
// Thread safety: Safe for concurrent use.
type SubscriptionRegistry struct {
	conn   *Connection
	logger Logger

	mu      sync.RWMutex
	byTopic map[string]*registryEntry
	byID    map[string]*registryEntry
	next    int64
}

// SubscriptionRegistryOption is a function that configures a SubscriptionRegistry.
type SubscriptionRegistryOption func(*SubscriptionRegistry) error

// NewSubscriptionRegistry creates a registry bound to conn.
//
// Required options:
//   - WithRegistryConnection: the connection to subscribe on
//   - WithRegistryLogger: logger instance
func NewSubscriptionRegistry(opts ...SubscriptionRegistryOption) (*SubscriptionRegistry, error) {
	r := &SubscriptionRegistry{
		byTopic: make(map[string]*registryEntry),
		byID:    make(map[string]*registryEntry),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply subscription registry option", err)
		}
	}

	if r.conn == nil {
		return nil, NewError(ErrCodeConfiguration, "Connection is required (use WithRegistryConnection)")
	}
	if r.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithRegistryLogger)")
	}

	r.conn.onConnected(r.replay)
	return r, nil
}

// WithRegistryConnection sets the connection subscriptions are issued on.
func WithRegistryConnection(conn *Connection) SubscriptionRegistryOption {
	return func(r *SubscriptionRegistry) error {
		if conn == nil {
			return fmt.Errorf("connection cannot be nil")
		}
		r.conn = conn
		return nil
	}
}

// WithRegistryLogger sets the logger instance.
func WithRegistryLogger(logger Logger) SubscriptionRegistryOption {
	return func(r *SubscriptionRegistry) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		r.logger = logger
		return nil
	}
}

// Subscribe registers handler for topic. Subscribing again to a known topic
// replaces the handler without sending a second SUBSCRIBE. The frame is sent
// now when connected, otherwise on the next CONNECTED.
func (r *SubscriptionRegistry) Subscribe(topic string, handler Handler) (model.Subscription, error) {
	if topic == "" {
		return model.Subscription{}, NewError(ErrCodeValidation, "topic is required")
	}
	if handler == nil {
		return model.Subscription{}, NewError(ErrCodeValidation, "handler is required")
	}

	var result model.Subscription
	err := r.conn.exec(func(tx connTx) error {
		r.mu.Lock()
		if e, ok := r.byTopic[topic]; ok {
			e.handler = handler
			result = e.sub
			r.mu.Unlock()
			r.logger.Debugf("registry: replaced handler for %s", topic)
			return nil
		}

		id := fmt.Sprintf("sub-%d", r.next)
		e := &registryEntry{sub: model.NewSubscription(id, topic, r.next), handler: handler}
		r.next++
		r.byTopic[topic] = e
		r.byID[id] = e
		result = e.sub
		r.mu.Unlock()

		r.logger.Infof("registry: subscribed %s as %s", topic, id)
		if !tx.connected() {
			return nil
		}
		if err := tx.send(subscribeFrame(e.sub)); err != nil {
			// The entry stays and is replayed after reconnect.
			r.logger.Warnf("registry: SUBSCRIBE %s deferred: %v", topic, err)
		}
		return nil
	})
	return result, err
}

// Unsubscribe removes topic. UNSUBSCRIBE is sent when connected; unknown
// topics are ignored.
func (r *SubscriptionRegistry) Unsubscribe(topic string) error {
	return r.conn.exec(func(tx connTx) error {
		r.mu.Lock()
		e, ok := r.byTopic[topic]
		if ok {
			delete(r.byTopic, topic)
			delete(r.byID, e.sub.ID)
			e.sub.Deactivate()
		}
		r.mu.Unlock()
		if !ok {
			return nil
		}

		r.logger.Infof("registry: unsubscribed %s", topic)
		if !tx.connected() {
			return nil
		}
		if err := tx.send(frame.New(frame.UNSUBSCRIBE, frame.Id, e.sub.ID)); err != nil {
			r.logger.Warnf("registry: UNSUBSCRIBE %s not sent: %v", topic, err)
		}
		return nil
	})
}

// Clear removes every entry without talking to the broker.
func (r *SubscriptionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTopic = make(map[string]*registryEntry)
	r.byID = make(map[string]*registryEntry)
}

// Entries returns the active subscriptions in registration order.
func (r *SubscriptionRegistry) Entries() []model.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

// Lookup returns the subscription with the broker subscription id.
func (r *SubscriptionRegistry) Lookup(id string) (model.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return model.Subscription{}, false
	}
	return e.sub, true
}

// LookupTopic returns the subscription for topic.
func (r *SubscriptionRegistry) LookupTopic(topic string) (model.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byTopic[topic]
	if !ok {
		return model.Subscription{}, false
	}
	return e.sub, true
}

// Route hands d to the handler of its subscription. It looks up the
// subscription header first and falls back to the destination.
// It reports whether a handler was found.
func (r *SubscriptionRegistry) Route(d Delivery) bool {
	r.mu.RLock()
	e, ok := r.byID[d.SubscriptionID]
	if !ok {
		e, ok = r.byTopic[d.Topic]
	}
	var h Handler
	if ok {
		h = e.handler
	}
	r.mu.RUnlock()

	if h == nil {
		r.logger.Debugf("registry: no subscription for %s (id %q), dropped", d.Topic, d.SubscriptionID)
		return false
	}
	h(d)
	return true
}

// replay re-issues SUBSCRIBE for every entry. It runs under the connection
// lock right after CONNECTED.
func (r *SubscriptionRegistry) replay(tx connTx) error {
	r.mu.RLock()
	subs := r.sortedLocked()
	r.mu.RUnlock()

	for _, sub := range subs {
		if err := tx.send(subscribeFrame(sub)); err != nil {
			return fmt.Errorf("resubscribe %s: %w", sub.Topic, err)
		}
	}
	if len(subs) > 0 {
		r.logger.Infof("registry: resubscribed %d topics", len(subs))
	}
	return nil
}

func (r *SubscriptionRegistry) sortedLocked() []model.Subscription {
	subs := make([]model.Subscription, 0, len(r.byTopic))
	for _, e := range r.byTopic {
		subs = append(subs, e.sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Position < subs[j].Position })
	return subs
}

func subscribeFrame(sub model.Subscription) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, sub.ID,
		frame.Destination, sub.Topic,
		frame.Ack, "auto",
	)
}
