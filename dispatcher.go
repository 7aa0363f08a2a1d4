package chatcore

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coregx/chatcore/model"
)

// Dispatcher decodes inbound deliveries by the kind bound to their topic and
// routes them to the chat or signal handler. Undecodable bodies and unbound
// topics are logged and dropped; they never stop delivery.
type Dispatcher struct {
	logger   Logger
	onChat   func(topic string, msg model.ChatMessage)
	onSignal func(topic string, sig model.CallSignal)

	mu    sync.RWMutex
	kinds map[string]model.TopicKind

	dropped atomic.Int64
}

// DispatcherOption is a function that configures a Dispatcher.
type DispatcherOption func(*Dispatcher) error

// NewDispatcher creates a Dispatcher.
//
// Required options:
//   - WithDispatcherLogger: logger instance
func NewDispatcher(opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{kinds: make(map[string]model.TopicKind)}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply dispatcher option", err)
		}
	}

	if d.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithDispatcherLogger)")
	}
	return d, nil
}

// WithDispatcherLogger sets the logger instance.
func WithDispatcherLogger(logger Logger) DispatcherOption {
	return func(d *Dispatcher) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		d.logger = logger
		return nil
	}
}

// WithChatHandler sets the receiver of decoded chat messages.
func WithChatHandler(fn func(topic string, msg model.ChatMessage)) DispatcherOption {
	return func(d *Dispatcher) error {
		d.onChat = fn
		return nil
	}
}

// WithSignalHandler sets the receiver of decoded call signals.
func WithSignalHandler(fn func(topic string, sig model.CallSignal)) DispatcherOption {
	return func(d *Dispatcher) error {
		d.onSignal = fn
		return nil
	}
}

// Bind declares what kind of payload topic carries.
func (d *Dispatcher) Bind(topic string, kind model.TopicKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kinds[topic] = kind
}

// Unbind forgets topic.
func (d *Dispatcher) Unbind(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.kinds, topic)
}

// KindOf returns the kind bound to topic.
func (d *Dispatcher) KindOf(topic string) (model.TopicKind, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k, ok := d.kinds[topic]
	return k, ok
}

// Dropped returns how many deliveries were discarded.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Dispatch decodes one delivery and hands it to the matching handler.
// Signals of unknown type are passed on; the call machine ignores them.
func (d *Dispatcher) Dispatch(del Delivery) error {
	kind, ok := d.KindOf(del.Topic)
	if !ok {
		d.dropped.Add(1)
		d.logger.Debugf("dispatcher: no kind bound to %s, dropped", del.Topic)
		return NewError(ErrCodeDecode, "no kind bound to "+del.Topic)
	}

	switch kind {
	case model.KindChat:
		var msg model.ChatMessage
		if err := json.Unmarshal(del.Body, &msg); err != nil {
			return d.decodeFailed(del, err)
		}
		if msg.Type == "" {
			msg.Type = model.MessageTypeText
		}
		if d.onChat != nil {
			d.onChat(del.Topic, msg)
		}
	case model.KindSignal:
		var sig model.CallSignal
		if err := json.Unmarshal(del.Body, &sig); err != nil {
			return d.decodeFailed(del, err)
		}
		if d.onSignal != nil {
			d.onSignal(del.Topic, sig)
		}
	default:
		d.dropped.Add(1)
		return NewError(ErrCodeDecode, fmt.Sprintf("unsupported kind %q on %s", kind, del.Topic))
	}
	return nil
}

func (d *Dispatcher) decodeFailed(del Delivery, err error) error {
	d.dropped.Add(1)
	d.logger.Warnf("dispatcher: undecodable body on %s (%d bytes): %v", del.Topic, len(del.Body), err)
	return NewErrorWithCause(ErrCodeDecode, "undecodable body on "+del.Topic, err)
}
