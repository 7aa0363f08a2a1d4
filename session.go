package chatcore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coregx/chatcore/model"
)

// recentWindow is how many server message ids are remembered to drop
// duplicate deliveries.
const recentWindow = 512

// Session is the authenticated client: one broker connection, its
// subscriptions and outbound queue, and the call machine. It lives from
// sign-in to sign-out; screens share it instead of opening their own.
//
// Thread safety: Safe for concurrent use.
type Session struct {
	identity      Identity
	logger        Logger
	notifications NotificationService
	history       HistoryProvider

	conn       *Connection
	registry   *SubscriptionRegistry
	queue      *OutboundQueue
	dispatcher *Dispatcher
	media      *MediaCoordinator
	calls      *CallMachine

	events   *serialQueue
	messages observerSet[model.ChatMessage]
	sent     observerSet[model.ChatMessage]

	mu           sync.Mutex
	pendingGroup map[string]struct{}
	outgoing     map[string]model.ChatMessage
	recent       map[string]struct{}
	recentOrder  []string
	started      bool
	closed       bool
}

// NewSession wires a Session from the provided options.
//
// Required options:
//   - WithIdentity: the signed-in user
//   - WithBrokerDialer: transport to the broker
//   - WithMediaEngine: audio/video engine
//   - WithCredentialProvider: media token source
//   - WithLogger: logger instance
//
// Optional options:
//   - WithNotificationService, WithOutbox, WithHistoryProvider
//   - WithSessionReconnect, WithSessionHeartbeat, WithSessionHost
//   - WithCallRingTimeout, WithOutboxLimit
func NewSession(opts ...SessionOption) (*Session, error) {
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	if cfg.identity.UserID == "" {
		return nil, NewError(ErrCodeConfiguration, "Identity is required (use WithIdentity)")
	}
	if cfg.dialer == nil {
		return nil, NewError(ErrCodeConfiguration, "Dialer is required (use WithBrokerDialer)")
	}
	if cfg.engine == nil {
		return nil, NewError(ErrCodeConfiguration, "MediaEngine is required (use WithMediaEngine)")
	}
	if cfg.credentials == nil {
		return nil, NewError(ErrCodeConfiguration, "CredentialProvider is required (use WithCredentialProvider)")
	}
	if cfg.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithLogger)")
	}

	s := &Session{
		identity:      cfg.identity,
		logger:        cfg.logger,
		notifications: cfg.notifications,
		history:       cfg.history,
		events:        newSerialQueue(cfg.logger),
		pendingGroup:  make(map[string]struct{}),
		outgoing:      make(map[string]model.ChatMessage),
		recent:        make(map[string]struct{}),
	}

	var err error
	s.conn, err = NewConnection(
		WithDialer(cfg.dialer),
		WithConnectionLogger(cfg.logger),
		WithConnectionNotifications(cfg.notifications),
		WithReconnectStrategy(cfg.strategy),
		WithHeartbeat(cfg.heartbeat),
		WithBrokerHost(cfg.host),
		WithDeliveryHandler(s.route),
	)
	if err != nil {
		return nil, err
	}

	// The registry registers its replay hook before the queue registers its
	// drain, so resubscribe always precedes the flush.
	s.registry, err = NewSubscriptionRegistry(
		WithRegistryConnection(s.conn),
		WithRegistryLogger(cfg.logger),
	)
	if err != nil {
		return nil, err
	}

	queueOpts := []OutboundQueueOption{
		WithQueueConnection(s.conn),
		WithQueueLogger(cfg.logger),
		WithQueueOwner(cfg.identity.UserID),
		WithQueueLimit(cfg.maxPending, cfg.policy),
		WithQueueNotifications(cfg.notifications),
	}
	if cfg.outbox != nil {
		queueOpts = append(queueOpts, WithOutboxRepository(cfg.outbox))
	}
	s.queue, err = NewOutboundQueue(queueOpts...)
	if err != nil {
		return nil, err
	}
	s.queue.OnSent(s.handleSent)
	s.queue.OnDropped(s.forgetOutgoing)

	s.media, err = NewMediaCoordinator(cfg.engine, cfg.logger)
	if err != nil {
		return nil, err
	}

	s.calls, err = NewCallMachine(
		WithCallIdentity(cfg.identity),
		WithSignalPublisher(s),
		WithMediaCoordinator(s.media),
		WithCallCredentials(NewCachingCredentialProvider(cfg.credentials, cfg.credentialTTL)),
		WithCallLogger(cfg.logger),
		WithCallNotifications(cfg.notifications),
		WithRingTimeout(cfg.ringTimeout),
	)
	if err != nil {
		return nil, err
	}

	s.dispatcher, err = NewDispatcher(
		WithDispatcherLogger(cfg.logger),
		WithChatHandler(s.handleChat),
		WithSignalHandler(func(_ string, sig model.CallSignal) { s.calls.HandleSignal(sig) }),
	)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Start restores the persisted outbox, subscribes the personal queues and
// begins connecting. It does not wait for the broker.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NewError(ErrCodeConfiguration, "session closed")
	}
	first := !s.started
	s.started = true
	s.mu.Unlock()

	if first {
		if _, err := s.queue.Restore(ctx); err != nil {
			s.logger.Warnf("session: outbox not restored: %v", err)
		}
		if err := s.subscribe(model.PersonalMessagesTopic(s.identity.UserID), model.KindChat); err != nil {
			return err
		}
		if err := s.subscribe(model.PersonalCallsTopic(s.identity.UserID), model.KindSignal); err != nil {
			return err
		}
	}
	return s.conn.Connect(ctx, s.identity)
}

// Identity returns the signed-in user.
func (s *Session) Identity() Identity {
	return s.identity
}

// State returns the broker connection state.
func (s *Session) State() ConnectionState {
	return s.conn.State()
}

// PendingOutbound returns how many publishes wait for the broker.
func (s *Session) PendingOutbound() int {
	return s.queue.Len()
}

// OnMessage registers fn for every received chat message.
func (s *Session) OnMessage(fn func(model.ChatMessage)) func() {
	return s.messages.Add(fn)
}

// OnMessageSent registers fn for chat messages once they reach the broker.
func (s *Session) OnMessageSent(fn func(model.ChatMessage)) func() {
	return s.sent.Add(fn)
}

// OnIncomingCall registers fn for incoming call offers.
func (s *Session) OnIncomingCall(fn func(model.CallSession)) func() {
	return s.calls.OnIncomingCall(fn)
}

// OnCallState registers fn for call state changes.
func (s *Session) OnCallState(fn func(model.CallSession)) func() {
	return s.calls.OnCallState(fn)
}

// OnCallDuration registers fn for the running duration of an active call.
func (s *Session) OnCallDuration(fn func(time.Duration)) func() {
	return s.calls.OnCallDuration(fn)
}

// SendMessage sends a direct message. The returned message carries the
// client temp id and status SENDING, or SENT when it was written at once.
func (s *Session) SendMessage(ctx context.Context, recipientID, content string, typ model.MessageType) (model.ChatMessage, error) {
	msg := model.NewDirectMessage(s.identity.UserID, recipientID, content, typ)
	return s.sendChat(ctx, msg)
}

// SendGroupMessage sends a message to a group.
func (s *Session) SendGroupMessage(ctx context.Context, groupID, content string, typ model.MessageType) (model.ChatMessage, error) {
	msg := model.NewGroupMessage(s.identity.UserID, groupID, content, typ)
	return s.sendChat(ctx, msg)
}

func (s *Session) sendChat(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	if msg.Type == "" {
		msg.Type = model.MessageTypeText
	}
	if err := msg.Validate(); err != nil {
		return msg, NewErrorWithCause(ErrCodeValidation, "invalid message", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return msg, NewErrorWithCause(ErrCodeValidation, "encode message", err)
	}

	out := model.NewOutboundMessage(s.identity.UserID, model.DestinationChat, model.KindChat, body)
	s.mu.Lock()
	s.outgoing[out.MessageID] = msg
	if msg.IsGroup() {
		s.pendingGroup[msg.ClientTempID] = struct{}{}
	}
	s.mu.Unlock()

	sent, err := s.queue.Enqueue(ctx, &out)
	if err != nil {
		s.mu.Lock()
		delete(s.outgoing, out.MessageID)
		delete(s.pendingGroup, msg.ClientTempID)
		s.mu.Unlock()
		return msg, err
	}
	if sent {
		msg.MarkSent()
	}
	return msg, nil
}

// PublishSignal sends a call signal through the outbound queue.
func (s *Session) PublishSignal(ctx context.Context, sig model.CallSignal) error {
	if err := sig.Validate(); err != nil {
		return NewErrorWithCause(ErrCodeValidation, "invalid call signal", err)
	}
	_, _, err := s.queue.PublishJSON(ctx, model.DestinationCall, model.KindSignal, sig)
	return err
}

// StartCall calls recipientID.
func (s *Session) StartCall(ctx context.Context, recipientID, recipientName string, isVideo bool) (model.CallSession, error) {
	return s.calls.StartCall(ctx, recipientID, recipientName, isVideo)
}

// AcceptCall answers the ringing incoming call.
func (s *Session) AcceptCall(ctx context.Context) error {
	return s.calls.AcceptCall(ctx)
}

// DeclineCall rejects the ringing incoming call.
func (s *Session) DeclineCall(ctx context.Context) error {
	return s.calls.DeclineCall(ctx)
}

// HangUp ends the current call.
func (s *Session) HangUp(ctx context.Context) error {
	return s.calls.HangUp(ctx)
}

// CurrentCall returns the call in progress, if any.
func (s *Session) CurrentCall() (model.CallSession, bool) {
	return s.calls.Current()
}

// SetAudioMuted mutes or unmutes the microphone.
func (s *Session) SetAudioMuted(muted bool) error {
	return s.calls.SetAudioMuted(muted)
}

// SetVideoMuted stops or resumes the camera.
func (s *Session) SetVideoMuted(muted bool) error {
	return s.calls.SetVideoMuted(muted)
}

// SwitchCamera toggles front and back cameras.
func (s *Session) SwitchCamera() error {
	return s.calls.SwitchCamera()
}

// JoinGroup subscribes to a group's shared topic.
func (s *Session) JoinGroup(groupID string) error {
	if groupID == "" {
		return NewError(ErrCodeValidation, "group id is required")
	}
	return s.subscribe(model.GroupTopic(groupID), model.KindChat)
}

// LeaveGroup unsubscribes from a group's shared topic.
func (s *Session) LeaveGroup(groupID string) error {
	topic := model.GroupTopic(groupID)
	if err := s.registry.Unsubscribe(topic); err != nil {
		return err
	}
	s.dispatcher.Unbind(topic)
	return nil
}

// Subscriptions returns the registered topics in registration order.
func (s *Session) Subscriptions() []model.Subscription {
	return s.registry.Entries()
}

// LoadDirectHistory returns the conversation with peerID, oldest first.
func (s *Session) LoadDirectHistory(ctx context.Context, peerID string) ([]model.ChatMessage, error) {
	if s.history == nil {
		return nil, NewError(ErrCodeConfiguration, "HistoryProvider is required (use WithHistoryProvider)")
	}
	return s.history.DirectHistory(ctx, s.identity.UserID, peerID)
}

// LoadGroupHistory returns a group's messages, oldest first.
func (s *Session) LoadGroupHistory(ctx context.Context, groupID string) ([]model.ChatMessage, error) {
	if s.history == nil {
		return nil, NewError(ErrCodeConfiguration, "HistoryProvider is required (use WithHistoryProvider)")
	}
	return s.history.GroupHistory(ctx, groupID)
}

// LoadConversations returns the user's recent conversations.
func (s *Session) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	if s.history == nil {
		return nil, NewError(ErrCodeConfiguration, "HistoryProvider is required (use WithHistoryProvider)")
	}
	return s.history.Conversations(ctx, s.identity.UserID)
}

// Close ends any call and disconnects. Queued messages stay in the outbox
// and are sent by the next session of the same user.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	errs = append(errs, s.calls.Close(ctx))
	errs = append(errs, s.conn.Close(ctx))
	errs = append(errs, s.queue.Sync(ctx))
	errs = append(errs, s.media.Close())
	s.events.close()
	return errors.Join(errs...)
}

// SignOut closes the session and forgets its subscriptions and queued
// messages.
func (s *Session) SignOut(ctx context.Context) error {
	err := s.Close(ctx)
	s.registry.Clear()
	if cerr := s.queue.Clear(ctx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (s *Session) subscribe(topic string, kind model.TopicKind) error {
	s.dispatcher.Bind(topic, kind)
	if _, err := s.registry.Subscribe(topic, s.dispatch); err != nil {
		s.dispatcher.Unbind(topic)
		return err
	}
	return nil
}

// route is the connection's delivery handler.
func (s *Session) route(d Delivery) {
	s.registry.Route(d)
}

func (s *Session) dispatch(d Delivery) {
	if err := s.dispatcher.Dispatch(d); err != nil {
		s.logger.Debugf("session: %v", err)
	}
}

func (s *Session) handleChat(_ string, msg model.ChatMessage) {
	s.mu.Lock()
	if msg.ID != "" {
		if _, dup := s.recent[msg.ID]; dup {
			s.mu.Unlock()
			s.logger.Debugf("session: duplicate message %s dropped", msg.ID)
			return
		}
		s.remember(msg.ID)
	}
	if msg.SenderID == s.identity.UserID && msg.ClientTempID != "" {
		if _, ok := s.pendingGroup[msg.ClientTempID]; ok {
			delete(s.pendingGroup, msg.ClientTempID)
			msg.Reconciled = true
		}
	}
	s.mu.Unlock()

	s.events.post(func() { s.messages.Emit(msg) })
}

// remember records a server id, forgetting the oldest beyond recentWindow.
func (s *Session) remember(id string) {
	s.recent[id] = struct{}{}
	s.recentOrder = append(s.recentOrder, id)
	if len(s.recentOrder) > recentWindow {
		delete(s.recent, s.recentOrder[0])
		s.recentOrder = s.recentOrder[1:]
	}
}

func (s *Session) handleSent(out model.OutboundMessage) {
	s.mu.Lock()
	msg, ok := s.outgoing[out.MessageID]
	delete(s.outgoing, out.MessageID)
	s.mu.Unlock()
	if !ok {
		return
	}
	msg.MarkSent()
	s.sent.Emit(msg)
}

func (s *Session) forgetOutgoing(out model.OutboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.outgoing[out.MessageID]; ok {
		delete(s.pendingGroup, msg.ClientTempID)
		delete(s.outgoing, out.MessageID)
	}
}
