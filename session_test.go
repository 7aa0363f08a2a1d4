package chatcore

import (
	"context"
	"testing"
	"time"

	"github.com/coregx/chatcore/internal/stomptest"
	"github.com/coregx/chatcore/model"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type sessionHarness struct {
	session  *Session
	engine   *fakeEngine
	messages *collector[model.ChatMessage]
	sent     *collector[model.ChatMessage]
	rings    *collector[model.CallSession]
}

func newSessionHarness(t *testing.T, broker *stomptest.Broker, server *mediaServer, userID string, uid uint32, opts ...SessionOption) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		engine:   newFakeEngine(server, uid),
		messages: &collector[model.ChatMessage]{},
		sent:     &collector[model.ChatMessage]{},
		rings:    &collector[model.CallSession]{},
	}
	base := []SessionOption{
		WithIdentity(Identity{UserID: userID, DisplayName: userID + "-name"}),
		WithBrokerDialer(&pipeDialer{broker: broker}),
		WithMediaEngine(h.engine),
		WithCredentialProvider(&staticCredentials{}),
		WithLogger(&NoopLogger{}),
		WithSessionReconnect(fastReconnect()),
	}
	s, err := NewSession(append(base, opts...)...)
	require.NoError(t, err)
	s.OnMessage(h.messages.add)
	s.OnMessageSent(h.sent.add)
	s.OnIncomingCall(h.rings.add)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	h.session = s
	return h
}

func (h *sessionHarness) start(t *testing.T, broker *stomptest.Broker) {
	t.Helper()
	require.NoError(t, h.session.Start(context.Background()))
	require.Eventually(t, func() bool {
		return h.session.State() == StateConnected &&
			broker.SubscriberCount(model.PersonalCallsTopic(h.session.Identity().UserID)) == 1
	}, waitFor, tick)
}

func (h *sessionHarness) contents() []string {
	var out []string
	for _, m := range h.messages.all() {
		out = append(out, m.Content)
	}
	return out
}

func TestNewSession_RequiredOptions(t *testing.T) {
	broker := stomptest.NewBroker()
	full := func() []SessionOption {
		return []SessionOption{
			WithIdentity(alice),
			WithBrokerDialer(&pipeDialer{broker: broker}),
			WithMediaEngine(newFakeEngine(newMediaServer(), 1)),
			WithCredentialProvider(&staticCredentials{}),
			WithLogger(&NoopLogger{}),
		}
	}
	for i := range full() {
		opts := full()
		opts = append(opts[:i], opts[i+1:]...)
		_, err := NewSession(opts...)
		require.Error(t, err, "option %d missing", i)
		assert.True(t, IsCode(err, ErrCodeConfiguration))
	}
}

func TestSession_DirectMessage(t *testing.T) {
	broker := stomptest.NewBroker()
	server := newMediaServer()
	a := newSessionHarness(t, broker, server, "alice", 1)
	b := newSessionHarness(t, broker, server, "bob", 2)
	a.start(t, broker)
	b.start(t, broker)

	msg, err := a.session.SendMessage(context.Background(), "bob", "hello bob", model.MessageTypeText)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ClientTempID)
	assert.Equal(t, model.MessageStatusSent, msg.Status)

	require.Eventually(t, func() bool { return b.messages.len() == 1 }, waitFor, tick)
	got, _ := b.messages.last()
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, "hello bob", got.Content)
	assert.Equal(t, model.MessageStatusReceived, got.Status)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, msg.ClientTempID, got.ClientTempID)

	require.Eventually(t, func() bool { return a.sent.len() == 1 }, waitFor, tick)
	assert.Zero(t, a.messages.len(), "direct messages are not echoed to the sender")

	_, err = a.session.SendMessage(context.Background(), "", "nobody", model.MessageTypeText)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestSession_MessagesSentDuringOutageArriveInOrder(t *testing.T) {
	broker := stomptest.NewBroker()
	server := newMediaServer()
	a := newSessionHarness(t, broker, server, "alice", 1)
	b := newSessionHarness(t, broker, server, "bob", 2)
	a.start(t, broker)
	b.start(t, broker)

	broker.SetRefuse(true)
	broker.DropUser("alice")
	for _, text := range []string{"one", "two", "three"} {
		msg, err := a.session.SendMessage(context.Background(), "bob", text, model.MessageTypeText)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusSending, msg.Status)
	}
	assert.Equal(t, 3, a.session.PendingOutbound())
	require.Eventually(t, func() bool { return a.session.State() == StateConnecting }, waitFor, tick)

	broker.SetRefuse(false)
	_, err := a.session.SendMessage(context.Background(), "bob", "four", model.MessageTypeText)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.messages.len() == 4 }, waitFor, tick)
	assert.Equal(t, []string{"one", "two", "three", "four"}, b.contents())
	assert.Zero(t, a.session.PendingOutbound())
	require.Eventually(t, func() bool { return a.sent.len() == 4 }, waitFor, tick)

	var commands []string
	for _, r := range broker.Frames() {
		if r.User == "alice" {
			commands = append(commands, r.Frame.Command)
		}
	}
	assert.Equal(t, []string{
		frame.SUBSCRIBE, frame.SUBSCRIBE,
		frame.SUBSCRIBE, frame.SUBSCRIBE,
		frame.SEND, frame.SEND, frame.SEND, frame.SEND,
	}, commands, "subscriptions are restored before queued messages are flushed")
}

func TestSession_GroupEchoIsReconciled(t *testing.T) {
	broker := stomptest.NewBroker()
	broker.SetGroup("g1", "alice", "bob")
	server := newMediaServer()
	a := newSessionHarness(t, broker, server, "alice", 1)
	b := newSessionHarness(t, broker, server, "bob", 2)
	a.start(t, broker)
	b.start(t, broker)

	require.NoError(t, a.session.JoinGroup("g1"))
	require.NoError(t, b.session.JoinGroup("g1"))
	require.Eventually(t, func() bool { return broker.SubscriberCount(model.GroupTopic("g1")) == 2 }, waitFor, tick)

	msg, err := a.session.SendGroupMessage(context.Background(), "g1", "hi all", model.MessageTypeText)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return a.messages.len() == 1 }, waitFor, tick)
	echo, _ := a.messages.last()
	assert.True(t, echo.Reconciled)
	assert.Equal(t, msg.ClientTempID, echo.ClientTempID)
	assert.NotEmpty(t, echo.ID)

	require.Eventually(t, func() bool { return b.messages.len() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.messages.len(), "personal and group copies are delivered once")
	got, _ := b.messages.last()
	assert.False(t, got.Reconciled)
	assert.Equal(t, "g1", got.GroupID)

	require.NoError(t, b.session.LeaveGroup("g1"))
	require.Eventually(t, func() bool { return broker.SubscriberCount(model.GroupTopic("g1")) == 1 }, waitFor, tick)
	topics := make([]string, 0)
	for _, sub := range b.session.Subscriptions() {
		topics = append(topics, sub.Topic)
	}
	assert.Equal(t, []string{model.PersonalMessagesTopic("bob"), model.PersonalCallsTopic("bob")}, topics)
}

func TestSession_CallBetweenSessions(t *testing.T) {
	broker := stomptest.NewBroker()
	server := newMediaServer()
	a := newSessionHarness(t, broker, server, "alice", 1)
	b := newSessionHarness(t, broker, server, "bob", 2)
	a.start(t, broker)
	b.start(t, broker)

	call, err := a.session.StartCall(context.Background(), "bob", "Bob", false)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusRinging, call.Status)

	require.Eventually(t, func() bool { return b.rings.len() == 1 }, waitFor, tick)
	ring, _ := b.rings.last()
	assert.Equal(t, "alice-name", ring.RemoteName)
	assert.Equal(t, call.ChannelName, ring.ChannelName)
	assert.False(t, ring.IsVideo)

	require.NoError(t, b.session.AcceptCall(context.Background()))
	active := func(s *Session) bool {
		c, ok := s.CurrentCall()
		return ok && c.Status == model.CallStatusActive
	}
	require.Eventually(t, func() bool { return active(a.session) && active(b.session) }, waitFor, tick)
	require.NoError(t, b.session.SetAudioMuted(true))

	require.NoError(t, b.session.HangUp(context.Background()))
	idle := func(s *Session) bool {
		_, ok := s.CurrentCall()
		return !ok
	}
	require.Eventually(t, func() bool { return idle(a.session) && idle(b.session) }, waitFor, tick)

	assert.Eventually(t, func() bool { return len(broker.Received(frame.SEND)) == 2 }, waitFor, tick, "one OFFER and one HANGUP")
}

func TestSession_CloseKeepsOutboxAndSignOutClearsIt(t *testing.T) {
	broker := stomptest.NewBroker()
	server := newMediaServer()
	store := newMemoryOutbox()
	b := newSessionHarness(t, broker, server, "bob", 2)
	b.start(t, broker)

	first := newSessionHarness(t, broker, server, "alice", 1, WithOutbox(store))
	_, err := first.session.SendMessage(context.Background(), "bob", "queued before start", model.MessageTypeText)
	require.NoError(t, err)
	require.NoError(t, first.session.Close(context.Background()))
	assert.Equal(t, 1, store.len())

	second := newSessionHarness(t, broker, server, "alice", 1, WithOutbox(store))
	second.start(t, broker)
	require.Eventually(t, func() bool { return b.messages.len() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"queued before start"}, b.contents())
	assert.Eventually(t, func() bool { return store.len() == 0 }, waitFor, tick)

	broker.SetRefuse(true)
	broker.DropUser("alice")
	_, err = second.session.SendMessage(context.Background(), "bob", "never sent", model.MessageTypeText)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.len() == 1 }, waitFor, tick)

	require.NoError(t, second.session.SignOut(context.Background()))
	assert.Zero(t, store.len())
	assert.Empty(t, second.session.Subscriptions())
}

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) DirectHistory(ctx context.Context, userID, peerID string) ([]model.ChatMessage, error) {
	args := m.Called(ctx, userID, peerID)
	return args.Get(0).([]model.ChatMessage), args.Error(1)
}

func (m *mockHistory) GroupHistory(ctx context.Context, groupID string) ([]model.ChatMessage, error) {
	args := m.Called(ctx, groupID)
	return args.Get(0).([]model.ChatMessage), args.Error(1)
}

func (m *mockHistory) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]model.Conversation), args.Error(1)
}

func TestSession_History(t *testing.T) {
	broker := stomptest.NewBroker()
	server := newMediaServer()

	bare := newSessionHarness(t, broker, server, "alice", 1)
	_, err := bare.session.LoadDirectHistory(context.Background(), "bob")
	assert.True(t, IsCode(err, ErrCodeConfiguration))

	history := &mockHistory{}
	history.On("DirectHistory", mock.Anything, "alice", "bob").
		Return([]model.ChatMessage{{ID: "m1", Content: "hi"}}, nil)
	history.On("GroupHistory", mock.Anything, "g1").
		Return([]model.ChatMessage{{ID: "m2", GroupID: "g1"}}, nil)
	history.On("Conversations", mock.Anything, "alice").
		Return([]model.Conversation{}, nil)

	h := newSessionHarness(t, broker, server, "alice", 1, WithHistoryProvider(history))
	direct, err := h.session.LoadDirectHistory(context.Background(), "bob")
	require.NoError(t, err)
	assert.Len(t, direct, 1)
	group, err := h.session.LoadGroupHistory(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", group[0].GroupID)
	_, err = h.session.LoadConversations(context.Background())
	require.NoError(t, err)
	history.AssertExpectations(t)
}
