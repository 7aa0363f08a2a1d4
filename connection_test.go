package chatcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coregx/chatcore/internal/stomptest"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = Identity{UserID: "alice", DisplayName: "Alice"}

func TestNewConnection_RequiresDependencies(t *testing.T) {
	tests := []struct {
		name string
		opts []ConnectionOption
	}{
		{"no dialer", []ConnectionOption{WithConnectionLogger(&NoopLogger{})}},
		{"no logger", []ConnectionOption{WithDialer(DialerFunc(func(context.Context) (Link, error) { return nil, nil }))}},
		{"bad tolerance", []ConnectionOption{
			WithDialer(DialerFunc(func(context.Context) (Link, error) { return nil, nil })),
			WithConnectionLogger(&NoopLogger{}),
			WithHeartbeatTolerance(0.5),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConnection(tt.opts...)
			require.Error(t, err)
			assert.True(t, IsCode(err, ErrCodeConfiguration))
		})
	}
}

func TestConnection_ConnectHandshake(t *testing.T) {
	broker := stomptest.NewBroker()
	conn, _ := newTestConnection(t, broker)

	id := Identity{UserID: "alice", AccessToken: "secret"}
	require.NoError(t, conn.Connect(context.Background(), id))
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, waitFor, tick)

	assert.Equal(t, 1, broker.Connects())
	frames := broker.Frames()
	require.NotEmpty(t, frames)
	connect := frames[0].Frame
	assert.Equal(t, frame.CONNECT, connect.Command)
	assert.Equal(t, "1.2", connect.Header.Get(frame.AcceptVersion))
	assert.Equal(t, "alice", connect.Header.Get(frame.Login))
	assert.Equal(t, "secret", connect.Header.Get(frame.Passcode))
	assert.Equal(t, "Bearer secret", connect.Header.Get("Authorization"))
	assert.Equal(t, "4000,4000", connect.Header.Get(frame.HeartBeat))
}

func TestConnection_ConnectIsIdempotent(t *testing.T) {
	broker := stomptest.NewBroker()
	conn, dialer := newTestConnection(t, broker)

	require.NoError(t, conn.Connect(context.Background(), alice))
	require.NoError(t, conn.Connect(context.Background(), alice))
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, waitFor, tick)
	require.NoError(t, conn.Connect(context.Background(), alice))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.Equal(t, 1, broker.ConnectionCount())
}

func TestConnection_RejectsInvalidIdentity(t *testing.T) {
	conn, dialer := newTestConnection(t, stomptest.NewBroker())

	err := conn.Connect(context.Background(), Identity{})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Zero(t, dialer.dials.Load())
}

func TestConnection_AuthenticationFailureIsTerminal(t *testing.T) {
	broker := stomptest.NewBroker()
	broker.Authenticate = func(string, string) error { return errors.New("bad credentials") }
	notes := &recordingNotifications{}
	conn, dialer := newTestConnection(t, broker, WithConnectionNotifications(notes))

	require.NoError(t, conn.Connect(context.Background(), alice))
	require.Eventually(t, func() bool { return len(notes.failures()) == 1 }, waitFor, tick)

	assert.Equal(t, StateDisconnected, conn.State())
	assert.True(t, IsCode(conn.LastError(), ErrCodeAuthentication))
	assert.True(t, IsCode(notes.failures()[0], ErrCodeAuthentication))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load(), "no reconnect after rejection")
	assert.Zero(t, broker.Connects())
}

func TestConnection_ReconnectsAfterDrop(t *testing.T) {
	broker := stomptest.NewBroker()
	notes := &recordingNotifications{}
	conn, _ := newTestConnection(t, broker, WithConnectionNotifications(notes))

	require.NoError(t, conn.Connect(context.Background(), alice))
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, waitFor, tick)

	broker.SetRefuse(true)
	broker.DropAll()
	require.Eventually(t, func() bool { return conn.Retries() >= 2 }, waitFor, tick)
	assert.Equal(t, StateConnecting, conn.State())
	assert.True(t, IsCode(conn.LastError(), ErrCodeTransport))

	err := conn.Publish("/topic/x", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)

	broker.SetRefuse(false)
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, waitFor, tick)
	assert.Equal(t, 2, broker.Connects())
	assert.Zero(t, conn.Retries())
	assert.Empty(t, notes.failures())
}

func TestConnection_HeartbeatTimeoutTriggersReconnect(t *testing.T) {
	broker := stomptest.NewBroker()
	broker.HeartBeat = "50,0"
	conn, _ := newTestConnection(t, broker,
		WithHeartbeat(Heartbeat{Incoming: 50 * time.Millisecond}),
	)

	require.NoError(t, conn.Connect(context.Background(), alice))
	require.Eventually(t, func() bool { return broker.Connects() >= 2 }, waitFor, tick)
}

func TestConnection_HeartbeatsKeepLinkAlive(t *testing.T) {
	broker := stomptest.NewBroker()
	broker.HeartBeat = "50,0"
	broker.SendHeartbeats = 20 * time.Millisecond
	conn, _ := newTestConnection(t, broker,
		WithHeartbeat(Heartbeat{Incoming: 50 * time.Millisecond}),
	)

	require.NoError(t, conn.Connect(context.Background(), alice))
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, waitFor, tick)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, broker.Connects())
	assert.Equal(t, StateConnected, conn.State())
}

func TestConnection_DeliversMessagesInOrder(t *testing.T) {
	broker := stomptest.NewBroker()
	got := &collector[Delivery]{}
	conn, _ := newTestConnection(t, broker, WithDeliveryHandler(got.add))

	require.NoError(t, conn.Connect(context.Background(), alice))
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, waitFor, tick)

	require.NoError(t, conn.exec(func(tx connTx) error {
		return tx.send(frame.New(frame.SUBSCRIBE, frame.Id, "sub-0", frame.Destination, "/topic/news"))
	}))
	require.Eventually(t, func() bool { return broker.SubscriberCount("/topic/news") == 1 }, waitFor, tick)

	for _, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, conn.Publish("/topic/news", []byte(body)))
	}
	require.Eventually(t, func() bool { return got.len() == 3 }, waitFor, tick)

	for i, d := range got.all() {
		assert.Equal(t, "/topic/news", d.Topic)
		assert.Equal(t, "sub-0", d.SubscriptionID)
		assert.JSONEq(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}[i], string(d.Body))
	}
}

func TestConnection_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	broker := stomptest.NewBroker()
	got := &collector[string]{}
	conn, _ := newTestConnection(t, broker, WithDeliveryHandler(func(d Delivery) {
		if string(d.Body) == `"boom"` {
			panic("boom")
		}
		got.add(string(d.Body))
	}))

	require.NoError(t, conn.Connect(context.Background(), alice))
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, waitFor, tick)
	require.NoError(t, conn.exec(func(tx connTx) error {
		return tx.send(frame.New(frame.SUBSCRIBE, frame.Id, "sub-0", frame.Destination, "/topic/t"))
	}))
	require.Eventually(t, func() bool { return broker.SubscriberCount("/topic/t") == 1 }, waitFor, tick)

	require.NoError(t, conn.Publish("/topic/t", []byte(`"boom"`)))
	require.NoError(t, conn.Publish("/topic/t", []byte(`"ok"`)))
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	assert.Equal(t, []string{`"ok"`}, got.all())
}

func TestConnection_DisconnectStopsReconnecting(t *testing.T) {
	broker := stomptest.NewBroker()
	conn, dialer := newTestConnection(t, broker)

	require.NoError(t, conn.Connect(context.Background(), alice))
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Disconnect(ctx))
	assert.Equal(t, StateDisconnected, conn.State())

	assert.Eventually(t, func() bool { return len(broker.Received(frame.DISCONNECT)) == 1 }, waitFor, tick)
	dials := dialer.dials.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, dialer.dials.Load())

	require.NoError(t, conn.Connect(context.Background(), alice))
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, waitFor, tick)
	assert.Equal(t, 2, broker.Connects())
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnecting", StateDisconnecting.String())
	assert.Equal(t, "unknown(9)", ConnectionState(9).String())
}
