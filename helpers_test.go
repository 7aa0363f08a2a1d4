package chatcore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coregx/chatcore/internal/stomptest"
	"github.com/coregx/chatcore/model"
	"github.com/coregx/chatcore/retry"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fastReconnect() retry.Strategy {
	return retry.Strategy{BaseDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond, ExponentialBase: 1}
}

// pipeDialer connects to b over an in-memory pipe and counts dials.
type pipeDialer struct {
	broker *stomptest.Broker
	dials  atomic.Int32
}

func (d *pipeDialer) Dial(_ context.Context) (Link, error) {
	d.dials.Add(1)
	c, err := d.broker.Pipe()
	if err != nil {
		return nil, err
	}
	return NewStreamLink(c), nil
}

func newTestConnection(t *testing.T, b *stomptest.Broker, opts ...ConnectionOption) (*Connection, *pipeDialer) {
	t.Helper()
	d := &pipeDialer{broker: b}
	base := []ConnectionOption{
		WithDialer(d),
		WithConnectionLogger(&NoopLogger{}),
		WithReconnectStrategy(fastReconnect()),
	}
	conn, err := NewConnection(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(ctx)
	})
	return conn, d
}

// recordingNotifications keeps every notification for assertions.
type recordingNotifications struct {
	mu         sync.Mutex
	states     []ConnectionState
	failed     []error
	dropped    []model.OutboundMessage
	callFailed []model.CallSession
}

func (r *recordingNotifications) NotifyConnectionStateChanged(_ context.Context, state ConnectionState, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return nil
}

func (r *recordingNotifications) NotifyConnectionFailed(_ context.Context, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
	return nil
}

func (r *recordingNotifications) NotifyMessageDropped(_ context.Context, msg model.OutboundMessage, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, msg)
	return nil
}

func (r *recordingNotifications) NotifyCallFailed(_ context.Context, call model.CallSession, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callFailed = append(r.callFailed, call)
	return nil
}

func (r *recordingNotifications) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failed...)
}

func (r *recordingNotifications) drops() []model.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.OutboundMessage(nil), r.dropped...)
}

func (r *recordingNotifications) failedCalls() []model.CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.CallSession(nil), r.callFailed...)
}

// collector gathers values delivered to an observer.
type collector[T any] struct {
	mu     sync.Mutex
	values []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.values...)
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

func (c *collector[T]) last() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if len(c.values) == 0 {
		return zero, false
	}
	return c.values[len(c.values)-1], true
}

// mediaServer connects fake engines that join the same channel.
type mediaServer struct {
	mu       sync.Mutex
	channels map[string][]*fakeEngine
}

func newMediaServer() *mediaServer {
	return &mediaServer{channels: make(map[string][]*fakeEngine)}
}

// fakeEngine is a MediaEngine backed by a mediaServer.
type fakeEngine struct {
	server  *mediaServer
	uid     uint32
	joinErr error

	// When gate is set, the next JoinChannel signals entered and blocks until
	// gate is closed, ignoring its context like a slow native engine.
	gate    chan struct{}
	entered chan struct{}

	mu          sync.Mutex
	handler     MediaEventHandler
	channel     string
	audioMuted  bool
	videoMuted  bool
	switches    int
	joins       []string
	leaves      int
}

func newFakeEngine(server *mediaServer, uid uint32) *fakeEngine {
	return &fakeEngine{server: server, uid: uid}
}

// holdJoins makes the next JoinChannel block until the returned release
// func is called. The entered channel is closed once the join is waiting.
func (e *fakeEngine) holdJoins() (entered <-chan struct{}, release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = make(chan struct{})
	e.entered = make(chan struct{})
	gate := e.gate
	return e.entered, func() { close(gate) }
}

func (e *fakeEngine) SetEventHandler(h MediaEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *fakeEngine) events() MediaEventHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

func (e *fakeEngine) JoinChannel(_ context.Context, _, channel string, _ uint32) error {
	e.mu.Lock()
	e.joins = append(e.joins, channel)
	if e.joinErr != nil {
		err := e.joinErr
		e.mu.Unlock()
		return err
	}
	gate, entered := e.gate, e.entered
	e.gate, e.entered = nil, nil
	e.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}

	e.mu.Lock()
	e.channel = channel
	e.mu.Unlock()

	e.server.mu.Lock()
	peers := append([]*fakeEngine(nil), e.server.channels[channel]...)
	e.server.channels[channel] = append(e.server.channels[channel], e)
	e.server.mu.Unlock()

	e.events().OnJoinChannelSuccess(channel, e.uid)
	for _, p := range peers {
		e.events().OnUserJoined(p.uid)
		p.events().OnUserJoined(e.uid)
	}
	return nil
}

func (e *fakeEngine) LeaveChannel() error {
	e.mu.Lock()
	channel := e.channel
	e.channel = ""
	e.leaves++
	e.mu.Unlock()
	if channel == "" {
		return nil
	}

	e.server.mu.Lock()
	var peers []*fakeEngine
	members := e.server.channels[channel]
	kept := members[:0]
	for _, m := range members {
		if m != e {
			kept = append(kept, m)
			peers = append(peers, m)
		}
	}
	e.server.channels[channel] = kept
	e.server.mu.Unlock()

	for _, p := range peers {
		p.events().OnUserOffline(e.uid)
	}
	e.events().OnLeaveChannel()
	return nil
}

func (e *fakeEngine) MuteLocalAudio(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioMuted = muted
	return nil
}

func (e *fakeEngine) MuteLocalVideo(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.videoMuted = muted
	return nil
}

func (e *fakeEngine) SwitchCamera() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.switches++
	return nil
}

func (e *fakeEngine) state() (channel string, videoMuted bool, joins int, leaves int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel, e.videoMuted, len(e.joins), e.leaves
}

// staticCredentials issues a fixed token per channel.
type staticCredentials struct {
	err   error
	calls atomic.Int32

	// gate blocks the next Credential until closed or the context is done.
	gate    chan struct{}
	entered chan struct{}
}

// hold makes the next Credential call block. Set it before the call starts.
func (c *staticCredentials) hold() (entered <-chan struct{}, release func()) {
	c.gate = make(chan struct{})
	c.entered = make(chan struct{})
	gate := c.gate
	return c.entered, func() { close(gate) }
}

func (c *staticCredentials) Credential(ctx context.Context, channel string) (model.Credential, error) {
	c.calls.Add(1)
	if gate, entered := c.gate, c.entered; gate != nil {
		c.gate, c.entered = nil, nil
		close(entered)
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Credential{}, ctx.Err()
		}
	}
	if c.err != nil {
		return model.Credential{}, c.err
	}
	return model.Credential{Token: "token-" + channel, ChannelName: channel, AppID: "test"}, nil
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("channel was not closed")
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitFor):
		t.Fatal("no result received")
		return nil
	}
}
