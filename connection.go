package chatcore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/coregx/chatcore/retry"
	"github.com/go-stomp/stomp/v3/frame"
)

// ConnectionState is the lifecycle state of the broker connection.
type ConnectionState int

const (
	// StateDisconnected means no socket and no reconnect pending.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a dial, handshake or reconnect wait is in progress.
	StateConnecting

	// StateConnected means the broker acknowledged CONNECT and frames flow.
	StateConnected

	// StateDisconnecting means an explicit Disconnect is tearing the link down.
	StateDisconnecting
)

// String returns the lower-case state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// Delivery is one MESSAGE frame received from the broker.
type Delivery struct {
	Topic          string
	SubscriptionID string
	MessageID      string
	ContentType    string
	Body           []byte
	ReceivedAt     time.Time
}

// connTx is the write handle passed to functions running under the
// connection lock. Only code holding the lock may use it.
type connTx struct {
	c *Connection
}

func (tx connTx) connected() bool {
	return tx.c.state == StateConnected && tx.c.link != nil
}

func (tx connTx) send(f *frame.Frame) error {
	return tx.c.writeLocked(f)
}

// Connection owns the broker socket. It performs the STOMP handshake,
// exchanges heart-beats, reconnects after failures and hands every inbound
// MESSAGE to a single delivery handler, in arrival order.
//
// All outbound frames are written while holding one lock. Frames written
// by the on-connected hooks (resubscribe, then queue drain) therefore reach
// the broker before any frame written by a caller after the state became
// Connected.
//
// Thread safety: Safe for concurrent use.
type Connection struct {
	dialer         Dialer
	logger         Logger
	notifications  NotificationService
	strategy       retry.Strategy
	heartbeat      Heartbeat
	tolerance      float64
	connectTimeout time.Duration
	host           string
	inboundBuffer  int
	handler        func(Delivery)

	events *serialQueue

	mu       sync.Mutex
	state    ConnectionState
	identity Identity
	link     Link
	retries  int
	lastErr  error
	hooks    []func(tx connTx) error
	cancel   context.CancelFunc
	done     chan struct{}
}

// ConnectionOption is a function that configures a Connection.
type ConnectionOption func(*Connection) error

// NewConnection creates a Connection with the provided options.
//
// Required options:
//   - WithDialer: transport to the broker
//   - WithConnectionLogger: logger instance
//
// Optional options:
//   - WithReconnectStrategy: reconnect delays (default: retry.DefaultStrategy())
//   - WithHeartbeat: requested heart-beats (default: 4s/4s)
//   - WithHeartbeatTolerance: missed-beat multiplier (default: 2)
//   - WithConnectTimeout: wait for CONNECTED (default: 10s)
//   - WithBrokerHost: CONNECT host header (default: "/")
//   - WithDeliveryHandler: receives inbound MESSAGE frames
//   - WithConnectionNotifications: state change reporting
func NewConnection(opts ...ConnectionOption) (*Connection, error) {
	c := &Connection{
		notifications:  &NoOpNotificationService{},
		strategy:       retry.DefaultStrategy(),
		heartbeat:      DefaultHeartbeat(),
		tolerance:      2,
		connectTimeout: 10 * time.Second,
		host:           "/",
		inboundBuffer:  256,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply connection option", err)
		}
	}

	if c.dialer == nil {
		return nil, NewError(ErrCodeConfiguration, "Dialer is required (use WithDialer)")
	}
	if c.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithConnectionLogger)")
	}

	c.events = newSerialQueue(c.logger)
	return c, nil
}

// WithDialer sets the transport used to reach the broker.
func WithDialer(d Dialer) ConnectionOption {
	return func(c *Connection) error {
		if d == nil {
			return fmt.Errorf("dialer cannot be nil")
		}
		c.dialer = d
		return nil
	}
}

// WithConnectionLogger sets the logger instance.
func WithConnectionLogger(logger Logger) ConnectionOption {
	return func(c *Connection) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithConnectionNotifications sets where state changes are reported.
func WithConnectionNotifications(n NotificationService) ConnectionOption {
	return func(c *Connection) error {
		if n == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		c.notifications = n
		return nil
	}
}

// WithReconnectStrategy sets the delay schedule between reconnect attempts.
func WithReconnectStrategy(s retry.Strategy) ConnectionOption {
	return func(c *Connection) error {
		if s.BaseDelay < 0 || s.MaxDelay < 0 {
			return fmt.Errorf("reconnect delays cannot be negative")
		}
		c.strategy = s
		return nil
	}
}

// WithHeartbeat sets the heart-beat intervals requested in CONNECT.
func WithHeartbeat(h Heartbeat) ConnectionOption {
	return func(c *Connection) error {
		if h.Outgoing < 0 || h.Incoming < 0 {
			return fmt.Errorf("heart-beat intervals cannot be negative")
		}
		c.heartbeat = h
		return nil
	}
}

// WithHeartbeatTolerance sets how many incoming intervals may pass without
// traffic before the link is considered dead.
func WithHeartbeatTolerance(multiplier float64) ConnectionOption {
	return func(c *Connection) error {
		if multiplier < 1 {
			return fmt.Errorf("heart-beat tolerance must be at least 1, got %v", multiplier)
		}
		c.tolerance = multiplier
		return nil
	}
}

// WithConnectTimeout bounds the wait for the CONNECTED reply.
func WithConnectTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) error {
		if d < 0 {
			return fmt.Errorf("connect timeout cannot be negative")
		}
		c.connectTimeout = d
		return nil
	}
}

// WithBrokerHost sets the host header of the CONNECT frame.
func WithBrokerHost(host string) ConnectionOption {
	return func(c *Connection) error {
		c.host = host
		return nil
	}
}

// WithDeliveryHandler sets the function every inbound MESSAGE is handed to.
// It is called from one goroutine, in arrival order.
func WithDeliveryHandler(fn func(Delivery)) ConnectionOption {
	return func(c *Connection) error {
		c.handler = fn
		return nil
	}
}

// WithInboundBuffer sets how many deliveries may wait for the handler before
// the read loop blocks.
func WithInboundBuffer(n int) ConnectionOption {
	return func(c *Connection) error {
		if n < 1 {
			return fmt.Errorf("inbound buffer must be positive, got %d", n)
		}
		c.inboundBuffer = n
		return nil
	}
}

// Connect starts connecting as identity and returns without waiting for the
// broker. Progress is reported through the NotificationService.
//
// Calling Connect while connecting or connected is a no-op.
func (c *Connection) Connect(ctx context.Context, identity Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		state := c.state
		c.mu.Unlock()
		c.logger.Debugf("connection: connect ignored, already %s", state)
		return nil
	case StateDisconnecting:
		c.mu.Unlock()
		return NewError(ErrCodeNotConnected, "disconnect in progress")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inbound := make(chan Delivery, c.inboundBuffer)
	done := make(chan struct{})

	c.identity = identity
	c.state = StateConnecting
	c.retries = 0
	c.lastErr = nil
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.logger.Infof("connection: connecting as %s", identity.UserID)
	c.notifyState(StateConnecting, nil)

	go c.dispatchLoop(inbound)
	go c.run(runCtx, inbound, done)
	return nil
}

// Disconnect closes the link and stops reconnecting. It waits for the
// connection goroutine to exit or for ctx to be done.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateDisconnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	if c.link != nil {
		if err := c.link.WriteFrame(frame.New(frame.DISCONNECT)); err != nil {
			c.logger.Debugf("connection: DISCONNECT not written: %v", err)
		}
		_ = c.link.Close()
		c.link = nil
	}
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	c.notifyState(StateDisconnecting, nil)
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects and stops delivering notifications.
func (c *Connection) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)
	c.events.close()
	return err
}

// Publish writes a SEND frame when connected. It returns ErrNotConnected
// otherwise; callers that need delivery across outages use the OutboundQueue.
func (c *Connection) Publish(destination string, body []byte) error {
	return c.exec(func(tx connTx) error {
		return tx.send(sendFrame(destination, body))
	})
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries returns the number of failed attempts since the last successful
// connect.
func (c *Connection) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// LastError returns the most recent failure, or nil.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// exec runs fn while holding the connection lock.
func (c *Connection) exec(fn func(tx connTx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(connTx{c: c})
}

// onConnected registers a hook run under the lock right after CONNECTED,
// before any other writer can observe the Connected state.
func (c *Connection) onConnected(hook func(tx connTx) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// writeLocked writes f on the current link. A write failure drops the link
// and moves the connection back to Connecting; the read loop then fails too
// and the run loop schedules a reconnect.
func (c *Connection) writeLocked(f *frame.Frame) error {
	if c.state != StateConnected || c.link == nil {
		return ErrNotConnected
	}
	if err := c.link.WriteFrame(f); err != nil {
		c.logger.Warnf("connection: write failed, dropping link: %v", err)
		_ = c.link.Close()
		c.link = nil
		c.state = StateConnecting
		return NewErrorWithCause(ErrCodeTransport, "write failed", err)
	}
	return nil
}

func (c *Connection) run(ctx context.Context, inbound chan Delivery, done chan struct{}) {
	defer func() {
		close(inbound)
		c.mu.Lock()
		// A Connect after fail may already own the state.
		current := c.done == done
		wasUp := current && c.state != StateDisconnected
		if current {
			c.state = StateDisconnected
			c.link = nil
		}
		c.mu.Unlock()
		if wasUp {
			c.logger.Infof("connection: disconnected")
			c.notifyState(StateDisconnected, nil)
		}
		close(done)
	}()

	attempt := 0
	for {
		connected, err := c.serve(ctx, inbound)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		if IsCode(err, ErrCodeAuthentication) {
			c.fail(err)
			return
		}

		attempt++
		if !c.strategy.IsRetryable(attempt) {
			c.fail(NewErrorWithCause(ErrCodeTransport, fmt.Sprintf("giving up after %d attempts", attempt), err))
			return
		}

		c.mu.Lock()
		if c.state == StateDisconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.retries = attempt
		c.lastErr = err
		c.mu.Unlock()

		c.logger.Warnf("connection: %v; reconnecting in %v (attempt %d)",
			err, c.strategy.CalculateRetryDelay(attempt), attempt)
		c.notifyState(StateConnecting, err)

		if c.strategy.Wait(ctx, attempt) != nil {
			return
		}
	}
}

// fail ends the connection for good. A new Connect is required.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.lastErr = err
	c.link = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.logger.Errorf("connection: %v", err)
	c.notifyState(StateDisconnected, err)
	c.events.post(func() {
		if nerr := c.notifications.NotifyConnectionFailed(context.Background(), err); nerr != nil {
			c.logger.Warnf("connection: notification failed: %v", nerr)
		}
	})
}

// serve runs one link from dial to failure. The first result reports
// whether the broker accepted the connection.
func (c *Connection) serve(ctx context.Context, inbound chan<- Delivery) (bool, error) {
	link, err := c.dialer.Dial(ctx)
	if err != nil {
		return false, NewErrorWithCause(ErrCodeTransport, "dial failed", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer stop()

	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	negotiated, err := c.handshake(link, identity)
	if err != nil {
		_ = link.Close()
		return false, err
	}

	c.mu.Lock()
	if ctx.Err() != nil || c.state == StateDisconnecting {
		c.mu.Unlock()
		_ = link.Close()
		return false, context.Canceled
	}
	c.link = link
	c.state = StateConnected
	c.retries = 0
	c.lastErr = nil
	for _, hook := range c.hooks {
		if err := hook(connTx{c: c}); err != nil {
			c.logger.Warnf("connection: on-connected hook failed: %v", err)
			break
		}
	}
	c.mu.Unlock()

	c.logger.Infof("connection: connected (heart-beat out=%v in=%v)", negotiated.Outgoing, negotiated.Incoming)
	c.notifyState(StateConnected, nil)

	hbCtx, hbCancel := context.WithCancel(ctx)
	if negotiated.Outgoing > 0 {
		go c.heartbeatLoop(hbCtx, link, negotiated.Outgoing)
	}
	err = c.readLoop(ctx, link, negotiated.Incoming, inbound)
	hbCancel()

	c.mu.Lock()
	if c.link == link {
		c.link = nil
	}
	if c.state == StateConnected {
		c.state = StateConnecting
	}
	c.mu.Unlock()
	_ = link.Close()
	return true, err
}

// handshake sends CONNECT and waits for the reply. An ERROR reply is an
// authentication failure.
func (c *Connection) handshake(link Link, identity Identity) (Heartbeat, error) {
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, c.host,
		frame.HeartBeat, c.heartbeat.Header(),
	)
	connect.Header.Set(frame.Login, identity.UserID)
	if identity.AccessToken != "" {
		connect.Header.Set(frame.Passcode, identity.AccessToken)
		connect.Header.Set("Authorization", "Bearer "+identity.AccessToken)
	}

	if err := link.WriteFrame(connect); err != nil {
		return Heartbeat{}, NewErrorWithCause(ErrCodeTransport, "CONNECT not written", err)
	}
	if c.connectTimeout > 0 {
		if err := link.SetReadDeadline(time.Now().Add(c.connectTimeout)); err != nil {
			return Heartbeat{}, NewErrorWithCause(ErrCodeTransport, "set read deadline", err)
		}
	}

	for {
		f, err := link.ReadFrame()
		if err != nil {
			if isTimeout(err) {
				return Heartbeat{}, NewErrorWithCause(ErrCodeTransport, "no CONNECTED reply", err)
			}
			return Heartbeat{}, NewErrorWithCause(ErrCodeTransport, "handshake failed", err)
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.CONNECTED:
			server, err := ParseHeartbeat(f.Header.Get(frame.HeartBeat))
			if err != nil {
				return Heartbeat{}, NewErrorWithCause(ErrCodeProtocol, "bad CONNECTED frame", err)
			}
			return c.heartbeat.Negotiate(server), nil
		case frame.ERROR:
			return Heartbeat{}, NewError(ErrCodeAuthentication, brokerMessage(f))
		default:
			return Heartbeat{}, NewError(ErrCodeProtocol, "unexpected "+f.Command+" frame before CONNECTED")
		}
	}
}

func (c *Connection) readLoop(ctx context.Context, link Link, incoming time.Duration, inbound chan<- Delivery) error {
	window := time.Duration(float64(incoming) * c.tolerance)
	if window == 0 {
		if err := link.SetReadDeadline(time.Time{}); err != nil {
			return NewErrorWithCause(ErrCodeTransport, "clear read deadline", err)
		}
	}

	for {
		if window > 0 {
			if err := link.SetReadDeadline(time.Now().Add(window)); err != nil {
				return NewErrorWithCause(ErrCodeTransport, "set read deadline", err)
			}
		}

		f, err := link.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				return NewErrorWithCause(ErrCodeHeartbeatTimeout, fmt.Sprintf("nothing received for %v", window), err)
			}
			return NewErrorWithCause(ErrCodeTransport, "read failed", err)
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			d := Delivery{
				Topic:          f.Header.Get(frame.Destination),
				SubscriptionID: f.Header.Get(frame.Subscription),
				MessageID:      f.Header.Get(frame.MessageId),
				ContentType:    f.Header.Get(frame.ContentType),
				Body:           f.Body,
				ReceivedAt:     time.Now(),
			}
			select {
			case inbound <- d:
			case <-ctx.Done():
				return ctx.Err()
			}
		case frame.ERROR:
			return NewError(ErrCodeProtocol, brokerMessage(f))
		case frame.RECEIPT:
			c.logger.Debugf("connection: receipt %s", f.Header.Get(frame.ReceiptId))
		default:
			c.logger.Debugf("connection: ignoring %s frame", f.Command)
		}
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context, link Link, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.link != link {
				c.mu.Unlock()
				return
			}
			err := c.writeLocked(nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Connection) dispatchLoop(inbound <-chan Delivery) {
	for d := range inbound {
		c.deliver(d)
	}
}

func (c *Connection) deliver(d Delivery) {
	if c.handler == nil {
		c.logger.Debugf("connection: no handler, dropping message on %s", d.Topic)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("connection: handler panicked on %s: %v", d.Topic, r)
		}
	}()
	c.handler(d)
}

func (c *Connection) notifyState(state ConnectionState, err error) {
	c.events.post(func() {
		if nerr := c.notifications.NotifyConnectionStateChanged(context.Background(), state, err); nerr != nil {
			c.logger.Warnf("connection: notification failed: %v", nerr)
		}
	})
}

func sendFrame(destination string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Header.Set(frame.ContentLength, strconv.Itoa(len(body)))
	f.Body = body
	return f
}

func brokerMessage(f *frame.Frame) string {
	msg := f.Header.Get(frame.Message)
	if msg == "" {
		msg = string(f.Body)
	}
	if msg == "" {
		msg = "broker sent ERROR"
	}
	return msg
}
