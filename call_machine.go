package chatcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coregx/chatcore/model"
)

// SignalPublisher sends call signals to the remote participant.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, sig model.CallSignal) error
}

// CallMachine negotiates at most one call at a time for the local user.
//
// The current CallSession is the re-entrancy guard: an OFFER that arrives
// while any session exists is ignored. Teardown of a session runs exactly
// once, whichever of local hang-up, remote HANGUP, remote leave, ring
// timeout or setup failure gets there first.
//
// Observers are called from one goroutine, in order, never while the
// machine lock is held.
//
// Thread safety: Safe for concurrent use.
type CallMachine struct {
	localID       string
	localName     string
	signals       SignalPublisher
	media         *MediaCoordinator
	credentials   CredentialProvider
	logger        Logger
	notifications NotificationService
	ringTimeout   time.Duration
	tickInterval  time.Duration

	events    *serialQueue
	incoming  observerSet[model.CallSession]
	states    observerSet[model.CallSession]
	durations observerSet[time.Duration]

	mu        sync.Mutex
	call      *model.CallSession
	callCtx   context.Context
	cancel    context.CancelFunc
	ringTimer *time.Timer
	tickStop  chan struct{}
	closed    bool
	loopDone  chan struct{}
}

// CallMachineOption is a function that configures a CallMachine.
type CallMachineOption func(*CallMachine) error

// NewCallMachine creates a CallMachine.
//
// Required options:
//   - WithCallIdentity: the local participant
//   - WithSignalPublisher: where OFFER and HANGUP are sent
//   - WithMediaCoordinator: the media engine adapter
//   - WithCallCredentials: media token source
//   - WithCallLogger: logger instance
//
// Optional options:
//   - WithRingTimeout: unanswered ringing ends the call (default: 45s, 0 disables)
//   - WithDurationTick: duration update interval while active (default: 1s)
//   - WithCallNotifications: failed call reporting
func NewCallMachine(opts ...CallMachineOption) (*CallMachine, error) {
	m := &CallMachine{
		notifications: &NoOpNotificationService{},
		ringTimeout:   45 * time.Second,
		tickInterval:  time.Second,
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply call machine option", err)
		}
	}

	if m.localID == "" {
		return nil, NewError(ErrCodeConfiguration, "local identity is required (use WithCallIdentity)")
	}
	if m.signals == nil {
		return nil, NewError(ErrCodeConfiguration, "SignalPublisher is required (use WithSignalPublisher)")
	}
	if m.media == nil {
		return nil, NewError(ErrCodeConfiguration, "MediaCoordinator is required (use WithMediaCoordinator)")
	}
	if m.credentials == nil {
		return nil, NewError(ErrCodeConfiguration, "CredentialProvider is required (use WithCallCredentials)")
	}
	if m.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithCallLogger)")
	}

	m.events = newSerialQueue(m.logger)
	m.loopDone = make(chan struct{})
	go m.mediaLoop()
	return m, nil
}

// WithCallIdentity sets the local participant.
func WithCallIdentity(identity Identity) CallMachineOption {
	return func(m *CallMachine) error {
		if identity.UserID == "" {
			return fmt.Errorf("identity has no user id")
		}
		m.localID = identity.UserID
		m.localName = identity.Name()
		return nil
	}
}

// WithSignalPublisher sets where call signals are published.
func WithSignalPublisher(p SignalPublisher) CallMachineOption {
	return func(m *CallMachine) error {
		if p == nil {
			return fmt.Errorf("signal publisher cannot be nil")
		}
		m.signals = p
		return nil
	}
}

// WithMediaCoordinator sets the media engine adapter.
func WithMediaCoordinator(c *MediaCoordinator) CallMachineOption {
	return func(m *CallMachine) error {
		if c == nil {
			return fmt.Errorf("media coordinator cannot be nil")
		}
		m.media = c
		return nil
	}
}

// WithCallCredentials sets the media token source.
func WithCallCredentials(p CredentialProvider) CallMachineOption {
	return func(m *CallMachine) error {
		if p == nil {
			return fmt.Errorf("credential provider cannot be nil")
		}
		m.credentials = p
		return nil
	}
}

// WithCallLogger sets the logger instance.
func WithCallLogger(logger Logger) CallMachineOption {
	return func(m *CallMachine) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		m.logger = logger
		return nil
	}
}

// WithCallNotifications sets where failed calls are reported.
func WithCallNotifications(n NotificationService) CallMachineOption {
	return func(m *CallMachine) error {
		if n == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		m.notifications = n
		return nil
	}
}

// WithRingTimeout sets how long a call may ring unanswered.
func WithRingTimeout(d time.Duration) CallMachineOption {
	return func(m *CallMachine) error {
		if d < 0 {
			return fmt.Errorf("ring timeout cannot be negative")
		}
		m.ringTimeout = d
		return nil
	}
}

// WithDurationTick sets the interval of duration updates while a call is active.
func WithDurationTick(d time.Duration) CallMachineOption {
	return func(m *CallMachine) error {
		if d <= 0 {
			return fmt.Errorf("duration tick must be positive")
		}
		m.tickInterval = d
		return nil
	}
}

// OnIncomingCall registers fn for new incoming calls.
func (m *CallMachine) OnIncomingCall(fn func(model.CallSession)) func() {
	return m.incoming.Add(fn)
}

// OnCallState registers fn for every state change of the current call.
func (m *CallMachine) OnCallState(fn func(model.CallSession)) func() {
	return m.states.Add(fn)
}

// OnCallDuration registers fn for duration updates while a call is active.
func (m *CallMachine) OnCallDuration(fn func(time.Duration)) func() {
	return m.durations.Add(fn)
}

// Current returns a snapshot of the current call.
func (m *CallMachine) Current() (model.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil {
		return model.CallSession{}, false
	}
	return m.call.Snapshot(), true
}

// StartCall places a call to remoteID. It fetches a credential and joins the
// media channel before the OFFER is published, so the callee never rings for
// a call the caller could not set up.
func (m *CallMachine) StartCall(ctx context.Context, remoteID, remoteName string, isVideo bool) (model.CallSession, error) {
	call, err := model.NewOutgoingCall(m.localID, remoteID, remoteName, isVideo)
	if err != nil {
		return model.CallSession{}, NewErrorWithCause(ErrCodeValidation, "cannot call "+remoteID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return model.CallSession{}, NewError(ErrCodeConfiguration, "call machine closed")
	}
	if m.call != nil {
		m.mu.Unlock()
		return model.CallSession{}, ErrCallInProgress
	}
	setupCtx := m.beginLocked(call)
	snap := call.Snapshot()
	m.mu.Unlock()

	m.logger.Infof("call: calling %s on %s (video=%v)", remoteID, call.ChannelName, isVideo)
	m.emitState(snap)

	joined, release := joinContext(ctx, setupCtx)
	defer release()
	if err := m.setup(joined, call.ID, call.ChannelName, isVideo); err != nil {
		m.failSetup(call.ID, err, false)
		return m.snapshotOf(call.ID, snap), NewErrorWithCause(ErrCodeCallSetup, "call setup failed", err)
	}

	// The OFFER is written under the machine lock: a concurrent end either
	// runs first and the OFFER is skipped, or publishes its HANGUP after it.
	m.mu.Lock()
	if m.call == nil || m.call.ID != call.ID {
		m.mu.Unlock()
		return m.snapshotOf(call.ID, snap), NewErrorWithCause(ErrCodeCallSetup, "call setup failed", errCallEnded)
	}
	err = m.signals.PublishSignal(ctx, snap.Offer(m.localName))
	m.mu.Unlock()
	if err != nil {
		m.failSetup(call.ID, err, false)
		return m.snapshotOf(call.ID, snap), NewErrorWithCause(ErrCodeCallSetup, "OFFER not sent", err)
	}
	return m.snapshotOf(call.ID, snap), nil
}

// AcceptCall answers the ringing incoming call.
func (m *CallMachine) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	call := m.call
	if call == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if call.Direction != model.CallIncoming || call.Status != model.CallStatusRinging {
		m.mu.Unlock()
		return NewError(ErrCodeInvalidTransition, fmt.Sprintf("cannot accept %s %s call", call.Status, call.Direction))
	}
	if err := call.Transition(model.CallStatusConnecting); err != nil {
		m.mu.Unlock()
		return NewErrorWithCause(ErrCodeInvalidTransition, "cannot accept", err)
	}
	m.stopRingLocked()
	id, channel, isVideo := call.ID, call.ChannelName, call.IsVideo
	setupCtx := m.callCtx
	snap := call.Snapshot()
	m.mu.Unlock()

	m.logger.Infof("call: accepted call from %s", snap.RemoteID)
	m.emitState(snap)

	joined, release := joinContext(ctx, setupCtx)
	defer release()
	if err := m.setup(joined, id, channel, isVideo); err != nil {
		m.failSetup(id, err, true)
		return NewErrorWithCause(ErrCodeCallSetup, "call setup failed", err)
	}
	return nil
}

// DeclineCall rejects the ringing incoming call and tells the caller.
func (m *CallMachine) DeclineCall(ctx context.Context) error {
	m.mu.Lock()
	call := m.call
	if call == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if call.Direction != model.CallIncoming || call.Status != model.CallStatusRinging {
		m.mu.Unlock()
		return NewError(ErrCodeInvalidTransition, fmt.Sprintf("cannot decline %s %s call", call.Status, call.Direction))
	}
	id := call.ID
	m.mu.Unlock()

	m.end(ctx, id, model.EndDeclined, true)
	return nil
}

// HangUp ends the current call in any state and tells the remote side.
func (m *CallMachine) HangUp(ctx context.Context) error {
	m.mu.Lock()
	call := m.call
	m.mu.Unlock()
	if call == nil {
		return ErrNoActiveCall
	}
	m.end(ctx, call.ID, model.EndLocalHangup, true)
	return nil
}

// SetAudioMuted mutes or unmutes the microphone during a call.
func (m *CallMachine) SetAudioMuted(muted bool) error {
	if !m.hasCall() {
		return ErrNoActiveCall
	}
	return m.media.MuteAudio(muted)
}

// SetVideoMuted stops or resumes the camera during a call.
func (m *CallMachine) SetVideoMuted(muted bool) error {
	if !m.hasCall() {
		return ErrNoActiveCall
	}
	return m.media.MuteVideo(muted)
}

// SwitchCamera toggles front and back cameras during a call.
func (m *CallMachine) SwitchCamera() error {
	if !m.hasCall() {
		return ErrNoActiveCall
	}
	return m.media.SwitchCamera()
}

// HandleSignal applies a received call signal. Signals of unknown type and
// signals sent by the local user are ignored.
func (m *CallMachine) HandleSignal(sig model.CallSignal) {
	if sig.SenderID == "" || sig.SenderID == m.localID {
		m.logger.Debugf("call: ignoring %s signal from %q", sig.Type, sig.SenderID)
		return
	}
	switch sig.Type {
	case model.SignalOffer:
		m.handleOffer(sig)
	case model.SignalHangup:
		m.handleHangup(sig)
	default:
		m.logger.Debugf("call: ignoring unknown signal %q from %s", sig.Type, sig.SenderID)
	}
}

// Close hangs up any call and stops observers.
func (m *CallMachine) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	call := m.call
	m.mu.Unlock()

	if call != nil {
		m.end(ctx, call.ID, model.EndShutdown, true)
	}
	m.events.close()
	return nil
}

func (m *CallMachine) handleOffer(sig model.CallSignal) {
	call, err := model.NewIncomingCall(m.localID, sig)
	if err != nil {
		m.logger.Warnf("call: invalid OFFER from %s: %v", sig.SenderID, err)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.call != nil {
		current := m.call.RemoteID
		m.mu.Unlock()
		m.logger.Infof("call: OFFER from %s ignored, busy with %s", sig.SenderID, current)
		return
	}
	m.beginLocked(call)
	snap := call.Snapshot()
	m.mu.Unlock()

	m.logger.Infof("call: incoming %s call from %s on %s", kindName(snap.IsVideo), sig.SenderID, snap.ChannelName)
	m.events.post(func() { m.incoming.Emit(snap) })
	m.emitState(snap)
}

func (m *CallMachine) handleHangup(sig model.CallSignal) {
	m.mu.Lock()
	call := m.call
	if call == nil || !call.IsCounterpart(sig.SenderID) {
		m.mu.Unlock()
		m.logger.Debugf("call: HANGUP from %s ignored, not in a call with them", sig.SenderID)
		return
	}
	if sig.ChannelName != "" && sig.ChannelName != call.ChannelName {
		m.mu.Unlock()
		m.logger.Debugf("call: stale HANGUP for %s ignored", sig.ChannelName)
		return
	}
	reason := model.EndRemoteHangup
	if call.Direction == model.CallOutgoing && call.Status == model.CallStatusRinging {
		reason = model.EndDeclined
	}
	id := call.ID
	m.mu.Unlock()

	m.end(context.Background(), id, reason, false)
}

// beginLocked installs call as the current session and arms the ring timer.
func (m *CallMachine) beginLocked(call *model.CallSession) context.Context {
	m.call = call
	m.callCtx, m.cancel = context.WithCancel(context.Background())
	if m.ringTimeout > 0 {
		id := call.ID
		m.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.ringExpired(id) })
	}
	return m.callCtx
}

func (m *CallMachine) ringExpired(callID string) {
	m.mu.Lock()
	call := m.call
	ringing := call != nil && call.ID == callID && call.Status == model.CallStatusRinging
	m.mu.Unlock()
	if !ringing {
		return
	}
	m.logger.Infof("call: no answer within %v", m.ringTimeout)
	m.end(context.Background(), callID, model.EndRingTimeout, true)
}

// setup fetches the credential and joins the channel. Voice calls mute the
// camera once joined. A call that ended while a step was running leaves the
// channel and stops.
func (m *CallMachine) setup(ctx context.Context, callID, channel string, isVideo bool) error {
	cred, err := m.credentials.Credential(ctx, channel)
	if err != nil {
		return err
	}
	if !m.isCurrent(callID) {
		return errCallEnded
	}
	if err := m.media.Join(ctx, cred); err != nil {
		if !errors.Is(err, ErrJoinAborted) {
			m.invalidateCredential(channel)
		}
		return err
	}
	if !m.isCurrent(callID) {
		if err := m.media.LeaveChannel(channel); err != nil {
			m.logger.Warnf("call: leave %s failed: %v", channel, err)
		}
		return errCallEnded
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !isVideo {
		if err := m.media.MuteVideo(true); err != nil {
			m.logger.Warnf("call: could not mute video for voice call: %v", err)
		}
	}
	return nil
}

var errCallEnded = errors.New("call ended during setup")

// credentialInvalidator is implemented by providers that cache credentials.
type credentialInvalidator interface {
	Invalidate(channel string)
}

// invalidateCredential drops a cached token the engine may have rejected, so
// the next attempt fetches a fresh one.
func (m *CallMachine) invalidateCredential(channel string) {
	if inv, ok := m.credentials.(credentialInvalidator); ok {
		inv.Invalidate(channel)
	}
}

func (m *CallMachine) failSetup(callID string, cause error, sendHangup bool) {
	m.mu.Lock()
	if m.call == nil || m.call.ID != callID {
		// Already ended by a hang-up or timeout.
		m.mu.Unlock()
		return
	}
	snap := m.call.Snapshot()
	m.mu.Unlock()

	m.logger.Warnf("call: setup failed: %v", cause)
	if m.end(context.Background(), callID, model.EndSetupFailed, sendHangup) {
		snap.Status = model.CallStatusEnded
		snap.EndReason = model.EndSetupFailed
		m.events.post(func() {
			if err := m.notifications.NotifyCallFailed(context.Background(), snap, cause); err != nil {
				m.logger.Warnf("call: notification failed: %v", err)
			}
		})
	}
}

// end moves callID to Ended exactly once. It reports whether this call did it.
func (m *CallMachine) end(ctx context.Context, callID string, reason model.EndReason, sendHangup bool) bool {
	m.mu.Lock()
	call := m.call
	if call == nil || call.ID != callID || !call.End(reason) {
		m.mu.Unlock()
		return false
	}
	m.stopRingLocked()
	m.stopTickerLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.call = nil
	snap := call.Snapshot()
	m.mu.Unlock()

	m.logger.Infof("call: ended with %s (%s, %v)", snap.RemoteID, reason, snap.Duration().Round(time.Second))
	if err := m.media.LeaveChannel(snap.ChannelName); err != nil {
		m.logger.Warnf("call: leave %s failed: %v", snap.ChannelName, err)
	}
	if sendHangup {
		if err := m.signals.PublishSignal(context.WithoutCancel(ctx), snap.Hangup()); err != nil {
			m.logger.Warnf("call: HANGUP to %s not sent: %v", snap.RemoteID, err)
		}
	}
	m.emitState(snap)
	return true
}

func (m *CallMachine) mediaLoop() {
	defer close(m.loopDone)
	for ev := range m.media.Events() {
		m.handleMedia(ev)
	}
}

func (m *CallMachine) handleMedia(ev model.MediaEvent) {
	m.mu.Lock()
	call := m.call
	if call == nil || ev.Channel != call.ChannelName {
		m.mu.Unlock()
		return
	}

	switch ev.Type {
	case model.MediaJoined:
		call.MarkLocalJoined()
	case model.MediaRemoteJoined:
		call.MarkRemoteJoined(ev.UID)
	case model.MediaRemoteLeft:
		id := call.ID
		m.mu.Unlock()
		m.logger.Infof("call: %s left the channel", call.RemoteID)
		m.end(context.Background(), id, model.EndRemoteLeft, false)
		return
	case model.MediaError:
		m.mu.Unlock()
		m.logger.Warnf("call: media error on %s: %v", ev.Channel, ev.Err)
		return
	default:
		m.mu.Unlock()
		return
	}

	if call.ReadyForActive() && m.activatable(call) {
		if err := call.Transition(model.CallStatusActive); err == nil {
			m.stopRingLocked()
			m.startTickerLocked(call.ID)
			m.logger.Infof("call: connected with %s", call.RemoteID)
		}
	}
	snap := call.Snapshot()
	m.mu.Unlock()
	m.emitState(snap)
}

// activatable reports whether topology alone may make the call Active: an
// outgoing call still ringing, or an accepted incoming call.
func (m *CallMachine) activatable(call *model.CallSession) bool {
	switch call.Direction {
	case model.CallOutgoing:
		return call.Status == model.CallStatusRinging
	case model.CallIncoming:
		return call.Status == model.CallStatusConnecting
	}
	return false
}

func (m *CallMachine) startTickerLocked(callID string) {
	m.stopTickerLocked()
	stop := make(chan struct{})
	m.tickStop = stop
	go func() {
		ticker := time.NewTicker(m.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				call := m.call
				if call == nil || call.ID != callID {
					m.mu.Unlock()
					return
				}
				d := call.Duration()
				m.mu.Unlock()
				m.events.post(func() { m.durations.Emit(d) })
			}
		}
	}()
}

func (m *CallMachine) stopTickerLocked() {
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
}

func (m *CallMachine) stopRingLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *CallMachine) hasCall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call != nil
}

func (m *CallMachine) isCurrent(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call != nil && m.call.ID == callID
}

// snapshotOf returns the current state of callID, or fallback once the call
// is gone.
func (m *CallMachine) snapshotOf(callID string, fallback model.CallSession) model.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call != nil && m.call.ID == callID {
		return m.call.Snapshot()
	}
	return fallback
}

func (m *CallMachine) emitState(snap model.CallSession) {
	m.events.post(func() { m.states.Emit(snap) })
}

// joinContext returns a context cancelled when either parent is done.
func joinContext(ctx, other context.Context) (context.Context, context.CancelFunc) {
	joined, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return joined, func() {
		stop()
		cancel()
	}
}

func kindName(isVideo bool) string {
	if isVideo {
		return "video"
	}
	return "voice"
}
