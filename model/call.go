package model

import (
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// SignalType is the kind of a call signaling message.
type SignalType string

const (
	SignalOffer  SignalType = "OFFER"
	SignalHangup SignalType = "HANGUP"
)

// CallSignal is a signaling message exchanged over the personal call queues.
type CallSignal struct {
	Type        SignalType `json:"type"`
	SenderID    string     `json:"senderId"`
	RecipientID string     `json:"recipientId"`
	ChannelName string     `json:"channelName,omitempty"`
	IsVideo     bool       `json:"isVideo,omitempty"`
	SenderName  string     `json:"senderName,omitempty"`
}

// Validate checks an outgoing signal. OFFERs must name the media channel.
func (s CallSignal) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Type, validation.Required, validation.In(SignalOffer, SignalHangup)),
		validation.Field(&s.SenderID, validation.Required),
		validation.Field(&s.RecipientID, validation.Required),
		validation.Field(&s.ChannelName, validation.When(s.Type == SignalOffer, validation.Required)),
	)
}

// IsKnown reports whether the signal type is one the call machine acts on.
func (s CallSignal) IsKnown() bool {
	return s.Type == SignalOffer || s.Type == SignalHangup
}

// channelPrefix and channelSeparator make up media channel names.
const (
	channelPrefix    = "call"
	channelSeparator = "_"
)

// DeriveChannelName returns the media channel two participants share.
// The identifiers are sorted so both ends compute the same name independently.
func DeriveChannelName(a, b string) (string, error) {
	if a == b {
		return "", ErrSameParticipant
	}
	ids := []string{a, b}
	sort.Strings(ids)
	return channelPrefix + channelSeparator + ids[0] + channelSeparator + ids[1], nil
}

// CallStatus is the lifecycle state of a CallSession.
type CallStatus string

const (
	CallStatusIdle       CallStatus = "idle"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusActive     CallStatus = "active"
	CallStatusEnded      CallStatus = "ended"
)

// CallDirection tells who placed the call.
type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

// EndReason records why a call ended.
type EndReason string

const (
	EndLocalHangup  EndReason = "local_hangup"
	EndRemoteHangup EndReason = "remote_hangup"
	EndDeclined     EndReason = "declined"
	EndRemoteLeft   EndReason = "remote_left"
	EndRingTimeout  EndReason = "ring_timeout"
	EndSetupFailed  EndReason = "setup_failed"
	EndShutdown     EndReason = "shutdown"
)

// callTransitions is the allowed status graph. Active is only reachable
// through Ringing or Connecting.
var callTransitions = map[CallStatus][]CallStatus{
	CallStatusIdle:       {CallStatusRinging},
	CallStatusRinging:    {CallStatusConnecting, CallStatusActive, CallStatusEnded},
	CallStatusConnecting: {CallStatusActive, CallStatusEnded},
	CallStatusActive:     {CallStatusEnded},
	CallStatusEnded:      nil,
}

// CallSession is one negotiated or active call between the local user and a
// single remote participant.
//
// Business logic methods:
//   - Transition: move along the status graph, rejecting shortcuts
//   - MarkLocalJoined/MarkRemoteJoined: record media topology
//   - ReadyForActive: both sides present in the channel
//   - End: terminal transition, recording the reason
type CallSession struct {
	ID          string        `json:"id"`
	LocalID     string        `json:"localId"`
	RemoteID    string        `json:"remoteId"`
	RemoteName  string        `json:"remoteName"`
	ChannelName string        `json:"channelName"`
	Direction   CallDirection `json:"direction"`
	Status      CallStatus    `json:"status"`
	IsVideo     bool          `json:"isVideo"`

	LocalJoined   bool   `json:"localJoined"`
	RemotePresent bool   `json:"remotePresent"`
	RemoteUID     uint32 `json:"remoteUid"`

	StartedAt  time.Time `json:"startedAt"`
	AcceptedAt time.Time `json:"acceptedAt"`
	ActiveAt   time.Time `json:"activeAt"`
	EndedAt    time.Time `json:"endedAt"`
	EndReason  EndReason `json:"endReason,omitempty"`
}

func newCallSession(localID, remoteID, channel string, dir CallDirection, isVideo bool) *CallSession {
	return &CallSession{
		ID:          uuid.NewString(),
		LocalID:     localID,
		RemoteID:    remoteID,
		ChannelName: channel,
		Direction:   dir,
		Status:      CallStatusIdle,
		IsVideo:     isVideo,
		StartedAt:   time.Now(),
	}
}

// NewOutgoingCall creates a session for a call the local user places.
// The session is already Ringing.
func NewOutgoingCall(localID, remoteID, remoteName string, isVideo bool) (*CallSession, error) {
	channel, err := DeriveChannelName(localID, remoteID)
	if err != nil {
		return nil, err
	}
	s := newCallSession(localID, remoteID, channel, CallOutgoing, isVideo)
	s.RemoteName = remoteName
	s.Status = CallStatusRinging
	return s, nil
}

// NewIncomingCall creates a Ringing session from a received OFFER.
// A channel name carried by the offer wins over local derivation.
func NewIncomingCall(localID string, offer CallSignal) (*CallSession, error) {
	channel := offer.ChannelName
	if channel == "" {
		derived, err := DeriveChannelName(localID, offer.SenderID)
		if err != nil {
			return nil, err
		}
		channel = derived
	}
	s := newCallSession(localID, offer.SenderID, channel, CallIncoming, offer.IsVideo)
	s.RemoteName = offer.SenderName
	s.Status = CallStatusRinging
	return s, nil
}

// CanTransition reports whether the session may move to status to.
func (s *CallSession) CanTransition(to CallStatus) bool {
	for _, next := range callTransitions[s.Status] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the session to status to, or returns ErrInvalidTransition.
func (s *CallSession) Transition(to CallStatus) error {
	if !s.CanTransition(to) {
		return ErrInvalidTransition
	}
	s.Status = to
	switch to {
	case CallStatusConnecting:
		s.AcceptedAt = time.Now()
	case CallStatusActive:
		s.ActiveAt = time.Now()
		if s.AcceptedAt.IsZero() {
			s.AcceptedAt = s.ActiveAt
		}
	case CallStatusEnded:
		s.EndedAt = time.Now()
	}
	return nil
}

// End moves the session to Ended. It returns false if it already was.
func (s *CallSession) End(reason EndReason) bool {
	if s.Status == CallStatusEnded {
		return false
	}
	s.Status = CallStatusEnded
	s.EndedAt = time.Now()
	s.EndReason = reason
	return true
}

// MarkLocalJoined records that the local side joined the media channel.
func (s *CallSession) MarkLocalJoined() {
	s.LocalJoined = true
}

// MarkRemoteJoined records the remote participant in the media channel.
func (s *CallSession) MarkRemoteJoined(uid uint32) {
	s.RemotePresent = true
	s.RemoteUID = uid
}

// ReadyForActive reports whether both sides are in the media channel.
func (s *CallSession) ReadyForActive() bool {
	return s.LocalJoined && s.RemotePresent
}

// IsTerminal reports whether the session has ended.
func (s *CallSession) IsTerminal() bool {
	return s.Status == CallStatusEnded
}

// IsCounterpart reports whether userID is the remote participant.
func (s *CallSession) IsCounterpart(userID string) bool {
	return userID == s.RemoteID
}

// Duration returns the time spent Active. Zero until the call connects.
func (s *CallSession) Duration() time.Duration {
	if s.ActiveAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.ActiveAt)
}

// Snapshot returns a copy safe to hand to observers.
func (s *CallSession) Snapshot() CallSession {
	return *s
}

// Hangup builds the HANGUP signal addressed to the remote participant.
func (s *CallSession) Hangup() CallSignal {
	return CallSignal{
		Type:        SignalHangup,
		SenderID:    s.LocalID,
		RecipientID: s.RemoteID,
		ChannelName: s.ChannelName,
	}
}

// Offer builds the OFFER signal for an outgoing call.
func (s *CallSession) Offer(senderName string) CallSignal {
	return CallSignal{
		Type:        SignalOffer,
		SenderID:    s.LocalID,
		RecipientID: s.RemoteID,
		ChannelName: s.ChannelName,
		IsVideo:     s.IsVideo,
		SenderName:  senderName,
	}
}
