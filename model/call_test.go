package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveChannelName(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected string
	}{
		{name: "Already ordered", a: "alice", b: "bob", expected: "call_alice_bob"},
		{name: "Reversed", a: "bob", b: "alice", expected: "call_alice_bob"},
		{name: "Numeric ids sort lexicographically", a: "10", b: "9", expected: "call_10_9"},
		{name: "Mongo style ids", a: "65f0c2", b: "65a1ff", expected: "call_65a1ff_65f0c2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveChannelName(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)

			swapped, err := DeriveChannelName(tt.b, tt.a)
			require.NoError(t, err)
			assert.Equal(t, got, swapped)
		})
	}
}

func TestDeriveChannelName_SameParticipant(t *testing.T) {
	_, err := DeriveChannelName("alice", "alice")
	assert.Equal(t, ErrSameParticipant, err)
}

func TestCallSession_Transitions(t *testing.T) {
	statuses := []CallStatus{
		CallStatusIdle, CallStatusRinging, CallStatusConnecting, CallStatusActive, CallStatusEnded,
	}
	allowed := map[CallStatus]map[CallStatus]bool{
		CallStatusIdle:       {CallStatusRinging: true},
		CallStatusRinging:    {CallStatusConnecting: true, CallStatusActive: true, CallStatusEnded: true},
		CallStatusConnecting: {CallStatusActive: true, CallStatusEnded: true},
		CallStatusActive:     {CallStatusEnded: true},
		CallStatusEnded:      {},
	}

	for _, from := range statuses {
		for _, to := range statuses {
			s := &CallSession{Status: from}
			assert.Equal(t, allowed[from][to], s.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestCallSession_NeverIdleToActive(t *testing.T) {
	s := &CallSession{Status: CallStatusIdle}
	assert.Equal(t, ErrInvalidTransition, s.Transition(CallStatusActive))
	assert.Equal(t, CallStatusIdle, s.Status)
}

func TestNewOutgoingCall(t *testing.T) {
	s, err := NewOutgoingCall("bob", "alice", "Alice", true)
	require.NoError(t, err)

	assert.Equal(t, CallStatusRinging, s.Status)
	assert.Equal(t, CallOutgoing, s.Direction)
	assert.Equal(t, "call_alice_bob", s.ChannelName)
	assert.True(t, s.IsVideo)
	assert.NotEmpty(t, s.ID)

	offer := s.Offer("Bob")
	assert.Equal(t, SignalOffer, offer.Type)
	assert.Equal(t, "bob", offer.SenderID)
	assert.Equal(t, "alice", offer.RecipientID)
	assert.Equal(t, "Bob", offer.SenderName)
	assert.NoError(t, offer.Validate())
}

func TestNewIncomingCall_ChannelPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		offer    CallSignal
		expected string
	}{
		{
			name:     "Offer channel wins",
			offer:    CallSignal{Type: SignalOffer, SenderID: "alice", RecipientID: "bob", ChannelName: "call_custom"},
			expected: "call_custom",
		},
		{
			name:     "Derived when missing",
			offer:    CallSignal{Type: SignalOffer, SenderID: "alice", RecipientID: "bob"},
			expected: "call_alice_bob",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewIncomingCall("bob", tt.offer)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, s.ChannelName)
			assert.Equal(t, CallIncoming, s.Direction)
			assert.Equal(t, CallStatusRinging, s.Status)
			assert.True(t, s.IsCounterpart("alice"))
		})
	}
}

func TestCallSession_ReadyForActiveAndEnd(t *testing.T) {
	s, err := NewOutgoingCall("bob", "alice", "", false)
	require.NoError(t, err)
	assert.False(t, s.ReadyForActive())

	s.MarkLocalJoined()
	assert.False(t, s.ReadyForActive())
	s.MarkRemoteJoined(42)
	assert.True(t, s.ReadyForActive())
	assert.Equal(t, uint32(42), s.RemoteUID)

	require.NoError(t, s.Transition(CallStatusActive))
	assert.False(t, s.ActiveAt.IsZero())

	assert.True(t, s.End(EndLocalHangup))
	assert.False(t, s.End(EndRemoteHangup))
	assert.Equal(t, EndLocalHangup, s.EndReason)
	assert.True(t, s.IsTerminal())
}

func TestCallSignal_Validate(t *testing.T) {
	tests := []struct {
		name    string
		signal  CallSignal
		wantErr bool
	}{
		{name: "Valid offer", signal: CallSignal{Type: SignalOffer, SenderID: "a", RecipientID: "b", ChannelName: "call_a_b"}},
		{name: "Offer without channel", signal: CallSignal{Type: SignalOffer, SenderID: "a", RecipientID: "b"}, wantErr: true},
		{name: "Hangup without channel", signal: CallSignal{Type: SignalHangup, SenderID: "a", RecipientID: "b"}},
		{name: "Unknown type", signal: CallSignal{Type: "RENEGOTIATE", SenderID: "a", RecipientID: "b"}, wantErr: true},
		{name: "Missing recipient", signal: CallSignal{Type: SignalHangup, SenderID: "a"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.signal.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
