package model

import "time"

// MediaEventType is the kind of topology change reported by the media engine.
type MediaEventType string

const (
	MediaJoined       MediaEventType = "joined"
	MediaRemoteJoined MediaEventType = "remote_joined"
	MediaRemoteLeft   MediaEventType = "remote_left"
	MediaLeft         MediaEventType = "left"
	MediaError        MediaEventType = "error"
)

// MediaEvent is one report from the media engine about a channel.
type MediaEvent struct {
	Type    MediaEventType
	Channel string
	UID     uint32 // local uid for MediaJoined, remote uid otherwise
	Err     error  // set for MediaError
	At      time.Time
}

// Credential is a time-limited token that admits one uid into a media channel.
type Credential struct {
	Token       string    `json:"token"`
	ChannelName string    `json:"channelName"`
	UID         uint32    `json:"uid"`
	AppID       string    `json:"appId"`
	ExpiresAt   time.Time `json:"-"`
}

// IsExpired reports whether the credential should be refreshed.
// A zero ExpiresAt never expires.
func (c Credential) IsExpired(skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(skew).After(c.ExpiresAt)
}
