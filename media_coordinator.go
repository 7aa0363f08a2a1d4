package chatcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coregx/chatcore/model"
)

// MediaEngine is the real-time audio/video engine the client embeds.
// The engine reports channel topology through the MediaEventHandler, usually
// from its own threads.
type MediaEngine interface {
	JoinChannel(ctx context.Context, token, channel string, uid uint32) error
	LeaveChannel() error
	MuteLocalAudio(muted bool) error
	MuteLocalVideo(muted bool) error
	SwitchCamera() error
	SetEventHandler(h MediaEventHandler)
}

// MediaEventHandler receives engine callbacks.
type MediaEventHandler interface {
	OnJoinChannelSuccess(channel string, uid uint32)
	OnUserJoined(uid uint32)
	OnUserOffline(uid uint32)
	OnLeaveChannel()
	OnError(err error)
}

// MediaCoordinator wraps a MediaEngine for one channel at a time. It turns
// engine callbacks into model.MediaEvent values tagged with the channel they
// belong to, and drops callbacks that arrive when no channel is joined.
type MediaCoordinator struct {
	engine MediaEngine
	logger Logger

	mu      sync.Mutex
	channel string
	joinSeq uint64
	events  chan model.MediaEvent
	closed  bool
}

// ErrJoinAborted is returned by Join when the channel was left, or the
// coordinator closed, while the engine was still joining.
var ErrJoinAborted = &Error{
	Code:    ErrCodeCallSetup,
	Message: "media channel left during join",
}

// NewMediaCoordinator creates a coordinator and registers it as the engine's
// event handler.
func NewMediaCoordinator(engine MediaEngine, logger Logger) (*MediaCoordinator, error) {
	if engine == nil {
		return nil, NewError(ErrCodeConfiguration, "MediaEngine is required")
	}
	if logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required")
	}
	c := &MediaCoordinator{
		engine: engine,
		logger: logger,
		events: make(chan model.MediaEvent, 128),
	}
	engine.SetEventHandler(mediaCallbacks{c: c})
	return c, nil
}

// Events returns the stream of media events. It is closed by Close.
func (c *MediaCoordinator) Events() <-chan model.MediaEvent {
	return c.events
}

// Channel returns the channel currently joined or being joined.
func (c *MediaCoordinator) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Join enters the channel named by cred. Joining while in another channel
// leaves that channel first.
//
// A LeaveChannel or Close that runs while the engine is joining wins: once
// the engine reports success it is told to leave again and Join returns
// ErrJoinAborted.
func (c *MediaCoordinator) Join(ctx context.Context, cred model.Credential) error {
	if cred.ChannelName == "" {
		return NewError(ErrCodeValidation, "credential has no channel")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return NewError(ErrCodeCallSetup, "media coordinator closed")
	}
	previous := c.channel
	c.channel = cred.ChannelName
	c.joinSeq++
	seq := c.joinSeq
	c.mu.Unlock()

	if previous != "" && previous != cred.ChannelName {
		c.logger.Warnf("media: leaving %s to join %s", previous, cred.ChannelName)
		if err := c.engine.LeaveChannel(); err != nil {
			c.logger.Warnf("media: leave %s failed: %v", previous, err)
		}
	}

	c.logger.Infof("media: joining %s as uid %d", cred.ChannelName, cred.UID)
	err := c.engine.JoinChannel(ctx, cred.Token, cred.ChannelName, cred.UID)

	c.mu.Lock()
	superseded := c.joinSeq != seq
	current := !superseded && !c.closed && c.channel == cred.ChannelName
	if err != nil {
		if current {
			c.channel = ""
		}
		c.mu.Unlock()
		return fmt.Errorf("join %s: %w", cred.ChannelName, err)
	}
	c.mu.Unlock()

	if current {
		return nil
	}
	// A later Join already moved the engine on; leaving here would drop it.
	if !superseded {
		c.logger.Infof("media: %s was left while joining, leaving again", cred.ChannelName)
		if err := c.engine.LeaveChannel(); err != nil {
			c.logger.Warnf("media: leave %s failed: %v", cred.ChannelName, err)
		}
	}
	return ErrJoinAborted
}

// LeaveChannel leaves channel if it is the current one.
func (c *MediaCoordinator) LeaveChannel(channel string) error {
	c.mu.Lock()
	if channel == "" || c.channel != channel {
		c.mu.Unlock()
		return nil
	}
	c.channel = ""
	c.mu.Unlock()

	c.logger.Infof("media: leaving %s", channel)
	return c.engine.LeaveChannel()
}

// MuteAudio mutes or unmutes the local microphone.
func (c *MediaCoordinator) MuteAudio(muted bool) error {
	if !c.inChannel() {
		return ErrNoActiveCall
	}
	return c.engine.MuteLocalAudio(muted)
}

// MuteVideo stops or resumes the local camera stream.
func (c *MediaCoordinator) MuteVideo(muted bool) error {
	if !c.inChannel() {
		return ErrNoActiveCall
	}
	return c.engine.MuteLocalVideo(muted)
}

// SwitchCamera toggles between front and back cameras.
func (c *MediaCoordinator) SwitchCamera() error {
	if !c.inChannel() {
		return ErrNoActiveCall
	}
	return c.engine.SwitchCamera()
}

// Close leaves any channel and closes the event stream.
func (c *MediaCoordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channel := c.channel
	c.channel = ""
	close(c.events)
	c.mu.Unlock()

	if channel != "" {
		return c.engine.LeaveChannel()
	}
	return nil
}

func (c *MediaCoordinator) inChannel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != ""
}

// emit tags ev with the current channel. Callbacks for another channel, or
// with no channel joined, are stale and dropped.
func (c *MediaCoordinator) emit(ev model.MediaEvent, channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	stale := c.channel == "" || (channel != "" && channel != c.channel)
	if stale && ev.Type != model.MediaLeft {
		c.logger.Debugf("media: stale %s event dropped", ev.Type)
		return
	}
	if channel == "" {
		channel = c.channel
	}
	ev.Channel = channel
	ev.At = time.Now()

	select {
	case c.events <- ev:
	default:
		c.logger.Warnf("media: event buffer full, %s event dropped", ev.Type)
	}
}

// mediaCallbacks adapts the coordinator to MediaEventHandler.
type mediaCallbacks struct {
	c *MediaCoordinator
}

func (h mediaCallbacks) OnJoinChannelSuccess(channel string, uid uint32) {
	h.c.emit(model.MediaEvent{Type: model.MediaJoined, UID: uid}, channel)
}

func (h mediaCallbacks) OnUserJoined(uid uint32) {
	h.c.emit(model.MediaEvent{Type: model.MediaRemoteJoined, UID: uid}, "")
}

func (h mediaCallbacks) OnUserOffline(uid uint32) {
	h.c.emit(model.MediaEvent{Type: model.MediaRemoteLeft, UID: uid}, "")
}

func (h mediaCallbacks) OnLeaveChannel() {
	h.c.emit(model.MediaEvent{Type: model.MediaLeft}, "")
}

func (h mediaCallbacks) OnError(err error) {
	h.c.emit(model.MediaEvent{Type: model.MediaError, Err: err}, "")
}
