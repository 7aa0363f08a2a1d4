package main

import (
	"context"
	"sync"

	"github.com/coregx/chatcore"
)

// loggingEngine stands in for a native audio/video engine. It reports every
// join as successful and logs the controls it receives.
type loggingEngine struct {
	logger chatcore.Logger

	mu      sync.Mutex
	handler chatcore.MediaEventHandler
	channel string
}

func newLoggingEngine(logger chatcore.Logger) *loggingEngine {
	return &loggingEngine{logger: logger}
}

func (e *loggingEngine) SetEventHandler(h chatcore.MediaEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *loggingEngine) JoinChannel(ctx context.Context, _, channel string, uid uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.channel = channel
	h := e.handler
	e.mu.Unlock()

	e.logger.Infof("engine: joined %s as %d", channel, uid)
	if h != nil {
		h.OnJoinChannelSuccess(channel, uid)
	}
	return nil
}

func (e *loggingEngine) LeaveChannel() error {
	e.mu.Lock()
	channel := e.channel
	e.channel = ""
	h := e.handler
	e.mu.Unlock()

	e.logger.Infof("engine: left %s", channel)
	if h != nil {
		h.OnLeaveChannel()
	}
	return nil
}

func (e *loggingEngine) MuteLocalAudio(muted bool) error {
	e.logger.Infof("engine: audio muted=%t", muted)
	return nil
}

func (e *loggingEngine) MuteLocalVideo(muted bool) error {
	e.logger.Infof("engine: video muted=%t", muted)
	return nil
}

func (e *loggingEngine) SwitchCamera() error {
	e.logger.Info("engine: camera switched")
	return nil
}
