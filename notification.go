package chatcore

import (
	"context"
	"time"

	"github.com/coregx/chatcore/model"
)

// NotificationService defines an optional interface for reporting session
// events that have no caller to return an error to: connection state changes,
// terminal broker failures, dropped outbound messages and failed calls.
//
// Implementations might update a status indicator, raise a toast, or log to
// monitoring systems. Calls are made from a single goroutine, in order.
type NotificationService interface {
	// NotifyConnectionStateChanged is called on every connection state change.
	// err carries the cause when the change was triggered by a failure.
	NotifyConnectionStateChanged(ctx context.Context, state ConnectionState, err error) error

	// NotifyConnectionFailed is called when the connection gives up, for example
	// because the broker rejected the credentials. Re-authentication is required.
	NotifyConnectionFailed(ctx context.Context, err error) error

	// NotifyMessageDropped is called when the outbound queue discards a message
	// (overflow or expiry). The message will never be sent.
	NotifyMessageDropped(ctx context.Context, msg model.OutboundMessage, reason error) error

	// NotifyCallFailed is called when call setup fails and the call is ended.
	NotifyCallFailed(ctx context.Context, call model.CallSession, err error) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
// Use this when notifications are not needed.
type NoOpNotificationService struct{}

// NotifyConnectionStateChanged does nothing.
func (n *NoOpNotificationService) NotifyConnectionStateChanged(_ context.Context, _ ConnectionState, _ error) error {
	return nil
}

// NotifyConnectionFailed does nothing.
func (n *NoOpNotificationService) NotifyConnectionFailed(_ context.Context, _ error) error {
	return nil
}

// NotifyMessageDropped does nothing.
func (n *NoOpNotificationService) NotifyMessageDropped(_ context.Context, _ model.OutboundMessage, _ error) error {
	return nil
}

// NotifyCallFailed does nothing.
func (n *NoOpNotificationService) NotifyCallFailed(_ context.Context, _ model.CallSession, _ error) error {
	return nil
}

// LoggingNotificationService is a simple implementation that logs notifications.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyConnectionStateChanged logs the new state.
func (n *LoggingNotificationService) NotifyConnectionStateChanged(_ context.Context, state ConnectionState, err error) error {
	if err != nil {
		n.logger.Warnf("Connection %s: %v", state, err)
		return nil
	}
	n.logger.Infof("Connection %s", state)
	return nil
}

// NotifyConnectionFailed logs the terminal failure.
func (n *LoggingNotificationService) NotifyConnectionFailed(_ context.Context, err error) error {
	n.logger.Errorf("Connection failed, re-authentication required: %v", err)
	return nil
}

// NotifyMessageDropped logs the dropped message.
func (n *LoggingNotificationService) NotifyMessageDropped(_ context.Context, msg model.OutboundMessage, reason error) error {
	n.logger.Warnf("Outbound message dropped: message_id=%s, destination=%s, age=%v, reason=%v",
		msg.MessageID, msg.Destination, msg.GetAge().Round(time.Millisecond), reason)
	return nil
}

// NotifyCallFailed logs the failed call.
func (n *LoggingNotificationService) NotifyCallFailed(_ context.Context, call model.CallSession, err error) error {
	n.logger.Warnf("Call failed: call_id=%s, peer=%s, channel=%s, error=%v",
		call.ID, call.RemoteID, call.ChannelName, err)
	return nil
}
