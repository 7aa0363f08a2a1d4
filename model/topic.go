package model

import (
	"fmt"
	"strings"
)

// Application destinations the broker routes on. Both chat messages and call
// signals are published to the application prefix and fanned out by the server.
const (
	DestinationChat = "/app/chat"
	DestinationCall = "/app/call"
)

// Topic kinds understood by the dispatcher.
type TopicKind string

const (
	// KindChat topics carry ChatMessage payloads.
	KindChat TopicKind = "chat"

	// KindSignal topics carry CallSignal payloads.
	KindSignal TopicKind = "signal"
)

// PersonalMessagesTopic returns the per-user queue that receives direct and
// group chat messages.
func PersonalMessagesTopic(userID string) string {
	return fmt.Sprintf("/user/%s/queue/messages", userID)
}

// PersonalCallsTopic returns the per-user queue that receives call signals.
func PersonalCallsTopic(userID string) string {
	return fmt.Sprintf("/user/%s/queue/calls", userID)
}

// GroupTopic returns the shared topic for a group conversation.
func GroupTopic(groupID string) string {
	return "/topic/group." + groupID
}

// GroupIDFromTopic extracts the group id from a group topic.
// The second result is false when topic is not a group topic.
func GroupIDFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, "/topic/group.")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
