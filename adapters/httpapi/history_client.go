package httpapi

import (
	"context"
	"net/url"

	"github.com/coregx/chatcore"
	"github.com/coregx/chatcore/model"
)

// HistoryClient reads conversation history. It implements
// chatcore.HistoryProvider.
type HistoryClient struct {
	client
}

// NewHistoryClient returns a client for the API at baseURL.
func NewHistoryClient(baseURL string, opts ...ClientOption) *HistoryClient {
	return &HistoryClient{client: newClient(baseURL, opts)}
}

// DirectHistory returns the messages between userID and peerID, oldest first.
func (c *HistoryClient) DirectHistory(ctx context.Context, userID, peerID string) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	path := "/messages/" + url.PathEscape(userID) + "/" + url.PathEscape(peerID)
	if err := c.getJSON(ctx, path, nil, &msgs); err != nil {
		return emptyOnNoData(msgs, err)
	}
	return msgs, nil
}

// GroupHistory returns the messages of groupID, oldest first.
func (c *HistoryClient) GroupHistory(ctx context.Context, groupID string) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	if err := c.getJSON(ctx, "/messages/group/"+url.PathEscape(groupID), nil, &msgs); err != nil {
		return emptyOnNoData(msgs, err)
	}
	return msgs, nil
}

// Conversations returns the recent conversations of userID.
func (c *HistoryClient) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	var convs []model.Conversation
	if err := c.getJSON(ctx, "/conversations/"+url.PathEscape(userID), nil, &convs); err != nil {
		return emptyOnNoData(convs, err)
	}
	return convs, nil
}

// emptyOnNoData turns a 404 into an empty result.
func emptyOnNoData[T any](items []T, err error) ([]T, error) {
	if chatcore.IsNoData(err) {
		return []T{}, nil
	}
	return items, err
}

var (
	_ chatcore.HistoryProvider    = (*HistoryClient)(nil)
	_ chatcore.CredentialProvider = (*TokenClient)(nil)
)
