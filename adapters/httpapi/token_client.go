package httpapi

import (
	"context"
	"net/url"
	"strconv"

	"github.com/coregx/chatcore/model"
)

// TokenClient fetches media join tokens from GET /api/agora/token.
// It implements chatcore.CredentialProvider.
type TokenClient struct {
	client
	uid uint32
}

// NewTokenClient returns a client for the API at baseURL.
func NewTokenClient(baseURL string, opts ...ClientOption) *TokenClient {
	return &TokenClient{client: newClient(baseURL, opts)}
}

// SetUID sets the uid tokens are issued for. Zero lets the media service
// assign one.
func (c *TokenClient) SetUID(uid uint32) {
	c.uid = uid
}

type tokenResponse struct {
	Token       string `json:"token"`
	ChannelName string `json:"channelName"`
	UID         uint32 `json:"uid"`
	AppID       string `json:"appId"`
}

// Credential requests a token for channel.
func (c *TokenClient) Credential(ctx context.Context, channel string) (model.Credential, error) {
	q := url.Values{}
	q.Set("channelName", channel)
	q.Set("uid", strconv.FormatUint(uint64(c.uid), 10))

	var resp tokenResponse
	if err := c.getJSON(ctx, "/api/agora/token", q, &resp); err != nil {
		return model.Credential{}, err
	}
	if resp.ChannelName == "" {
		resp.ChannelName = channel
	}
	return model.Credential{
		Token:       resp.Token,
		ChannelName: resp.ChannelName,
		UID:         resp.UID,
		AppID:       resp.AppID,
	}, nil
}
