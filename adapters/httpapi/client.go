// Package httpapi implements chatcore's HTTP collaborators against the chat
// server's REST API: media tokens (TokenClient) and conversation history
// (HistoryClient).
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coregx/chatcore"
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ClientOption configures a client.
type ClientOption func(*client)

// WithHTTPClient replaces the default http.Client (10s timeout).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBearerToken sends token in the Authorization header of every request.
func WithBearerToken(token string) ClientOption {
	return func(c *client) {
		c.token = token
	}
}

type client struct {
	baseURL string
	http    *http.Client
	token   string
}

func newClient(baseURL string, opts []ClientOption) client {
	c := client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// getJSON fetches path and decodes the JSON body into out. A 404 is reported
// as chatcore.ErrNoData.
func (c client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return chatcore.NewErrorWithCause(chatcore.ErrCodeNoData, "GET "+path, &StatusError{StatusCode: resp.StatusCode})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: %w", path, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a failed response, or the raw
// body when it is not JSON.
func errorMessage(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
