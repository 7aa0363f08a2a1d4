// Package gorilla connects chatcore to a STOMP broker over WebSocket using
// github.com/gorilla/websocket.
//
// Usage:
//
//	d := gorilla.NewDialer("ws://localhost:8080/ws")
//	d.SetBearerToken(token)
//	session, err := chatcore.NewSession(chatcore.WithBrokerDialer(d), ...)
package gorilla

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coregx/chatcore"
	"github.com/coregx/chatcore/internal/wire"
	"github.com/gorilla/websocket"
)

// DefaultSubprotocols are the STOMP versions offered during the upgrade.
var DefaultSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// Dialer opens WebSocket links to a STOMP broker.
type Dialer struct {
	// URL is the broker endpoint, e.g. ws://host:8080/ws.
	URL string

	// Header is sent with the upgrade request.
	Header http.Header

	// Binary sends frames as binary messages (default true). Brokers that
	// split text messages on NUL bytes need it; set false for text frames.
	Binary bool

	// HandshakeTimeout bounds the upgrade (default 10s).
	HandshakeTimeout time.Duration

	// WriteTimeout bounds every frame write (default 10s, 0 disables).
	WriteTimeout time.Duration

	// Subprotocols offered to the server (default DefaultSubprotocols).
	Subprotocols []string
}

// NewDialer returns a Dialer for url with binary frames and default timeouts.
func NewDialer(url string) *Dialer {
	return &Dialer{
		URL:              url,
		Header:           make(http.Header),
		Binary:           true,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		Subprotocols:     DefaultSubprotocols,
	}
}

// SetBearerToken adds an Authorization header to the upgrade request.
func (d *Dialer) SetBearerToken(token string) {
	if d.Header == nil {
		d.Header = make(http.Header)
	}
	d.Header.Set("Authorization", "Bearer "+token)
}

// Dial performs the WebSocket upgrade.
func (d *Dialer) Dial(ctx context.Context) (chatcore.Link, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("websocket dial: no URL")
	}
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     d.Subprotocols,
	}

	conn, resp, err := wd.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	return wire.NewWSLink(conn, d.Binary, d.WriteTimeout), nil
}
