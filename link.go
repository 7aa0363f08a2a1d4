package chatcore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/coregx/chatcore/internal/wire"
	"github.com/go-stomp/stomp/v3/frame"
)

// Link is one established transport session carrying STOMP frames.
//
// A nil frame is a heart-beat: WriteFrame(nil) sends one, ReadFrame returns
// (nil, nil) when one arrives. Writes may be called concurrently with reads
// but not with each other; Connection serializes them.
type Link interface {
	WriteFrame(f *frame.Frame) error
	ReadFrame() (*frame.Frame, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a new Link to the broker.
// Implementations: adapters/gorilla (WebSocket) and TCPDialer (raw STOMP).
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Link, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Link, error) {
	return f(ctx)
}

// NewStreamLink returns a Link over a byte stream such as a TCP connection.
func NewStreamLink(conn net.Conn) Link {
	return wire.NewStreamLink(conn)
}

// TCPDialer connects to a broker that speaks STOMP directly over TCP.
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
}

// Dial opens a TCP connection to d.Addr.
func (d TCPDialer) Dial(ctx context.Context) (Link, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}
	return NewStreamLink(conn), nil
}

// Heartbeat is the heart-beat pair a client asks for: how often it can send
// and how often it wants to receive. Zero disables a direction.
type Heartbeat struct {
	Outgoing time.Duration
	Incoming time.Duration
}

// DefaultHeartbeat matches the 4s/4s exchange the broker is tuned for.
func DefaultHeartbeat() Heartbeat {
	return Heartbeat{Outgoing: 4 * time.Second, Incoming: 4 * time.Second}
}

// Header renders the heart-beat header value in milliseconds.
func (h Heartbeat) Header() string {
	return fmt.Sprintf("%d,%d", h.Outgoing.Milliseconds(), h.Incoming.Milliseconds())
}

// ParseHeartbeat parses a "sx,sy" heart-beat header sent by the broker.
// An empty value means no heart-beats.
func ParseHeartbeat(value string) (Heartbeat, error) {
	if strings.TrimSpace(value) == "" {
		return Heartbeat{}, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return Heartbeat{}, fmt.Errorf("invalid heart-beat %q", value)
	}
	out, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return Heartbeat{}, fmt.Errorf("invalid heart-beat %q: %w", value, err)
	}
	in, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return Heartbeat{}, fmt.Errorf("invalid heart-beat %q: %w", value, err)
	}
	return Heartbeat{
		Outgoing: time.Duration(out) * time.Millisecond,
		Incoming: time.Duration(in) * time.Millisecond,
	}, nil
}

// Negotiate combines the client request with the broker reply. The result is
// the interval the client sends at and the interval it expects to receive at.
func (h Heartbeat) Negotiate(server Heartbeat) Heartbeat {
	var out, in time.Duration
	if h.Outgoing > 0 && server.Incoming > 0 {
		out = max(h.Outgoing, server.Incoming)
	}
	if h.Incoming > 0 && server.Outgoing > 0 {
		in = max(h.Incoming, server.Outgoing)
	}
	return Heartbeat{Outgoing: out, Incoming: in}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
