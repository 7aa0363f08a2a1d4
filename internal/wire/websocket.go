package wire

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// WSLink carries frames over a WebSocket connection.
//
// Outgoing frames are sent one per message. Incoming messages may hold
// several frames, a lone EOL heart-beat, or a frame without its trailing NUL;
// all three are accepted.
type WSLink struct {
	conn         *websocket.Conn
	messageType  int
	writeTimeout time.Duration

	wmu sync.Mutex

	rmu     sync.Mutex
	pending []*frame.Frame
}

// NewWSLink wraps conn. binary selects binary WebSocket messages for outgoing
// frames; writeTimeout bounds every write (zero disables it).
func NewWSLink(conn *websocket.Conn, binary bool, writeTimeout time.Duration) *WSLink {
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	return &WSLink{
		conn:         conn,
		messageType:  messageType,
		writeTimeout: writeTimeout,
	}
}

// WriteFrame writes f as one WebSocket message, or a heart-beat when f is nil.
func (l *WSLink) WriteFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.writeTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
			return err
		}
	}
	return l.conn.WriteMessage(l.messageType, buf.Bytes())
}

// ReadFrame returns the next frame, or nil when the message was a heart-beat.
func (l *WSLink) ReadFrame() (*frame.Frame, error) {
	l.rmu.Lock()
	defer l.rmu.Unlock()

	if len(l.pending) > 0 {
		f := l.pending[0]
		l.pending = l.pending[1:]
		return f, nil
	}

	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	frames, err := DecodeFrames(data)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, nil
	}
	l.pending = frames[1:]
	return frames[0], nil
}

// SetReadDeadline bounds the next ReadFrame.
func (l *WSLink) SetReadDeadline(t time.Time) error {
	return l.conn.SetReadDeadline(t)
}

// Close closes the WebSocket without a close handshake.
func (l *WSLink) Close() error {
	return l.conn.Close()
}

// DecodeFrames parses every frame in data. Heart-beat EOLs are skipped and a
// missing trailing NUL is tolerated.
func DecodeFrames(data []byte) ([]*frame.Frame, error) {
	trimmed := bytes.TrimRight(data, "\r\n")
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[len(trimmed)-1] != 0 {
		data = append(append([]byte{}, trimmed...), 0)
	}

	var frames []*frame.Frame
	reader := frame.NewReader(bytes.NewReader(data))
	for {
		f, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}
