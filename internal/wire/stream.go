package wire

import (
	"net"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// StreamLink carries frames over a byte stream.
type StreamLink struct {
	conn   net.Conn
	reader *frame.Reader

	wmu    sync.Mutex
	writer *frame.Writer
}

// NewStreamLink wraps conn.
func NewStreamLink(conn net.Conn) *StreamLink {
	return &StreamLink{
		conn:   conn,
		reader: frame.NewReader(conn),
		writer: frame.NewWriter(conn),
	}
}

// WriteFrame writes f, or a heart-beat EOL when f is nil.
func (l *StreamLink) WriteFrame(f *frame.Frame) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return l.writer.Write(f)
}

// ReadFrame returns the next frame, or nil for a heart-beat.
func (l *StreamLink) ReadFrame() (*frame.Frame, error) {
	return l.reader.Read()
}

// SetReadDeadline bounds the next ReadFrame.
func (l *StreamLink) SetReadDeadline(t time.Time) error {
	return l.conn.SetReadDeadline(t)
}

// Close closes the underlying connection.
func (l *StreamLink) Close() error {
	return l.conn.Close()
}
