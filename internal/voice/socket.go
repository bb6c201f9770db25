package voice

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StopCommand is the text frame the browser sends to end a recording.
const StopCommand = "stop"

// SocketDevice reads audio pushed by the browser over a websocket: binary
// frames are chunks, the text frame "stop" ends the stream.
type SocketDevice struct {
	conn     *websocket.Conn
	mimeType string
}

func NewSocketDevice(conn *websocket.Conn, mimeType string) *SocketDevice {
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	return &SocketDevice{conn: conn, mimeType: mimeType}
}

func (d *SocketDevice) Open(_ context.Context, _ time.Duration) (Stream, error) {
	return &socketStream{conn: d.conn, mimeType: d.mimeType}, nil
}

type socketStream struct {
	conn     *websocket.Conn
	mimeType string

	mu     sync.Mutex
	closed bool
}

func (s *socketStream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, io.EOF
	}

	// Unblock ReadMessage on cancellation without closing the socket, which
	// is still needed to send the transcript back.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read audio frame: %w", err)
		}
		switch typ {
		case websocket.BinaryMessage:
			return data, nil
		case websocket.TextMessage:
			if strings.EqualFold(strings.TrimSpace(string(data)), StopCommand) {
				return nil, io.EOF
			}
		}
	}
}

func (s *socketStream) MIMEType() string {
	return s.mimeType
}

// Close marks the stream finished and clears any read deadline set by a
// cancelled Next.
func (s *socketStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.SetReadDeadline(time.Time{})
}
