package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024 * 1024
	sendBuffer     = 256
)

// link is one physical connection to the hub. Frames is closed when the
// link dies; Err then reports why, or nil for a clean close.
type link interface {
	Send(data []byte) error
	Frames() <-chan []byte
	Err() error
	Close() error
}

type wsLink struct {
	conn   *websocket.Conn
	send   chan []byte
	frames chan []byte
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func dialWebSocket(ctx context.Context, client *http.Client, ep *endpoint, handshakeTimeout time.Duration) (*wsLink, error) {
	u, err := withID(ep.url, ep.neg.token())
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		Jar:              client.Jar,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), ep.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	l := &wsLink{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		frames: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	go l.writePump()
	go l.readPump()

	return l, nil
}

func (l *wsLink) Frames() <-chan []byte {
	return l.frames
}

func (l *wsLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *wsLink) Send(data []byte) error {
	select {
	case <-l.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return ErrConnectionClosed
	}
}

func (l *wsLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	return nil
}

// fail records the first error and closes the link.
func (l *wsLink) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.Close()
}

func (l *wsLink) readPump() {
	defer close(l.frames)

	l.conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
				// closed locally, keep whatever error caused it
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					l.Close()
				} else {
					l.fail(err)
				}
			}
			return
		}

		select {
		case l.frames <- message:
		case <-l.done:
		}
	}
}

func (l *wsLink) writePump() {
	defer l.conn.Close()

	for {
		select {
		case message := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				l.fail(fmt.Errorf("websocket write: %w", err))
				return
			}

		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
