package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the broker.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the broker.
	maxMessageSize = 4 << 20
)

// Transport is one established socket. ReadMessage is called from a single
// goroutine; WriteMessage calls are serialized by the caller.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports to the broker.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// WebsocketDialer dials the broker over a websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
}

// Dial connects to url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	limit := d.MaxMessageSize
	if limit <= 0 {
		limit = maxMessageSize
	}
	conn.SetReadLimit(limit)

	wait := d.WriteWait
	if wait <= 0 {
		wait = writeWait
	}
	return &wsTransport{conn: conn, writeWait: wait}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
