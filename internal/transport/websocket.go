package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// WebSocket adapts a gorilla connection.
type WebSocket struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	once         sync.Once
}

// NewWebSocket wraps ws. maxMessage bounds inbound messages; zero keeps
// gorilla's default of no limit.
func NewWebSocket(ws *websocket.Conn, maxMessage int64, writeTimeout time.Duration) *WebSocket {
	if maxMessage > 0 {
		ws.SetReadLimit(maxMessage)
	}
	return &WebSocket{ws: ws, writeTimeout: writeTimeout}
}

// Upgrade completes the websocket handshake on an HTTP request.
func Upgrade(up *websocket.Upgrader, w http.ResponseWriter, r *http.Request, maxMessage int64, writeTimeout time.Duration) (*WebSocket, error) {
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(ws, maxMessage, writeTimeout), nil
}

// DialWebSocket connects to a gateway URL as a client.
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(ws, 0, 10*time.Second), nil
}

func (c *WebSocket) Read() (Message, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return Message{}, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return Message{}, errors.Join(ErrClosed, err)
	}
	return Message{Binary: mt == websocket.BinaryMessage, Data: data}, nil
}

func (c *WebSocket) Write(msg Message) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	mt := websocket.TextMessage
	if msg.Binary {
		mt = websocket.BinaryMessage
	}
	return c.ws.WriteMessage(mt, msg.Data)
}

func (c *WebSocket) Close(code int, reason string) error {
	var err error
	c.once.Do(func() {
		payload := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, payload, time.Now().Add(closeGrace))
		err = c.ws.Close()
	})
	return err
}

func (c *WebSocket) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
