package endpoint

import (
	"time"

	"github.com/gorilla/websocket"
)

// maxInboundMessage bounds a single client frame.
const maxInboundMessage = 1 << 20

// WebsocketConn adapts a gorilla websocket connection to Conn.
type WebsocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

// NewWebsocketConn wraps ws. Text frames carry one JSON message each.
func NewWebsocketConn(ws *websocket.Conn, writeTimeout time.Duration) *WebsocketConn {
	ws.SetReadLimit(maxInboundMessage)
	return &WebsocketConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *WebsocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *WebsocketConn) WriteMessage(data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame and closes the socket.
func (c *WebsocketConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *WebsocketConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
