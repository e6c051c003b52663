package session

import (
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteWait = time.Second

type websocketChannel struct {
	conn        *websocket.Conn
	idleTimeout time.Duration
}

// NewWebsocketChannel adapts an upgraded connection. idleTimeout <= 0 means
// reads never time out.
func NewWebsocketChannel(conn *websocket.Conn, readLimit int64, idleTimeout time.Duration) Channel {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &websocketChannel{conn: conn, idleTimeout: idleTimeout}
}

func (c *websocketChannel) Read() (Message, error) {
	if c.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		// 1006 is what gorilla reports when the peer drops the TCP connection
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived,
			websocket.CloseAbnormalClosure) {
			return Message{}, ErrDisconnected
		}
		return Message{}, err
	}
	switch mt {
	case websocket.TextMessage:
		return Message{Kind: KindText, Data: data}, nil
	case websocket.BinaryMessage:
		return Message{Kind: KindBinary, Data: data}, nil
	default:
		return Message{Kind: KindOther, Data: data}, nil
	}
}

func (c *websocketChannel) WriteText(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketChannel) Close(code int, reason string) error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeWriteWait))
	return c.conn.Close()
}
