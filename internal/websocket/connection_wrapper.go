package websocket

import (
	"github.com/gorilla/websocket"
)

// connWrapper adapts *websocket.Conn to the Conn interface.
type connWrapper struct {
	*websocket.Conn
}

// NewConnWrapper wraps a gorilla websocket connection.
func NewConnWrapper(conn *websocket.Conn) Conn {
	return &connWrapper{Conn: conn}
}

// RemoteAddr returns the remote address as a string.
func (w *connWrapper) RemoteAddr() string {
	return w.Conn.RemoteAddr().String()
}
