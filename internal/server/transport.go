package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla connection to session.Transport. Broker
// delivery goroutines and the read loop's acknowledgments write
// concurrently; gorilla conns support only one writer at a time, so every
// write goes through the mutex.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func newTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Send writes one text frame to the client.
func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
