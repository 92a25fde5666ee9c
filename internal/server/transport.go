package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport wraps one carrier WebSocket for sending. gorilla permits a
// single concurrent writer, so all sends serialize on the mutex, each with
// its own deadline so one stuck socket fails fast instead of wedging a
// session goroutine.
type wsTransport struct {
	conn        *websocket.Conn
	sendTimeout time.Duration
	mu          sync.Mutex
}

func newWSTransport(conn *websocket.Conn, sendTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, sendTimeout: sendTimeout}
}

// Send writes one prepared message to the carrier.
func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.sendTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("carrier write failed: %w", err)
	}
	return nil
}
