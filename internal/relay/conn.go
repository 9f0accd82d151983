package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brewlink/brewlink/internal/message"
)

// deviceConn is a single registered device socket. At most one exists per
// device id; a newer connection replaces the older with close code 4002.
type deviceConn struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time

	// mu guards liveness state and serializes writes (gorilla allows one
	// concurrent writer per connection).
	mu          sync.Mutex
	lastSeen    time.Time
	missedPings int
	closed      bool

	torn atomic.Bool
}

// markSeen records liveness evidence: any frame, pong included, resets the
// missed-ping counter.
func (dc *deviceConn) markSeen() {
	dc.mu.Lock()
	dc.lastSeen = time.Now()
	dc.missedPings = 0
	dc.mu.Unlock()
}

func (dc *deviceConn) writeMessage(m message.Message, timeout time.Duration) error {
	data, err := message.Encode(m)
	if err != nil {
		return err
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.closed {
		return websocket.ErrCloseSent
	}
	_ = dc.conn.SetWriteDeadline(time.Now().Add(timeout))
	return dc.conn.WriteMessage(websocket.TextMessage, data)
}

func (dc *deviceConn) ping(timeout time.Duration) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.closed {
		return
	}
	_ = dc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// close sends a close frame with the given code and tears the socket down.
// Idempotent.
func (dc *deviceConn) close(code int, reason string) {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return
	}
	dc.closed = true
	deadline := time.Now().Add(closeGraceTimeout)
	_ = dc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = dc.conn.Close()
	dc.mu.Unlock()
}
