package proxy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brewlink/brewlink/internal/message"
)

// connMetrics tracks per-session traffic and keep-alive quality.
type connMetrics struct {
	messagesSent     int64 // client -> device forwards that reached the device
	messagesReceived int64 // device -> client deliveries
	lastPingRTT      time.Duration
	hasRTT           bool
	avgPingRTT       float64 // running mean, milliseconds
	pingCount        int64
	reconnectCount   int64
}

// clientConn is one authenticated client session bound to a single device.
type clientConn struct {
	sessionID   string
	userID      string
	email       string
	deviceID    string
	conn        *websocket.Conn
	connectedAt time.Time

	// mu guards mutable session state and serializes socket writes.
	mu             sync.Mutex
	lastActivity   time.Time
	missedPongs    int
	tokenExpiresAt time.Time
	expiryTimer    *time.Timer
	pingStart      time.Time
	metrics        connMetrics
	closed         bool

	torn atomic.Bool
}

// touch records liveness evidence; any frame from the client resets the
// missed-pong counter.
func (c *clientConn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.missedPongs = 0
	c.mu.Unlock()
}

// notePong resets the counter and folds the measured RTT into the running
// mean.
func (c *clientConn) notePong() {
	now := time.Now()
	c.mu.Lock()
	c.lastActivity = now
	c.missedPongs = 0
	if !c.pingStart.IsZero() {
		rtt := now.Sub(c.pingStart)
		c.metrics.lastPingRTT = rtt
		c.metrics.hasRTT = true
		c.metrics.pingCount++
		c.metrics.avgPingRTT += (float64(rtt.Milliseconds()) - c.metrics.avgPingRTT) / float64(c.metrics.pingCount)
	}
	c.mu.Unlock()
}

func (c *clientConn) noteSent() {
	c.mu.Lock()
	c.metrics.messagesSent++
	c.mu.Unlock()
}

func (c *clientConn) noteDelivered() {
	c.mu.Lock()
	c.metrics.messagesReceived++
	c.mu.Unlock()
}

// write sends raw bytes as a text frame. Writes on a closed session are
// silently skipped per the failure policy.
func (c *clientConn) write(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *clientConn) sendMessage(m message.Message, timeout time.Duration) error {
	data, err := message.Encode(m)
	if err != nil {
		return err
	}
	return c.write(data, timeout)
}

// ping emits a WebSocket ping and stamps the RTT clock.
func (c *clientConn) ping(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pingStart = time.Now()
	_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *clientConn) bumpMissedPongs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedPongs++
	return c.missedPongs
}

// close marks the session closed, cancels the expiry timer and drops the
// socket. Idempotent; safe from any goroutine.
func (c *clientConn) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
	deadline := time.Now().Add(closeGraceTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// metricsPayload snapshots the ConnectionMetrics shape for get_metrics.
func (c *clientConn) metricsPayload() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lastRTT any
	if c.metrics.hasRTT {
		lastRTT = c.metrics.lastPingRTT.Milliseconds()
	}
	return map[string]any{
		"messagesSent":     c.metrics.messagesSent,
		"messagesReceived": c.metrics.messagesReceived,
		"lastPingRTT":      lastRTT,
		"avgPingRTT":       c.metrics.avgPingRTT,
		"pingCount":        c.metrics.pingCount,
		"reconnectCount":   c.metrics.reconnectCount,
	}
}
