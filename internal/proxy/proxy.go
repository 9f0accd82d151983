// Package proxy owns authenticated client WebSocket sessions. It binds
// each session to a single target device, fans device publications out to
// bound clients, forwards client traffic to the device relay, buffers
// messages while a device is offline, and maintains the per-device state
// cache used to hydrate new clients instantly.
package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/brewlink/brewlink/internal/message"
	"github.com/brewlink/brewlink/internal/metrics"
	"github.com/brewlink/brewlink/internal/store"
)

// Application close codes for the client socket.
const (
	CloseMissingParams = 4001 // token or device query parameter absent
	CloseBadToken      = 4002 // access token invalid or expired
	CloseNotOwner      = 4003 // token's user does not own the device
)

const (
	defaultPingInterval       = 30 * time.Second
	defaultMaxMissedPongs     = 2
	defaultQueueSweepInterval = 10 * time.Second
	defaultQueueTTL           = 10 * time.Second
	defaultQueueCap           = 50
	defaultMaxQueueRetries    = 3
	defaultCacheStaleAfter    = 10 * time.Second
	defaultTokenExpiryWarning = 5 * time.Minute
	defaultWriteTimeout       = 10 * time.Second

	closeGraceTimeout = 3 * time.Second
	maxFrameSize      = 256 * 1024
)

// DeviceRelay is the slice of the device plane the proxy consumes.
type DeviceRelay interface {
	SendToDevice(deviceID string, msg message.Message) bool
	IsDeviceConnected(deviceID string) bool
	DeviceLastSeen(deviceID string) (time.Time, bool)
	OnDeviceMessage(fn func(message.Message)) func()
}

// SessionVerifier is the slice of the credential store the proxy consumes.
type SessionVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*store.Session, error)
	UserOwnsDevice(ctx context.Context, userID, deviceID string) (bool, error)
}

// Config tunes the proxy cadences. Zero values take production defaults.
type Config struct {
	PingInterval       time.Duration
	MaxMissedPongs     int
	QueueSweepInterval time.Duration
	QueueTTL           time.Duration
	QueueCap           int
	MaxQueueRetries    int
	CacheStaleAfter    time.Duration
	TokenExpiryWarning time.Duration
	WriteTimeout       time.Duration

	// AllowedOrigins restricts browser connections when non-empty.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = defaultMaxMissedPongs
	}
	if c.QueueSweepInterval <= 0 {
		c.QueueSweepInterval = defaultQueueSweepInterval
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = defaultQueueTTL
	}
	if c.QueueCap <= 0 {
		c.QueueCap = defaultQueueCap
	}
	if c.MaxQueueRetries <= 0 {
		c.MaxQueueRetries = defaultMaxQueueRetries
	}
	if c.CacheStaleAfter <= 0 {
		c.CacheStaleAfter = defaultCacheStaleAfter
	}
	if c.TokenExpiryWarning <= 0 {
		c.TokenExpiryWarning = defaultTokenExpiryWarning
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Stats is a point-in-time snapshot for the admin surface.
type Stats struct {
	ConnectedClients    int            `json:"connectedClients"`
	TotalConnections    int64          `json:"totalConnections"`
	TotalMessages       int64          `json:"totalMessages"`
	UptimeMs            int64          `json:"uptimeMs"`
	QueuedMessagesTotal int            `json:"queuedMessagesTotal"`
	ClientsByDevice     map[string]int `json:"clientsByDevice"`
}

// Proxy owns client sessions and the device fan-out.
type Proxy struct {
	cfg      Config
	relay    DeviceRelay
	verifier SessionVerifier
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	clients    map[string]*clientConn            // session id -> conn
	byDevice   map[string]map[string]*clientConn // device id -> session id -> conn
	queues     map[string][]*pendingMessage
	cache      map[string]*deviceState
	reconnects map[string]int64 // user id + "/" + device id -> ended sessions

	startedAt        time.Time
	totalConnections atomic.Int64
	totalMessages    atomic.Int64

	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// New creates a proxy. Call Start to subscribe to the relay publication
// and launch the sweeps.
func New(cfg Config, relay DeviceRelay, verifier SessionVerifier, logger zerolog.Logger) *Proxy {
	cfg = cfg.withDefaults()
	p := &Proxy{
		cfg:        cfg,
		relay:      relay,
		verifier:   verifier,
		logger:     logger.With().Str("component", "proxy").Logger(),
		clients:    make(map[string]*clientConn),
		byDevice:   make(map[string]map[string]*clientConn),
		queues:     make(map[string][]*pendingMessage),
		cache:      make(map[string]*deviceState),
		reconnects: make(map[string]int64),
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	p.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     p.checkOrigin,
	}
	return p
}

// Start subscribes to device publications and launches the keep-alive and
// queue sweeps.
func (p *Proxy) Start() {
	p.unsubscribe = p.relay.OnDeviceMessage(p.handleDeviceMessage)
	go p.pingLoop()
	go p.queueSweepLoop()
}

// Shutdown unsubscribes, stops the sweeps and closes every session.
// In-flight queues and caches are discarded.
func (p *Proxy) Shutdown() {
	p.closeOnce.Do(func() { close(p.done) })
	if p.unsubscribe != nil {
		p.unsubscribe()
	}

	p.mu.Lock()
	conns := make([]*clientConn, 0, len(p.clients))
	for _, c := range p.clients {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		p.teardown(c, websocket.CloseGoingAway, "server shutting down")
	}
}

// HandleClient upgrades and runs a client session. Authentication
// failures surface as application close codes, never as data frames.
func (p *Proxy) HandleClient(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	deviceID := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("device")))

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Client upgrade failed")
		return
	}

	if token == "" || deviceID == "" {
		rejectConn(conn, CloseMissingParams, "missing token or device")
		return
	}

	sess, err := p.verifier.VerifyAccessToken(context.Background(), token)
	if err != nil {
		p.logger.Error().Err(err).Msg("Access token verification failed")
	}
	if sess == nil {
		rejectConn(conn, CloseBadToken, "invalid or expired token")
		return
	}

	owns, err := p.verifier.UserOwnsDevice(context.Background(), sess.UserID, deviceID)
	if err != nil {
		p.logger.Error().Err(err).Str("device", deviceID).Msg("Ownership check failed")
	}
	if !owns {
		rejectConn(conn, CloseNotOwner, "device not registered to user")
		return
	}

	now := time.Now()
	c := &clientConn{
		sessionID:      uuid.NewString(),
		userID:         sess.UserID,
		email:          sess.Email,
		deviceID:       deviceID,
		conn:           conn,
		connectedAt:    now,
		lastActivity:   now,
		tokenExpiresAt: sess.AccessExpiresAt,
	}

	p.mu.Lock()
	p.clients[c.sessionID] = c
	byDev := p.byDevice[deviceID]
	if byDev == nil {
		byDev = make(map[string]*clientConn)
		p.byDevice[deviceID] = byDev
	}
	byDev[c.sessionID] = c
	c.metrics.reconnectCount = p.reconnects[c.userID+"/"+deviceID]
	count := len(p.clients)
	p.mu.Unlock()

	p.totalConnections.Add(1)
	metrics.ConnectedClients.Set(float64(count))
	p.logger.Info().Str("session", c.sessionID).Str("device", deviceID).Str("user", c.userID).
		Msg("Client connected")

	deviceOnline := p.relay.IsDeviceConnected(deviceID)
	var lastSeen any
	if t, ok := p.relay.DeviceLastSeen(deviceID); ok {
		lastSeen = t.UnixMilli()
	}
	_ = c.sendMessage(message.Message{
		"type":           message.TypeConnected,
		"sessionId":      c.sessionID,
		"deviceId":       deviceID,
		"deviceOnline":   deviceOnline,
		"deviceLastSeen": lastSeen,
		"tokenExpiresAt": c.tokenExpiresAt.UnixMilli(),
		"serverTime":     time.Now().UnixMilli(),
		"timestamp":      time.Now().UnixMilli(),
	}, p.cfg.WriteTimeout)

	p.hydrate(c, deviceOnline)
	p.armExpiryWarning(c)

	p.readLoop(c)
}

// hydrate replays the cached device snapshot to a fresh client. A stale or
// empty cache additionally prompts the device for a full state dump; a
// fresh cache relies on the device's periodic status stream instead.
func (p *Proxy) hydrate(c *clientConn, deviceOnline bool) {
	if !deviceOnline {
		// The client hears about the device via device_online later.
		return
	}

	p.mu.Lock()
	st := p.cache[c.deviceID]
	var frames []message.Message
	var age time.Duration
	if st != nil && !st.empty() {
		frames = st.snapshot()
		age = time.Since(st.lastUpdated)
	}
	p.mu.Unlock()

	if len(frames) == 0 {
		p.relay.SendToDevice(c.deviceID, message.Message{
			"type":      message.TypeRequestState,
			"timestamp": time.Now().UnixMilli(),
		})
		return
	}

	for _, m := range frames {
		if err := c.sendMessage(m, p.cfg.WriteTimeout); err != nil {
			return
		}
		c.noteDelivered()
	}

	if age > p.cfg.CacheStaleAfter {
		p.relay.SendToDevice(c.deviceID, message.Message{
			"type":      message.TypeRequestState,
			"timestamp": time.Now().UnixMilli(),
		})
	}
}

func (p *Proxy) readLoop(c *clientConn) {
	conn := c.conn
	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		c.notePong()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.logger.Info().Err(err).Str("session", c.sessionID).Msg("Client disconnected")
			break
		}
		c.touch()

		m, derr := message.DecodeText(data)
		if derr != nil {
			p.logger.Warn().Err(derr).Str("session", c.sessionID).Msg("Dropping unparseable client frame")
			continue
		}
		metrics.ClientMessages.Inc()

		switch m.Type() {
		case message.TypeRefreshAuth:
			p.handleRefreshAuth(c, m)
		case message.TypePing:
			_ = c.sendMessage(message.Message{
				"type":            message.TypePong,
				"timestamp":       time.Now().UnixMilli(),
				"clientTimestamp": m["timestamp"],
			}, p.cfg.WriteTimeout)
		case message.TypeGetMetrics:
			_ = c.sendMessage(message.Message{
				"type":           message.TypeMetrics,
				"connection":     c.metricsPayload(),
				"deviceOnline":   p.relay.IsDeviceConnected(c.deviceID),
				"queuedMessages": p.queuedForDevice(c.deviceID),
				"timestamp":      time.Now().UnixMilli(),
			}, p.cfg.WriteTimeout)
		default:
			p.forward(c, m)
		}
	}

	p.teardown(c, websocket.CloseNormalClosure, "")
}

// forward stamps server time on a client message and relays it to the
// bound device, queueing when the device is offline.
func (p *Proxy) forward(c *clientConn, m message.Message) {
	m["timestamp"] = time.Now().UnixMilli()

	if p.relay.SendToDevice(c.deviceID, m) {
		c.noteSent()
		p.totalMessages.Add(1)
		return
	}

	queued := p.enqueue(c.deviceID, m, c.sessionID)

	var lastSeen any
	if t, ok := p.relay.DeviceLastSeen(c.deviceID); ok {
		lastSeen = t.UnixMilli()
	}
	_ = c.sendMessage(message.Message{
		"type":           message.TypeDeviceStatus,
		"online":         false,
		"lastSeen":       lastSeen,
		"messageQueued":  true,
		"queuedMessages": queued,
		"queueTTL":       int(p.cfg.QueueTTL.Seconds()),
		"timestamp":      time.Now().UnixMilli(),
	}, p.cfg.WriteTimeout)
}

// handleRefreshAuth rotates the session's token in-band. Failures reply
// with success:false and never close the socket.
func (p *Proxy) handleRefreshAuth(c *clientConn, m message.Message) {
	fail := func(reason string) {
		_ = c.sendMessage(message.Message{
			"type":      message.TypeAuthRefreshed,
			"success":   false,
			"reason":    reason,
			"timestamp": time.Now().UnixMilli(),
		}, p.cfg.WriteTimeout)
	}

	token := m.String("token")
	if token == "" {
		fail("missing token")
		return
	}

	sess, err := p.verifier.VerifyAccessToken(context.Background(), token)
	if err != nil {
		p.logger.Error().Err(err).Str("session", c.sessionID).Msg("Auth refresh verification failed")
	}
	if sess == nil {
		fail("invalid or expired token")
		return
	}
	if sess.UserID != c.userID {
		fail("token does not match session user")
		return
	}

	c.mu.Lock()
	c.tokenExpiresAt = sess.AccessExpiresAt
	c.mu.Unlock()
	p.armExpiryWarning(c)

	p.logger.Debug().Str("session", c.sessionID).Time("expiresAt", sess.AccessExpiresAt).
		Msg("Session token refreshed")
	_ = c.sendMessage(message.Message{
		"type":           message.TypeAuthRefreshed,
		"success":        true,
		"tokenExpiresAt": sess.AccessExpiresAt.UnixMilli(),
		"timestamp":      time.Now().UnixMilli(),
	}, p.cfg.WriteTimeout)
}

// armExpiryWarning (re)schedules the one-shot token_expiring warning at
// expiresAt minus the warning window. The prior timer is invalidated
// first so a refresh never yields duplicate firings.
func (p *Proxy) armExpiryWarning(c *clientConn) {
	c.mu.Lock()
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
	if c.closed {
		c.mu.Unlock()
		return
	}
	expiresAt := c.tokenExpiresAt
	delay := time.Until(expiresAt.Add(-p.cfg.TokenExpiryWarning))
	if delay < 0 {
		delay = 0
	}
	c.expiryTimer = time.AfterFunc(delay, func() {
		_ = c.sendMessage(message.Message{
			"type":            message.TypeTokenExpiring,
			"expiresAt":       expiresAt.UnixMilli(),
			"expiresIn":       int(time.Until(expiresAt).Seconds()),
			"refreshRequired": true,
			"timestamp":       time.Now().UnixMilli(),
		}, p.cfg.WriteTimeout)
	})
	c.mu.Unlock()
}

// handleDeviceMessage is the relay publication handler: cache upkeep,
// queue flush on device_online, then fan-out to bound clients.
func (p *Proxy) handleDeviceMessage(m message.Message) {
	deviceID := m.DeviceID()
	if deviceID == "" {
		return
	}

	switch m.Type() {
	case message.TypeStatus, message.TypeDeviceInfo, message.TypeESPStatus, message.TypePicoStatus:
		p.updateCache(deviceID, m.Type(), m)
	case message.TypeStatusDelta:
		p.touchCache(deviceID)
	case message.TypeDeviceOffline:
		p.clearCache(deviceID)
	}

	p.fanOut(deviceID, m)

	// Flush after the online notification so originators see device_online
	// before their queued_message_sent confirmations, and before any new
	// client->device traffic for this device is processed.
	if m.Type() == message.TypeDeviceOnline {
		p.flushQueue(deviceID)
	}
}

// fanOut serializes the message once and writes it to every open client
// bound to the device.
func (p *Proxy) fanOut(deviceID string, m message.Message) {
	data, err := message.Encode(m)
	if err != nil {
		p.logger.Error().Err(err).Str("device", deviceID).Msg("Failed to encode device message")
		return
	}

	p.mu.Lock()
	conns := make([]*clientConn, 0, len(p.byDevice[deviceID]))
	for _, c := range p.byDevice[deviceID] {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	if len(conns) == 0 {
		p.logger.Debug().Str("device", deviceID).Str("type", m.Type()).Msg("No clients bound to device")
		return
	}
	for _, c := range conns {
		if c.write(data, p.cfg.WriteTimeout) == nil {
			c.noteDelivered()
		}
	}
}

// teardown removes the session from both registries and drops the socket.
// Registry removal is atomic with respect to fan-out snapshots.
func (p *Proxy) teardown(c *clientConn, code int, reason string) {
	if !c.torn.CompareAndSwap(false, true) {
		return
	}

	c.close(code, reason)

	p.mu.Lock()
	delete(p.clients, c.sessionID)
	if byDev := p.byDevice[c.deviceID]; byDev != nil {
		delete(byDev, c.sessionID)
		if len(byDev) == 0 {
			delete(p.byDevice, c.deviceID)
		}
	}
	// The next session for this user and device reports one more reconnect.
	p.reconnects[c.userID+"/"+c.deviceID]++
	count := len(p.clients)
	p.mu.Unlock()

	metrics.ConnectedClients.Set(float64(count))
	p.logger.Info().Str("session", c.sessionID).Str("device", c.deviceID).Msg("Client session closed")
}

// ConnectedClientCount returns the number of open sessions.
func (p *Proxy) ConnectedClientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Stats snapshots proxy counters.
func (p *Proxy) Stats() Stats {
	p.mu.Lock()
	byDevice := make(map[string]int, len(p.byDevice))
	for deviceID, conns := range p.byDevice {
		byDevice[deviceID] = len(conns)
	}
	connected := len(p.clients)
	queued := p.queuedTotalLocked()
	p.mu.Unlock()

	return Stats{
		ConnectedClients:    connected,
		TotalConnections:    p.totalConnections.Load(),
		TotalMessages:       p.totalMessages.Load(),
		UptimeMs:            time.Since(p.startedAt).Milliseconds(),
		QueuedMessagesTotal: queued,
		ClientsByDevice:     byDevice,
	}
}

// pingLoop drives client liveness. Browsers are costlier to ping than
// devices, hence the slower cadence.
func (p *Proxy) pingLoop() {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweepClients()
		}
	}
}

func (p *Proxy) sweepClients() {
	p.mu.Lock()
	conns := make([]*clientConn, 0, len(p.clients))
	for _, c := range p.clients {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		missed := c.bumpMissedPongs()
		if missed > p.cfg.MaxMissedPongs {
			p.logger.Warn().Str("session", c.sessionID).Int("missedPongs", missed).Msg("Client ping timeout")
			p.teardown(c, websocket.ClosePolicyViolation, "ping timeout")
			continue
		}
		c.ping(p.cfg.WriteTimeout)
	}
}

func (p *Proxy) queueSweepLoop() {
	ticker := time.NewTicker(p.cfg.QueueSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweepQueues()
		}
	}
}

func (p *Proxy) checkOrigin(r *http.Request) bool {
	if len(p.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients (mobile apps) send no Origin.
		return true
	}
	for _, allowed := range p.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// rejectConn delivers an application close code to a connection that
// failed the accept path, then drops it.
func rejectConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeGraceTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
