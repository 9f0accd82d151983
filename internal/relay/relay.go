// Package relay owns authenticated device WebSocket connections and
// publishes device-origin events to subscribers.
//
// Devices hold a single persistent outbound connection each. Frames are
// binary MessagePack (possibly several documents per frame) or legacy JSON
// text; decoded messages are stamped with the device id and published
// synchronously to every subscriber in order.
package relay

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/brewlink/brewlink/internal/message"
	"github.com/brewlink/brewlink/internal/metrics"
)

// Application close codes for the device socket.
const (
	CloseAdminDisconnect = 4000 // forced by an operator
	CloseBadRequest      = 4001 // missing or malformed id/key
	CloseReplaced        = 4002 // superseded by a newer connection
	CloseAuthFailure     = 4003 // key rejected
)

const (
	defaultPingInterval      = 10 * time.Second
	defaultMaxMissedPings    = 2
	defaultReconcileInterval = 60 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultRequestTimeout    = 10 * time.Second

	closeGraceTimeout = 3 * time.Second
	maxFrameSize      = 1 << 20

	minKeyLength = 32
	maxKeyLength = 64
)

var deviceIDPattern = regexp.MustCompile(`^BRW-[A-F0-9]{8}$`)

// ValidDeviceID reports whether id matches the appliance id format
// (case-insensitive).
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(normalizeID(id))
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// CredentialStore is the slice of the persistence layer the relay needs.
type CredentialStore interface {
	VerifyDeviceKey(ctx context.Context, deviceID, key string) (bool, error)
	UpdateDeviceStatus(ctx context.Context, deviceID string, online bool) error
	SyncOnlineDevices(ctx context.Context, connected []string) (int, error)
}

// Config tunes the relay cadences. Zero values take the production
// defaults; tests shrink them.
type Config struct {
	PingInterval      time.Duration
	MaxMissedPings    int
	ReconcileInterval time.Duration
	WriteTimeout      time.Duration
	RequestTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MaxMissedPings <= 0 {
		c.MaxMissedPings = defaultMaxMissedPings
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaultReconcileInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

// Stats is a point-in-time snapshot for the admin surface.
type Stats struct {
	ConnectedDevices int   `json:"connectedDevices"`
	TotalConnections int64 `json:"totalConnections"`
	MessagesReceived int64 `json:"messagesReceived"`
	Subscribers      int   `json:"subscribers"`
}

type subscription struct {
	id uint64
	fn func(message.Message)
}

// Relay accepts, authenticates and multiplexes device connections.
type Relay struct {
	cfg      Config
	store    CredentialStore
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	devices map[string]*deviceConn

	subMu   sync.RWMutex
	subs    []subscription
	nextSub uint64

	totalConnections atomic.Int64
	messagesReceived atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a relay. Call Start to launch the keep-alive and
// reconciliation sweeps.
func New(cfg Config, store CredentialStore, logger zerolog.Logger) *Relay {
	return &Relay{
		cfg:     cfg.withDefaults(),
		store:   store,
		logger:  logger.With().Str("component", "relay").Logger(),
		devices: make(map[string]*deviceConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Devices are not browsers; origin enforcement is an
			// ingress concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Start launches the ping and reconciliation sweeps.
func (rl *Relay) Start() {
	go rl.pingLoop()
	go rl.reconcileLoop()
}

// Shutdown stops the sweeps and closes every device socket.
func (rl *Relay) Shutdown() {
	rl.closeOnce.Do(func() { close(rl.done) })

	for _, dc := range rl.snapshot() {
		dc.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// HandleDevice upgrades and runs a device connection. The accept path
// rejects with application close codes rather than HTTP errors so
// firmware sees a proper close frame.
func (rl *Relay) HandleDevice(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		id = strings.TrimSpace(r.PathValue("id"))
	}
	key := r.URL.Query().Get("key")

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Warn().Err(err).Msg("Device upgrade failed")
		return
	}

	id = strings.ToUpper(id)
	if id == "" || key == "" {
		rejectConn(conn, CloseBadRequest, "missing device id or key")
		return
	}
	if !deviceIDPattern.MatchString(id) {
		rejectConn(conn, CloseBadRequest, "invalid device id")
		return
	}
	if len(key) < minKeyLength || len(key) > maxKeyLength {
		rejectConn(conn, CloseAuthFailure, "invalid device key")
		return
	}

	// The request context dies with the upgrade; store calls use their own.
	ok, err := rl.store.VerifyDeviceKey(context.Background(), id, key)
	if err != nil {
		rl.logger.Error().Err(err).Str("device", id).Msg("Device key verification failed")
	}
	if !ok {
		rejectConn(conn, CloseAuthFailure, "invalid device key")
		return
	}

	now := time.Now()
	dc := &deviceConn{
		id:          id,
		conn:        conn,
		connectedAt: now,
		lastSeen:    now,
	}

	rl.mu.Lock()
	old := rl.devices[id]
	rl.devices[id] = dc
	rl.mu.Unlock()
	rl.totalConnections.Add(1)

	if old != nil {
		metrics.DeviceReplacements.Inc()
		rl.logger.Info().Str("device", id).Msg("Replacing existing device connection")
		old.close(CloseReplaced, "Replaced by new connection")
		// The old session's offline event precedes the new session's
		// online event.
		rl.finishTeardown(old)
	}
	metrics.ConnectedDevices.Set(float64(rl.ConnectedDeviceCount()))

	if err := rl.store.UpdateDeviceStatus(context.Background(), id, true); err != nil {
		rl.logger.Warn().Err(err).Str("device", id).Msg("Failed to persist device online flag")
	}

	rl.logger.Info().Str("device", id).Msg("Device connected")

	// Greet, then prompt an immediate full state dump so clients can be
	// hydrated without waiting for the periodic status stream.
	dc.writeMessage(message.Message{"type": message.TypeConnected, "timestamp": now.UnixMilli()}, rl.cfg.WriteTimeout)
	dc.writeMessage(message.Message{"type": message.TypeRequestState, "timestamp": now.UnixMilli()}, rl.cfg.WriteTimeout)

	rl.publish(message.Message{
		"type":      message.TypeDeviceOnline,
		"deviceId":  id,
		"timestamp": time.Now().UnixMilli(),
	})

	rl.readLoop(dc)
}

func (rl *Relay) readLoop(dc *deviceConn) {
	conn := dc.conn
	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		dc.markSeen()
		return nil
	})

	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			rl.logger.Info().Err(err).Str("device", dc.id).Msg("Device disconnected")
			break
		}
		dc.markSeen()

		switch frameType {
		case websocket.BinaryMessage:
			msgs, derr := message.DecodeBinary(data)
			if derr != nil {
				// Undecodable frames are dropped; the connection stays up.
				rl.logger.Warn().Err(derr).Str("device", dc.id).Int("decoded", len(msgs)).
					Msg("Dropping undecodable device frame data")
			}
			for _, m := range msgs {
				rl.deliver(dc, m)
			}
		case websocket.TextMessage:
			m, derr := message.DecodeText(data)
			if derr != nil {
				rl.logger.Warn().Err(derr).Str("device", dc.id).Msg("Dropping unparseable device frame")
				continue
			}
			rl.deliver(dc, m)
		}
	}

	dc.close(websocket.CloseNormalClosure, "")
	rl.finishTeardown(dc)
}

// deliver stamps relay-owned fields and publishes one decoded message.
func (rl *Relay) deliver(dc *deviceConn, m message.Message) {
	m["deviceId"] = dc.id
	m.StampTimestamp(time.Now())
	rl.messagesReceived.Add(1)
	metrics.DeviceMessages.Inc()
	rl.publish(m)
}

// finishTeardown deregisters the connection, persists the offline flag and
// publishes device_offline. Safe to call more than once per connection.
func (rl *Relay) finishTeardown(dc *deviceConn) {
	if !dc.torn.CompareAndSwap(false, true) {
		return
	}

	rl.mu.Lock()
	if cur := rl.devices[dc.id]; cur == dc {
		delete(rl.devices, dc.id)
	}
	rl.mu.Unlock()
	metrics.ConnectedDevices.Set(float64(rl.ConnectedDeviceCount()))

	if err := rl.store.UpdateDeviceStatus(context.Background(), dc.id, false); err != nil {
		rl.logger.Warn().Err(err).Str("device", dc.id).Msg("Failed to persist device offline flag")
	}

	rl.publish(message.Message{
		"type":      message.TypeDeviceOffline,
		"deviceId":  dc.id,
		"timestamp": time.Now().UnixMilli(),
	})
}

// SendToDevice encodes msg as JSON text and writes it to the device.
// Returns true iff the device is registered and the write succeeded;
// callers queue on false.
func (rl *Relay) SendToDevice(deviceID string, msg message.Message) bool {
	rl.mu.RLock()
	dc := rl.devices[strings.ToUpper(deviceID)]
	rl.mu.RUnlock()
	if dc == nil {
		return false
	}
	if err := dc.writeMessage(msg, rl.cfg.WriteTimeout); err != nil {
		rl.logger.Debug().Err(err).Str("device", dc.id).Msg("Device write failed")
		return false
	}
	return true
}

// OnDeviceMessage subscribes to the device publication. Handlers run
// synchronously in publication order and must not block. The returned
// function unsubscribes.
func (rl *Relay) OnDeviceMessage(fn func(message.Message)) func() {
	rl.subMu.Lock()
	rl.nextSub++
	id := rl.nextSub
	rl.subs = append(rl.subs, subscription{id: id, fn: fn})
	rl.subMu.Unlock()

	return func() {
		rl.subMu.Lock()
		defer rl.subMu.Unlock()
		for i, s := range rl.subs {
			if s.id == id {
				rl.subs = append(rl.subs[:i], rl.subs[i+1:]...)
				return
			}
		}
	}
}

func (rl *Relay) publish(m message.Message) {
	rl.subMu.RLock()
	subs := make([]subscription, len(rl.subs))
	copy(subs, rl.subs)
	rl.subMu.RUnlock()

	if len(subs) == 0 {
		// Steady state for an idle device; debug keeps the status stream
		// out of production logs.
		rl.logger.Debug().Str("device", m.DeviceID()).Str("type", m.Type()).Msg("No subscribers for device message")
		return
	}
	for _, s := range subs {
		s.fn(m)
	}
}

// IsDeviceConnected reports whether a device socket is registered.
func (rl *Relay) IsDeviceConnected(deviceID string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.devices[strings.ToUpper(deviceID)] != nil
}

// DeviceLastSeen returns the last frame time for a connected device.
func (rl *Relay) DeviceLastSeen(deviceID string) (time.Time, bool) {
	rl.mu.RLock()
	dc := rl.devices[strings.ToUpper(deviceID)]
	rl.mu.RUnlock()
	if dc == nil {
		return time.Time{}, false
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.lastSeen, true
}

// ConnectedDeviceCount returns the size of the registry.
func (rl *Relay) ConnectedDeviceCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.devices)
}

// ConnectedDevices returns the registered device ids.
func (rl *Relay) ConnectedDevices() []string {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	ids := make([]string, 0, len(rl.devices))
	for id := range rl.devices {
		ids = append(ids, id)
	}
	return ids
}

// DisconnectDevice force-closes a device connection with code 4000.
// Returns whether a device was connected.
func (rl *Relay) DisconnectDevice(deviceID string) bool {
	rl.mu.RLock()
	dc := rl.devices[strings.ToUpper(deviceID)]
	rl.mu.RUnlock()
	if dc == nil {
		return false
	}
	rl.logger.Info().Str("device", dc.id).Msg("Device disconnected by admin")
	dc.close(CloseAdminDisconnect, "Disconnected by admin")
	rl.finishTeardown(dc)
	return true
}

// Stats snapshots relay counters.
func (rl *Relay) Stats() Stats {
	rl.subMu.RLock()
	subscribers := len(rl.subs)
	rl.subMu.RUnlock()
	return Stats{
		ConnectedDevices: rl.ConnectedDeviceCount(),
		TotalConnections: rl.totalConnections.Load(),
		MessagesReceived: rl.messagesReceived.Load(),
		Subscribers:      subscribers,
	}
}

func (rl *Relay) snapshot() []*deviceConn {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	conns := make([]*deviceConn, 0, len(rl.devices))
	for _, dc := range rl.devices {
		conns = append(conns, dc)
	}
	return conns
}

// pingLoop drives liveness. Devices are lossy radios: the cadence is
// deliberately tighter than the client pool's.
func (rl *Relay) pingLoop() {
	ticker := time.NewTicker(rl.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.sweepDevices()
		}
	}
}

func (rl *Relay) sweepDevices() {
	for _, dc := range rl.snapshot() {
		dc.mu.Lock()
		dc.missedPings++
		missed := dc.missedPings
		dc.mu.Unlock()

		if missed > rl.cfg.MaxMissedPings {
			rl.logger.Warn().Str("device", dc.id).Int("missedPings", missed).Msg("Device ping timeout")
			dc.close(websocket.ClosePolicyViolation, "ping timeout")
			rl.finishTeardown(dc)
			continue
		}
		dc.ping(rl.cfg.WriteTimeout)
	}
}

// reconcileLoop hands the store a snapshot of connected ids so devices
// flagged online by a crashed predecessor get marked offline.
func (rl *Relay) reconcileLoop() {
	ticker := time.NewTicker(rl.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			stale, err := rl.store.SyncOnlineDevices(context.Background(), rl.ConnectedDevices())
			if err != nil {
				rl.logger.Warn().Err(err).Msg("Device status reconciliation failed")
				continue
			}
			if stale > 0 {
				metrics.StaleDevicesReconciled.Add(float64(stale))
				rl.logger.Info().Int("stale", stale).Msg("Reconciled stale device online flags")
			}
		}
	}
}

// rejectConn delivers an application close code to a connection that
// failed the accept path, then drops it.
func rejectConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeGraceTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
