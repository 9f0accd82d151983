package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewlink/brewlink/internal/message"
	"github.com/brewlink/brewlink/internal/store"
)

const (
	testDeviceID = "BRW-A1B2C3D4"
	testToken    = "valid-token"
	testUserID   = "user-1"
)

type fakeRelay struct {
	mu       sync.Mutex
	online   map[string]bool
	lastSeen map[string]time.Time
	sent     []message.Message
	handler  func(message.Message)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		online:   make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
}

func (f *fakeRelay) SendToDevice(deviceID string, msg message.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[deviceID] {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeRelay) IsDeviceConnected(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[deviceID]
}

func (f *fakeRelay) DeviceLastSeen(deviceID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.lastSeen[deviceID]
	return t, ok
}

func (f *fakeRelay) OnDeviceMessage(fn func(message.Message)) func() {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}
}

func (f *fakeRelay) setOnline(deviceID string, online bool) {
	f.mu.Lock()
	f.online[deviceID] = online
	f.lastSeen[deviceID] = time.Now()
	f.mu.Unlock()
}

// publish emulates a device-origin publication from the relay plane.
func (f *fakeRelay) publish(m message.Message) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (f *fakeRelay) sentMessages() []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeRelay) sentOfType(msgType string) []message.Message {
	var out []message.Message
	for _, m := range f.sentMessages() {
		if m.Type() == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fakeVerifier struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	owned    map[string]bool // userID + "/" + deviceID
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		sessions: map[string]*store.Session{
			testToken: {UserID: testUserID, Email: "ada@example.com", AccessExpiresAt: time.Now().Add(time.Hour)},
		},
		owned: map[string]bool{testUserID + "/" + testDeviceID: true},
	}
}

func (f *fakeVerifier) VerifyAccessToken(_ context.Context, token string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[token]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeVerifier) UserOwnsDevice(_ context.Context, userID, deviceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owned[userID+"/"+deviceID], nil
}

func newTestProxy(t *testing.T, cfg Config) (*Proxy, *fakeRelay, *fakeVerifier, string) {
	t.Helper()
	fr := newFakeRelay()
	fv := newFakeVerifier()
	p := New(cfg, fr, fv, zerolog.Nop())
	p.unsubscribe = fr.OnDeviceMessage(p.handleDeviceMessage)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", p.HandleClient)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(p.Shutdown)

	return p, fr, fv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialClient(t *testing.T, base, token, device string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"?token="+token+"&device="+device, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close frame, got %v", err)
		return closeErr.Code
	}
}

func readClientMessage(t *testing.T, conn *websocket.Conn) message.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	m, err := message.DecodeText(data)
	require.NoError(t, err)
	return m
}

func sendClientMessage(t *testing.T, conn *websocket.Conn, m message.Message) {
	t.Helper()
	data, err := message.Encode(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHandleClientRejectsMissingParams(t *testing.T) {
	_, _, _, base := newTestProxy(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial(base, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, CloseMissingParams, expectClose(t, conn))

	conn2, _, err := websocket.DefaultDialer.Dial(base+"?token="+testToken, nil)
	require.NoError(t, err)
	defer conn2.Close()
	assert.Equal(t, CloseMissingParams, expectClose(t, conn2))
}

func TestHandleClientRejectsBadToken(t *testing.T) {
	_, _, _, base := newTestProxy(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial(base+"?token=bogus&device="+testDeviceID, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, CloseBadToken, expectClose(t, conn))
}

func TestHandleClientRejectsUnownedDevice(t *testing.T) {
	_, _, _, base := newTestProxy(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial(base+"?token="+testToken+"&device=BRW-FFFFFFFF", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, CloseNotOwner, expectClose(t, conn))
}

func TestHandleClientGreeting(t *testing.T) {
	p, fr, _, base := newTestProxy(t, Config{})
	fr.setOnline(testDeviceID, true)

	conn := dialClient(t, base, testToken, testDeviceID)

	greeting := readClientMessage(t, conn)
	assert.Equal(t, message.TypeConnected, greeting.Type())
	assert.NotEmpty(t, greeting.String("sessionId"))
	assert.Equal(t, testDeviceID, greeting.DeviceID())
	assert.Equal(t, true, greeting["deviceOnline"])
	assert.NotNil(t, greeting["deviceLastSeen"])
	assert.NotZero(t, greeting["tokenExpiresAt"])

	require.Eventually(t, func() bool {
		return p.ConnectedClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGreetingOfflineDeviceHasNilLastSeen(t *testing.T) {
	_, _, _, base := newTestProxy(t, Config{})

	conn := dialClient(t, base, testToken, testDeviceID)
	greeting := readClientMessage(t, conn)
	assert.Equal(t, false, greeting["deviceOnline"])
	assert.Nil(t, greeting["deviceLastSeen"])
}

func TestHydrationEmptyCachePromptsDevice(t *testing.T) {
	_, fr, _, base := newTestProxy(t, Config{})
	fr.setOnline(testDeviceID, true)

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	require.Eventually(t, func() bool {
		return len(fr.sentOfType(message.TypeRequestState)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHydrationFreshCacheReplaysWithoutPrompt(t *testing.T) {
	p, fr, _, base := newTestProxy(t, Config{})
	fr.setOnline(testDeviceID, true)

	p.updateCache(testDeviceID, message.TypeStatus, message.Message{"type": "status", "deviceId": testDeviceID, "temp": 93.0})
	p.updateCache(testDeviceID, message.TypeDeviceInfo, message.Message{"type": "device_info", "deviceId": testDeviceID, "firmware": "2.4.1"})

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	first := readClientMessage(t, conn)
	assert.Equal(t, message.TypeStatus, first.Type())
	second := readClientMessage(t, conn)
	assert.Equal(t, message.TypeDeviceInfo, second.Type())

	// Fresh cache means no request_state round trip.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, fr.sentOfType(message.TypeRequestState))
}

func TestHydrationStaleCacheReplaysAndPrompts(t *testing.T) {
	p, fr, _, base := newTestProxy(t, Config{CacheStaleAfter: 50 * time.Millisecond})
	fr.setOnline(testDeviceID, true)

	p.updateCache(testDeviceID, message.TypeStatus, message.Message{"type": "status", "deviceId": testDeviceID})
	time.Sleep(80 * time.Millisecond)

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	replayed := readClientMessage(t, conn)
	assert.Equal(t, message.TypeStatus, replayed.Type())

	require.Eventually(t, func() bool {
		return len(fr.sentOfType(message.TypeRequestState)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForwardOnlineDevice(t *testing.T) {
	_, fr, _, base := newTestProxy(t, Config{})
	fr.setOnline(testDeviceID, true)

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	sendClientMessage(t, conn, message.Message{"type": "brew_start", "profile": "ristretto"})

	require.Eventually(t, func() bool {
		return len(fr.sentOfType("brew_start")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	fwd := fr.sentOfType("brew_start")[0]
	assert.Equal(t, "ristretto", fwd.String("profile"))
	assert.True(t, fwd.HasTimestamp(), "forwarded messages carry server time")
}

func TestForwardOfflineDeviceQueuesAndNotifies(t *testing.T) {
	p, _, _, base := newTestProxy(t, Config{})

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	sendClientMessage(t, conn, message.Message{"type": "brew_start"})

	notice := readClientMessage(t, conn)
	assert.Equal(t, message.TypeDeviceStatus, notice.Type())
	assert.Equal(t, false, notice["online"])
	assert.Equal(t, true, notice["messageQueued"])
	assert.EqualValues(t, 1, notice["queuedMessages"])
	assert.EqualValues(t, 10, notice["queueTTL"])

	assert.Equal(t, 1, p.queuedForDevice(testDeviceID))
}

func TestQueueFlushOnDeviceOnline(t *testing.T) {
	p, fr, _, base := newTestProxy(t, Config{})

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	// Each offline send grows the queue by one and reports the new depth.
	types := []string{"brew_start", "set_temp", "brew_stop"}
	for i, msgType := range types {
		sendClientMessage(t, conn, message.Message{"type": msgType})
		notice := readClientMessage(t, conn)
		assert.Equal(t, message.TypeDeviceStatus, notice.Type())
		assert.EqualValues(t, i+1, notice["queuedMessages"])
	}
	require.Equal(t, 3, p.queuedForDevice(testDeviceID))

	fr.setOnline(testDeviceID, true)
	fr.publish(message.Message{"type": message.TypeDeviceOnline, "deviceId": testDeviceID, "timestamp": time.Now().UnixMilli()})

	// The client sees device_online first, then one confirmation per
	// queued message in enqueue order.
	online := readClientMessage(t, conn)
	assert.Equal(t, message.TypeDeviceOnline, online.Type())

	for _, msgType := range types {
		confirm := readClientMessage(t, conn)
		assert.Equal(t, message.TypeQueuedMessageSent, confirm.Type())
		assert.Equal(t, msgType, confirm.String("messageType"))
		assert.NotZero(t, confirm["originalTimestamp"])
		assert.Len(t, fr.sentOfType(msgType), 1)
	}

	assert.Equal(t, 0, p.queuedForDevice(testDeviceID))
}

func TestQueueCapEvictsOldest(t *testing.T) {
	p, _, _, _ := newTestProxy(t, Config{QueueCap: 3})

	for i := 0; i < 5; i++ {
		p.enqueue(testDeviceID, message.Message{"type": "brew_start", "seq": i}, "session-x")
	}

	require.Equal(t, 3, p.queuedForDevice(testDeviceID))
	p.mu.Lock()
	q := p.queues[testDeviceID]
	p.mu.Unlock()
	assert.EqualValues(t, 2, q[0].msg["seq"])
	assert.EqualValues(t, 4, q[2].msg["seq"])
}

func TestQueueSweepDropsExpired(t *testing.T) {
	p, _, _, _ := newTestProxy(t, Config{QueueTTL: 30 * time.Millisecond})

	p.enqueue(testDeviceID, message.Message{"type": "brew_start"}, "session-x")
	require.Equal(t, 1, p.queuedForDevice(testDeviceID))

	time.Sleep(50 * time.Millisecond)
	p.sweepQueues()
	assert.Equal(t, 0, p.queuedForDevice(testDeviceID))
}

func TestQueueFlushSkipsExpired(t *testing.T) {
	p, fr, _, _ := newTestProxy(t, Config{QueueTTL: 30 * time.Millisecond})

	p.enqueue(testDeviceID, message.Message{"type": "brew_start"}, "session-x")
	time.Sleep(50 * time.Millisecond)

	fr.setOnline(testDeviceID, true)
	p.flushQueue(testDeviceID)

	assert.Empty(t, fr.sentOfType("brew_start"))
	assert.Equal(t, 0, p.queuedForDevice(testDeviceID))
}

func TestFanOutDeviceMessages(t *testing.T) {
	_, fr, _, base := newTestProxy(t, Config{})
	fr.setOnline(testDeviceID, true)

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	// Second client bound to the same device.
	conn2 := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn2)

	fr.publish(message.Message{"type": "status", "deviceId": testDeviceID, "temp": 92.0})

	m1 := readClientMessage(t, conn)
	m2 := readClientMessage(t, conn2)
	assert.Equal(t, "status", m1.Type())
	assert.Equal(t, "status", m2.Type())
}

func TestDeviceOfflineClearsCache(t *testing.T) {
	p, fr, _, _ := newTestProxy(t, Config{})

	p.updateCache(testDeviceID, message.TypeStatus, message.Message{"type": "status", "deviceId": testDeviceID})
	fr.publish(message.Message{"type": message.TypeDeviceOffline, "deviceId": testDeviceID})

	p.mu.Lock()
	_, cached := p.cache[testDeviceID]
	p.mu.Unlock()
	assert.False(t, cached)
}

func TestStatusDeltaRefreshesWithoutOverwrite(t *testing.T) {
	p, fr, _, _ := newTestProxy(t, Config{})

	full := message.Message{"type": "status", "deviceId": testDeviceID, "temp": 93.0}
	fr.publish(full)

	time.Sleep(10 * time.Millisecond)
	fr.publish(message.Message{"type": "status_delta", "deviceId": testDeviceID, "temp": 94.0})

	p.mu.Lock()
	st := p.cache[testDeviceID]
	p.mu.Unlock()
	require.NotNil(t, st)
	assert.InDelta(t, 93.0, st.status["temp"], 0.0001, "deltas must not replace the full snapshot")
}

func TestPingControlMessage(t *testing.T) {
	_, _, _, base := newTestProxy(t, Config{})

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	sendClientMessage(t, conn, message.Message{"type": "ping", "timestamp": int64(111)})

	pong := readClientMessage(t, conn)
	assert.Equal(t, message.TypePong, pong.Type())
	assert.EqualValues(t, 111, pong["clientTimestamp"])
}

func TestGetMetrics(t *testing.T) {
	_, fr, _, base := newTestProxy(t, Config{})
	fr.setOnline(testDeviceID, true)

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	sendClientMessage(t, conn, message.Message{"type": "get_metrics"})

	reply := readClientMessage(t, conn)
	assert.Equal(t, message.TypeMetrics, reply.Type())
	assert.Equal(t, true, reply["deviceOnline"])

	connMetrics, ok := reply["connection"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, connMetrics, "messagesSent")
	assert.Contains(t, connMetrics, "avgPingRTT")
	assert.Nil(t, connMetrics["lastPingRTT"], "no RTT sample before the first pong")
}

func TestRefreshAuthSuccess(t *testing.T) {
	_, _, fv, base := newTestProxy(t, Config{})

	newExpiry := time.Now().Add(2 * time.Hour)
	fv.mu.Lock()
	fv.sessions["rotated"] = &store.Session{UserID: testUserID, Email: "ada@example.com", AccessExpiresAt: newExpiry}
	fv.mu.Unlock()

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	sendClientMessage(t, conn, message.Message{"type": "refresh_auth", "token": "rotated"})

	reply := readClientMessage(t, conn)
	assert.Equal(t, message.TypeAuthRefreshed, reply.Type())
	assert.Equal(t, true, reply["success"])
	assert.EqualValues(t, newExpiry.UnixMilli(), int64(reply["tokenExpiresAt"].(float64)))
}

func TestRefreshAuthRejectsInvalidToken(t *testing.T) {
	_, _, _, base := newTestProxy(t, Config{})

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	sendClientMessage(t, conn, message.Message{"type": "refresh_auth", "token": "bogus"})

	reply := readClientMessage(t, conn)
	assert.Equal(t, message.TypeAuthRefreshed, reply.Type())
	assert.Equal(t, false, reply["success"])

	// The connection survives a failed refresh.
	sendClientMessage(t, conn, message.Message{"type": "ping"})
	assert.Equal(t, message.TypePong, readClientMessage(t, conn).Type())
}

func TestRefreshAuthRejectsForeignUserToken(t *testing.T) {
	_, _, fv, base := newTestProxy(t, Config{})

	fv.mu.Lock()
	fv.sessions["other-user"] = &store.Session{UserID: "user-2", Email: "bob@example.com", AccessExpiresAt: time.Now().Add(time.Hour)}
	fv.mu.Unlock()

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	sendClientMessage(t, conn, message.Message{"type": "refresh_auth", "token": "other-user"})

	reply := readClientMessage(t, conn)
	assert.Equal(t, false, reply["success"])
}

func TestTokenExpiryWarning(t *testing.T) {
	_, _, fv, base := newTestProxy(t, Config{TokenExpiryWarning: time.Hour})

	// The warning fires TokenExpiryWarning before expiry; an expiry just
	// past that horizon means a near-immediate warning.
	fv.mu.Lock()
	fv.sessions[testToken].AccessExpiresAt = time.Now().Add(time.Hour + 100*time.Millisecond)
	fv.mu.Unlock()

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	warning := readClientMessage(t, conn)
	assert.Equal(t, message.TypeTokenExpiring, warning.Type())
	assert.Equal(t, true, warning["refreshRequired"])
	assert.NotZero(t, warning["expiresAt"])
}

func TestRefreshAuthReschedulesExpiryWarning(t *testing.T) {
	_, _, fv, base := newTestProxy(t, Config{TokenExpiryWarning: time.Hour})

	// Original warning due at ~500ms, the rotated one at ~2s.
	newExpiry := time.Now().Add(time.Hour + 2*time.Second)
	fv.mu.Lock()
	fv.sessions[testToken].AccessExpiresAt = time.Now().Add(time.Hour + 500*time.Millisecond)
	fv.sessions["rotated"] = &store.Session{UserID: testUserID, Email: "ada@example.com", AccessExpiresAt: newExpiry}
	fv.mu.Unlock()

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	// Refresh well before the original warning fires.
	sendClientMessage(t, conn, message.Message{"type": "refresh_auth", "token": "rotated"})
	reply := readClientMessage(t, conn)
	require.Equal(t, message.TypeAuthRefreshed, reply.Type())
	require.Equal(t, true, reply["success"])

	// Only the rescheduled warning arrives, carrying the rotated expiry;
	// the original timer never fires.
	conn.SetReadDeadline(time.Now().Add(4 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	warning, err := message.DecodeText(data)
	require.NoError(t, err)
	assert.Equal(t, message.TypeTokenExpiring, warning.Type())
	assert.EqualValues(t, newExpiry.UnixMilli(), warning["expiresAt"])

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "no second warning may arrive")
}

func TestReconnectCountAcrossSessions(t *testing.T) {
	p, _, _, base := newTestProxy(t, Config{})

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	sendClientMessage(t, conn, message.Message{"type": "get_metrics"})
	reply := readClientMessage(t, conn)
	cm, ok := reply["connection"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 0, cm["reconnectCount"])

	conn.Close()
	require.Eventually(t, func() bool {
		return p.ConnectedClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	conn2 := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn2)

	sendClientMessage(t, conn2, message.Message{"type": "get_metrics"})
	reply = readClientMessage(t, conn2)
	cm, ok = reply["connection"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, cm["reconnectCount"])
}

func TestPingSweepTerminatesSilentClient(t *testing.T) {
	p, _, _, base := newTestProxy(t, Config{MaxMissedPongs: 2})

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	require.Eventually(t, func() bool {
		return p.ConnectedClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The client never reads, so it never answers pings.
	p.sweepClients()
	p.sweepClients()
	assert.Equal(t, 1, p.ConnectedClientCount())
	p.sweepClients()

	require.Eventually(t, func() bool {
		return p.ConnectedClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientDisconnectRemovesSession(t *testing.T) {
	p, _, _, base := newTestProxy(t, Config{})

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	require.Eventually(t, func() bool {
		return p.ConnectedClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return p.ConnectedClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	st := p.Stats()
	assert.EqualValues(t, 1, st.TotalConnections)
	assert.Empty(t, st.ClientsByDevice)
}

func TestStatsCounters(t *testing.T) {
	p, fr, _, base := newTestProxy(t, Config{})
	fr.setOnline(testDeviceID, true)

	conn := dialClient(t, base, testToken, testDeviceID)
	readClientMessage(t, conn)

	sendClientMessage(t, conn, message.Message{"type": "brew_start"})
	require.Eventually(t, func() bool {
		return p.Stats().TotalMessages == 1
	}, 2*time.Second, 10*time.Millisecond)

	st := p.Stats()
	assert.Equal(t, 1, st.ConnectedClients)
	assert.Equal(t, map[string]int{testDeviceID: 1}, st.ClientsByDevice)
}
