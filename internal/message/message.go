// Package message defines the tagged-map envelope exchanged between
// devices, the relay, and clients, plus the wire codecs for it.
//
// Every message is a map with a required "type" string. The relay treats
// payloads as opaque except for the small set of control types below.
package message

import (
	"time"
)

// Message is the wire envelope. Devices and clients exchange free-form
// tagged maps; only "type", "deviceId", "timestamp" and "requestId" have
// meaning to the relay itself.
type Message map[string]any

// Control types the relay plane interprets. Telemetry types beyond these
// pass through untouched.
const (
	TypeConnected    = "connected"
	TypeRequestState = "request_state"
	TypeError        = "error"

	TypeDeviceOnline  = "device_online"
	TypeDeviceOffline = "device_offline"
	TypeDeviceStatus  = "device_status"

	TypeStatus      = "status"
	TypeStatusDelta = "status_delta"
	TypeDeviceInfo  = "device_info"
	TypeESPStatus   = "esp_status"
	TypePicoStatus  = "pico_status"

	TypeRefreshAuth   = "refresh_auth"
	TypeAuthRefreshed = "auth_refreshed"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeGetMetrics    = "get_metrics"
	TypeMetrics       = "metrics"

	TypeTokenExpiring     = "token_expiring"
	TypeQueuedMessageSent = "queued_message_sent"
)

// Type returns the "type" tag, or "" when absent or not a string.
func (m Message) Type() string {
	return m.String("type")
}

// DeviceID returns the "deviceId" tag, or "".
func (m Message) DeviceID() string {
	return m.String("deviceId")
}

// RequestID returns the "requestId" tag, or "".
func (m Message) RequestID() string {
	return m.String("requestId")
}

// String returns the named field as a string, or "" when absent or of
// another type.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Timestamp returns the "timestamp" field as epoch milliseconds. JSON
// decodes numbers as float64 while msgpack may produce any integer width,
// so all numeric kinds are accepted. Returns 0 when absent.
func (m Message) Timestamp() int64 {
	return asInt64(m["timestamp"])
}

// HasTimestamp reports whether a numeric "timestamp" field is present.
func (m Message) HasTimestamp() bool {
	switch m["timestamp"].(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

// StampTimestamp sets "timestamp" to the current epoch milliseconds if the
// message does not already carry one.
func (m Message) StampTimestamp(now time.Time) {
	if !m.HasTimestamp() {
		m["timestamp"] = now.UnixMilli()
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	}
	return 0
}
