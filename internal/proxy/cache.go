package proxy

import (
	"time"

	"github.com/brewlink/brewlink/internal/message"
)

// deviceState is the per-device snapshot used to hydrate newly connecting
// clients without waiting for the device's next periodic update.
//
// status_delta never overwrites the stored status: deltas are applied
// client-side, so storing them literally would hand stale snapshots to new
// clients. A delta only proves the device is alive and refreshes
// lastUpdated.
type deviceState struct {
	status     message.Message
	deviceInfo message.Message
	espStatus  message.Message
	picoStatus message.Message

	lastUpdated time.Time
}

func (st *deviceState) set(msgType string, m message.Message, now time.Time) {
	switch msgType {
	case message.TypeStatus:
		st.status = m
	case message.TypeDeviceInfo:
		st.deviceInfo = m
	case message.TypeESPStatus:
		st.espStatus = m
	case message.TypePicoStatus:
		st.picoStatus = m
	default:
		return
	}
	st.lastUpdated = now
}

// snapshot returns the cached frames in hydration order, skipping absent
// slots.
func (st *deviceState) snapshot() []message.Message {
	out := make([]message.Message, 0, 4)
	for _, m := range []message.Message{st.status, st.deviceInfo, st.espStatus, st.picoStatus} {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (st *deviceState) empty() bool {
	return st.status == nil && st.deviceInfo == nil && st.espStatus == nil && st.picoStatus == nil
}

// updateCache applies a full-state message to the device's cache slot.
func (p *Proxy) updateCache(deviceID, msgType string, m message.Message) {
	now := time.Now()
	p.mu.Lock()
	st := p.cache[deviceID]
	if st == nil {
		st = &deviceState{}
		p.cache[deviceID] = st
	}
	st.set(msgType, m, now)
	p.mu.Unlock()
}

// touchCache refreshes freshness without replacing any slot.
func (p *Proxy) touchCache(deviceID string) {
	p.mu.Lock()
	if st := p.cache[deviceID]; st != nil {
		st.lastUpdated = time.Now()
	}
	p.mu.Unlock()
}

// clearCache erases the snapshot; called when device_offline is observed.
func (p *Proxy) clearCache(deviceID string) {
	p.mu.Lock()
	delete(p.cache, deviceID)
	p.mu.Unlock()
}
