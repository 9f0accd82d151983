package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brewlink/brewlink/internal/message"
)

var (
	// ErrDeviceNotConnected is returned when the target device has no
	// open socket at send time.
	ErrDeviceNotConnected = errors.New("Device not connected")

	// ErrRequestTimeout is returned when a device does not answer a
	// correlated request within the timeout.
	ErrRequestTimeout = errors.New("Request timeout")
)

// Request sends msg to a device and waits for the correlated reply,
// turning the asymmetric WebSocket channel into an awaitable RPC for HTTP
// handlers.
//
// A requestId of the form req_<ms>_<rand6> is attached when absent. The
// reply is the first published message from that device carrying the same
// requestId with type <request>_response, or the literal "error", which
// rejects with the carried message. The subscription is removed on every
// exit path.
func (rl *Relay) Request(ctx context.Context, deviceID string, msg message.Message) (message.Message, error) {
	reqType := msg.Type()
	if reqType == "" {
		return nil, errors.New("request message has no type")
	}

	reqID := msg.RequestID()
	if reqID == "" {
		reqID = message.NewRequestID()
		msg["requestId"] = reqID
	}
	wantType := reqType + "_response"
	target := normalizeID(deviceID)

	// Buffered so the publication handler never blocks.
	replyCh := make(chan message.Message, 1)
	unsubscribe := rl.OnDeviceMessage(func(m message.Message) {
		if m.DeviceID() != target || m.RequestID() != reqID {
			return
		}
		if t := m.Type(); t != wantType && t != message.TypeError {
			return
		}
		select {
		case replyCh <- m:
		default:
		}
	})
	defer unsubscribe()

	if !rl.SendToDevice(target, msg) {
		return nil, ErrDeviceNotConnected
	}

	timer := time.NewTimer(rl.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if reply.Type() == message.TypeError {
			detail := reply.String("message")
			if detail == "" {
				detail = "device error"
			}
			return nil, fmt.Errorf("%s", detail)
		}
		return reply, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
