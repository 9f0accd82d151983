package proxy

import (
	"time"

	"github.com/brewlink/brewlink/internal/message"

	"github.com/brewlink/brewlink/internal/metrics"
)

// pendingMessage is a client->device payload buffered because the device
// was offline at send time.
type pendingMessage struct {
	msg        message.Message
	enqueuedAt time.Time
	retries    int
	sessionID  string // originating client, notified on successful flush
}

// enqueue appends to the device's FIFO, evicting the oldest entry when the
// cap is reached. Returns the queue length after the append.
func (p *Proxy) enqueue(deviceID string, m message.Message, sessionID string) int {
	pm := &pendingMessage{msg: m, enqueuedAt: time.Now(), sessionID: sessionID}

	p.mu.Lock()
	q := p.queues[deviceID]
	if len(q) >= p.cfg.QueueCap {
		q = q[1:]
	}
	q = append(q, pm)
	p.queues[deviceID] = q
	n := len(q)
	total := p.queuedTotalLocked()
	p.mu.Unlock()

	metrics.QueuedMessages.Set(float64(total))
	return n
}

// flushQueue delivers the device's pending messages after it comes online.
// The flush is single-shot: entries get one send attempt each and the
// queue is emptied regardless of individual outcomes. Expired entries are
// discarded; failed sends bump the retries counter and drop the entry once
// it passes the bound.
func (p *Proxy) flushQueue(deviceID string) {
	p.mu.Lock()
	q := p.queues[deviceID]
	delete(p.queues, deviceID)
	total := p.queuedTotalLocked()
	p.mu.Unlock()
	metrics.QueuedMessages.Set(float64(total))

	if len(q) == 0 {
		return
	}

	now := time.Now()
	delivered := 0
	for _, pm := range q {
		if now.Sub(pm.enqueuedAt) > p.cfg.QueueTTL {
			continue
		}
		if !p.relay.SendToDevice(deviceID, pm.msg) {
			pm.retries++
			if pm.retries > p.cfg.MaxQueueRetries {
				p.logger.Warn().Str("device", deviceID).Str("type", pm.msg.Type()).
					Msg("Dropping queued message after retry bound")
			}
			continue
		}
		delivered++
		p.totalMessages.Add(1)

		p.mu.Lock()
		origin := p.clients[pm.sessionID]
		p.mu.Unlock()
		if origin != nil {
			_ = origin.sendMessage(message.Message{
				"type":              message.TypeQueuedMessageSent,
				"originalTimestamp": pm.msg.Timestamp(),
				"messageType":       pm.msg.Type(),
				"timestamp":         time.Now().UnixMilli(),
			}, p.cfg.WriteTimeout)
		}
	}

	p.logger.Info().Str("device", deviceID).Int("queued", len(q)).Int("delivered", delivered).
		Msg("Flushed pending messages")
}

// sweepQueues purges expired entries and removes now-empty queues.
func (p *Proxy) sweepQueues() {
	now := time.Now()

	p.mu.Lock()
	for deviceID, q := range p.queues {
		kept := q[:0]
		for _, pm := range q {
			if now.Sub(pm.enqueuedAt) <= p.cfg.QueueTTL {
				kept = append(kept, pm)
			}
		}
		if len(kept) == 0 {
			delete(p.queues, deviceID)
			continue
		}
		p.queues[deviceID] = kept
	}
	total := p.queuedTotalLocked()
	p.mu.Unlock()

	metrics.QueuedMessages.Set(float64(total))
}

// queuedForDevice returns the current queue length for one device.
func (p *Proxy) queuedForDevice(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[deviceID])
}

func (p *Proxy) queuedTotalLocked() int {
	total := 0
	for _, q := range p.queues {
		total += len(q)
	}
	return total
}
