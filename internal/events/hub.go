// Package events fans committed domain events out to live subscribers.
//
// The Hub sits behind the Write Coordinator's sink: every committed event is
// published here in commit order. A subscriber joins with a cursor and first
// replays the store history past that cursor up to a watermark, then switches
// to live push. Delivery is strictly ascending by event_id with no gaps from
// the cursor forward; slow consumers are dropped, never the log.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/metrics"
)

const (
	// Outgoing queue per subscription. Overflow drops the subscription.
	sendBuffer = 256
	// Live events buffered while a subscriber is still replaying history.
	replayBuffer = 1024
)

// Hub is the in-memory fan-out of committed events.
type Hub struct {
	mu      sync.Mutex
	log     *eventlog.Log
	lastID  int64
	subs    map[int64]*Subscription
	nextID  int64
	metrics *metrics.Metrics
}

// NewHub creates a hub whose watermark starts at the log's current tail, so
// replay and live push meet without a gap even across restarts.
func NewHub(ctx context.Context, log *eventlog.Log) (*Hub, error) {
	last, err := log.LastID(ctx)
	if err != nil {
		return nil, err
	}
	return &Hub{
		log:    log,
		lastID: last,
		subs:   make(map[int64]*Subscription),
	}, nil
}

// SetMetrics installs the stream instruments.
func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// Subscription is one consumer's ordered event feed. Read from Events(); a
// closed Done() channel means the hub dropped the subscription (overflow) or
// Close was called, and the consumer should reconnect from its last cursor.
type Subscription struct {
	id  int64
	hub *Hub

	ch   chan eventlog.Event
	done chan struct{}

	mu        sync.Mutex
	replaying bool
	pending   []eventlog.Event
	dropped   bool
}

// Events is the ordered outgoing feed.
func (s *Subscription) Events() <-chan eventlog.Event { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.drop(s)
}

// Subscribe registers a consumer that resumes after the given cursor. The
// history between the cursor and the hub watermark is replayed from the store
// before any live event is delivered.
func (h *Hub) Subscribe(ctx context.Context, after int64) (*Subscription, error) {
	h.mu.Lock()
	h.nextID++
	sub := &Subscription{
		id:        h.nextID,
		hub:       h,
		ch:        make(chan eventlog.Event, sendBuffer),
		done:      make(chan struct{}),
		replaying: true,
	}
	watermark := h.lastID
	h.subs[sub.id] = sub
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Subscribers.Inc()
	}
	go h.replay(ctx, sub, after, watermark)
	return sub, nil
}

// replay streams (after, watermark] from the store, then splices in the live
// events buffered meanwhile. Live events are always > watermark, so the
// splice point is gap-free and duplicate-free.
func (h *Hub) replay(ctx context.Context, sub *Subscription, after, watermark int64) {
	if watermark > after {
		history, err := h.log.Range(ctx, after, watermark)
		if err != nil {
			slog.Warn("[Hub] replay failed, dropping subscriber", "error", err)
			h.drop(sub)
			return
		}
		for _, ev := range history {
			select {
			case sub.ch <- ev:
			case <-sub.done:
				return
			case <-ctx.Done():
				h.drop(sub)
				return
			}
		}
	}

	// Drain everything buffered during replay before going live. New events
	// keep landing in pending while a batch is sent, so the replaying flag
	// flips only once pending is observed empty under the lock; otherwise a
	// live event could reach the channel ahead of older buffered ones.
	for {
		sub.mu.Lock()
		if len(sub.pending) == 0 {
			sub.replaying = false
			sub.mu.Unlock()
			return
		}
		batch := sub.pending
		sub.pending = nil
		sub.mu.Unlock()

		for _, ev := range batch {
			select {
			case sub.ch <- ev:
			case <-sub.done:
				return
			case <-ctx.Done():
				h.drop(sub)
				return
			}
		}
	}
}

// Publish delivers a committed event to every subscriber. Called by the
// Write Coordinator while it still holds the write lane, so arrival order
// here equals commit order.
func (h *Hub) Publish(ev eventlog.Event) {
	h.mu.Lock()
	h.lastID = ev.ID
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.EventsPublished.WithLabelValues(ev.Source).Inc()
	}

	for _, sub := range subs {
		h.deliver(sub, ev)
	}
}

func (h *Hub) deliver(sub *Subscription, ev eventlog.Event) {
	sub.mu.Lock()
	if sub.dropped {
		sub.mu.Unlock()
		return
	}
	if sub.replaying {
		if len(sub.pending) >= replayBuffer {
			sub.mu.Unlock()
			slog.Warn("[Hub] replay buffer overflow, dropping subscriber", "sub", sub.id)
			h.dropSlow(sub)
			return
		}
		sub.pending = append(sub.pending, ev)
		sub.mu.Unlock()
		return
	}
	sub.mu.Unlock()

	select {
	case sub.ch <- ev:
	default:
		slog.Warn("[Hub] send buffer full, dropping subscriber", "sub", sub.id)
		h.dropSlow(sub)
	}
}

// dropSlow is drop plus the fell-behind counter.
func (h *Hub) dropSlow(sub *Subscription) {
	if h.metrics != nil {
		h.metrics.SubscriberDrops.Inc()
	}
	h.drop(sub)
}

func (h *Hub) drop(sub *Subscription) {
	sub.mu.Lock()
	if sub.dropped {
		sub.mu.Unlock()
		return
	}
	sub.dropped = true
	close(sub.done)
	sub.mu.Unlock()

	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Subscribers.Dec()
	}
}

// SubscriberCount reports the active subscription count.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
