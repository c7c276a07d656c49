// Package bus provides the per-context event log and live fan-out: an
// in-memory ring of recent events plus bounded per-subscriber queues.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// Event is an immutable record appended to the ring and broadcast to
// subscribers. IDs are monotonically increasing per bus.
type Event struct {
	ID        int64                  `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"event_type"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	TickIndex *int                   `json:"tick_index,omitempty"`
}

// New creates an event of the given type. ID and Timestamp are assigned
// by Publish.
func New(eventType, message string) Event {
	return Event{
		Type:    eventType,
		Message: message,
	}
}

// WithAgent returns a copy tagged with an agent id.
func (e Event) WithAgent(agentID string) Event {
	e.AgentID = agentID
	return e
}

// WithTask returns a copy tagged with a task (message) id.
func (e Event) WithTask(taskID string) Event {
	e.TaskID = taskID
	return e
}

// WithTick returns a copy tagged with a tick index.
func (e Event) WithTick(tick int) Event {
	e.TickIndex = &tick
	return e
}

// WithMetadata returns a copy carrying the given metadata map.
func (e Event) WithMetadata(md map[string]interface{}) Event {
	e.Metadata = md
	return e
}

// Subscriber is a live-tail consumer with a bounded queue. When the
// queue is full, the earliest undelivered event is dropped to make room
// and the subscriber is marked lagging.
type Subscriber struct {
	id      string
	agentID string // "" subscribes to everything
	ch      chan Event
	dropped atomic.Uint64
	lagging atomic.Bool

	// lagSince marks the start of the current uninterrupted drop
	// streak. Guarded by the bus mutex.
	lagSince time.Time
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string { return s.id }

// Events returns the receive channel. It is closed on unsubscribe.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber has lost.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Lagging reports whether this subscriber has ever dropped an event.
func (s *Subscriber) Lagging() bool { return s.lagging.Load() }

func (s *Subscriber) matches(e Event) bool {
	return s.agentID == "" || s.agentID == e.AgentID
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscriber)

// WithAgentID restricts the subscription to events tagged with the
// given agent id.
func WithAgentID(agentID string) SubscribeOption {
	return func(s *Subscriber) { s.agentID = agentID }
}

// WithQueueSize overrides the default queue size.
func WithQueueSize(n int) SubscribeOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.ch = make(chan Event, n)
		}
	}
}

// Bus is the per-context event log. Publish assigns ids, appends to the
// ring, and fans out to subscribers without ever blocking.
type Bus struct {
	mu         sync.Mutex
	ring       []Event
	start      int
	size       int
	nextID     int64
	subs       map[*Subscriber]struct{}
	queueSize  int
	evictAfter time.Duration
	closed     bool

	lagDrops atomic.Uint64

	logger *logger.Logger
}

// BusOption configures a bus.
type BusOption func(*Bus)

// WithLagEviction removes a subscriber whose queue has been
// continuously full for longer than d. Zero disables eviction.
func WithLagEviction(d time.Duration) BusOption {
	return func(b *Bus) { b.evictAfter = d }
}

// NewBus creates a bus with the given ring capacity and default
// subscriber queue size.
func NewBus(ringSize, queueSize int, log *logger.Logger, opts ...BusOption) *Bus {
	if ringSize <= 0 {
		ringSize = 500
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Bus{
		ring:      make([]Event, ringSize),
		subs:      make(map[*Subscriber]struct{}),
		queueSize: queueSize,
		logger:    log.WithFields(zap.String("component", "event_bus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns the next id and timestamp, appends the event to the
// ring, and enqueues it for every matching subscriber. It returns the
// stamped event. The bus lock is held only around in-memory operations.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return e
	}

	b.nextID++
	e.ID = b.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// Ring append, overwriting the oldest entry when full.
	if b.size < len(b.ring) {
		b.ring[(b.start+b.size)%len(b.ring)] = e
		b.size++
	} else {
		b.ring[b.start] = e
		b.start = (b.start + 1) % len(b.ring)
	}

	now := time.Now()
	var evicted []*Subscriber
	for sub := range b.subs {
		if !sub.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
			sub.lagSince = time.Time{}
		default:
			// Full queue: drop the earliest undelivered event to make
			// room, count the loss against the subscriber. A consumer
			// that stays behind past the eviction window is removed.
			sub.dropped.Add(1)
			sub.lagging.Store(true)
			b.lagDrops.Add(1)
			if sub.lagSince.IsZero() {
				sub.lagSince = now
			} else if b.evictAfter > 0 && now.Sub(sub.lagSince) > b.evictAfter {
				delete(b.subs, sub)
				evicted = append(evicted, sub)
				continue
			}
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range evicted {
		close(sub.ch)
		b.logger.Warn("evicted lagging subscriber",
			zap.String("subscriber_id", sub.id),
			zap.Uint64("dropped", sub.Dropped()))
	}
	return e
}

// Subscribe registers a live-tail consumer. Historical events are not
// replayed; use Recent for those.
func (b *Bus) Subscribe(opts ...SubscribeOption) *Subscriber {
	sub := &Subscriber{id: uuid.New().String()}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.ch == nil {
		sub.ch = make(chan Event, b.queueSize)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		zap.String("subscriber_id", sub.id),
		zap.String("agent_filter", sub.agentID))
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	if ok {
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
		b.logger.Debug("subscriber removed",
			zap.String("subscriber_id", sub.id),
			zap.Uint64("dropped", sub.Dropped()))
	}
}

// Recent returns up to limit ring events, oldest first. An agentID
// filters to events tagged with that agent; limit <= 0 returns all
// retained matches.
func (b *Bus) Recent(limit int, agentID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, b.size)
	for i := 0; i < b.size; i++ {
		e := b.ring[(b.start+i)%len(b.ring)]
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// LastID returns the most recently assigned event id.
func (b *Bus) LastID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}

// SubscriberLag returns the total number of events dropped across all
// subscribers since the bus was created.
func (b *Bus) SubscriberLag() uint64 {
	return b.lagDrops.Load()
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close removes every subscriber and stops accepting events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}
