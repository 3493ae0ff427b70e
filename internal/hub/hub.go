// Package hub fans pipeline events out to observers by topic.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentdash/internal/async"
	"agentdash/internal/logging"
	"agentdash/internal/observability"
)

// Event kinds pushed to observers.
const (
	EventAgentStatus     = "agent:status"
	EventExecutionUpdate = "execution:update"
	EventProjectUpdate   = "project:update"
	EventLogEntry        = "log:entry"
	EventMetricUpdate    = "metric:update"
	EventPing            = "ping"
)

const (
	// DefaultPingInterval is the liveness broadcast period.
	DefaultPingInterval = 30 * time.Second
	// DefaultClientBuffer is the per-client queue depth.
	DefaultClientBuffer = 256
)

var (
	// ErrUnknownClient is returned when subscribing a client that is not registered.
	ErrUnknownClient = errors.New("client not registered")
	// ErrInvalidTopic is returned for topics outside the known families.
	ErrInvalidTopic = errors.New("invalid topic")
)

// Event is one server-pushed message.
type Event struct {
	Kind string `json:"event"`
	Data any    `json:"data"`
}

// Client is one observer connection's queue. The hub closes Events when the
// client is disconnected.
type Client struct {
	id     string
	events chan Event
}

// NewClient creates a client with a queue of the given depth.
func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultClientBuffer
	}
	return &Client{id: id, events: make(chan Event, buffer)}
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// Events is the client's delivery queue.
func (c *Client) Events() <-chan Event { return c.events }

// Hub maintains topic memberships and delivers events without blocking
// publishers. A full client queue drops the event, except for execution
// updates, which evict the oldest queued event instead.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]map[string]struct{}
	topics  map[string]map[*Client]struct{}

	dropped int64
	sent    int64
	statsMu sync.Mutex

	logger  logging.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option customizes a Hub.
type Option func(*Hub)

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(h *Hub) { h.logger = logging.OrNop(logger) }
}

// WithMetrics records delivery counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithClock overrides the timestamp source used by the Emit helpers.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// New returns an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		clients: make(map[*Client]map[string]struct{}),
		topics:  make(map[string]map[*Client]struct{}),
		logger:  logging.NewComponentLogger("Hub"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a client with no subscriptions.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.clients[c] = make(map[string]struct{})
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetClients(count)
	h.logger.Info("Client %s registered (total: %d)", c.id, count)
}

// Subscribe adds c to topic. Subscribing twice is a no-op.
func (h *Hub) Subscribe(c *Client, topic string) error {
	if !ValidTopic(topic) {
		return ErrInvalidTopic
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	memberships, ok := h.clients[c]
	if !ok {
		return ErrUnknownClient
	}
	memberships[topic] = struct{}{}
	members := h.topics[topic]
	if members == nil {
		members = make(map[*Client]struct{})
		h.topics[topic] = members
	}
	members[c] = struct{}{}
	return nil
}

// Unsubscribe removes c from topic.
func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if memberships, ok := h.clients[c]; ok {
		delete(memberships, topic)
	}
	h.removeMember(topic, c)
}

// Disconnect drops every membership of c and closes its queue.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	memberships, ok := h.clients[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	for topic := range memberships {
		h.removeMember(topic, c)
	}
	delete(h.clients, c)
	close(c.events)
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetClients(count)
	h.logger.Info("Client %s disconnected (remaining: %d)", c.id, count)
}

func (h *Hub) removeMember(topic string, c *Client) {
	members := h.topics[topic]
	if members == nil {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

// Publish delivers ev to every subscriber of topic and returns how many
// queues accepted it.
func (h *Hub) Publish(topic string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.topics[topic] {
		if h.deliver(c, ev) {
			delivered++
		}
	}
	h.metrics.RecordPublished(ev.Kind, delivered)
	return delivered
}

// Broadcast delivers ev to every registered client regardless of topic.
func (h *Hub) Broadcast(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.clients {
		if h.deliver(c, ev) {
			delivered++
		}
	}
	h.metrics.RecordPublished(ev.Kind, delivered)
	return delivered
}

// deliver must run under h.mu so Disconnect cannot close the queue mid-send.
func (h *Hub) deliver(c *Client, ev Event) bool {
	select {
	case c.events <- ev:
		h.countSent()
		return true
	default:
	}
	if ev.Kind == EventExecutionUpdate {
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
			h.logger.Warn("Client %s queue saturated; evicted oldest event to deliver %s", c.id, ev.Kind)
			h.countSent()
			return true
		default:
		}
	}
	h.countDropped()
	h.logger.Warn("Client %s queue full, dropping %s", c.id, ev.Kind)
	return false
}

func (h *Hub) countSent() {
	h.statsMu.Lock()
	h.sent++
	h.statsMu.Unlock()
}

func (h *Hub) countDropped() {
	h.statsMu.Lock()
	h.dropped++
	h.statsMu.Unlock()
	h.metrics.RecordDropped()
}

// RunPing broadcasts a ping every interval until ctx is done.
func (h *Hub) RunPing(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	async.Every(ctx, h.logger, "hub-ping", interval, func(context.Context) {
		h.Broadcast(Event{Kind: EventPing, Data: map[string]any{"timestamp": h.now().UnixMilli()}})
	})
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Clients int   `json:"clients"`
	Topics  int   `json:"topics"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	s := Stats{Clients: len(h.clients), Topics: len(h.topics)}
	h.mu.RUnlock()
	h.statsMu.Lock()
	s.Sent, s.Dropped = h.sent, h.dropped
	h.statsMu.Unlock()
	return s
}

// SubscriberCount returns how many clients are subscribed to topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Topics returns c's current subscriptions.
func (h *Hub) Topics(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients[c]))
	for topic := range h.clients[c] {
		out = append(out, topic)
	}
	return out
}
