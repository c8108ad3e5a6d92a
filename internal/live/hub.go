// Package live keeps connection to room membership and fans tracking events
// out to subscribed connections.
package live

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"bus-tracker/internal/logging"
	mmetrics "bus-tracker/internal/metrics"
	"bus-tracker/internal/route"
	"bus-tracker/internal/tracking"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("connection send queue full")
)

// Conn is one subscriber. Send must not block; it queues or fails.
type Conn interface {
	ID() string
	Send(data []byte) error
}

// FixHandler is the position fix processor as seen by the hub.
type FixHandler interface {
	HandleFix(ctx context.Context, fix route.Fix) (tracking.Result, error)
	Forget(busID string)
}

// EventSink receives a copy of every published event, already encoded.
type EventSink interface {
	PublishEvent(ev tracking.Event, data []byte) error
}

type member struct {
	conn  Conn
	rooms map[route.Key]struct{}
	buses map[string]struct{} // buses whose fixes arrived over this connection
}

// busStripes bounds the number of ordering locks shared by all buses.
const busStripes = 64

type Hub struct {
	fixes   FixHandler
	sink    EventSink
	logger  *zap.Logger
	metrics *mmetrics.Collector

	mu      sync.RWMutex
	members map[string]*member
	rooms   map[route.Key]map[string]Conn
	subs    int

	// held from processing through delivery so a bus's events go out in the
	// order its fixes were accepted, whichever source they came from
	order [busStripes]sync.Mutex
}

func NewHub(fixes FixHandler, sink EventSink, logger *zap.Logger, metrics *mmetrics.Collector) *Hub {
	return &Hub{
		fixes:   fixes,
		sink:    sink,
		logger:  logging.OrNop(logger).Named("live"),
		metrics: metrics,
		members: make(map[string]*member),
		rooms:   make(map[route.Key]map[string]Conn),
	}
}

// Register makes c known to the hub. Registering twice is a no-op.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[c.ID()]; ok {
		return
	}
	h.members[c.ID()] = &member{
		conn:  c,
		rooms: make(map[route.Key]struct{}),
		buses: make(map[string]struct{}),
	}
	h.setGauges()
}

// Subscribe joins c to the room for key. Joining a room twice is a no-op.
func (h *Hub) Subscribe(c Conn, key route.Key) error {
	if key.RouteID == "" || !key.Direction.Valid() {
		return fmt.Errorf("subscribe %q: %w", key.String(), route.ErrInvalidDirection)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[c.ID()]
	if !ok {
		return ErrClosed
	}
	if _, ok := m.rooms[key]; ok {
		return nil
	}
	m.rooms[key] = struct{}{}
	room, ok := h.rooms[key]
	if !ok {
		room = make(map[string]Conn)
		h.rooms[key] = room
	}
	room[c.ID()] = c
	h.subs++
	h.setGauges()
	return nil
}

func (h *Hub) Unsubscribe(c Conn, key route.Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[c.ID()]
	if !ok {
		return
	}
	h.leave(m, key)
	h.setGauges()
}

func (h *Hub) leave(m *member, key route.Key) {
	if _, ok := m.rooms[key]; !ok {
		return
	}
	delete(m.rooms, key)
	room := h.rooms[key]
	delete(room, m.conn.ID())
	if len(room) == 0 {
		delete(h.rooms, key)
	}
	h.subs--
}

// Disconnect removes c from every room and forgets the buses that reported
// through it. Later fixes from c are rejected with ErrClosed.
func (h *Hub) Disconnect(c Conn) {
	h.mu.Lock()
	m, ok := h.members[c.ID()]
	if !ok {
		h.mu.Unlock()
		return
	}
	for key := range m.rooms {
		h.leave(m, key)
	}
	delete(h.members, c.ID())
	h.setGauges()
	h.mu.Unlock()

	for bus := range m.buses {
		h.fixes.Forget(bus)
	}
	h.logger.Debug("connection closed", zap.String("conn_id", c.ID()), zap.Int("buses", len(m.buses)))
}

// Publish delivers ev to every connection in the room for key and returns how
// many accepted it. A failing connection does not affect the others.
func (h *Hub) Publish(key route.Key, ev tracking.Event) int {
	data, err := EncodeEvent(ev)
	if err != nil {
		h.logger.Error("encode event", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]Conn, 0, len(h.rooms[key]))
	for _, c := range h.rooms[key] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(data); err != nil {
			if h.metrics != nil {
				h.metrics.DeliveryFailures.Inc()
			}
			h.logger.Warn("event delivery failed",
				zap.String("conn_id", c.ID()), zap.String("room", key.String()), zap.Error(err))
			continue
		}
		delivered++
	}
	if h.metrics != nil {
		h.metrics.EventsDelivered.Add(float64(delivered))
	}

	if h.sink != nil {
		if err := h.sink.PublishEvent(ev, data); err != nil {
			h.logger.Warn("event mirror failed", zap.String("room", key.String()), zap.Error(err))
		}
	}
	return delivered
}

// Ingest runs fix through the processor and publishes the resulting events to
// the fix's room. from is the connection the fix arrived on, or nil when it
// came from elsewhere. Events for one bus are delivered in acceptance order
// even when its fixes race in from several sources.
func (h *Hub) Ingest(ctx context.Context, from Conn, fix route.Fix) (tracking.Result, error) {
	if from != nil {
		h.mu.Lock()
		m, ok := h.members[from.ID()]
		if ok && fix.BusID != "" {
			m.buses[fix.BusID] = struct{}{}
		}
		h.mu.Unlock()
		if !ok {
			return tracking.Result{}, ErrClosed
		}
	}

	mu := h.busLock(fix.BusID)
	mu.Lock()
	defer mu.Unlock()
	res, err := h.fixes.HandleFix(ctx, fix)
	if err != nil {
		return res, err
	}
	for _, ev := range res.Events() {
		h.Publish(fix.Key(), ev)
	}
	return res, nil
}

func (h *Hub) busLock(busID string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(busID))
	return &h.order[f.Sum32()%busStripes]
}

// Members reports the number of registered connections and the connections
// subscribed to key.
func (h *Hub) Members(key route.Key) (conns, subscribers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members), len(h.rooms[key])
}

func (h *Hub) setGauges() {
	if h.metrics == nil {
		return
	}
	h.metrics.Connections.Set(float64(len(h.members)))
	h.metrics.Subscriptions.Set(float64(h.subs))
}
