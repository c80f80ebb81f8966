package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/publicbridge/alertcore/internal/broker/messages"
	"github.com/publicbridge/alertcore/internal/geo"
	"github.com/publicbridge/alertcore/internal/models"
)

// Filter restricts which events a subscriber receives. Zero value means
// everything. An event whose position cannot be resolved does not pass a
// bounding-box filter.
type Filter struct {
	BBox       *geo.BoundingBox
	Categories []models.Category
}

func (f Filter) matchCategory(c models.Category) bool {
	if len(f.Categories) == 0 {
		return true
	}
	for _, want := range f.Categories {
		if want == c {
			return true
		}
	}
	return false
}

type position struct {
	lat, lon float64
	category models.Category
	seenAt   time.Time
}

type Config struct {
	QueueSize        int           // per-subscriber FIFO bound, default 64
	HeartbeatTimeout time.Duration // reaper cutoff, default 90s
	PositionTTL      time.Duration // tracking-code position retention, default 24h
}

func DefaultConfig() Config {
	return Config{
		QueueSize:        64,
		HeartbeatTimeout: 90 * time.Second,
		PositionTTL:      24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.PositionTTL <= 0 {
		c.PositionTTL = d.PositionTTL
	}
	return c
}

// PositionLookup resolves a tracking code to coordinates and category
// when the in-memory index has no entry, e.g. for reports created before
// the last restart.
type PositionLookup func(trackingCode string) (lat, lon float64, category models.Category, ok bool)

// Hub fans report events out to live subscribers. Only ReportCreated
// events carry coordinates, so the hub keeps a position index keyed by
// tracking code to geo-filter the follow-up events of the same report.
type Hub struct {
	cfg    Config
	lookup PositionLookup

	mu        sync.RWMutex
	nextID    uint64
	subs      map[uint64]*Subscriber
	positions map[string]position

	now func() time.Time
}

func New(cfg Config) *Hub {
	return &Hub{
		cfg:       cfg.withDefaults(),
		subs:      make(map[uint64]*Subscriber),
		positions: make(map[string]position),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithPositionLookup backfills the position index from storage on misses.
// Must be set before the hub is shared.
func (h *Hub) WithPositionLookup(f PositionLookup) *Hub {
	h.lookup = f
	return h
}

// Subscribe registers a consumer. The caller must drain via Next and is
// expected to Touch periodically or be reaped.
func (h *Hub) Subscribe(f Filter) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscriber{
		id:       h.nextID,
		filter:   f,
		notify:   make(chan struct{}, 1),
		lastSeen: h.now(),
		onClose:  h.remove,
	}
	h.subs[s.id] = s
	return s
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish fans ev out to every subscriber whose filter matches. Slow
// subscribers absorb the drop policy individually; Publish never blocks.
func (h *Hub) Publish(ev *messages.ReportEvent) {
	lat, lon, havePos := ev.Location()
	category, haveCat := ev.Category()

	h.mu.Lock()
	if havePos && haveCat {
		h.positions[ev.TrackingCode] = position{lat: lat, lon: lon, category: category, seenAt: h.now()}
	} else if pos, ok := h.positions[ev.TrackingCode]; ok {
		lat, lon, havePos = pos.lat, pos.lon, true
		category, haveCat = pos.category, true
	} else if h.lookup != nil {
		// The lookup hits storage, so it runs outside the hub lock.
		h.mu.Unlock()
		if llat, llon, lcat, ok := h.lookup(ev.TrackingCode); ok {
			lat, lon, havePos = llat, llon, true
			category, haveCat = lcat, true
		}
		h.mu.Lock()
		if havePos {
			h.positions[ev.TrackingCode] = position{lat: lat, lon: lon, category: category, seenAt: h.now()}
		}
	}
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if !h.matches(s.filter, lat, lon, havePos, category, haveCat) {
			continue
		}
		s.offer(ev, h.cfg.QueueSize)
	}
}

func (h *Hub) matches(f Filter, lat, lon float64, havePos bool, category models.Category, haveCat bool) bool {
	if f.BBox != nil {
		if !havePos || !f.BBox.Contains(lat, lon) {
			return false
		}
	}
	if len(f.Categories) > 0 {
		if !haveCat || !f.matchCategory(category) {
			return false
		}
	}
	return true
}

// Run drives the heartbeat reaper and position-index cleanup until ctx
// is done.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(h.cfg.HeartbeatTimeout / 3)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-t.C:
			h.reap()
		}
	}
}

func (h *Hub) reap() {
	now := h.now()

	h.mu.RLock()
	var stale []*Subscriber
	for _, s := range h.subs {
		if s.idleSince(now, h.cfg.HeartbeatTimeout) {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		slog.Info("reaping idle subscriber", "subscriber_id", s.ID())
		s.closeWith(ErrSubscriberClosed)
	}

	h.mu.Lock()
	for code, pos := range h.positions {
		if now.Sub(pos.seenAt) > h.cfg.PositionTTL {
			delete(h.positions, code)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.closeWith(ErrSubscriberClosed)
	}
}
