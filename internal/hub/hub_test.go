package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/publicbridge/alertcore/internal/broker/messages"
	"github.com/publicbridge/alertcore/internal/geo"
	"github.com/publicbridge/alertcore/internal/models"
)

func createdEvent(code string, lat, lon float64, cat models.Category) *messages.ReportEvent {
	return &messages.ReportEvent{
		Type:         messages.TypeReportCreated,
		TrackingCode: code,
		OccurredAt:   time.Now().UTC(),
		ReportCreated: &messages.ReportCreated{
			ReportID: 1, Category: cat, Severity: models.SeverityHigh,
			Latitude: lat, Longitude: lon, Status: models.StatusSubmitted,
		},
	}
}

func statusEvent(code string) *messages.ReportEvent {
	return &messages.ReportEvent{
		Type:         messages.TypeStatusChanged,
		TrackingCode: code,
		OccurredAt:   time.Now().UTC(),
		StatusChanged: &messages.StatusChanged{
			ReportID: 1, PrevStatus: models.StatusDispatched, NewStatus: models.StatusInProgress,
		},
	}
}

func dispatchEvent(code string) *messages.ReportEvent {
	return &messages.ReportEvent{
		Type:         messages.TypeDispatchAssigned,
		TrackingCode: code,
		OccurredAt:   time.Now().UTC(),
		DispatchAssigned: &messages.DispatchAssigned{
			ReportID: 1, AgencyID: 2, AgencyName: "fire brigade", DistanceKM: 0.4,
		},
	}
}

func next(t *testing.T, s *Subscriber) *messages.ReportEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := s.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestHub_FanOutPreservesOrder(t *testing.T) {
	h := New(DefaultConfig())
	s := h.Subscribe(Filter{})
	defer s.Close()

	h.Publish(createdEvent("PB-1", -1.28, 36.81, models.CategoryFire))
	h.Publish(dispatchEvent("PB-1"))
	h.Publish(statusEvent("PB-1"))

	require.Equal(t, messages.TypeReportCreated, next(t, s).Type)
	require.Equal(t, messages.TypeDispatchAssigned, next(t, s).Type)
	require.Equal(t, messages.TypeStatusChanged, next(t, s).Type)
}

func TestHub_CategoryFilter(t *testing.T) {
	h := New(DefaultConfig())
	s := h.Subscribe(Filter{Categories: []models.Category{models.CategoryFlood}})
	defer s.Close()

	h.Publish(createdEvent("PB-FIRE", -1.28, 36.81, models.CategoryFire))
	h.Publish(createdEvent("PB-FLOOD", -1.29, 36.82, models.CategoryFlood))

	ev := next(t, s)
	require.Equal(t, "PB-FLOOD", ev.TrackingCode)
}

func TestHub_BBoxFilterUsesPositionIndex(t *testing.T) {
	nairobi := &geo.BoundingBox{MinLat: -1.40, MinLon: 36.60, MaxLat: -1.10, MaxLon: 37.00}
	h := New(DefaultConfig())
	s := h.Subscribe(Filter{BBox: nairobi})
	defer s.Close()

	// Inside the box; follow-up carries no coordinates but resolves via
	// the position index.
	h.Publish(createdEvent("PB-IN", -1.28, 36.81, models.CategoryFire))
	h.Publish(statusEvent("PB-IN"))

	// Outside the box; both events filtered.
	h.Publish(createdEvent("PB-OUT", -4.00, 39.60, models.CategoryFire))
	h.Publish(statusEvent("PB-OUT"))

	require.Equal(t, "PB-IN", next(t, s).TrackingCode)
	require.Equal(t, messages.TypeStatusChanged, next(t, s).Type)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_UnknownPositionFailsBBoxFilter(t *testing.T) {
	box := &geo.BoundingBox{MinLat: -90, MinLon: -180, MaxLat: 90, MaxLon: 180}
	h := New(DefaultConfig())
	s := h.Subscribe(Filter{BBox: box})
	defer s.Close()

	// No prior ReportCreated: position is unresolvable.
	h.Publish(statusEvent("PB-COLD"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_PositionLookupBackfillsColdIndex(t *testing.T) {
	nairobi := &geo.BoundingBox{MinLat: -1.40, MinLon: 36.60, MaxLat: -1.10, MaxLon: 37.00}
	lookups := 0
	h := New(DefaultConfig()).WithPositionLookup(func(code string) (float64, float64, models.Category, bool) {
		lookups++
		if code == "PB-WARM" {
			return -1.28, 36.81, models.CategoryFire, true
		}
		return 0, 0, "", false
	})
	s := h.Subscribe(Filter{BBox: nairobi, Categories: []models.Category{models.CategoryFire}})
	defer s.Close()

	// The report predates this hub instance, so only the lookup knows it.
	h.Publish(statusEvent("PB-WARM"))
	require.Equal(t, "PB-WARM", next(t, s).TrackingCode)
	require.Equal(t, 1, lookups)

	// The backfilled position is cached; a second event skips the lookup.
	h.Publish(statusEvent("PB-WARM"))
	require.Equal(t, messages.TypeStatusChanged, next(t, s).Type)
	require.Equal(t, 1, lookups)

	// A code storage does not know either still fails the bbox filter.
	h.Publish(statusEvent("PB-GONE"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 2, lookups)
}

func TestHub_OverflowDropsLowestPriorityFirst(t *testing.T) {
	h := New(Config{QueueSize: 2})
	s := h.Subscribe(Filter{})
	defer s.Close()

	h.Publish(createdEvent("PB-A", -1.28, 36.81, models.CategoryFire))
	h.Publish(createdEvent("PB-B", -1.28, 36.81, models.CategoryFire))
	// Queue full: the status change evicts the oldest lower-priority event.
	h.Publish(statusEvent("PB-A"))

	require.Equal(t, "PB-B", next(t, s).TrackingCode)
	require.Equal(t, messages.TypeStatusChanged, next(t, s).Type)
}

func TestHub_OverflowOfEqualPriorityDisconnects(t *testing.T) {
	h := New(Config{QueueSize: 2})
	s := h.Subscribe(Filter{})

	h.Publish(statusEvent("PB-1"))
	h.Publish(statusEvent("PB-2"))
	// Nothing in the queue ranks lower: the subscriber is cut off.
	h.Publish(statusEvent("PB-3"))

	require.Zero(t, h.SubscriberCount())

	// Pending events drain, then the overflow reason surfaces.
	require.Equal(t, "PB-1", next(t, s).TrackingCode)
	require.Equal(t, "PB-2", next(t, s).TrackingCode)
	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriberOverflow)
}

func TestHub_ReaperRemovesIdleSubscribers(t *testing.T) {
	h := New(Config{HeartbeatTimeout: 50 * time.Millisecond})
	idle := h.Subscribe(Filter{})
	live := h.Subscribe(Filter{})

	time.Sleep(80 * time.Millisecond)
	live.Touch()
	h.reap()

	require.Equal(t, 1, h.SubscriberCount())
	_, err := idle.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriberClosed)

	live.Close()
	require.Zero(t, h.SubscriberCount())
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	h := New(DefaultConfig())
	s := h.Subscribe(Filter{})
	s.Close()
	s.Close()
	require.Zero(t, h.SubscriberCount())

	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriberClosed)
}
