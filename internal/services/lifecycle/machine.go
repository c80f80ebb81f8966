package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/broker/messages"
	"github.com/publicbridge/alertcore/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoteRequired      = errors.New("resolution note is required")
)

// transitions is the full lifecycle graph. Rejection is handled separately
// because it is allowed from every non-terminal state.
var transitions = map[models.Status][]models.Status{
	models.StatusSubmitted:  {models.StatusDispatched, models.StatusUnassigned, models.StatusClosedDuplicate},
	models.StatusUnassigned: {models.StatusDispatched},
	models.StatusDispatched: {models.StatusInProgress},
	models.StatusInProgress: {models.StatusResolved},
}

// Allowed reports whether from -> to is present in the lifecycle graph.
func Allowed(from, to models.Status) bool {
	if to == models.StatusRejected {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Store interface {
	GetReportByID(ctx context.Context, id uint64) (*models.Report, error)
	ApplyTransition(ctx context.Context, reportID uint64, from, to models.Status, actor, note *string) (*models.StatusEvent, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Machine is the only mutator of report status. Every applied transition
// is recorded durably first and only then announced on the event topic.
type Machine struct {
	store    Store
	producer Publisher
	topic    string
}

func New(store Store, producer Publisher, topic string) *Machine {
	return &Machine{store: store, producer: producer, topic: topic}
}

func (m *Machine) Transition(ctx context.Context, reportID uint64, to models.Status, actor, note *string) (*models.StatusEvent, error) {
	r, err := m.store.GetReportByID(ctx, reportID)
	if err != nil {
		return nil, errors.Wrap(err, "load report")
	}

	if !Allowed(r.Status, to) {
		return nil, ErrInvalidTransition
	}
	if to == models.StatusResolved && (note == nil || *note == "") {
		return nil, ErrNoteRequired
	}

	ev, err := m.store.ApplyTransition(ctx, reportID, r.Status, to, actor, note)
	if err != nil {
		return nil, err
	}

	m.publishStatusChanged(ctx, r.TrackingCode, ev)
	return ev, nil
}

// publishStatusChanged is best-effort: the transition is already durable,
// and live-feed consumers recover via the status query.
func (m *Machine) publishStatusChanged(ctx context.Context, trackingCode string, ev *models.StatusEvent) {
	if m.producer == nil {
		return
	}
	actor := ""
	if ev.ActorRef != nil {
		actor = *ev.ActorRef
	}
	noteText := ""
	if ev.Note != nil {
		noteText = *ev.Note
	}
	payload := messages.ReportEvent{
		Type:         messages.TypeStatusChanged,
		TrackingCode: trackingCode,
		OccurredAt:   ev.CreatedAt,
		StatusChanged: &messages.StatusChanged{
			ReportID:   ev.ReportID,
			PrevStatus: ev.PrevStatus,
			NewStatus:  ev.NewStatus,
			Actor:      actor,
			Note:       noteText,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal status event", "error", err.Error())
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.producer.Publish(pubCtx, m.topic, []byte(trackingCode), b); err != nil {
		slog.Error("publish status event", "tracking_code", trackingCode, "error", err.Error())
	}
}
