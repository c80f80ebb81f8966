package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/broker/messages"
	"github.com/publicbridge/alertcore/internal/geo"
	"github.com/publicbridge/alertcore/internal/models"
	"github.com/publicbridge/alertcore/internal/storage/pgreports"
)

var ErrNoEligibleAgency = errors.New("no eligible agency")

type Store interface {
	ListEligibleAgencies(ctx context.Context, category models.Category) ([]*models.Agency, error)
	AssignReport(ctx context.Context, reportID, agencyID uint64, from models.Status, distanceKM float64, reason string) (*models.DispatchAssignment, *models.StatusEvent, error)
}

type Transitioner interface {
	Transition(ctx context.Context, reportID uint64, to models.Status, actor, note *string) (*models.StatusEvent, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Engine assigns cluster representatives to the nearest capable agency.
type Engine struct {
	store           Store
	machine         Transitioner
	producer        Publisher
	topic           string
	decisionTimeout time.Duration
}

func New(store Store, machine Transitioner, producer Publisher, topic string, decisionTimeout time.Duration) *Engine {
	if decisionTimeout <= 0 {
		decisionTimeout = 3 * time.Second
	}
	return &Engine{
		store:           store,
		machine:         machine,
		producer:        producer,
		topic:           topic,
		decisionTimeout: decisionTimeout,
	}
}

type ranked struct {
	agency *models.Agency
	dist   float64
}

// Select picks the eligible agency minimizing great-circle distance.
// Ties break by ascending load, then ascending id, so identical inputs
// always produce the identical agency.
func Select(agencies []*models.Agency, lat, lon float64) (*models.Agency, float64, bool) {
	if len(agencies) == 0 {
		return nil, 0, false
	}
	rs := make([]ranked, 0, len(agencies))
	for _, a := range agencies {
		rs = append(rs, ranked{agency: a, dist: geo.HaversineKM(lat, lon, a.Latitude, a.Longitude)})
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].dist != rs[j].dist {
			return rs[i].dist < rs[j].dist
		}
		if rs[i].agency.Load != rs[j].agency.Load {
			return rs[i].agency.Load < rs[j].agency.Load
		}
		return rs[i].agency.ID < rs[j].agency.ID
	})
	return rs[0].agency, rs[0].dist, true
}

// Dispatch drives the report from its current state to dispatched, or to
// unassigned when nothing can take it. The decision is deadline-bounded
// and fails open to unassigned. A report that raced into a terminal state
// (e.g. closed_duplicate) is abandoned without effects.
func (e *Engine) Dispatch(ctx context.Context, r *models.Report) (*models.DispatchAssignment, error) {
	dctx, cancel := context.WithTimeout(ctx, e.decisionTimeout)
	defer cancel()

	agencies, err := e.store.ListEligibleAgencies(dctx, r.Category)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("agency lookup timed out, failing open to unassigned", "report_id", r.ID)
			return nil, e.markUnassigned(context.WithoutCancel(ctx), r)
		}
		return nil, errors.Wrap(err, "list eligible agencies")
	}

	best, dist, ok := Select(agencies, r.Latitude, r.Longitude)
	if !ok {
		return nil, e.markUnassigned(ctx, r)
	}

	reason := fmt.Sprintf("nearest active %s agency (%.2f km, load %d)", r.Category, dist, best.Load)
	asg, ev, err := e.store.AssignReport(dctx, r.ID, best.ID, r.Status, dist, reason)
	if err != nil {
		if errors.Is(err, pgreports.ErrStaleStatus) {
			slog.Info("dispatch abandoned, report moved on", "report_id", r.ID)
			return nil, err
		}
		return nil, errors.Wrap(err, "commit assignment")
	}

	slog.Info("report dispatched",
		"report_id", r.ID, "agency_id", best.ID, "distance_km", dist)

	e.publish(ctx, r.TrackingCode, &messages.ReportEvent{
		Type:         messages.TypeDispatchAssigned,
		TrackingCode: r.TrackingCode,
		OccurredAt:   asg.AssignedAt,
		DispatchAssigned: &messages.DispatchAssigned{
			ReportID:   r.ID,
			AgencyID:   best.ID,
			AgencyName: best.Name,
			DistanceKM: dist,
		},
	})
	e.publish(ctx, r.TrackingCode, &messages.ReportEvent{
		Type:         messages.TypeStatusChanged,
		TrackingCode: r.TrackingCode,
		OccurredAt:   ev.CreatedAt,
		StatusChanged: &messages.StatusChanged{
			ReportID:   r.ID,
			PrevStatus: ev.PrevStatus,
			NewStatus:  ev.NewStatus,
		},
	})

	return asg, nil
}

// markUnassigned parks a fresh report for the rescan worker. Reports that
// are already unassigned just report the miss to the caller.
func (e *Engine) markUnassigned(ctx context.Context, r *models.Report) error {
	if r.Status == models.StatusUnassigned {
		return ErrNoEligibleAgency
	}
	note := "no active agency can handle " + string(r.Category)
	if _, err := e.machine.Transition(ctx, r.ID, models.StatusUnassigned, nil, &note); err != nil {
		return errors.Wrap(err, "mark unassigned")
	}
	return ErrNoEligibleAgency
}

func (e *Engine) publish(ctx context.Context, key string, ev *messages.ReportEvent) {
	if e.producer == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal dispatch event", "error", err.Error())
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.producer.Publish(pubCtx, e.topic, []byte(key), b); err != nil {
		slog.Error("publish dispatch event", "tracking_code", key, "error", err.Error())
	}
}
