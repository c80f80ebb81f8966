package rescan

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/models"
	"github.com/publicbridge/alertcore/internal/services/dispatch"
	"github.com/publicbridge/alertcore/internal/storage/pgreports"
)

type Repository interface {
	ClaimUnassignedReports(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Report, error)
	MarkDispatchFailure(ctx context.Context, reportID uint64, nextAt time.Time) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, r *models.Report) (*models.DispatchAssignment, error)
}

// Rescanner periodically re-attempts dispatch for unassigned reports, e.g.
// after a new agency registers or an overloaded one frees up. Claims are
// leased so several worker instances can run side by side.
type Rescanner struct {
	repo       Repository
	dispatcher Dispatcher

	planner *Planner

	pollInterval time.Duration
	batchSize    int
	concurrency  int
	lease        time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalDispatched     atomic.Int64
	totalDeferred       atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, dispatcher Dispatcher) *Rescanner {
	return &Rescanner{
		repo:              repo,
		dispatcher:        dispatcher,
		planner:           DefaultPlanner(),
		pollInterval:      30 * time.Second,
		batchSize:         100,
		concurrency:       10,
		lease:             120 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (w *Rescanner) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration) *Rescanner {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if lease > 0 {
		w.lease = lease
	}
	return w
}

func (w *Rescanner) WithPlanner(cfg PlannerConfig) *Rescanner {
	w.planner = NewPlanner(cfg)
	return w
}

// Trigger forces an immediate rescan cycle (best-effort, non-blocking).
func (w *Rescanner) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt       time.Time  `json:"startedAt"`
	LastCycleAt     *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt   *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed    int64      `json:"totalClaimed"`
	TotalDispatched int64      `json:"totalDispatched"`
	TotalDeferred   int64      `json:"totalDeferred"`
	TotalErrors     int64      `json:"totalErrors"`
	InFlight        int64      `json:"inFlight"`
	LastError       string     `json:"lastError,omitempty"`
}

func (w *Rescanner) Stats() Stats {
	st := Stats{
		StartedAt:       time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalClaimed:    w.totalClaimed.Load(),
		TotalDispatched: w.totalDispatched.Load(),
		TotalDeferred:   w.totalDeferred.Load(),
		TotalErrors:     w.totalErrors.Load(),
		InFlight:        w.inFlight.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Rescanner) Run(ctx context.Context) error {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *Rescanner) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	w.lastCycleUnixNano.Store(now.UnixNano())

	items, err := w.repo.ClaimUnassignedReports(ctx, now, w.batchSize, w.lease)
	if err != nil {
		slog.Error("claim unassigned reports", "error", err.Error())
		w.recordError(err)
		return
	}
	w.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, r := range items {
		sem <- struct{}{}
		wg.Add(1)
		rCopy := r
		w.inFlight.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := w.processOne(ctx, rCopy); err != nil {
				w.totalErrors.Add(1)
				w.recordError(err)
				slog.Error("rescan report", "report_id", rCopy.ID, "error", err.Error())
			}
		}()
	}
	wg.Wait()
}

func (w *Rescanner) processOne(ctx context.Context, r *models.Report) error {
	_, err := w.dispatcher.Dispatch(ctx, r)
	if err == nil {
		w.totalDispatched.Add(1)
		slog.Info("rescan dispatched report", "report_id", r.ID, "tracking_code", r.TrackingCode)
		return nil
	}

	if errors.Is(err, dispatch.ErrNoEligibleAgency) {
		w.totalDeferred.Add(1)
		nextAt := time.Now().UTC().Add(w.planner.BackoffDelay(r.DispatchFailCount + 1))
		return errors.Wrap(w.repo.MarkDispatchFailure(ctx, r.ID, nextAt), "schedule retry")
	}

	// Another actor moved the report out of unassigned while we held the
	// lease. Nothing to do.
	if errors.Is(err, pgreports.ErrStaleStatus) {
		return nil
	}
	return err
}

func (w *Rescanner) recordError(err error) {
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}
