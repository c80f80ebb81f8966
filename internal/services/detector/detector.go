package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/models"
)

// errEntryExpired means the cluster aged out between scoring and commit.
var errEntryExpired = errors.New("cluster entry expired")

type Config struct {
	RadiusMeters    float64
	Window          time.Duration
	ScoreThreshold  float64
	DecisionTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RadiusMeters:    500,
		Window:          2 * time.Hour,
		ScoreThreshold:  0.60,
		DecisionTimeout: 3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RadiusMeters <= 0 {
		c.RadiusMeters = d.RadiusMeters
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.ScoreThreshold <= 0 {
		c.ScoreThreshold = d.ScoreThreshold
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = d.DecisionTimeout
	}
	return c
}

type Store interface {
	CreateCluster(ctx context.Context, c *models.DuplicateCluster) error
	AddClusterMember(ctx context.Context, clusterID uuid.UUID, reportID uint64, centroidLat, centroidLon float64, windowEnd time.Time) error
	ListClustersSince(ctx context.Context, cutoff time.Time) ([]*models.DuplicateCluster, error)
	GetReportByID(ctx context.Context, id uint64) (*models.Report, error)
}

// Transitioner closes corroborating reports as duplicates.
type Transitioner interface {
	Transition(ctx context.Context, reportID uint64, to models.Status, actor, note *string) (*models.StatusEvent, error)
}

// Decision is the detector's verdict for one new report.
type Decision struct {
	Duplicate        bool
	ClusterID        uuid.UUID
	RepresentativeID uint64
	Score            float64
}

// Detector correlates new reports with recent same-category clusters.
// Many citizens reporting one real event collapse into a single
// dispatch-eligible representative while every corroboration is recorded.
type Detector struct {
	cfg     Config
	store   Store
	machine Transitioner
	index   *index
	textSim func(a, b string) float64
	now     func() time.Time
}

func New(cfg Config, store Store, machine Transitioner) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:     cfg,
		store:   store,
		machine: machine,
		index:   newIndex(cfg.Window),
		textSim: jaccardSimilarity,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithTextSimilarity swaps the textual scoring function (e.g. for a
// model-backed scorer). Must be called before the detector is shared.
func (d *Detector) WithTextSimilarity(f func(a, b string) float64) *Detector {
	d.textSim = f
	return d
}

// WarmUp rebuilds the in-memory index from clusters whose window is still
// open, so a restart does not re-dispatch ongoing incidents.
func (d *Detector) WarmUp(ctx context.Context) error {
	now := d.now()
	clusters, err := d.store.ListClustersSince(ctx, now)
	if err != nil {
		return errors.Wrap(err, "load open clusters")
	}
	for _, c := range clusters {
		repDesc := ""
		if rep, err := d.store.GetReportByID(ctx, c.RepresentativeID); err == nil {
			repDesc = rep.Description
		}
		d.index.add(&entry{
			ID:          c.ID,
			RepID:       c.RepresentativeID,
			RepDesc:     repDesc,
			CentroidLat: c.CentroidLat,
			CentroidLon: c.CentroidLon,
			Count:       c.CorroborationCount + 1,
			FirstAt:     c.WindowStart,
			LastAt:      c.WindowEnd.Add(-d.cfg.Window),
		}, c.Category)
	}
	slog.Info("duplicate index warmed up", "clusters", len(clusters))
	return nil
}

// Evaluate decides whether the report corroborates an active cluster or
// starts a new one. The decision is bounded by DecisionTimeout and fails
// open: on timeout the report is treated as a new, dispatchable incident.
func (d *Detector) Evaluate(ctx context.Context, r *models.Report) (*Decision, error) {
	now := d.now()
	dctx, cancel := context.WithTimeout(ctx, d.cfg.DecisionTimeout)
	defer cancel()

	if cand := d.index.best(r, now, d.cfg.RadiusMeters, d.cfg.ScoreThreshold, d.textSim); cand != nil {
		dec, err := d.attach(dctx, cand, r, now)
		if err == nil {
			return dec, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errEntryExpired) {
			return nil, err
		}
		slog.Warn("duplicate attach failed open", "report_id", r.ID, "reason", err.Error())
		return d.startCluster(context.WithoutCancel(ctx), r, now)
	}

	// A concurrent submission of the same incident may have registered its
	// cluster after the scan above. One more scan turns most of those
	// races into corroborations instead of twin clusters; the residual
	// window (both persisting at once) cannot be closed without holding a
	// lock across storage, which dispatch latency rules out.
	if cand := d.index.best(r, now, d.cfg.RadiusMeters, d.cfg.ScoreThreshold, d.textSim); cand != nil {
		if dec, err := d.attach(dctx, cand, r, now); err == nil {
			return dec, nil
		}
	}
	return d.startCluster(context.WithoutCancel(ctx), r, now)
}

func (d *Detector) attach(ctx context.Context, cand *candidate, r *models.Report, now time.Time) (*Decision, error) {
	e := cand.entry
	lat, lon, ok := d.index.absorb(r.Category, e.ID, r.Latitude, r.Longitude, now)
	if !ok {
		return nil, errEntryExpired
	}

	if err := d.store.AddClusterMember(ctx, e.ID, r.ID, lat, lon, now.Add(d.cfg.Window)); err != nil {
		return nil, errors.Wrap(err, "persist cluster member")
	}

	note := "corroborates incident " + e.ID.String()
	if _, err := d.machine.Transition(ctx, r.ID, models.StatusClosedDuplicate, nil, &note); err != nil {
		return nil, errors.Wrap(err, "close duplicate")
	}

	slog.Info("report corroborates existing incident",
		"report_id", r.ID, "cluster_id", e.ID, "score", cand.score, "distance_km", cand.dist)

	return &Decision{
		Duplicate:        true,
		ClusterID:        e.ID,
		RepresentativeID: e.RepID,
		Score:            cand.score,
	}, nil
}

func (d *Detector) startCluster(ctx context.Context, r *models.Report, now time.Time) (*Decision, error) {
	c := &models.DuplicateCluster{
		ID:               uuid.New(),
		Category:         r.Category,
		RepresentativeID: r.ID,
		CentroidLat:      r.Latitude,
		CentroidLon:      r.Longitude,
		WindowStart:      now,
		WindowEnd:        now.Add(d.cfg.Window),
	}
	if err := d.store.CreateCluster(ctx, c); err != nil {
		return nil, errors.Wrap(err, "create cluster")
	}

	d.index.add(&entry{
		ID:          c.ID,
		RepID:       r.ID,
		RepDesc:     r.Description,
		CentroidLat: r.Latitude,
		CentroidLon: r.Longitude,
		Count:       1,
		FirstAt:     now,
		LastAt:      now,
	}, r.Category)

	return &Decision{ClusterID: c.ID, RepresentativeID: r.ID}, nil
}

// Sweep expires stale index entries; run it periodically.
func (d *Detector) Sweep() {
	d.index.sweep(d.now())
}
