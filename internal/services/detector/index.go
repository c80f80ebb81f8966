package detector

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/publicbridge/alertcore/internal/geo"
	"github.com/publicbridge/alertcore/internal/models"
)

// entry is one active cluster in the in-memory index.
type entry struct {
	ID          uuid.UUID
	RepID       uint64
	RepDesc     string
	CentroidLat float64
	CentroidLon float64
	Count       int32 // members including the representative
	FirstAt     time.Time
	LastAt      time.Time
}

// index is the sliding-window spatio-temporal cluster index, sharded by
// category so concurrent reports of unrelated kinds never contend.
type index struct {
	window time.Duration
	shards map[models.Category]*shard
}

type shard struct {
	mu      sync.Mutex
	entries []*entry
}

func newIndex(window time.Duration) *index {
	shards := make(map[models.Category]*shard, len(models.Categories()))
	for _, c := range models.Categories() {
		shards[c] = &shard{}
	}
	return &index{window: window, shards: shards}
}

type candidate struct {
	entry *entry
	score float64
	dist  float64
}

// best returns the highest-scoring active cluster for the report, pruning
// expired entries from the shard as a side effect.
func (ix *index) best(r *models.Report, now time.Time, radiusMeters, threshold float64, textSim func(a, b string) float64) *candidate {
	sh := ix.shards[r.Category]
	if sh == nil {
		return nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.prune(now, ix.window)

	var top *candidate
	for _, e := range sh.entries {
		distKM := geo.HaversineKM(r.Latitude, r.Longitude, e.CentroidLat, e.CentroidLon)
		distM := distKM * 1000
		if distM > radiusMeters {
			continue
		}
		gap := now.Sub(e.LastAt)
		if gap < 0 {
			gap = 0
		}

		spatial := 1 - distM/radiusMeters
		temporal := 1 - float64(gap)/float64(ix.window)
		textual := 0.0
		if textSim != nil {
			textual = textSim(r.Description, e.RepDesc)
		}
		score := 0.5*spatial + 0.3*temporal + 0.2*textual

		if score >= threshold && (top == nil || score > top.score) {
			top = &candidate{entry: e, score: score, dist: distKM}
		}
	}
	return top
}

func (ix *index) add(e *entry, category models.Category) {
	sh := ix.shards[category]
	if sh == nil {
		return
	}
	sh.mu.Lock()
	sh.entries = append(sh.entries, e)
	sh.mu.Unlock()
}

// absorb folds a corroborating report into the cluster entry: running-mean
// centroid, member count and window bump.
func (ix *index) absorb(category models.Category, id uuid.UUID, lat, lon float64, at time.Time) (centroidLat, centroidLon float64, ok bool) {
	sh := ix.shards[category]
	if sh == nil {
		return 0, 0, false
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, e := range sh.entries {
		if e.ID != id {
			continue
		}
		n := float64(e.Count + 1)
		e.CentroidLat += (lat - e.CentroidLat) / n
		e.CentroidLon += (lon - e.CentroidLon) / n
		e.Count++
		if at.After(e.LastAt) {
			e.LastAt = at
		}
		return e.CentroidLat, e.CentroidLon, true
	}
	return 0, 0, false
}

// sweep drops expired entries across all shards.
func (ix *index) sweep(now time.Time) {
	for _, sh := range ix.shards {
		sh.mu.Lock()
		sh.prune(now, ix.window)
		sh.mu.Unlock()
	}
}

// prune must be called with the shard lock held.
func (sh *shard) prune(now time.Time, window time.Duration) {
	kept := sh.entries[:0]
	for _, e := range sh.entries {
		if now.Sub(e.LastAt) <= window {
			kept = append(kept, e)
		}
	}
	sh.entries = kept
}

// jaccardSimilarity is the default textual score: token-set overlap of the
// two descriptions. The scoring function is pluggable so a model-backed
// similarity can replace it without touching the detector.
func jaccardSimilarity(a, b string) float64 {
	ta := tokens(a)
	tb := tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}
