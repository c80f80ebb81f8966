package pgreports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/models"
)

// CreateCluster persists a new duplicate cluster and links its
// representative report in one transaction.
func (s *Storage) CreateCluster(ctx context.Context, c *models.DuplicateCluster) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.QueryRow(ctx, `
INSERT INTO duplicate_clusters (
  id, category, representative_id, centroid_lat, centroid_lon,
  window_start, window_end, corroboration_count, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
RETURNING created_at, updated_at
`, c.ID, c.Category, c.RepresentativeID, c.CentroidLat, c.CentroidLon,
		c.WindowStart.UTC(), c.WindowEnd.UTC(), c.CorroborationCount, now,
	).Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
		return errors.Wrap(err, "insert cluster")
	}

	if _, err := tx.Exec(ctx, `
UPDATE reports SET cluster_id = $2, updated_at = $3 WHERE id = $1
`, c.RepresentativeID, c.ID, now); err != nil {
		return errors.Wrap(err, "link representative")
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// AddClusterMember attaches a corroborating report to the cluster: links
// the report, bumps the corroboration count, recomputes the centroid and
// extends the time window.
func (s *Storage) AddClusterMember(ctx context.Context, clusterID uuid.UUID, reportID uint64, centroidLat, centroidLon float64, windowEnd time.Time) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
UPDATE reports SET cluster_id = $2, updated_at = $3 WHERE id = $1
`, reportID, clusterID, now); err != nil {
		return errors.Wrap(err, "link member")
	}

	tag, err := tx.Exec(ctx, `
UPDATE duplicate_clusters
SET corroboration_count = corroboration_count + 1,
    centroid_lat = $2, centroid_lon = $3,
    window_end = GREATEST(window_end, $4),
    updated_at = $5
WHERE id = $1
`, clusterID, centroidLat, centroidLon, windowEnd.UTC(), now)
	if err != nil {
		return errors.Wrap(err, "bump cluster")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// ListClustersSince returns clusters whose window is still open past the
// cutoff, used to rebuild the in-memory index at startup.
func (s *Storage) ListClustersSince(ctx context.Context, cutoff time.Time) ([]*models.DuplicateCluster, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, category, representative_id, centroid_lat, centroid_lon,
       window_start, window_end, corroboration_count, created_at, updated_at
FROM duplicate_clusters
WHERE window_end >= $1
ORDER BY window_end ASC
`, cutoff.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select clusters")
	}
	defer rows.Close()

	var out []*models.DuplicateCluster
	for rows.Next() {
		var c models.DuplicateCluster
		if err := rows.Scan(
			&c.ID, &c.Category, &c.RepresentativeID, &c.CentroidLat, &c.CentroidLon,
			&c.WindowStart, &c.WindowEnd, &c.CorroborationCount, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan cluster")
		}
		out = append(out, &c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetCluster(ctx context.Context, id uuid.UUID) (*models.DuplicateCluster, error) {
	var c models.DuplicateCluster
	err := s.db.QueryRow(ctx, `
SELECT id, category, representative_id, centroid_lat, centroid_lon,
       window_start, window_end, corroboration_count, created_at, updated_at
FROM duplicate_clusters
WHERE id = $1
`, id).Scan(
		&c.ID, &c.Category, &c.RepresentativeID, &c.CentroidLat, &c.CentroidLon,
		&c.WindowStart, &c.WindowEnd, &c.CorroborationCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select cluster")
	}
	return &c, nil
}
