package pgreports

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/models"
)

// AssignReport commits a dispatch decision in a single transaction:
// re-checks the report is still in the expected state, records the
// assignment, increments the agency load and moves the report to
// dispatched with its audit event. Losing the state race (e.g. the report
// was closed as a duplicate meanwhile) returns ErrStaleStatus with no
// partial effects.
func (s *Storage) AssignReport(ctx context.Context, reportID, agencyID uint64, from models.Status, distanceKM float64, reason string) (*models.DispatchAssignment, *models.StatusEvent, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current models.Status
	err = tx.QueryRow(ctx, `SELECT status FROM reports WHERE id = $1 FOR UPDATE`, reportID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "lock report")
	}
	if current != from {
		return nil, nil, ErrStaleStatus
	}

	asg := &models.DispatchAssignment{
		ReportID:   reportID,
		AgencyID:   agencyID,
		DistanceKM: distanceKM,
		Reason:     reason,
		Active:     true,
	}
	if err := tx.QueryRow(ctx, `
INSERT INTO dispatch_assignments (report_id, agency_id, distance_km, reason, active, assigned_at)
VALUES ($1,$2,$3,$4,TRUE,$5)
RETURNING id, assigned_at
`, reportID, agencyID, distanceKM, reason, now).Scan(&asg.ID, &asg.AssignedAt); err != nil {
		return nil, nil, errors.Wrap(err, "insert assignment")
	}

	if _, err := tx.Exec(ctx, `
UPDATE agencies SET load = load + 1, updated_at = $2 WHERE id = $1
`, agencyID, now); err != nil {
		return nil, nil, errors.Wrap(err, "increment agency load")
	}

	if _, err := tx.Exec(ctx, `
UPDATE reports SET status = $2, next_dispatch_at = NULL, updated_at = $3 WHERE id = $1
`, reportID, models.StatusDispatched, now); err != nil {
		return nil, nil, errors.Wrap(err, "update report status")
	}

	ev := &models.StatusEvent{
		ReportID:   reportID,
		PrevStatus: from,
		NewStatus:  models.StatusDispatched,
	}
	if err := tx.QueryRow(ctx, `
INSERT INTO status_events (report_id, prev_status, new_status, actor_ref, note, created_at)
VALUES ($1,$2,$3,NULL,NULL,$4)
RETURNING id, created_at
`, reportID, from, models.StatusDispatched, now).Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return nil, nil, errors.Wrap(err, "insert status event")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "commit tx")
	}
	return asg, ev, nil
}

func (s *Storage) GetActiveAssignment(ctx context.Context, reportID uint64) (*models.DispatchAssignment, error) {
	var a models.DispatchAssignment
	err := s.db.QueryRow(ctx, `
SELECT id, report_id, agency_id, distance_km, reason, active, assigned_at
FROM dispatch_assignments
WHERE report_id = $1 AND active
`, reportID).Scan(&a.ID, &a.ReportID, &a.AgencyID, &a.DistanceKM, &a.Reason, &a.Active, &a.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select assignment")
	}
	return &a, nil
}

// ListAssignments returns the full assignment history for a report,
// newest first. Kept for audit even after reassignment or resolution.
func (s *Storage) ListAssignments(ctx context.Context, reportID uint64) ([]*models.DispatchAssignment, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, report_id, agency_id, distance_km, reason, active, assigned_at
FROM dispatch_assignments
WHERE report_id = $1
ORDER BY id DESC
`, reportID)
	if err != nil {
		return nil, errors.Wrap(err, "select assignments")
	}
	defer rows.Close()

	var out []*models.DispatchAssignment
	for rows.Next() {
		var a models.DispatchAssignment
		if err := rows.Scan(&a.ID, &a.ReportID, &a.AgencyID, &a.DistanceKM, &a.Reason, &a.Active, &a.AssignedAt); err != nil {
			return nil, errors.Wrap(err, "scan assignment")
		}
		out = append(out, &a)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
