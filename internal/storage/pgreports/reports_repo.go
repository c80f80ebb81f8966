package pgreports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/models"
)

const reportColumns = `
  id, tracking_code, category, severity,
  latitude, longitude, description, address,
  attachments, anonymous, submitter_ref,
  status, cluster_id, dispatch_fail_count, next_dispatch_at,
  archived, created_at, updated_at
`

// CreateReport inserts the report in its initial status together with the
// first audit event, atomically. A tracking code collision surfaces as
// ErrTrackingCodeTaken so the caller can retry with a fresh suffix.
func (s *Storage) CreateReport(ctx context.Context, r *models.Report) error {
	now := time.Now().UTC()

	var attachments []byte
	if len(r.Attachments) > 0 {
		b, err := json.Marshal(r.Attachments)
		if err != nil {
			return errors.Wrap(err, "marshal attachments")
		}
		attachments = b
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
INSERT INTO reports (
  tracking_code, category, severity,
  latitude, longitude, description, address,
  attachments, anonymous, submitter_ref,
  status, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
RETURNING id, created_at, updated_at
`, r.TrackingCode, r.Category, r.Severity,
		r.Latitude, r.Longitude, r.Description, r.Address,
		attachments, r.Anonymous, r.SubmitterRef,
		r.Status, now,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrTrackingCodeTaken
		}
		return errors.Wrap(err, "insert report")
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO status_events (report_id, prev_status, new_status, actor_ref, note, created_at)
VALUES ($1,'',$2,NULL,NULL,$3)
`, r.ID, r.Status, now); err != nil {
		return errors.Wrap(err, "insert initial status event")
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

func (s *Storage) GetReportByID(ctx context.Context, id uint64) (*models.Report, error) {
	row := s.db.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	return scanReport(row)
}

func (s *Storage) GetReportByTrackingCode(ctx context.Context, code string) (*models.Report, error) {
	row := s.db.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE tracking_code = $1`, code)
	return scanReport(row)
}

func scanReport(row pgx.Row) (*models.Report, error) {
	var r models.Report
	var attachments []byte
	if err := row.Scan(
		&r.ID, &r.TrackingCode, &r.Category, &r.Severity,
		&r.Latitude, &r.Longitude, &r.Description, &r.Address,
		&attachments, &r.Anonymous, &r.SubmitterRef,
		&r.Status, &r.ClusterID, &r.DispatchFailCount, &r.NextDispatchAt,
		&r.Archived, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "scan report")
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &r.Attachments); err != nil {
			return nil, errors.Wrap(err, "unmarshal attachments")
		}
	}
	return &r, nil
}

// ApplyTransition atomically moves the report from -> to and appends the
// status event. The WHERE status = $from guard is the optimistic check:
// losing the race returns ErrStaleStatus and nothing is written.
// A terminal transition also releases the active assignment, decrementing
// the agency load exactly once.
func (s *Storage) ApplyTransition(ctx context.Context, reportID uint64, from, to models.Status, actor, note *string) (*models.StatusEvent, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE reports SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2
`, reportID, from, to, now)
	if err != nil {
		return nil, errors.Wrap(err, "update report status")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reports WHERE id = $1)`, reportID).Scan(&exists); err != nil {
			return nil, errors.Wrap(err, "check report exists")
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrStaleStatus
	}

	ev := &models.StatusEvent{
		ReportID:   reportID,
		PrevStatus: from,
		NewStatus:  to,
		ActorRef:   actor,
		Note:       note,
	}
	if err := tx.QueryRow(ctx, `
INSERT INTO status_events (report_id, prev_status, new_status, actor_ref, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id, created_at
`, reportID, from, to, actor, note, now).Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return nil, errors.Wrap(err, "insert status event")
	}

	if to.Terminal() {
		if err := releaseActiveAssignment(ctx, tx, reportID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return ev, nil
}

func releaseActiveAssignment(ctx context.Context, tx pgx.Tx, reportID uint64) error {
	var agencyID uint64
	err := tx.QueryRow(ctx, `
UPDATE dispatch_assignments SET active = FALSE
WHERE report_id = $1 AND active
RETURNING agency_id
`, reportID).Scan(&agencyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "release assignment")
	}
	if _, err := tx.Exec(ctx, `
UPDATE agencies SET load = GREATEST(load - 1, 0), updated_at = now() WHERE id = $1
`, agencyID); err != nil {
		return errors.Wrap(err, "decrement agency load")
	}
	return nil
}

// StatusHistory returns the append-only audit trail, oldest first.
func (s *Storage) StatusHistory(ctx context.Context, reportID uint64) ([]*models.StatusEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, report_id, prev_status, new_status, actor_ref, note, created_at
FROM status_events
WHERE report_id = $1
ORDER BY id ASC
`, reportID)
	if err != nil {
		return nil, errors.Wrap(err, "select status events")
	}
	defer rows.Close()

	var out []*models.StatusEvent
	for rows.Next() {
		var e models.StatusEvent
		if err := rows.Scan(&e.ID, &e.ReportID, &e.PrevStatus, &e.NewStatus, &e.ActorRef, &e.Note, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan status event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ClaimUnassignedReports picks a batch of reports due for a dispatch retry
// and leases them so concurrent workers do not pick them up twice.
// Uses SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimUnassignedReports(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Report, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+reportColumns+`
FROM reports
WHERE status = $1
  AND (next_dispatch_at IS NULL OR next_dispatch_at <= $2)
ORDER BY next_dispatch_at ASC NULLS FIRST
LIMIT $3
FOR UPDATE SKIP LOCKED
`, models.StatusUnassigned, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due reports")
	}

	var picked []*models.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		picked = append(picked, r)
	}
	if rows.Err() != nil {
		rows.Close()
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	rows.Close()

	leaseUntil := now.UTC().Add(lease)
	for _, r := range picked {
		if _, err := tx.Exec(ctx, `
UPDATE reports SET next_dispatch_at = $2, updated_at = now() WHERE id = $1
`, r.ID, leaseUntil); err != nil {
			return nil, errors.Wrap(err, "lease report")
		}
		t := leaseUntil
		r.NextDispatchAt = &t
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// MarkDispatchFailure bumps the fail counter and schedules the next retry.
func (s *Storage) MarkDispatchFailure(ctx context.Context, reportID uint64, nextAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE reports
SET dispatch_fail_count = dispatch_fail_count + 1,
    next_dispatch_at = $2,
    updated_at = now()
WHERE id = $1
`, reportID, nextAt.UTC())
	return errors.Wrap(err, "mark dispatch failure")
}

func (s *Storage) ArchiveReport(ctx context.Context, reportID uint64) error {
	tag, err := s.db.Exec(ctx, `UPDATE reports SET archived = TRUE, updated_at = now() WHERE id = $1`, reportID)
	if err != nil {
		return errors.Wrap(err, "archive report")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
