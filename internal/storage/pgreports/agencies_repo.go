package pgreports

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/models"
)

const agencyColumns = `
  id, name, capabilities, latitude, longitude,
  contact_email, phone_number, active, load, last_seen_at,
  created_at, updated_at
`

// UpsertAgency creates or updates an agency record. The load counter is
// owned by the dispatch path and is never touched here.
func (s *Storage) UpsertAgency(ctx context.Context, a *models.Agency) error {
	now := time.Now().UTC()
	caps := make([]string, 0, len(a.Capabilities))
	for _, c := range a.Capabilities {
		caps = append(caps, string(c))
	}

	if a.ID == 0 {
		err := s.db.QueryRow(ctx, `
INSERT INTO agencies (name, capabilities, latitude, longitude, contact_email, phone_number, active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
RETURNING id, created_at, updated_at
`, a.Name, caps, a.Latitude, a.Longitude, a.ContactEmail, a.PhoneNumber, a.Active, now).
			Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
		return errors.Wrap(err, "insert agency")
	}

	tag, err := s.db.Exec(ctx, `
UPDATE agencies
SET name = $2, capabilities = $3, latitude = $4, longitude = $5,
    contact_email = $6, phone_number = $7, active = $8, updated_at = $9
WHERE id = $1
`, a.ID, a.Name, caps, a.Latitude, a.Longitude, a.ContactEmail, a.PhoneNumber, a.Active, now)
	if err != nil {
		return errors.Wrap(err, "update agency")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) GetAgencyByID(ctx context.Context, id uint64) (*models.Agency, error) {
	row := s.db.QueryRow(ctx, `SELECT `+agencyColumns+` FROM agencies WHERE id = $1`, id)
	return scanAgency(row)
}

func (s *Storage) ListAgencies(ctx context.Context) ([]*models.Agency, error) {
	rows, err := s.db.Query(ctx, `SELECT `+agencyColumns+` FROM agencies ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "select agencies")
	}
	defer rows.Close()
	return scanAgencies(rows)
}

// ListEligibleAgencies returns active agencies whose capability set
// contains the category, ordered by id for deterministic iteration.
func (s *Storage) ListEligibleAgencies(ctx context.Context, category models.Category) ([]*models.Agency, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+agencyColumns+`
FROM agencies
WHERE active AND $1 = ANY(capabilities)
ORDER BY id
`, string(category))
	if err != nil {
		return nil, errors.Wrap(err, "select eligible agencies")
	}
	defer rows.Close()
	return scanAgencies(rows)
}

func (s *Storage) TouchAgency(ctx context.Context, id uint64) error {
	tag, err := s.db.Exec(ctx, `
UPDATE agencies SET active = TRUE, last_seen_at = now(), updated_at = now() WHERE id = $1
`, id)
	if err != nil {
		return errors.Wrap(err, "touch agency")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAgencies(rows pgx.Rows) ([]*models.Agency, error) {
	var out []*models.Agency
	for rows.Next() {
		a, err := scanAgency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanAgency(row pgx.Row) (*models.Agency, error) {
	var a models.Agency
	var caps []string
	if err := row.Scan(
		&a.ID, &a.Name, &caps, &a.Latitude, &a.Longitude,
		&a.ContactEmail, &a.PhoneNumber, &a.Active, &a.Load, &a.LastSeenAt,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "scan agency")
	}
	a.Capabilities = make([]models.Category, 0, len(caps))
	for _, c := range caps {
		a.Capabilities = append(a.Capabilities, models.Category(c))
	}
	return &a, nil
}
