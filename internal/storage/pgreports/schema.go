package pgreports

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS reports (
  id BIGSERIAL PRIMARY KEY,
  tracking_code TEXT NOT NULL UNIQUE,
  category TEXT NOT NULL,
  severity TEXT NOT NULL,
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL,
  description TEXT NOT NULL,
  address TEXT NOT NULL DEFAULT '',
  attachments JSONB NULL,
  anonymous BOOLEAN NOT NULL DEFAULT FALSE,
  submitter_ref TEXT NULL,
  status TEXT NOT NULL,
  cluster_id UUID NULL,
  dispatch_fail_count INT NOT NULL DEFAULT 0,
  next_dispatch_at TIMESTAMPTZ NULL,
  archived BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_status_next_dispatch ON reports(status, next_dispatch_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_cluster_id ON reports(cluster_id)`,
		`
CREATE TABLE IF NOT EXISTS agencies (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  capabilities TEXT[] NOT NULL DEFAULT '{}',
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL,
  contact_email TEXT NOT NULL DEFAULT '',
  phone_number TEXT NOT NULL DEFAULT '',
  active BOOLEAN NOT NULL DEFAULT FALSE,
  load INT NOT NULL DEFAULT 0 CHECK (load >= 0),
  last_seen_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_agencies_active ON agencies(active)`,
		`
CREATE TABLE IF NOT EXISTS dispatch_assignments (
  id BIGSERIAL PRIMARY KEY,
  report_id BIGINT NOT NULL REFERENCES reports(id),
  agency_id BIGINT NOT NULL REFERENCES agencies(id),
  distance_km DOUBLE PRECISION NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  active BOOLEAN NOT NULL DEFAULT TRUE,
  assigned_at TIMESTAMPTZ NOT NULL
)`,
		// One active assignment per report at a time.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_assignments_active_report ON dispatch_assignments(report_id) WHERE active`,
		`
CREATE TABLE IF NOT EXISTS duplicate_clusters (
  id UUID PRIMARY KEY,
  category TEXT NOT NULL,
  representative_id BIGINT NOT NULL REFERENCES reports(id),
  centroid_lat DOUBLE PRECISION NOT NULL,
  centroid_lon DOUBLE PRECISION NOT NULL,
  window_start TIMESTAMPTZ NOT NULL,
  window_end TIMESTAMPTZ NOT NULL,
  corroboration_count INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_clusters_category_window ON duplicate_clusters(category, window_end)`,
		`
CREATE TABLE IF NOT EXISTS status_events (
  id BIGSERIAL PRIMARY KEY,
  report_id BIGINT NOT NULL REFERENCES reports(id),
  prev_status TEXT NOT NULL,
  new_status TEXT NOT NULL,
  actor_ref TEXT NULL,
  note TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_status_events_report_id ON status_events(report_id, id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
