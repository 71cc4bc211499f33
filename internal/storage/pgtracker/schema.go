package pgtracker

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS trackers (
  id BIGSERIAL PRIMARY KEY,
  device_id TEXT NOT NULL,
  claim_secret TEXT NOT NULL,
  owner_id TEXT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL DEFAULT 'car',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (device_id)
)`,
		// Индекс "аккаунт -> трекеры" строится из owner_id, отдельной таблицы нет.
		`CREATE INDEX IF NOT EXISTS idx_trackers_owner_id ON trackers(owner_id) WHERE owner_id IS NOT NULL`,
		`
CREATE TABLE IF NOT EXISTS latest_states (
  tracker_id BIGINT PRIMARY KEY REFERENCES trackers(id),
  ts TIMESTAMPTZ NOT NULL,
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL,
  main_power BOOLEAN NOT NULL,
  battery INT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS position_history (
  id BIGSERIAL PRIMARY KEY,
  tracker_id BIGINT NOT NULL REFERENCES trackers(id),
  ts TIMESTAMPTZ NOT NULL,
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL,
  main_power BOOLEAN NOT NULL,
  battery INT NOT NULL,
  received_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_position_history_tracker_ts ON position_history(tracker_id, ts, id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
