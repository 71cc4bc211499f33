package pgtracker

import (
	"context"
	"time"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// RecordPosition делает upsert latest_states и дописывает position_history в одной транзакции.
// Upsert идёт первым: блокировка строки latest_states упорядочивает конкурентные записи
// одного трекера, поэтому id в истории растут в порядке прихода.
func (s *Storage) RecordPosition(ctx context.Context, fix models.PositionFix) (*models.HistoryRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, models.StorageFailure("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO latest_states (tracker_id, ts, latitude, longitude, main_power, battery, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (tracker_id) DO UPDATE SET
  ts = EXCLUDED.ts,
  latitude = EXCLUDED.latitude,
  longitude = EXCLUDED.longitude,
  main_power = EXCLUDED.main_power,
  battery = EXCLUDED.battery,
  updated_at = EXCLUDED.updated_at
`, fix.TrackerID, fix.Timestamp.UTC(), fix.Latitude, fix.Longitude, fix.MainPower, fix.BatteryPercent, fix.ReceivedAt.UTC())
	if err != nil {
		return nil, models.StorageFailure("upsert latest state", err)
	}

	rec := &models.HistoryRecord{
		TrackerID:      fix.TrackerID,
		Timestamp:      fix.Timestamp.UTC(),
		Latitude:       fix.Latitude,
		Longitude:      fix.Longitude,
		MainPower:      fix.MainPower,
		BatteryPercent: fix.BatteryPercent,
		ReceivedAt:     fix.ReceivedAt.UTC(),
	}
	err = tx.QueryRow(ctx, `
INSERT INTO position_history (tracker_id, ts, latitude, longitude, main_power, battery, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`, rec.TrackerID, rec.Timestamp, rec.Latitude, rec.Longitude, rec.MainPower, rec.BatteryPercent, rec.ReceivedAt).Scan(&rec.ID)
	if err != nil {
		return nil, models.StorageFailure("insert history", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, models.StorageFailure("commit tx", err)
	}
	return rec, nil
}

func (s *Storage) GetLatestState(ctx context.Context, trackerID uint64) (*models.LatestState, error) {
	var st models.LatestState
	err := s.db.QueryRow(ctx, `
SELECT tracker_id, ts, latitude, longitude, main_power, battery, updated_at
FROM latest_states
WHERE tracker_id = $1
`, trackerID).Scan(&st.TrackerID, &st.Timestamp, &st.Latitude, &st.Longitude, &st.MainPower, &st.BatteryPercent, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.StorageFailure("select latest state", err)
	}
	st.Timestamp = st.Timestamp.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

func (s *Storage) GetLatestStates(ctx context.Context, trackerIDs []uint64) (map[uint64]*models.LatestState, error) {
	out := make(map[uint64]*models.LatestState, len(trackerIDs))
	if len(trackerIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(ctx, `
SELECT tracker_id, ts, latitude, longitude, main_power, battery, updated_at
FROM latest_states
WHERE tracker_id = ANY($1)
`, trackerIDs)
	if err != nil {
		return nil, models.StorageFailure("select latest states", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st models.LatestState
		if err := rows.Scan(&st.TrackerID, &st.Timestamp, &st.Latitude, &st.Longitude, &st.MainPower, &st.BatteryPercent, &st.UpdatedAt); err != nil {
			return nil, models.StorageFailure("scan latest state", err)
		}
		st.Timestamp = st.Timestamp.UTC()
		st.UpdatedAt = st.UpdatedAt.UTC()
		out[st.TrackerID] = &st
	}
	if rows.Err() != nil {
		return nil, models.StorageFailure("rows", rows.Err())
	}
	return out, nil
}

func (s *Storage) ListHistory(ctx context.Context, trackerID uint64, w models.HistoryWindow, limit int) ([]*models.HistoryRecord, error) {
	if limit <= 0 {
		limit = models.MaxHistoryRecords
	}

	var from, to *time.Time
	if w.From != nil {
		f := w.From.UTC()
		from = &f
	}
	if w.To != nil {
		t := w.To.UTC()
		to = &t
	}

	rows, err := s.db.Query(ctx, `
SELECT id, tracker_id, ts, latitude, longitude, main_power, battery, received_at
FROM position_history
WHERE tracker_id = $1
  AND ($2::timestamptz IS NULL OR ts >= $2)
  AND ($3::timestamptz IS NULL OR ts < $3)
ORDER BY ts ASC, id ASC
LIMIT $4
`, trackerID, from, to, limit)
	if err != nil {
		return nil, models.StorageFailure("select history", err)
	}
	defer rows.Close()

	out := make([]*models.HistoryRecord, 0)
	for rows.Next() {
		var r models.HistoryRecord
		if err := rows.Scan(&r.ID, &r.TrackerID, &r.Timestamp, &r.Latitude, &r.Longitude, &r.MainPower, &r.BatteryPercent, &r.ReceivedAt); err != nil {
			return nil, models.StorageFailure("scan history", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		r.ReceivedAt = r.ReceivedAt.UTC()
		out = append(out, &r)
	}
	if rows.Err() != nil {
		return nil, models.StorageFailure("rows", rows.Err())
	}
	return out, nil
}
