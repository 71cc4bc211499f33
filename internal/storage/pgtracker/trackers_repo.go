package pgtracker

import (
	"context"
	"time"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const trackerColumns = `id, device_id, claim_secret, owner_id, display_name, category, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTracker(row rowScanner) (*models.Tracker, error) {
	var t models.Tracker
	var ownerID *string
	var category string
	if err := row.Scan(
		&t.ID, &t.DeviceID, &t.ClaimSecret, &ownerID,
		&t.DisplayName, &category, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.OwnerID = ownerID
	t.Category = models.VehicleCategory(category)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func (s *Storage) CreateTracker(ctx context.Context, in models.TrackerCreateInput) (*models.Tracker, error) {
	category := in.Category
	if category == "" {
		category = models.DefaultVehicleCategory
	}
	now := time.Now().UTC()

	row := s.db.QueryRow(ctx, `
INSERT INTO trackers (device_id, claim_secret, display_name, category, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
RETURNING `+trackerColumns, in.DeviceID, in.ClaimSecret, in.DisplayName, string(category), now)

	t, err := scanTracker(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, errors.Wrapf(models.ErrAlreadyExists, "tracker %s", in.DeviceID)
		}
		return nil, models.StorageFailure("insert tracker", err)
	}
	return t, nil
}

func (s *Storage) GetTrackerByDeviceID(ctx context.Context, deviceID string) (*models.Tracker, error) {
	row := s.db.QueryRow(ctx, `SELECT `+trackerColumns+` FROM trackers WHERE device_id = $1`, deviceID)
	t, err := scanTracker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.StorageFailure("select tracker by device", err)
	}
	return t, nil
}

func (s *Storage) GetTrackerByID(ctx context.Context, id uint64) (*models.Tracker, error) {
	row := s.db.QueryRow(ctx, `SELECT `+trackerColumns+` FROM trackers WHERE id = $1`, id)
	t, err := scanTracker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.StorageFailure("select tracker", err)
	}
	return t, nil
}

// ClaimTracker выставляет owner_id только если он ещё NULL (compare-and-set).
// Возвращает актуальное состояние и признак того, что владельца выставил именно этот вызов.
func (s *Storage) ClaimTracker(ctx context.Context, trackerID uint64, accountID, displayName string, category models.VehicleCategory) (*models.Tracker, bool, error) {
	row := s.db.QueryRow(ctx, `
UPDATE trackers
SET
  owner_id = $2,
  display_name = COALESCE(NULLIF($3::text, ''), display_name),
  category = COALESCE(NULLIF($4::text, ''), category),
  updated_at = now()
WHERE id = $1
  AND owner_id IS NULL
RETURNING `+trackerColumns, trackerID, accountID, displayName, string(category))

	t, err := scanTracker(row)
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, models.StorageFailure("claim tracker", err)
	}

	// CAS проиграл (или трекера нет): отдаём то, что лежит в базе.
	cur, err := s.GetTrackerByID(ctx, trackerID)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func (s *Storage) ListTrackersByOwner(ctx context.Context, accountID string) ([]*models.Tracker, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+trackerColumns+`
FROM trackers
WHERE owner_id = $1
ORDER BY id ASC
`, accountID)
	if err != nil {
		return nil, models.StorageFailure("select trackers by owner", err)
	}
	defer rows.Close()

	out := make([]*models.Tracker, 0)
	for rows.Next() {
		t, err := scanTracker(rows)
		if err != nil {
			return nil, models.StorageFailure("scan tracker", err)
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, models.StorageFailure("rows", rows.Err())
	}
	return out, nil
}
