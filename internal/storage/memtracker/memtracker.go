// Package memtracker is an in-process implementation of the tracker,
// latest-state and history storage. It backs the "memory" storage mode and
// tests; the data does not survive a restart.
package memtracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/pkg/errors"
)

type trackerSlot struct {
	// mu serializes writes for one tracker: upsert + append happen together.
	mu      sync.Mutex
	latest  *models.LatestState
	history []*models.HistoryRecord
}

type Storage struct {
	mu       sync.RWMutex
	nextID   uint64
	nextHist uint64
	byID     map[uint64]*models.Tracker
	byDevice map[string]uint64
	byOwner  map[string]map[uint64]struct{}
	slots    map[uint64]*trackerSlot
}

func New() *Storage {
	return &Storage{
		byID:     make(map[uint64]*models.Tracker),
		byDevice: make(map[string]uint64),
		byOwner:  make(map[string]map[uint64]struct{}),
		slots:    make(map[uint64]*trackerSlot),
	}
}

func (s *Storage) Ping(ctx context.Context) error { return nil }

func (s *Storage) Close() {}

func cloneTracker(t *models.Tracker) *models.Tracker {
	c := *t
	if t.OwnerID != nil {
		o := *t.OwnerID
		c.OwnerID = &o
	}
	return &c
}

func (s *Storage) CreateTracker(ctx context.Context, in models.TrackerCreateInput) (*models.Tracker, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.StorageFailure("insert tracker", err)
	}
	category := in.Category
	if category == "" {
		category = models.DefaultVehicleCategory
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byDevice[in.DeviceID]; ok {
		return nil, errors.Wrapf(models.ErrAlreadyExists, "tracker %s", in.DeviceID)
	}
	s.nextID++
	now := time.Now().UTC()
	t := &models.Tracker{
		ID:          s.nextID,
		DeviceID:    in.DeviceID,
		ClaimSecret: in.ClaimSecret,
		DisplayName: in.DisplayName,
		Category:    category,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.byID[t.ID] = t
	s.byDevice[t.DeviceID] = t.ID
	s.slots[t.ID] = &trackerSlot{}
	return cloneTracker(t), nil
}

func (s *Storage) GetTrackerByDeviceID(ctx context.Context, deviceID string) (*models.Tracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDevice[deviceID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneTracker(s.byID[id]), nil
}

func (s *Storage) GetTrackerByID(ctx context.Context, id uint64) (*models.Tracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneTracker(t), nil
}

// ClaimTracker sets the owner only while it is still unset. The owner index
// is updated under the same lock so it cannot diverge from OwnerID.
func (s *Storage) ClaimTracker(ctx context.Context, trackerID uint64, accountID, displayName string, category models.VehicleCategory) (*models.Tracker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[trackerID]
	if !ok {
		return nil, false, models.ErrNotFound
	}
	if t.Claimed() {
		return cloneTracker(t), false, nil
	}

	owner := accountID
	t.OwnerID = &owner
	if displayName != "" {
		t.DisplayName = displayName
	}
	if category != "" {
		t.Category = category
	}
	t.UpdatedAt = time.Now().UTC()

	set, ok := s.byOwner[accountID]
	if !ok {
		set = make(map[uint64]struct{})
		s.byOwner[accountID] = set
	}
	set[t.ID] = struct{}{}
	return cloneTracker(t), true, nil
}

func (s *Storage) ListTrackersByOwner(ctx context.Context, accountID string) ([]*models.Tracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Tracker, 0, len(s.byOwner[accountID]))
	for id := range s.byOwner[accountID] {
		out = append(out, cloneTracker(s.byID[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Storage) slot(id uint64) (*trackerSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	return sl, ok
}

func (s *Storage) RecordPosition(ctx context.Context, fix models.PositionFix) (*models.HistoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.StorageFailure("record position", err)
	}
	sl, ok := s.slot(fix.TrackerID)
	if !ok {
		return nil, models.StorageFailure("record position", errors.Errorf("tracker %d does not exist", fix.TrackerID))
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	latest := fix.Latest()
	latest.Timestamp = latest.Timestamp.UTC()
	latest.UpdatedAt = latest.UpdatedAt.UTC()
	sl.latest = &latest

	s.mu.Lock()
	s.nextHist++
	id := s.nextHist
	s.mu.Unlock()

	rec := &models.HistoryRecord{
		ID:             id,
		TrackerID:      fix.TrackerID,
		Timestamp:      fix.Timestamp.UTC(),
		Latitude:       fix.Latitude,
		Longitude:      fix.Longitude,
		MainPower:      fix.MainPower,
		BatteryPercent: fix.BatteryPercent,
		ReceivedAt:     fix.ReceivedAt.UTC(),
	}
	sl.history = append(sl.history, rec)
	cp := *rec
	return &cp, nil
}

func (s *Storage) GetLatestState(ctx context.Context, trackerID uint64) (*models.LatestState, error) {
	sl, ok := s.slot(trackerID)
	if !ok {
		return nil, models.ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.latest == nil {
		return nil, models.ErrNotFound
	}
	cp := *sl.latest
	return &cp, nil
}

func (s *Storage) GetLatestStates(ctx context.Context, trackerIDs []uint64) (map[uint64]*models.LatestState, error) {
	out := make(map[uint64]*models.LatestState, len(trackerIDs))
	for _, id := range trackerIDs {
		st, err := s.GetLatestState(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = st
	}
	return out, nil
}

func (s *Storage) ListHistory(ctx context.Context, trackerID uint64, w models.HistoryWindow, limit int) ([]*models.HistoryRecord, error) {
	if limit <= 0 {
		limit = models.MaxHistoryRecords
	}
	out := make([]*models.HistoryRecord, 0)
	sl, ok := s.slot(trackerID)
	if !ok {
		return out, nil
	}

	sl.mu.Lock()
	for _, r := range sl.history {
		if w.Contains(r.Timestamp) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sl.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
