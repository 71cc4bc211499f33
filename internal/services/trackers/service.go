package trackers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/TrackLive/internal/cache"
	"github.com/BearBump/TrackLive/internal/models"
	"github.com/BearBump/TrackLive/internal/presence"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateTracker(ctx context.Context, in models.TrackerCreateInput) (*models.Tracker, error)
	GetTrackerByDeviceID(ctx context.Context, deviceID string) (*models.Tracker, error)
	GetTrackerByID(ctx context.Context, id uint64) (*models.Tracker, error)
	ClaimTracker(ctx context.Context, trackerID uint64, accountID, displayName string, category models.VehicleCategory) (*models.Tracker, bool, error)
	ListTrackersByOwner(ctx context.Context, accountID string) ([]*models.Tracker, error)
	GetLatestState(ctx context.Context, trackerID uint64) (*models.LatestState, error)
	GetLatestStates(ctx context.Context, trackerIDs []uint64) (map[uint64]*models.LatestState, error)
	ListHistory(ctx context.Context, trackerID uint64, w models.HistoryWindow, limit int) ([]*models.HistoryRecord, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Metrics interface {
	ObserveClaim(outcome string)
}

// TrackerStatus is a tracker together with its latest state and presence
// evaluated at a single instant.
type TrackerStatus struct {
	Tracker  *models.Tracker
	Latest   *models.LatestState
	Presence presence.Status
}

type Service struct {
	repo    Repository
	cache   cache.BytesCache
	liveTTL time.Duration

	limiter         RateLimiter
	claimsPerMinute int64

	metrics Metrics
	now     func() time.Time
}

func New(repo Repository, c cache.BytesCache, liveTTL time.Duration) *Service {
	return &Service{
		repo:    repo,
		cache:   c,
		liveTTL: liveTTL,
		now:     time.Now,
	}
}

// WithClaimLimit включает ограничение попыток claim на аккаунт. perMinute <= 0 выключает.
func (s *Service) WithClaimLimit(l RateLimiter, perMinute int64) *Service {
	s.limiter = l
	s.claimsPerMinute = perMinute
	return s
}

func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Resolve maps a hardware identifier to its tracker.
func (s *Service) Resolve(ctx context.Context, deviceID string) (*models.Tracker, error) {
	if deviceID == "" {
		return nil, errors.Wrap(models.ErrUnknownDevice, "empty device id")
	}
	t, err := s.repo.GetTrackerByDeviceID(ctx, deviceID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, errors.Wrapf(models.ErrUnknownDevice, "device %s", deviceID)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) Provision(ctx context.Context, in models.TrackerCreateInput) (*models.Tracker, error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	if in.DeviceID == "" {
		return nil, errors.Wrap(models.ErrBadInput, "deviceId is required")
	}
	if in.Category == "" {
		in.Category = models.DefaultVehicleCategory
	}
	if !in.Category.Valid() {
		return nil, errors.Wrapf(models.ErrBadInput, "unknown vehicle type %q", in.Category)
	}
	if in.ClaimSecret == "" {
		in.ClaimSecret = uuid.NewString()
	}

	t, err := s.repo.CreateTracker(ctx, in)
	if err != nil {
		return nil, err
	}
	slog.Info("tracker provisioned", "tracker_id", t.ID, "device_id", t.DeviceID)
	return t, nil
}

// Claim binds an unclaimed tracker to the account. The first successful claim
// wins; any later valid claim is a no-op that returns the current tracker.
func (s *Service) Claim(ctx context.Context, in models.ClaimInput) (*models.Tracker, error) {
	outcome := "error"
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveClaim(outcome)
		}
	}()

	if in.AccountID == "" {
		outcome = "unauthorized"
		return nil, errors.Wrap(models.ErrUnauthorized, "no account")
	}
	if in.DeviceID == "" || in.ClaimSecret == "" {
		outcome = "bad_input"
		return nil, errors.Wrap(models.ErrBadInput, "deviceId and claimSecret are required")
	}
	if in.Category != "" && !in.Category.Valid() {
		outcome = "bad_input"
		return nil, errors.Wrapf(models.ErrBadInput, "unknown vehicle type %q", in.Category)
	}

	cur, err := s.Resolve(ctx, in.DeviceID)
	if err != nil {
		if !errors.Is(err, models.ErrUnknownDevice) {
			return nil, err
		}
		if lerr := s.allowClaim(ctx, in.AccountID); lerr != nil {
			outcome = "rate_limited"
			return nil, lerr
		}
		outcome = "unknown_device"
		return nil, err
	}

	secretOK := subtle.ConstantTimeCompare([]byte(cur.ClaimSecret), []byte(in.ClaimSecret)) == 1
	// повторный claim владельца лимит не тратит
	if secretOK && cur.OwnedBy(in.AccountID) {
		outcome = "already_claimed"
		return cur, nil
	}

	if err := s.allowClaim(ctx, in.AccountID); err != nil {
		outcome = "rate_limited"
		return nil, err
	}
	if !secretOK {
		outcome = "secret_mismatch"
		return nil, errors.Wrapf(models.ErrSecretMismatch, "device %s", in.DeviceID)
	}
	if cur.Claimed() {
		outcome = "already_claimed"
		return cur, nil
	}

	t, won, err := s.repo.ClaimTracker(ctx, cur.ID, in.AccountID, in.DisplayName, in.Category)
	if err != nil {
		return nil, err
	}
	if !won {
		// кто-то успел раньше, это всё равно успех
		outcome = "already_claimed"
		return t, nil
	}

	outcome = "claimed"
	slog.Info("tracker claimed", "tracker_id", t.ID, "device_id", t.DeviceID, "account_id", in.AccountID)
	return t, nil
}

func (s *Service) allowClaim(ctx context.Context, accountID string) error {
	if s.limiter == nil || s.claimsPerMinute <= 0 {
		return nil
	}
	ok, n, err := s.limiter.Allow(ctx, "claim:"+accountID, s.claimsPerMinute, time.Minute)
	if err != nil {
		// лимитер недоступен, не блокируем пользователя
		slog.Warn("claim rate limiter failed", "account_id", accountID, "err", err)
		return nil
	}
	if !ok {
		return errors.Wrapf(models.ErrRateLimited, "%d claim attempts in the last minute", n)
	}
	return nil
}

// ListOwned returns every tracker of the account with presence evaluated at one instant.
func (s *Service) ListOwned(ctx context.Context, accountID string) ([]*TrackerStatus, error) {
	if accountID == "" {
		return nil, errors.Wrap(models.ErrUnauthorized, "no account")
	}
	ts, err := s.repo.ListTrackersByOwner(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return []*TrackerStatus{}, nil
	}

	ids := make([]uint64, 0, len(ts))
	for _, t := range ts {
		ids = append(ids, t.ID)
	}
	latest, err := s.repo.GetLatestStates(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]*TrackerStatus, 0, len(ts))
	for _, t := range ts {
		st := &TrackerStatus{Tracker: t, Presence: presence.Offline}
		if l, ok := latest[t.ID]; ok {
			st.Latest = l
			st.Presence = presence.Of(now, l.Timestamp)
		}
		out = append(out, st)
	}
	return out, nil
}

// LiveState returns the latest state of an owned tracker. Trackers that do
// not exist or belong to someone else are both reported as ErrUnauthorized.
func (s *Service) LiveState(ctx context.Context, accountID string, trackerID uint64) (*TrackerStatus, error) {
	t, err := s.owned(ctx, accountID, trackerID)
	if err != nil {
		return nil, err
	}

	l, err := s.latest(ctx, trackerID)
	if err != nil {
		return nil, err
	}
	return &TrackerStatus{Tracker: t, Latest: l, Presence: presence.Of(s.now(), l.Timestamp)}, nil
}

// History returns records in [from, to) ordered by timestamp then arrival.
// limit <= 0 or above models.MaxHistoryRecords means models.MaxHistoryRecords;
// the page is marked Truncated when the window holds more than that.
func (s *Service) History(ctx context.Context, accountID string, trackerID uint64, w models.HistoryWindow, limit int) (*models.HistoryPage, error) {
	if w.From != nil && w.To != nil && w.To.Before(*w.From) {
		return nil, errors.Wrap(models.ErrBadInput, "from is after to")
	}
	if _, err := s.owned(ctx, accountID, trackerID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > models.MaxHistoryRecords {
		limit = models.MaxHistoryRecords
	}

	// одна лишняя запись показывает, что окно длиннее лимита
	recs, err := s.repo.ListHistory(ctx, trackerID, w, limit+1)
	if err != nil {
		return nil, err
	}
	page := &models.HistoryPage{Records: recs, Limit: limit}
	if len(recs) > limit {
		page.Records = recs[:limit]
		page.Truncated = true
	}
	if page.Records == nil {
		page.Records = []*models.HistoryRecord{}
	}
	return page, nil
}

// InvalidateLive drops the cached latest state after a write.
func (s *Service) InvalidateLive(ctx context.Context, trackerID uint64) {
	if s.cache == nil || s.liveTTL <= 0 {
		return
	}
	if err := s.cache.Delete(ctx, liveKey(trackerID)); err != nil {
		slog.Warn("live cache invalidate failed", "tracker_id", trackerID, "err", err)
	}
}

func (s *Service) owned(ctx context.Context, accountID string, trackerID uint64) (*models.Tracker, error) {
	if accountID == "" {
		return nil, errors.Wrap(models.ErrUnauthorized, "no account")
	}
	t, err := s.repo.GetTrackerByID(ctx, trackerID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, errors.Wrapf(models.ErrUnauthorized, "tracker %d", trackerID)
	}
	if err != nil {
		return nil, err
	}
	if !t.OwnedBy(accountID) {
		return nil, errors.Wrapf(models.ErrUnauthorized, "tracker %d", trackerID)
	}
	return t, nil
}

func (s *Service) latest(ctx context.Context, trackerID uint64) (*models.LatestState, error) {
	useCache := s.cache != nil && s.liveTTL > 0
	if useCache {
		b, ok, err := s.cache.Get(ctx, liveKey(trackerID))
		if err == nil && ok {
			var l models.LatestState
			if json.Unmarshal(b, &l) == nil {
				return &l, nil
			}
		}
	}

	l, err := s.repo.GetLatestState(ctx, trackerID)
	if err != nil {
		return nil, err
	}
	if useCache {
		b, _ := json.Marshal(l)
		_ = s.cache.Set(ctx, liveKey(trackerID), b, s.liveTTL)
	}
	return l, nil
}

func liveKey(id uint64) string {
	return fmt.Sprintf("tracker:%d:latest", id)
}
