package trackers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	cachemocks "github.com/BearBump/TrackLive/internal/cache/mocks"
	"github.com/BearBump/TrackLive/internal/models"
	"github.com/BearBump/TrackLive/internal/presence"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	trackersmocks "github.com/BearBump/TrackLive/internal/services/trackers/mocks"
)

type ServiceSuite struct {
	suite.Suite

	repo    *trackersmocks.MockRepository
	cache   *cachemocks.MockBytesCache
	limiter *trackersmocks.MockRateLimiter
	now     time.Time
	svc     *Service
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &trackersmocks.MockRepository{}
	s.cache = &cachemocks.MockBytesCache{}
	s.limiter = &trackersmocks.MockRateLimiter{}
	s.now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.svc = New(s.repo, s.cache, time.Minute).
		WithClaimLimit(s.limiter, 10).
		WithClock(func() time.Time { return s.now })
}

func owner(acc string) *string { return &acc }

func (s *ServiceSuite) TestResolve_UnknownDevice() {
	s.repo.On("GetTrackerByDeviceID", mock.Anything, "D404").Return(nil, models.ErrNotFound).Once()

	_, err := s.svc.Resolve(context.Background(), "D404")
	s.Require().ErrorIs(err, models.ErrUnknownDevice)

	_, err = s.svc.Resolve(context.Background(), "")
	s.Require().ErrorIs(err, models.ErrUnknownDevice)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestResolve_StorageErrorPassesThrough() {
	want := models.StorageFailure("select tracker", errors.New("conn refused"))
	s.repo.On("GetTrackerByDeviceID", mock.Anything, "D1").Return(nil, want).Once()

	_, err := s.svc.Resolve(context.Background(), "D1")
	s.Require().ErrorIs(err, models.ErrStorageUnavailable)
	s.Require().NotErrorIs(err, models.ErrUnknownDevice)
}

func (s *ServiceSuite) TestClaim_Wins() {
	s.limiter.On("Allow", mock.Anything, "claim:U1", int64(10), time.Minute).Return(true, int64(1), nil).Once()
	s.repo.On("GetTrackerByDeviceID", mock.Anything, "D1").
		Return(&models.Tracker{ID: 1, DeviceID: "D1", ClaimSecret: "S1"}, nil).Once()
	s.repo.On("ClaimTracker", mock.Anything, uint64(1), "U1", "Van", models.VehicleBus).
		Return(&models.Tracker{ID: 1, DeviceID: "D1", OwnerID: owner("U1"), DisplayName: "Van", Category: models.VehicleBus}, true, nil).Once()

	t, err := s.svc.Claim(context.Background(), models.ClaimInput{
		DeviceID: "D1", ClaimSecret: "S1", AccountID: "U1", DisplayName: "Van", Category: models.VehicleBus,
	})
	s.Require().NoError(err)
	s.Require().True(t.OwnedBy("U1"))
	s.repo.AssertExpectations(s.T())
	s.limiter.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestClaim_SecretMismatch_NoCAS() {
	s.limiter.On("Allow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, int64(1), nil)
	s.repo.On("GetTrackerByDeviceID", mock.Anything, "D1").
		Return(&models.Tracker{ID: 1, DeviceID: "D1", ClaimSecret: "S1"}, nil).Once()

	_, err := s.svc.Claim(context.Background(), models.ClaimInput{DeviceID: "D1", ClaimSecret: "nope", AccountID: "U1"})
	s.Require().ErrorIs(err, models.ErrSecretMismatch)
	s.repo.AssertNotCalled(s.T(), "ClaimTracker", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestClaim_AlreadyClaimed_ReturnsCurrent() {
	s.limiter.On("Allow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, int64(1), nil)
	s.repo.On("GetTrackerByDeviceID", mock.Anything, "D1").
		Return(&models.Tracker{ID: 1, DeviceID: "D1", ClaimSecret: "S1", OwnerID: owner("U1"), DisplayName: "Old"}, nil).Once()

	t, err := s.svc.Claim(context.Background(), models.ClaimInput{DeviceID: "D1", ClaimSecret: "S1", AccountID: "U2", DisplayName: "New"})
	s.Require().NoError(err)
	s.Require().True(t.OwnedBy("U1"))
	s.Require().Equal("Old", t.DisplayName)
	s.repo.AssertNotCalled(s.T(), "ClaimTracker", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestClaim_LostRace_IsSuccess() {
	s.limiter.On("Allow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, int64(1), nil)
	s.repo.On("GetTrackerByDeviceID", mock.Anything, "D1").
		Return(&models.Tracker{ID: 1, DeviceID: "D1", ClaimSecret: "S1"}, nil).Once()
	s.repo.On("ClaimTracker", mock.Anything, uint64(1), "U2", "", models.VehicleCategory("")).
		Return(&models.Tracker{ID: 1, DeviceID: "D1", OwnerID: owner("U1")}, false, nil).Once()

	t, err := s.svc.Claim(context.Background(), models.ClaimInput{DeviceID: "D1", ClaimSecret: "S1", AccountID: "U2"})
	s.Require().NoError(err)
	s.Require().True(t.OwnedBy("U1"))
}

func (s *ServiceSuite) TestClaim_Validation() {
	_, err := s.svc.Claim(context.Background(), models.ClaimInput{DeviceID: "D1", ClaimSecret: "S1"})
	s.Require().ErrorIs(err, models.ErrUnauthorized)

	_, err = s.svc.Claim(context.Background(), models.ClaimInput{DeviceID: "", ClaimSecret: "S1", AccountID: "U1"})
	s.Require().ErrorIs(err, models.ErrBadInput)

	_, err = s.svc.Claim(context.Background(), models.ClaimInput{DeviceID: "D1", ClaimSecret: "S1", AccountID: "U1", Category: "tank"})
	s.Require().ErrorIs(err, models.ErrBadInput)

	s.limiter.AssertNotCalled(s.T(), "Allow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	s.repo.AssertNotCalled(s.T(), "GetTrackerByDeviceID", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestClaim_RateLimited() {
	s.limiter.On("Allow", mock.Anything, "claim:U1", int64(10), time.Minute).Return(false, int64(11), nil).Once()
	s.repo.On("GetTrackerByDeviceID", mock.Anything, "D1").
		Return(&models.Tracker{ID: 1, DeviceID: "D1", ClaimSecret: "S1"}, nil).Once()

	_, err := s.svc.Claim(context.Background(), models.ClaimInput{DeviceID: "D1", ClaimSecret: "S1", AccountID: "U1"})
	s.Require().ErrorIs(err, models.ErrRateLimited)
	s.repo.AssertNotCalled(s.T(), "ClaimTracker", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestClaim_RateLimited_UnknownDevice() {
	s.limiter.On("Allow", mock.Anything, "claim:U1", int64(10), time.Minute).Return(false, int64(11), nil).Once()
	s.repo.On("GetTrackerByDeviceID", mock.Anything, "D404").Return(nil, models.ErrNotFound).Once()

	_, err := s.svc.Claim(context.Background(), models.ClaimInput{DeviceID: "D404", ClaimSecret: "S1", AccountID: "U1"})
	s.Require().ErrorIs(err, models.ErrRateLimited)
}

func (s *ServiceSuite) TestClaim_OwnerRepeat_DoesNotSpendLimit() {
	s.repo.On("GetTrackerByDeviceID", mock.Anything, "D1").
		Return(&models.Tracker{ID: 1, DeviceID: "D1", ClaimSecret: "S1", OwnerID: owner("U1")}, nil)

	for i := 0; i < 15; i++ {
		t, err := s.svc.Claim(context.Background(), models.ClaimInput{DeviceID: "D1", ClaimSecret: "S1", AccountID: "U1"})
		s.Require().NoError(err)
		s.Require().True(t.OwnedBy("U1"))
	}
	s.limiter.AssertNotCalled(s.T(), "Allow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestClaim_StorageError_DoesNotSpendLimit() {
	s.repo.On("GetTrackerByDeviceID", mock.Anything, "D1").
		Return(nil, models.StorageFailure("select tracker", errors.New("conn refused"))).Once()

	_, err := s.svc.Claim(context.Background(), models.ClaimInput{DeviceID: "D1", ClaimSecret: "S1", AccountID: "U1"})
	s.Require().ErrorIs(err, models.ErrStorageUnavailable)
	s.limiter.AssertNotCalled(s.T(), "Allow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestClaim_LimiterDown_FailsOpen() {
	s.limiter.On("Allow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, int64(0), errors.New("redis down")).Once()
	s.repo.On("GetTrackerByDeviceID", mock.Anything, "D1").Return(nil, models.ErrNotFound).Once()

	_, err := s.svc.Claim(context.Background(), models.ClaimInput{DeviceID: "D1", ClaimSecret: "S1", AccountID: "U1"})
	s.Require().ErrorIs(err, models.ErrUnknownDevice)
}

func (s *ServiceSuite) TestProvision_GeneratesSecretAndDefaultCategory() {
	s.repo.On("CreateTracker", mock.Anything, mock.MatchedBy(func(in models.TrackerCreateInput) bool {
		return in.DeviceID == "D9" && len(in.ClaimSecret) == 36 && in.Category == models.DefaultVehicleCategory
	})).Return(&models.Tracker{ID: 9, DeviceID: "D9"}, nil).Once()

	t, err := s.svc.Provision(context.Background(), models.TrackerCreateInput{DeviceID: " D9 "})
	s.Require().NoError(err)
	s.Require().Equal(uint64(9), t.ID)
	s.repo.AssertExpectations(s.T())

	_, err = s.svc.Provision(context.Background(), models.TrackerCreateInput{})
	s.Require().ErrorIs(err, models.ErrBadInput)
}

func (s *ServiceSuite) TestListOwned_SingleNowAndMissingLatestIsOffline() {
	s.repo.On("ListTrackersByOwner", mock.Anything, "U1").
		Return([]*models.Tracker{{ID: 1, OwnerID: owner("U1")}, {ID: 2, OwnerID: owner("U1")}, {ID: 3, OwnerID: owner("U1")}}, nil).Once()
	s.repo.On("GetLatestStates", mock.Anything, []uint64{1, 2, 3}).
		Return(map[uint64]*models.LatestState{
			1: {TrackerID: 1, Timestamp: s.now.Add(-60 * time.Second)},
			2: {TrackerID: 2, Timestamp: s.now.Add(-61 * time.Second)},
		}, nil).Once()

	out, err := s.svc.ListOwned(context.Background(), "U1")
	s.Require().NoError(err)
	s.Require().Len(out, 3)
	s.Require().Equal(presence.Online, out[0].Presence)
	s.Require().Equal(presence.Offline, out[1].Presence)
	s.Require().Equal(presence.Offline, out[2].Presence)
	s.Require().Nil(out[2].Latest)
}

func (s *ServiceSuite) TestListOwned_Empty() {
	s.repo.On("ListTrackersByOwner", mock.Anything, "U1").Return([]*models.Tracker{}, nil).Once()

	out, err := s.svc.ListOwned(context.Background(), "U1")
	s.Require().NoError(err)
	s.Require().Empty(out)
	s.repo.AssertNotCalled(s.T(), "GetLatestStates", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestLiveState_CacheHit_NoDB() {
	s.repo.On("GetTrackerByID", mock.Anything, uint64(1)).Return(&models.Tracker{ID: 1, OwnerID: owner("U1")}, nil).Once()
	b, _ := json.Marshal(models.LatestState{TrackerID: 1, Timestamp: s.now.Add(-10 * time.Second), BatteryPercent: 42})
	s.cache.On("Get", mock.Anything, "tracker:1:latest").Return(b, true, nil).Once()

	st, err := s.svc.LiveState(context.Background(), "U1", 1)
	s.Require().NoError(err)
	s.Require().Equal(42, st.Latest.BatteryPercent)
	s.Require().Equal(presence.Online, st.Presence)
	s.repo.AssertNotCalled(s.T(), "GetLatestState", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestLiveState_CacheMiss_SetsCache() {
	s.repo.On("GetTrackerByID", mock.Anything, uint64(1)).Return(&models.Tracker{ID: 1, OwnerID: owner("U1")}, nil).Once()
	s.cache.On("Get", mock.Anything, "tracker:1:latest").Return([]byte(nil), false, nil).Once()
	s.repo.On("GetLatestState", mock.Anything, uint64(1)).
		Return(&models.LatestState{TrackerID: 1, Timestamp: s.now.Add(-2 * time.Minute)}, nil).Once()
	s.cache.On("Set", mock.Anything, "tracker:1:latest", mock.Anything, time.Minute).Return(errors.New("set failed")).Once()

	st, err := s.svc.LiveState(context.Background(), "U1", 1)
	s.Require().NoError(err)
	s.Require().Equal(presence.Offline, st.Presence)
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestLiveState_NoData() {
	s.repo.On("GetTrackerByID", mock.Anything, uint64(1)).Return(&models.Tracker{ID: 1, OwnerID: owner("U1")}, nil).Once()
	s.cache.On("Get", mock.Anything, "tracker:1:latest").Return([]byte(nil), false, nil).Once()
	s.repo.On("GetLatestState", mock.Anything, uint64(1)).Return(nil, models.ErrNotFound).Once()

	_, err := s.svc.LiveState(context.Background(), "U1", 1)
	s.Require().ErrorIs(err, models.ErrNotFound)
}

func (s *ServiceSuite) TestLiveState_NotOwnerAndUnknownAreUnauthorized() {
	s.repo.On("GetTrackerByID", mock.Anything, uint64(1)).Return(&models.Tracker{ID: 1, OwnerID: owner("U1")}, nil).Once()
	s.repo.On("GetTrackerByID", mock.Anything, uint64(2)).Return(nil, models.ErrNotFound).Once()

	_, err := s.svc.LiveState(context.Background(), "U2", 1)
	s.Require().ErrorIs(err, models.ErrUnauthorized)

	_, err = s.svc.LiveState(context.Background(), "U2", 2)
	s.Require().ErrorIs(err, models.ErrUnauthorized)
	s.cache.AssertNotCalled(s.T(), "Get", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestHistory_EmptyIsNotNil() {
	s.repo.On("GetTrackerByID", mock.Anything, uint64(1)).Return(&models.Tracker{ID: 1, OwnerID: owner("U1")}, nil).Once()
	s.repo.On("ListHistory", mock.Anything, uint64(1), models.HistoryWindow{}, models.MaxHistoryRecords+1).Return(nil, nil).Once()

	out, err := s.svc.History(context.Background(), "U1", 1, models.HistoryWindow{}, 0)
	s.Require().NoError(err)
	s.Require().NotNil(out.Records)
	s.Require().Len(out.Records, 0)
	s.Require().Equal(models.MaxHistoryRecords, out.Limit)
	s.Require().False(out.Truncated)
}

func (s *ServiceSuite) TestHistory_MarksTruncatedWindow() {
	recs := []*models.HistoryRecord{{ID: 1}, {ID: 2}, {ID: 3}}
	s.repo.On("GetTrackerByID", mock.Anything, uint64(1)).Return(&models.Tracker{ID: 1, OwnerID: owner("U1")}, nil).Twice()
	s.repo.On("ListHistory", mock.Anything, uint64(1), models.HistoryWindow{}, 3).Return(recs, nil).Once()
	s.repo.On("ListHistory", mock.Anything, uint64(1), models.HistoryWindow{}, 4).Return(recs, nil).Once()

	out, err := s.svc.History(context.Background(), "U1", 1, models.HistoryWindow{}, 2)
	s.Require().NoError(err)
	s.Require().True(out.Truncated)
	s.Require().Equal(2, out.Limit)
	s.Require().Len(out.Records, 2)
	s.Require().Equal(uint64(2), out.Records[1].ID)

	out, err = s.svc.History(context.Background(), "U1", 1, models.HistoryWindow{}, 3)
	s.Require().NoError(err)
	s.Require().False(out.Truncated)
	s.Require().Len(out.Records, 3)
}

func (s *ServiceSuite) TestHistory_LimitAboveCapIsClamped() {
	s.repo.On("GetTrackerByID", mock.Anything, uint64(1)).Return(&models.Tracker{ID: 1, OwnerID: owner("U1")}, nil).Once()
	s.repo.On("ListHistory", mock.Anything, uint64(1), models.HistoryWindow{}, models.MaxHistoryRecords+1).Return(nil, nil).Once()

	out, err := s.svc.History(context.Background(), "U1", 1, models.HistoryWindow{}, 50_000)
	s.Require().NoError(err)
	s.Require().Equal(models.MaxHistoryRecords, out.Limit)
}

func (s *ServiceSuite) TestHistory_InvertedWindow() {
	from := s.now
	to := s.now.Add(-time.Second)
	_, err := s.svc.History(context.Background(), "U1", 1, models.HistoryWindow{From: &from, To: &to}, 0)
	s.Require().ErrorIs(err, models.ErrBadInput)
	s.repo.AssertNotCalled(s.T(), "GetTrackerByID", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestInvalidateLive() {
	s.cache.On("Delete", mock.Anything, "tracker:5:latest").Return(errors.New("redis down")).Once()
	s.svc.InvalidateLive(context.Background(), 5)
	s.cache.AssertExpectations(s.T())

	// без кэша ничего не делаем
	New(s.repo, nil, 0).InvalidateLive(context.Background(), 5)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
