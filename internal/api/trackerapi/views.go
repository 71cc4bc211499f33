package trackerapi

import (
	"time"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/BearBump/TrackLive/internal/presence"
	"github.com/BearBump/TrackLive/internal/services/trackers"
)

type trackerView struct {
	ID          uint64    `json:"id"`
	DeviceID    string    `json:"deviceId"`
	OwnerID     string    `json:"ownerId,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	VehicleType string    `json:"vehicleType"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toTrackerView(t *models.Tracker) trackerView {
	v := trackerView{
		ID:          t.ID,
		DeviceID:    t.DeviceID,
		DisplayName: t.DisplayName,
		VehicleType: string(t.Category),
		CreatedAt:   t.CreatedAt,
	}
	if t.OwnerID != nil {
		v.OwnerID = *t.OwnerID
	}
	return v
}

type trackerStatusView struct {
	Tracker trackerView         `json:"tracker"`
	Latest  *models.LatestState `json:"latest"`
	Status  presence.Status     `json:"status"`
}

func toStatusView(st *trackers.TrackerStatus) trackerStatusView {
	return trackerStatusView{
		Tracker: toTrackerView(st.Tracker),
		Latest:  st.Latest,
		Status:  st.Presence,
	}
}

type liveStateView struct {
	Latest *models.LatestState `json:"latest"`
	Status presence.Status     `json:"status"`
}

type provisionedView struct {
	trackerView
	ClaimSecret string `json:"claimSecret"`
}

// liveEvent is one frame on the live channel.
type liveEvent struct {
	Type string               `json:"type"`
	Data models.PositionEvent `json:"data"`
}
