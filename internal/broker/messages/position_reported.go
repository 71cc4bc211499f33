package messages

import (
	"time"

	"github.com/BearBump/TrackLive/internal/models"
)

// PositionReported is the value of a record on the positions topic. The
// record key is the device id so one device's reports stay in one partition.
type PositionReported struct {
	DeviceID  string           `json:"deviceId"`
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
	Date      string           `json:"date"`
	Time      string           `json:"time"`
	MainPower models.PowerFlag `json:"main"`
	Battery   int              `json:"battery"`

	SentAt time.Time `json:"sentAt,omitempty"`
}

func NewPositionReported(r models.PositionReport, sentAt time.Time) PositionReported {
	return PositionReported{
		DeviceID:  r.DeviceID,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Date:      r.Date,
		Time:      r.Time,
		MainPower: r.MainPower,
		Battery:   r.BatteryPercent,
		SentAt:    sentAt,
	}
}

func (m PositionReported) Report() models.PositionReport {
	return models.PositionReport{
		DeviceID:       m.DeviceID,
		Latitude:       m.Latitude,
		Longitude:      m.Longitude,
		Date:           m.Date,
		Time:           m.Time,
		MainPower:      m.MainPower,
		BatteryPercent: m.Battery,
	}
}
