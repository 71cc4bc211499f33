package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PositionReport is a single report as it arrives from a device or simulator.
type PositionReport struct {
	DeviceID       string    `json:"deviceId"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Date           string    `json:"date"` // DD-MM-YYYY
	Time           string    `json:"time"` // HH:MM:SS
	MainPower      PowerFlag `json:"main"`
	BatteryPercent int       `json:"battery"`
}

// PowerFlag accepts true/false, 0/1 and their string forms; trackers differ.
type PowerFlag bool

func (p *PowerFlag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = false
		return nil
	}
	s := strings.Trim(string(b), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "on":
		*p = true
		return nil
	case "false", "0", "off", "":
		*p = false
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		*p = n != 0
		return nil
	}
	return errors.Errorf("invalid main power flag %q", s)
}

func (p PowerFlag) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(p))
}

type LatestState struct {
	TrackerID      uint64    `json:"trackerId"`
	Timestamp      time.Time `json:"timestamp"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	MainPower      bool      `json:"main"`
	BatteryPercent int       `json:"battery"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type HistoryRecord struct {
	ID             uint64    `json:"id"`
	TrackerID      uint64    `json:"trackerId"`
	Timestamp      time.Time `json:"timestamp"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	MainPower      bool      `json:"main"`
	BatteryPercent int       `json:"battery"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// PositionFix is a validated, normalized report bound to a tracker.
type PositionFix struct {
	TrackerID      uint64
	Timestamp      time.Time
	Latitude       float64
	Longitude      float64
	MainPower      bool
	BatteryPercent int
	ReceivedAt     time.Time
}

func (f PositionFix) Latest() LatestState {
	return LatestState{
		TrackerID:      f.TrackerID,
		Timestamp:      f.Timestamp,
		Latitude:       f.Latitude,
		Longitude:      f.Longitude,
		MainPower:      f.MainPower,
		BatteryPercent: f.BatteryPercent,
		UpdatedAt:      f.ReceivedAt,
	}
}

// HistoryWindow is a half-open [From, To) range; nil bound means unbounded.
type HistoryWindow struct {
	From *time.Time
	To   *time.Time
}

func (w HistoryWindow) Contains(t time.Time) bool {
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	if w.To != nil && !t.Before(*w.To) {
		return false
	}
	return true
}

// MaxHistoryRecords caps one history response; a window with more records is truncated.
const MaxHistoryRecords = 10_000

// HistoryPage is the head of a history window, at most Limit records long.
// Truncated is set when the window holds more records than were returned.
type HistoryPage struct {
	Records   []*HistoryRecord
	Limit     int
	Truncated bool
}

// PositionEvent is what the owning account's live connections receive.
type PositionEvent struct {
	TrackerID      uint64    `json:"trackerId"`
	DeviceID       string    `json:"deviceId"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Timestamp      time.Time `json:"timestamp"`
	MainPower      bool      `json:"main"`
	BatteryPercent int       `json:"battery"`
}

type IngestResult struct {
	TrackerID uint64
	Timestamp time.Time
	Published bool
}
