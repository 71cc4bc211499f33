// Package ingest validates device position reports, records them and
// publishes them to the owner's live connections.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/pkg/errors"
)

// ReportLayout is how devices send their clock: "DD-MM-YYYY" + "HH:MM:SS".
const ReportLayout = "02-01-2006 15:04:05"

const DefaultTimeout = 5 * time.Second

type Registry interface {
	Resolve(ctx context.Context, deviceID string) (*models.Tracker, error)
	InvalidateLive(ctx context.Context, trackerID uint64)
}

type Recorder interface {
	RecordPosition(ctx context.Context, fix models.PositionFix) (*models.HistoryRecord, error)
}

type Publisher interface {
	Publish(accountID string, ev models.PositionEvent)
}

type Metrics interface {
	ObserveIngest(outcome string, took time.Duration)
}

type Ingestor struct {
	registry Registry
	recorder Recorder
	pub      Publisher
	metrics  Metrics

	loc     *time.Location
	timeout time.Duration
	now     func() time.Time
}

func New(registry Registry, recorder Recorder, pub Publisher) *Ingestor {
	return &Ingestor{
		registry: registry,
		recorder: recorder,
		pub:      pub,
		loc:      time.UTC,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
}

// WithLocation sets the zone device clocks are read in.
func (i *Ingestor) WithLocation(loc *time.Location) *Ingestor {
	if loc != nil {
		i.loc = loc
	}
	return i
}

// WithTimeout bounds one Ingest call; d <= 0 disables the bound.
func (i *Ingestor) WithTimeout(d time.Duration) *Ingestor {
	i.timeout = d
	return i
}

func (i *Ingestor) WithMetrics(m Metrics) *Ingestor {
	i.metrics = m
	return i
}

func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// ParseReportTime combines the device's date and time fields into an instant.
func ParseReportTime(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	ts, err := time.ParseInLocation(ReportLayout, strings.TrimSpace(date)+" "+strings.TrimSpace(clock), loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(models.ErrMalformedTimestamp, "date %q time %q", date, clock)
	}
	return ts.UTC(), nil
}

// Ingest records one report. The latest state and the history append are
// persisted before the event is handed to the publisher, which never blocks.
func (i *Ingestor) Ingest(ctx context.Context, r models.PositionReport) (*models.IngestResult, error) {
	start := i.now()
	res, err := i.ingest(ctx, r)
	if i.metrics != nil {
		i.metrics.ObserveIngest(Outcome(err), i.now().Sub(start))
	}
	if err != nil {
		slog.Debug("position rejected", "device_id", r.DeviceID, "err", err)
	}
	return res, err
}

func (i *Ingestor) ingest(ctx context.Context, r models.PositionReport) (*models.IngestResult, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	t, err := i.registry.Resolve(ctx, strings.TrimSpace(r.DeviceID))
	if err != nil {
		return nil, deadline(ctx, err)
	}

	ts, err := ParseReportTime(r.Date, r.Time, i.loc)
	if err != nil {
		return nil, err
	}

	fix := models.PositionFix{
		TrackerID:      t.ID,
		Timestamp:      ts,
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		MainPower:      bool(r.MainPower),
		BatteryPercent: r.BatteryPercent,
		ReceivedAt:     i.now().UTC(),
	}
	if _, err := i.recorder.RecordPosition(ctx, fix); err != nil {
		return nil, deadline(ctx, err)
	}

	i.registry.InvalidateLive(ctx, t.ID)

	res := &models.IngestResult{TrackerID: t.ID, Timestamp: ts}
	if t.Claimed() && i.pub != nil {
		i.pub.Publish(*t.OwnerID, models.PositionEvent{
			TrackerID:      t.ID,
			DeviceID:       t.DeviceID,
			Latitude:       fix.Latitude,
			Longitude:      fix.Longitude,
			Timestamp:      fix.Timestamp,
			MainPower:      fix.MainPower,
			BatteryPercent: fix.BatteryPercent,
		})
		res.Published = true
	}
	return res, nil
}

// deadline reports an exhausted processing budget as ErrTimeout rather than a storage failure.
func deadline(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(models.ErrTimeout, err.Error())
	}
	return err
}

// Outcome classifies an Ingest error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, models.ErrMalformedTimestamp):
		return "malformed_timestamp"
	case errors.Is(err, models.ErrTimeout):
		return "timeout"
	case errors.Is(err, models.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, models.ErrBadInput):
		return "bad_input"
	default:
		return "error"
	}
}
