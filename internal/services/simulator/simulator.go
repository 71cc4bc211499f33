// Package simulator periodically emits position reports for a fleet of
// synthetic devices, either over HTTP or straight onto the positions topic.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackLive/internal/broker/messages"
	"github.com/BearBump/TrackLive/internal/models"
	"github.com/pkg/errors"
)

const (
	DateLayout = "02-01-2006"
	TimeLayout = "15:04:05"
)

type Sender interface {
	Send(ctx context.Context, r models.PositionReport) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Simulator struct {
	sender Sender
	rl     RateLimiter
	walker *Walker

	devices []string

	interval           time.Duration
	concurrency        int
	rateLimitPerMinute int64
	loc                *time.Location
	now                func() time.Time

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalSent           atomic.Int64
	totalErrors         atomic.Int64
	totalThrottled      atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(sender Sender, devices []string) *Simulator {
	return &Simulator{
		sender:            sender,
		walker:            NewWalker(DefaultWalkConfig(), nil),
		devices:           devices,
		interval:          5 * time.Second,
		concurrency:       10,
		loc:               time.UTC,
		now:               time.Now,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Simulator) WithSettings(interval time.Duration, concurrency int) *Simulator {
	if interval > 0 {
		s.interval = interval
	}
	if concurrency > 0 {
		s.concurrency = concurrency
	}
	return s
}

// WithRateLimit ограничивает общее число отчётов в минуту; rl == nil отключает лимит.
func (s *Simulator) WithRateLimit(rl RateLimiter, perMinute int64) *Simulator {
	s.rl = rl
	s.rateLimitPerMinute = perMinute
	return s
}

func (s *Simulator) WithWalker(w *Walker) *Simulator {
	if w != nil {
		s.walker = w
	}
	return s
}

// WithLocation sets the zone the device clock reports date/time in.
func (s *Simulator) WithLocation(loc *time.Location) *Simulator {
	if loc != nil {
		s.loc = loc
	}
	return s
}

func (s *Simulator) WithClock(now func() time.Time) *Simulator {
	if now != nil {
		s.now = now
	}
	return s
}

// Trigger forces an immediate round of reports (best-effort, non-blocking).
func (s *Simulator) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	Devices        int        `json:"devices"`
	TotalSent      int64      `json:"totalSent"`
	TotalErrors    int64      `json:"totalErrors"`
	TotalThrottled int64      `json:"totalThrottled"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (s *Simulator) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, s.startedAtUnixNano).UTC(),
		Devices:        len(s.devices),
		TotalSent:      s.totalSent.Load(),
		TotalErrors:    s.totalErrors.Load(),
		TotalThrottled: s.totalThrottled.Load(),
		InFlight:       s.inFlight.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

// Run sends one round right away and then one per interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	if len(s.devices) == 0 {
		return errors.New("simulator: no devices configured")
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Simulator) runOnce(ctx context.Context) {
	now := s.now()
	s.lastCycleUnixNano.Store(now.UTC().UnixNano())

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, deviceID := range s.devices {
		sem <- struct{}{}
		wg.Add(1)
		s.inFlight.Add(1)
		go func() {
			defer func() {
				s.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := s.sendOne(ctx, deviceID, now); err != nil {
				s.totalErrors.Add(1)
				s.setLastError(err)
				slog.Error("send position report", "device_id", deviceID, "error", err.Error())
			}
		}()
	}
	wg.Wait()
}

func (s *Simulator) sendOne(ctx context.Context, deviceID string, now time.Time) error {
	if s.rl != nil && s.rateLimitPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:simulator:%s", now.UTC().Format("200601021504"))
		allowed, n, err := s.rl.Allow(ctx, minuteKey, s.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			slog.Warn("simulator rate limiter unavailable", "error", err.Error())
		} else if !allowed {
			// лимит на минуту исчерпан: этот отчёт пропускаем
			s.totalThrottled.Add(1)
			slog.Debug("rate limit exceeded", "device_id", deviceID, "count", n)
			return nil
		}
	}

	r := s.Report(deviceID, now)
	if err := s.sender.Send(ctx, r); err != nil {
		return errors.Wrapf(err, "send %s", deviceID)
	}
	s.totalSent.Add(1)
	return nil
}

// Report builds the next report for deviceID stamped with the device-local
// date and time of now.
func (s *Simulator) Report(deviceID string, now time.Time) models.PositionReport {
	fix := s.walker.Next(deviceID)
	local := now.In(s.loc)
	return models.PositionReport{
		DeviceID:       deviceID,
		Latitude:       fix.Latitude,
		Longitude:      fix.Longitude,
		Date:           local.Format(DateLayout),
		Time:           local.Format(TimeLayout),
		MainPower:      models.PowerFlag(fix.MainPower),
		BatteryPercent: fix.Battery,
	}
}

func (s *Simulator) setLastError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

// KafkaSender publishes reports onto the positions topic keyed by device id.
type KafkaSender struct {
	producer Producer
	topic    string
	attempts int
	backoff  time.Duration
}

func NewKafkaSender(producer Producer, topic string) *KafkaSender {
	return &KafkaSender{producer: producer, topic: topic, attempts: 10, backoff: 150 * time.Millisecond}
}

func (k *KafkaSender) WithRetry(attempts int, backoff time.Duration) *KafkaSender {
	if attempts > 0 {
		k.attempts = attempts
	}
	if backoff >= 0 {
		k.backoff = backoff
	}
	return k
}

func (k *KafkaSender) Send(ctx context.Context, r models.PositionReport) error {
	b, err := json.Marshal(messages.NewPositionReported(r, time.Now().UTC()))
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}

	// Kafka может быть не готова сразу после старта docker compose.
	var pubErr error
	for i := 0; i < k.attempts; i++ {
		if pubErr = k.producer.Publish(ctx, k.topic, []byte(r.DeviceID), b); pubErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * k.backoff):
		}
	}
	return pubErr
}
