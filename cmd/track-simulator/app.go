package main

import (
	"strings"
	"time"

	"github.com/BearBump/TrackLive/config"
	"github.com/BearBump/TrackLive/internal/broker/kafka"
	"github.com/BearBump/TrackLive/internal/cache/rediscache"
	"github.com/BearBump/TrackLive/internal/integrations/ingestclient"
	"github.com/BearBump/TrackLive/internal/services/simulator"
	"github.com/pkg/errors"
)

type simulatorFactories struct {
	newSender      func(cfg *config.Config) (sender simulator.Sender, closeFn func(), err error)
	newRateLimiter func(cfg *config.Config) (rl simulator.RateLimiter, closeFn func())
}

func defaultSimulatorFactories() simulatorFactories {
	return simulatorFactories{
		newSender: func(cfg *config.Config) (simulator.Sender, func(), error) {
			switch strings.ToLower(cfg.Simulator.Transport) {
			case "", "http":
				return ingestclient.New(cfg.Simulator.IngestBaseURL), func() {}, nil
			case "kafka":
				if !cfg.Kafka.Enabled() {
					return nil, nil, errors.New("transport kafka needs kafka.host")
				}
				topic := cfg.Kafka.PositionsTopicName
				if topic == "" {
					topic = "positions.raw"
				}
				p := kafka.NewProducer(cfg.Kafka.Brokers())
				return simulator.NewKafkaSender(p, topic), func() { _ = p.Close() }, nil
			default:
				return nil, nil, errors.Errorf("unknown simulator transport %q", cfg.Simulator.Transport)
			}
		},
		newRateLimiter: func(cfg *config.Config) (simulator.RateLimiter, func()) {
			if !cfg.Redis.Enabled() {
				return nil, func() {}
			}
			rl := rediscache.NewRateLimiter(cfg.Redis.Addr())
			return rl, func() { _ = rl.Close() }
		},
	}
}

func newTrackSimulator(cfg *config.Config, f simulatorFactories) (*simulator.Simulator, func(), error) {
	sc := cfg.Simulator

	interval := time.Duration(sc.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	concurrency := sc.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	devices := sc.Devices
	if len(devices) == 0 {
		devices = []string{"1234567890"}
	}
	loc, err := cfg.TrackBox.ReportLocation()
	if err != nil {
		return nil, nil, err
	}

	sender, closeSender, err := f.newSender(cfg)
	if err != nil {
		return nil, nil, err
	}
	rl, closeRL := f.newRateLimiter(cfg)

	walk := simulator.DefaultWalkConfig()
	if sc.OriginLatitude != 0 || sc.OriginLongitude != 0 {
		walk.OriginLatitude = sc.OriginLatitude
		walk.OriginLongitude = sc.OriginLongitude
	}

	sim := simulator.New(sender, devices).
		WithSettings(interval, concurrency).
		WithRateLimit(rl, int64(sc.RatePerMinute)).
		WithWalker(simulator.NewWalker(walk, nil)).
		WithLocation(loc)

	closeFn := func() {
		closeRL()
		closeSender()
	}
	return sim, closeFn, nil
}
