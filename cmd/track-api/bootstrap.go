package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/TrackLive/config"
	"github.com/BearBump/TrackLive/internal/api/trackerapi"
	"github.com/BearBump/TrackLive/internal/auth"
	"github.com/BearBump/TrackLive/internal/broker/kafka"
	"github.com/BearBump/TrackLive/internal/cache"
	"github.com/BearBump/TrackLive/internal/cache/rediscache"
	"github.com/BearBump/TrackLive/internal/fanout"
	"github.com/BearBump/TrackLive/internal/logger"
	"github.com/BearBump/TrackLive/internal/metrics"
	"github.com/BearBump/TrackLive/internal/services/ingest"
	"github.com/BearBump/TrackLive/internal/services/trackers"
	"github.com/BearBump/TrackLive/internal/storage/memtracker"
	"github.com/BearBump/TrackLive/internal/storage/pgtracker"
)

const metricsNamespace = "tracklive"

// storage is what both backends provide.
type storage interface {
	trackers.Repository
	ingest.Recorder
	Ping(ctx context.Context) error
	Close()
}

type trackAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   trackAPIOpts
	deps   trackAPIDeps

	closers []func()
}

func mustBootstrapTrackAPI() *trackAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	logger.Setup("track-api", cfg.Log.Level)

	app := &trackAPIApp{}
	tb := cfg.TrackBox

	httpAddr := tb.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := tb.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "track-api"
	}
	topic := cfg.Kafka.PositionsTopicName
	if topic == "" {
		topic = "positions.raw"
	}
	liveTTL := time.Duration(tb.LiveCacheTTLSeconds) * time.Second
	if liveTTL <= 0 {
		liveTTL = 30 * time.Second
	}
	claimLimit := int64(tb.ClaimRateLimitPerMinute)
	if claimLimit == 0 {
		claimLimit = 10
	}
	loc, err := tb.ReportLocation()
	if err != nil {
		panic(err)
	}
	if tb.JWTSecret == "" {
		panic("trackbox.jwt_secret is required")
	}

	st := mustOpenStorage(cfg)
	app.closers = append(app.closers, st.Close)

	m := metrics.New(metricsNamespace)

	hub := fanout.NewHub().WithSettings(tb.ConnectionQueueSize, time.Duration(tb.ConnectionSendTimeoutMs)*time.Millisecond)
	app.closers = append(app.closers, hub.Close)
	m.WatchHub(metricsNamespace, hub.Stats)

	var (
		liveCache cache.BytesCache
		limiter   trackers.RateLimiter
		publisher ingest.Publisher = hub
		relay     *rediscache.Relay
	)
	if cfg.Redis.Enabled() {
		rc := rediscache.New(cfg.Redis.Addr())
		rl := rediscache.NewRateLimiter(cfg.Redis.Addr())
		app.closers = append(app.closers, func() { _ = rc.Close() }, func() { _ = rl.Close() })
		liveCache, limiter = rc, rl

		if tb.FanoutBackend == "redis" {
			relay = rediscache.NewRelay(cfg.Redis.Addr(), tb.FanoutRedisPrefix, hub)
			app.closers = append(app.closers, func() { _ = relay.Close() })
			publisher = relay
		}
	} else if tb.FanoutBackend == "redis" {
		panic("fanout_backend=redis needs a redis section")
	}

	svc := trackers.New(st, liveCache, liveTTL).
		WithClaimLimit(limiter, claimLimit).
		WithMetrics(m)

	ing := ingest.New(svc, st, publisher).
		WithLocation(loc).
		WithTimeout(tb.IngestTimeout()).
		WithMetrics(m)

	api := trackerapi.New(svc, ing, hub, auth.NewVerifier(tb.JWTSecret)).
		WithAdminKey(tb.AdminAPIKey).
		WithReadiness(st.Ping).
		WithMetrics(m)

	var newConsumer func() kafkaConsumer
	if cfg.Kafka.Enabled() {
		brokers := cfg.Kafka.Brokers()
		newConsumer = func() kafkaConsumer {
			return kafka.NewConsumer(brokers, topic, consumerGroup)
		}
	}

	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app.opts = trackAPIOpts{
		httpAddr:        httpAddr,
		swaggerPath:     swaggerPath,
		topic:           topic,
		consumerGroup:   consumerGroup,
		consumerBackoff: 5 * time.Second,
		relayBackoff:    2 * time.Second,
	}
	app.deps = trackAPIDeps{
		api:         api,
		ingestor:    ing,
		metrics:     m,
		newConsumer: newConsumer,
	}
	if relay != nil {
		app.deps.relay = relay
	}
	return app
}

func mustOpenStorage(cfg *config.Config) storage {
	switch cfg.TrackBox.StorageBackend {
	case "memory":
		slog.Warn("using in-memory storage, data is lost on restart")
		return memtracker.New()
	case "", "postgres":
		return mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
	default:
		panic(fmt.Sprintf("unknown storage_backend %q", cfg.TrackBox.StorageBackend))
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgtracker.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgtracker.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *trackAPIApp) Run() error {
	return runTrackAPI(a.ctx, a.opts, a.deps)
}
