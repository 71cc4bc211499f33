package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/TrackLive/internal/api/trackerapi"
	"github.com/BearBump/TrackLive/internal/broker/kafka"
	"github.com/BearBump/TrackLive/internal/broker/messages"
	"github.com/BearBump/TrackLive/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type trackAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic           string
	consumerGroup   string
	consumerBackoff time.Duration
	relayBackoff    time.Duration

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type positionIngestor interface {
	Ingest(ctx context.Context, r models.PositionReport) (*models.IngestResult, error)
}

type relayRunner interface {
	Run(ctx context.Context, ready chan<- struct{}) error
}

type trackAPIDeps struct {
	api      *trackerapi.API
	ingestor positionIngestor
	metrics  interface{ Handler() http.Handler }

	// nil when kafka is not configured
	newConsumer func() kafkaConsumer
	relay       relayRunner
}

func runTrackAPI(ctx context.Context, opts trackAPIOpts, deps trackAPIDeps) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(httpLis.Addr().String())
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, httpLis, deps, opts.swaggerPath)
	}()

	if deps.relay != nil {
		go runRelayLoop(ctx, opts, deps.relay)
	}

	if deps.newConsumer != nil {
		go runConsumerLoop(ctx, opts, deps.newConsumer, positionHandler(ctx, deps.ingestor))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	}
}

// runConsumerLoop keeps a consumer attached to the topic, recreating it after
// a failure so uncommitted messages are redelivered.
func runConsumerLoop(ctx context.Context, opts trackAPIOpts, newConsumer func() kafkaConsumer, handler func(key, value []byte) error) {
	backoff := opts.consumerBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	for {
		c := newConsumer()
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		err := c.Consume(ctx, handler)
		_ = c.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Error("kafka consumer stopped, restarting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// runRelayLoop keeps the Redis subscription feeding the local hub for the
// whole life of the process.
func runRelayLoop(ctx context.Context, opts trackAPIOpts, relay relayRunner) {
	backoff := opts.relayBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	for {
		err := relay.Run(ctx, nil)
		if ctx.Err() != nil {
			return
		}
		slog.Error("fan-out relay stopped, restarting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// positionHandler turns a positions topic record into an Ingest call. Records
// that can never succeed are rejected; storage trouble is returned for retry.
func positionHandler(ctx context.Context, ing positionIngestor) func(key, value []byte) error {
	return func(_, value []byte) error {
		var m messages.PositionReported
		if err := json.Unmarshal(value, &m); err != nil {
			return kafka.Reject(errors.Wrap(err, "decode position"))
		}
		_, err := ing.Ingest(ctx, m.Report())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, models.ErrUnknownDevice),
			errors.Is(err, models.ErrMalformedTimestamp),
			errors.Is(err, models.ErrBadInput):
			return kafka.Reject(err)
		default:
			return err
		}
	}
}

func runHTTPServer(ctx context.Context, lis net.Listener, deps trackAPIDeps, swaggerPath string) error {
	r := chi.NewRouter()
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger.json"),
	))
	if deps.metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.metrics.Handler())
	}
	r.Group(func(r chi.Router) {
		deps.api.Routes(r)
	})

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	err := srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}
