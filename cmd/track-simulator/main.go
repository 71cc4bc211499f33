package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/TrackLive/config"
	"github.com/BearBump/TrackLive/internal/logger"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	logger.Setup("track-simulator", cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sim, closeFn, err := newTrackSimulator(cfg, defaultSimulatorFactories())
	if err != nil {
		slog.Error("track-simulator bootstrap", "err", err)
		os.Exit(1)
	}
	defer closeFn()

	go func() {
		err := runSimulatorHTTPServer(ctx, simulatorHTTPOpts{
			httpAddr:    cfg.Simulator.HTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			sim:         sim,
			cfg:         cfg,
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("simulator http server stopped", "err", err)
		}
	}()

	if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("track-simulator stopped", "err", err)
		os.Exit(1)
	}
}
