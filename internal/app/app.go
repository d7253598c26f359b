// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/tegrastats-web/internal/broadcast"
	"github.com/skobkin/tegrastats-web/internal/config"
	"github.com/skobkin/tegrastats-web/internal/device"
	"github.com/skobkin/tegrastats-web/internal/httpserver"
	"github.com/skobkin/tegrastats-web/internal/sampler"
)

const (
	shutdownTimeout = 10 * time.Second
	subscriberQueue = 4
)

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) (err error) {
	appLogger := baseLogger.With("component", "app")

	info, err := device.Discover(cfg.HostRoot, cfg.TegrastatsPath, baseLogger.With("component", "device_discovery"))
	if err != nil {
		return fmt.Errorf("discover device: %w", err)
	}
	appLogger.Info("device discovered",
		"model", info.Model,
		"l4t", info.L4TRelease,
		"cpus", info.CPUCount,
		"jetson", info.Jetson,
	)
	if !info.Jetson {
		appLogger.Warn("host does not look like a Jetson board; tegrastats may be unavailable")
	}

	command := cfg.TegrastatsPath
	if info.TegrastatsPath != "" {
		command = info.TegrastatsPath
	}

	store := sampler.NewStore()
	supervisor, err := sampler.NewSupervisor(sampler.SupervisorConfig{
		Command:     command,
		Interval:    cfg.SampleInterval,
		StopTimeout: cfg.StopTimeout,
		BackoffMin:  cfg.Restart.BackoffMin,
		BackoffMax:  cfg.Restart.BackoffMax,
		MaxRestarts: cfg.Restart.MaxAttempts,
	}, store, baseLogger.With("component", "sampler"))
	if err != nil {
		return fmt.Errorf("init sampler: %w", err)
	}

	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start sampler: %w", err)
	}
	defer func() {
		if stopErr := supervisor.Stop(); stopErr != nil {
			appLogger.Warn("sampler stop", "err", stopErr)
			err = errors.Join(err, fmt.Errorf("stop sampler: %w", stopErr))
		}
	}()

	admission := broadcast.NewAdmission(cfg.WS.MaxClients)
	hub, err := broadcast.NewBroadcaster(store, admission, broadcast.Options{
		Interval:    cfg.BroadcastInterval,
		SendTimeout: cfg.WS.SendTimeout,
		QueueSize:   subscriberQueue,
	}, baseLogger)
	if err != nil {
		return fmt.Errorf("init broadcaster: %w", err)
	}

	hubCtx, hubCancel := context.WithCancel(ctx)
	defer hubCancel()

	hubErrCh := make(chan error, 1)
	go func() {
		hubErrCh <- hub.Run(hubCtx)
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), httpserver.Deps{
		Device:    info,
		Sampler:   supervisor,
		Hub:       hub,
		Admission: admission,
	})

	appLogger.Info("starting HTTP server",
		"listen_addr", cfg.ListenAddr,
		"max_clients", cfg.WS.MaxClients,
		"broadcast_interval", cfg.BroadcastInterval,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			hubCancel()
			if hubErrCh != nil {
				if hubErr := <-hubErrCh; hubErr != nil && !errors.Is(hubErr, context.Canceled) {
					return errors.Join(err, hubErr)
				}
			}
			return err
		case err := <-hubErrCh:
			hubErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("broadcaster: %w", err)
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			// Stopping the hub closes every subscriber, which ends the
			// hijacked WebSocket handlers that Shutdown does not track.
			hubCancel()
			if hubErrCh != nil {
				if hubErr := <-hubErrCh; hubErr != nil && !errors.Is(hubErr, context.Canceled) {
					return hubErr
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}
