// Command sagad runs the saga coordinator with the example sagas registered,
// the expiry sweeper scheduled and /healthz and /metrics served over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"saga"
	"saga/circuit"
	"saga/circuit/memory"
	"saga/config"
	"saga/event"
	"saga/examples/billing"
	"saga/examples/provisioning"
	prommetrics "saga/metrics/prometheus"
	"saga/storage"
	"saga/sweeper"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "sagad:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, out)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeCfg := cfg.Storage
	storeCfg.Logger = logger
	store, err := storage.Open(ctx, storeCfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close storage")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.New(prommetrics.Config{Namespace: "saga", Registry: registry})

	bus := event.NewMemoryEventBus(event.WithLogger(logger))
	if err := bus.SubscribeAll(event.LogHandler(logger)); err != nil {
		return err
	}

	tracer, shutdownTracing := newTracer(cfg, logger)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("failed to flush spans")
		}
	}()

	breaker := memory.NewMemoryBreakerWithConfig(cfg.Engine.ToBreakerConfig(),
		memory.WithStateListener(func(service string, _, to circuit.State) {
			metrics.CircuitStateChanged(service, to)
		}))

	coord, err := saga.NewCoordinator(store,
		saga.WithCoordinatorConfig(cfg.Engine),
		saga.WithLogger(logger),
		saga.WithEventBus(bus),
		saga.WithMetrics(metrics),
		saga.WithTracer(tracer),
		saga.WithBreaker(breaker),
	)
	if err != nil {
		return err
	}
	if err := registerExamples(coord.Registry()); err != nil {
		return err
	}

	if cfg.Sweeper.Enabled {
		sw, err := sweeper.New(store,
			sweeper.WithConfig(cfg.Sweeper),
			sweeper.WithPurger(coord.Idempotency()),
			sweeper.WithEventBus(bus),
			sweeper.WithMetrics(metrics),
			sweeper.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		if err := sw.Start(ctx); err != nil {
			return err
		}
		defer sw.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(coord, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("backend", store.Backend()).
			Strs("sagas", coord.Registry().Names()).
			Msg("sagad started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	return coord.Close(shutdownCtx)
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	zerolog.TimestampFieldName = "timestamp"
	return zerolog.New(out).
		Level(cfg.Level()).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Logger()
}

// registerExamples registers the example sagas against in-memory
// collaborators.
func registerExamples(r *saga.Registry) error {
	bill, err := billing.NewDefinition(billing.NewMemoryInvoices(), billing.NewMemoryGateway(),
		billing.WithApprovalThreshold(10_000))
	if err != nil {
		return err
	}
	prov, err := provisioning.NewDefinition(provisioning.NewMemoryDirectory(),
		provisioning.NewMemoryAllocator(100), &provisioning.MemoryNotifier{})
	if err != nil {
		return err
	}
	if err := r.RegisterDefinition(bill); err != nil {
		return err
	}
	return r.RegisterDefinition(prov)
}
