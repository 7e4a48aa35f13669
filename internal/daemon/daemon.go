// Package daemon runs the queue consumer next to the metrics and health
// server until a signal or a failing actor stops the group.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Runner is a long-lived worker, typically the queue consumer
type Runner interface {
	Run(ctx context.Context) error
}

// Config holds daemon configuration
type Config struct {
	MetricsAddr     string
	ShutdownTimeout time.Duration
}

// Daemon owns the run group
type Daemon struct {
	runner   Runner
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	config   Config

	startTime time.Time
	ready     atomic.Bool
	addr      atomic.Value
}

// NewDaemon creates a new daemon instance
func NewDaemon(config Config, runner Runner, gatherer prometheus.Gatherer, logger zerolog.Logger) *Daemon {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Daemon{
		runner:    runner,
		gatherer:  gatherer,
		logger:    logger.With().Str("component", "daemon").Logger(),
		config:    config,
		startTime: time.Now(),
	}
}

// Start blocks until ctx is cancelled, a signal arrives, or an actor fails.
// Cancellation and signals are a clean stop.
func (d *Daemon) Start(ctx context.Context) error {
	var g run.Group

	runCtx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		d.ready.Store(true)
		defer d.ready.Store(false)
		return d.runner.Run(runCtx)
	}, func(error) {
		cancel()
	})

	listener, err := net.Listen("tcp", d.config.MetricsAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen on %s: %w", d.config.MetricsAddr, err)
	}
	d.addr.Store(listener.Addr().String())

	server := &http.Server{
		Handler:           d.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Add(func() error {
		d.logger.Info().Str("addr", listener.Addr().String()).Msg("serving metrics and health")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, done := context.WithTimeout(context.Background(), d.config.ShutdownTimeout)
		defer done()
		_ = server.Shutdown(shutdownCtx)
	})

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()

	var sig run.SignalError
	if errors.As(err, &sig) {
		d.logger.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))

	healthy := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok uptime=%ds\n", int64(time.Since(d.startTime).Seconds()))
	}
	mux.HandleFunc("/health", healthy)
	mux.HandleFunc("/-/healthy", healthy)
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !d.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})
	return mux
}

// Addr is the bound metrics address once Start is listening
func (d *Daemon) Addr() string {
	if v, ok := d.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	status := "starting"
	if d.ready.Load() {
		status = "healthy"
	}
	return HealthStatus{
		Status: status,
		Uptime: int64(time.Since(d.startTime).Seconds()),
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status string
	Uptime int64
}
