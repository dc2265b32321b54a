package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector holds all Prometheus metrics for the sandbox layer.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Provider API metrics.
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec

	// Command execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Session lifecycle metrics.
	SessionsActive    *prometheus.GaugeVec
	TransitionsTotal  *prometheus.CounterVec
	UnsupportedTotal  *prometheus.CounterVec
	SelfHealingsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ProviderCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kizimba",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total sandbox provider API calls.",
		}, []string{"provider", "op", "status"}),

		ProviderCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kizimba",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Sandbox provider API call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "op"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kizimba",
			Subsystem: "exec",
			Name:      "commands_total",
			Help:      "Total commands executed in sandboxes.",
		}, []string{"provider", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kizimba",
			Subsystem: "exec",
			Name:      "command_duration_seconds",
			Help:      "Sandbox command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"provider"}),

		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kizimba",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions this process currently tracks per provider.",
		}, []string{"provider"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kizimba",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session lifecycle transitions.",
		}, []string{"provider", "to"}),

		UnsupportedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kizimba",
			Subsystem: "session",
			Name:      "unsupported_total",
			Help:      "Provider operations declined as unsupported.",
		}, []string{"provider", "op"}),

		SelfHealingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kizimba",
			Subsystem: "session",
			Name:      "self_healings_total",
			Help:      "Sessions recreated after the provider lost them.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.ProviderCallsTotal,
		m.ProviderCallDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SessionsActive,
		m.TransitionsTotal,
		m.UnsupportedTotal,
		m.SelfHealingsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Serve exposes the registry over HTTP and blocks until ctx is done.
func (m *MetricsCollector) Serve(ctx context.Context, addr, path string, logger *slog.Logger) error {
	if addr == "" {
		addr = ":9464"
	}
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening",
		slog.String("addr", addr),
		slog.String("path", path),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
