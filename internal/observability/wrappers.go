package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kizimba/internal/sandbox"
)

// InstrumentedProvider wraps a sandbox.Provider with metrics and tracing.
// Every provider call gets a span plus a counter/duration pair labeled by
// provider and operation; unsupported results are counted separately so a
// dashboard can tell capability gaps from real failures.
type InstrumentedProvider struct {
	inner   sandbox.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps a provider with observability. Returns the
// provider unchanged when both metrics and tracing are disabled.
func NewInstrumentedProvider(inner sandbox.Provider, metrics *MetricsCollector, ts *TracerSetup) sandbox.Provider {
	if metrics == nil && ts == nil {
		return inner
	}
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) CreateSession(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	ctx, finish := p.begin(ctx, "create")
	sessionID, err := p.inner.CreateSession(ctx, opts)
	finish(ctx, err)
	if err == nil && p.metrics != nil {
		p.metrics.SessionsActive.WithLabelValues(p.inner.Name()).Inc()
	}
	return sessionID, err
}

func (p *InstrumentedProvider) GetSession(ctx context.Context, sessionID string) (*sandbox.SessionDescriptor, error) {
	ctx, finish := p.begin(ctx, "get")
	desc, err := p.inner.GetSession(ctx, sessionID)
	finish(ctx, err)
	return desc, err
}

func (p *InstrumentedProvider) PauseSession(ctx context.Context, sessionID string) error {
	ctx, finish := p.begin(ctx, "pause")
	err := p.inner.PauseSession(ctx, sessionID)
	finish(ctx, err)
	return err
}

func (p *InstrumentedProvider) ResumeSession(ctx context.Context, sessionID string) error {
	ctx, finish := p.begin(ctx, "resume")
	err := p.inner.ResumeSession(ctx, sessionID)
	finish(ctx, err)
	return err
}

func (p *InstrumentedProvider) DestroySession(ctx context.Context, sessionID string) error {
	ctx, finish := p.begin(ctx, "destroy")
	err := p.inner.DestroySession(ctx, sessionID)
	finish(ctx, err)
	if err == nil && p.metrics != nil {
		p.metrics.SessionsActive.WithLabelValues(p.inner.Name()).Dec()
	}
	return err
}

func (p *InstrumentedProvider) Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (*sandbox.ExecResult, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "sandbox.exec",
			trace.WithAttributes(
				attribute.String("sandbox.provider", provider),
				attribute.String("sandbox.session_id", sessionID),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := p.inner.Exec(ctx, sessionID, command, timeout)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if p.metrics != nil {
		p.metrics.ExecutionsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.ExecutionDuration.WithLabelValues(provider).Observe(duration)
	}

	return result, err
}

func (p *InstrumentedProvider) Metrics(ctx context.Context, sessionID string) (*sandbox.Metrics, error) {
	ctx, finish := p.begin(ctx, "metrics")
	m, err := p.inner.Metrics(ctx, sessionID)
	finish(ctx, err)
	return m, err
}

func (p *InstrumentedProvider) ListSessions(ctx context.Context) ([]sandbox.SessionDescriptor, error) {
	ctx, finish := p.begin(ctx, "list")
	sessions, err := p.inner.ListSessions(ctx)
	finish(ctx, err)
	return sessions, err
}

// begin opens a span and returns a finish func that records the call's
// metrics and span status.
func (p *InstrumentedProvider) begin(ctx context.Context, op string) (context.Context, func(context.Context, error)) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "sandbox."+op,
			trace.WithAttributes(
				attribute.String("sandbox.provider", provider),
			))
		start := time.Now()
		return ctx, func(ctx context.Context, err error) {
			p.record(provider, op, time.Since(start), err)
			if err != nil && !errors.Is(err, sandbox.ErrUnsupported) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
	}

	start := time.Now()
	return ctx, func(_ context.Context, err error) {
		p.record(provider, op, time.Since(start), err)
	}
}

func (p *InstrumentedProvider) record(provider, op string, elapsed time.Duration, err error) {
	if p.metrics == nil {
		return
	}
	status := "success"
	switch {
	case errors.Is(err, sandbox.ErrUnsupported):
		status = "unsupported"
		p.metrics.UnsupportedTotal.WithLabelValues(provider, op).Inc()
	case errors.Is(err, sandbox.ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	p.metrics.ProviderCallsTotal.WithLabelValues(provider, op, status).Inc()
	p.metrics.ProviderCallDuration.WithLabelValues(provider, op).Observe(elapsed.Seconds())
}

// compile-time interface check
var _ sandbox.Provider = (*InstrumentedProvider)(nil)
