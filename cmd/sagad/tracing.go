package main

import (
	"context"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"saga/config"
	"saga/tracing"
)

// newTracer returns a tracer whose finished spans are written to the log,
// or a no-op tracer when tracing is disabled.
func newTracer(cfg *config.Config, logger zerolog.Logger) (tracing.Tracer, func(context.Context) error) {
	if !cfg.Tracing {
		return &tracing.NoopTracer{}, func(context.Context) error { return nil }
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&logExporter{logger: logger.With().Str("component", "tracing").Logger()}),
	)
	return tracing.NewOTelTracer(tracing.Config{
		ServiceName:    cfg.Service,
		TracerProvider: tp,
	}), tp.Shutdown
}

// logExporter writes spans as debug log lines.
type logExporter struct {
	logger zerolog.Logger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		ev := e.logger.Debug().
			Str("trace_id", s.SpanContext().TraceID().String()).
			Str("span_id", s.SpanContext().SpanID().String()).
			Str("span", s.Name()).
			Dur("duration", s.EndTime().Sub(s.StartTime())).
			Str("status", s.Status().Code.String())
		for _, attr := range s.Attributes() {
			ev = ev.Str(string(attr.Key), attr.Value.Emit())
		}
		ev.Msg("span finished")
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error {
	return nil
}
