// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package remotefnotel provides OpenTelemetry instrumentation for remote
// function services. It implements the [remotefn.DispatchHook] interface to
// add distributed tracing and metrics to request dispatch.
//
// Usage:
//
//	svc := remotefn.NewService(table)
//	remotefnotel.InstrumentService(svc, remotefnotel.DefaultConfig())
package remotefnotel

import (
	"context"
	"fmt"
	"time"

	"github.com/Query-farm/remotefn-go/remotefn"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "remotefn"

// Config configures OpenTelemetry instrumentation for a service.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator extracts trace context from request metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed dispatches.
	// Default true.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value. Defaults to
	// "RemoteFunctionService".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns a Config with sensible defaults. TracerProvider,
// MeterProvider, and Propagator are resolved from the global OTel SDK at
// instrumentation time.
func DefaultConfig() Config {
	return Config{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentService attaches OpenTelemetry instrumentation to a service.
// The hook is installed via [remotefn.Service.SetDispatchHook].
func InstrumentService(svc *remotefn.Service, cfg Config) {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "RemoteFunctionService"
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of remote function invocations"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of remote function invocations"),
		)
		hook.rowsCounter, _ = meter.Int64Counter("rpc.server.input_rows",
			metric.WithUnit("{row}"),
			metric.WithDescription("Rows received in argument batches"),
		)
	}

	svc.SetDispatchHook(hook)
}

// otelHook implements remotefn.DispatchHook with OpenTelemetry tracing and metrics.
type otelHook struct {
	cfg               Config
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
	rowsCounter       metric.Int64Counter
}

// spanToken is the HookToken returned by OnDispatchStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart extracts parent trace context and starts a server span.
func (h *otelHook) OnDispatchStart(ctx context.Context, info remotefn.DispatchInfo) (context.Context, remotefn.HookToken) {
	// Extract parent trace context from request metadata (traceparent/tracestate)
	if h.cfg.Propagator != nil && info.TransportMetadata != nil {
		carrier := propagation.MapCarrier(info.TransportMetadata)
		ctx = h.cfg.Propagator.Extract(ctx, carrier)
	}

	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	spanName := fmt.Sprintf("remotefn/%s", info.Function)

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "remotefn"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Function),
		attribute.String("rpc.remotefn.server_id", info.ServerID),
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	if info.RemoteAddr != "" {
		attrs = append(attrs, attribute.String("net.peer.address", info.RemoteAddr))
	}

	ctx, span := h.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)

	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnDispatchEnd records span attributes, metrics, and ends the span.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token remotefn.HookToken, info remotefn.DispatchInfo, stats *remotefn.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "remotefn"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Function),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
		if h.rowsCounter != nil && stats != nil {
			h.rowsCounter.Add(ctx, stats.InputRows, metricAttrs)
		}
	}

	if st.span != nil && st.span.IsRecording() {
		if stats != nil {
			st.span.SetAttributes(
				attribute.Int64("rpc.remotefn.input_rows", stats.InputRows),
				attribute.Int64("rpc.remotefn.output_rows", stats.OutputRows),
				attribute.Int64("rpc.remotefn.input_bytes", stats.InputBytes),
				attribute.Int64("rpc.remotefn.output_bytes", stats.OutputBytes),
			)
		}

		if err != nil {
			st.span.SetStatus(codes.Error, err.Error())
			if h.cfg.RecordExceptions {
				st.span.RecordError(err)
			}
			st.span.SetAttributes(attribute.String("rpc.remotefn.error_type", errorType(err)))
		} else {
			st.span.SetStatus(codes.Ok, "")
		}

		st.span.End()
	}
}

func errorType(err error) string {
	switch err.(type) {
	case *remotefn.ExecutionError:
		return "ExecutionError"
	case *remotefn.FunctionNotFoundError:
		return "FunctionNotFound"
	case *remotefn.MalformedPayloadError:
		return "MalformedPayload"
	default:
		return fmt.Sprintf("%T", err)
	}
}
