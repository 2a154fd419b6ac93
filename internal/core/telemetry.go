package core

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for graph operations.
var (
	tracer = otel.Tracer("dgsplice.core")
	meter  = otel.Meter("dgsplice.core")
)

var (
	evaluateLatency metric.Float64Histogram
	evaluateTotal   metric.Int64Counter
	bindingLatency  metric.Float64Histogram
	bindingTotal    metric.Int64Counter
	fireTotal       metric.Int64Counter
	compileTotal    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		evaluateLatency, err = meter.Float64Histogram(
			"dg_evaluate_duration_seconds",
			metric.WithDescription("Duration of node evaluations including dependencies"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evaluateTotal, err = meter.Int64Counter(
			"dg_evaluate_total",
			metric.WithDescription("Total number of node evaluations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		bindingLatency, err = meter.Float64Histogram(
			"dg_binding_duration_seconds",
			metric.WithDescription("Duration of a single binding execution over all slices"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		bindingTotal, err = meter.Int64Counter(
			"dg_binding_total",
			metric.WithDescription("Total number of binding executions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fireTotal, err = meter.Int64Counter(
			"dg_event_fire_total",
			metric.WithDescription("Total number of fired events"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		compileTotal, err = meter.Int64Counter(
			"dg_operator_compile_total",
			metric.WithDescription("Total number of operator compilations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordEvaluate(ctx context.Context, duration time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))
	evaluateLatency.Record(ctx, duration.Seconds(), attrs)
	evaluateTotal.Add(ctx, 1, attrs)
}

func recordBinding(ctx context.Context, operator string, duration time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operator", operator),
		attribute.Bool("success", err == nil),
	)
	bindingLatency.Record(ctx, duration.Seconds(), attrs)
	bindingTotal.Add(ctx, 1, attrs)
}

func recordFire(ctx context.Context, event string, err error) {
	if initMetrics() != nil {
		return
	}
	fireTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.Bool("success", err == nil),
	))
}

func recordCompile(ctx context.Context, operator string, ok bool) {
	if initMetrics() != nil {
		return
	}
	compileTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operator", operator),
		attribute.Bool("success", ok),
	))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan marks the span failed when err is set and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
