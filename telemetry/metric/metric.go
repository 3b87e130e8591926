//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package metric exposes the process-wide OpenTelemetry meter and the chat
// relay instruments recorded on it.
package metric

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	noopm "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	itelemetry "github.com/Erfan7767/erfan-agent-backend/internal/telemetry"
)

// Turn outcomes recorded by RecordTurn.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

var (
	// Meter is the global OpenTelemetry meter.
	Meter metric.Meter = noopm.Meter{}

	mu          sync.RWMutex
	instruments = mustInstruments(Meter)
)

type chatInstruments struct {
	turns        metric.Int64Counter
	turnDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	connections  metric.Int64UpDownCounter
}

func newInstruments(m metric.Meter) (*chatInstruments, error) {
	turns, err := m.Int64Counter("chat.turns",
		metric.WithDescription("Number of finished chat turns"))
	if err != nil {
		return nil, err
	}
	turnDuration, err := m.Float64Histogram("chat.turn.duration",
		metric.WithDescription("Duration of chat turns"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	toolCalls, err := m.Int64Counter("chat.tool_calls",
		metric.WithDescription("Number of tool calls executed"))
	if err != nil {
		return nil, err
	}
	connections, err := m.Int64UpDownCounter("chat.connections",
		metric.WithDescription("Number of open chat connections"))
	if err != nil {
		return nil, err
	}
	return &chatInstruments{
		turns:        turns,
		turnDuration: turnDuration,
		toolCalls:    toolCalls,
		connections:  connections,
	}, nil
}

func mustInstruments(m metric.Meter) *chatInstruments {
	ins, err := newInstruments(m)
	if err != nil {
		panic(err)
	}
	return ins
}

func current() *chatInstruments {
	mu.RLock()
	defer mu.RUnlock()
	return instruments
}

// RecordTurn records one finished turn with its outcome and duration.
func RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	ins := current()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	ins.turns.Add(ctx, 1, attrs)
	ins.turnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordToolCall records one executed tool call.
func RecordToolCall(ctx context.Context, toolName string) {
	current().toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolName)))
}

// AddConnections adjusts the open connection gauge by delta.
func AddConnections(ctx context.Context, delta int64) {
	current().connections.Add(ctx, delta)
}

// Start installs an OTLP exporting meter as the global Meter.
//
// OTEL_EXPORTER_OTLP_METRICS_ENDPOINT and OTEL_EXPORTER_OTLP_ENDPOINT are
// honoured when WithEndpoint is not given.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	options := &options{
		serviceName:      itelemetry.ServiceName,
		serviceVersion:   itelemetry.ServiceVersion,
		serviceNamespace: itelemetry.ServiceNamespace,
		protocol:         itelemetry.ProtocolGRPC,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.metricsEndpoint == "" {
		options.metricsEndpoint = metricsEndpoint(options.protocol)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace(options.serviceNamespace),
			semconv.ServiceName(options.serviceName),
			semconv.ServiceVersion(options.serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	switch options.protocol {
	case itelemetry.ProtocolHTTP:
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(options.metricsEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		exporter, err = newGRPCExporter(ctx, options.metricsEndpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	if err := setMeter(meterProvider.Meter(itelemetry.InstrumentName)); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return func() error {
		if err := meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown MeterProvider: %w", err)
		}
		return nil
	}, nil
}

// setMeter replaces the global meter and rebinds the instruments to it.
func setMeter(m metric.Meter) error {
	ins, err := newInstruments(m)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	Meter = m
	instruments = ins
	return nil
}

func newGRPCExporter(ctx context.Context, endpoint string) (sdkmetric.Exporter, error) {
	conn, err := itelemetry.NewConn(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics connection: %w", err)
	}
	return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
}

func metricsEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if protocol == itelemetry.ProtocolHTTP {
		return "localhost:4318"
	}
	return "localhost:4317"
}

// Option is a function that configures meter options.
type Option func(*options)

type options struct {
	metricsEndpoint  string
	serviceName      string
	serviceVersion   string
	serviceNamespace string
	protocol         string
}

// WithEndpoint sets the collector host and port, e.g. "collector:4317".
func WithEndpoint(endpoint string) Option {
	return func(opts *options) {
		opts.metricsEndpoint = endpoint
	}
}

// WithProtocol sets the export protocol, "grpc" (default) or "http".
func WithProtocol(protocol string) Option {
	return func(opts *options) {
		opts.protocol = protocol
	}
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(opts *options) {
		opts.serviceName = name
	}
}
