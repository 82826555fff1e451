//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

// Package trace bootstraps OpenTelemetry tracing.
package trace

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// instrumentName identifies spans produced by this module.
const instrumentName = "github.com/floword/floword"

// defaultEndpoint is used when no endpoint is configured anywhere.
const defaultEndpoint = "localhost:4318"

// Tracer is the tracer used throughout the module. It is a no-op until
// Start installs a real provider.
var Tracer trace.Tracer = noop.NewTracerProvider().Tracer(instrumentName)

type options struct {
	endpoint    string
	serviceName string
}

// Option configures Start.
type Option func(*options)

// WithEndpoint overrides the OTLP HTTP endpoint.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithServiceName overrides the reported service name.
func WithServiceName(name string) Option {
	return func(o *options) {
		o.serviceName = name
	}
}

// Start installs an OTLP trace exporter and returns a cleanup function that
// flushes and shuts the provider down.
func Start(ctx context.Context, opts ...Option) (func() error, error) {
	o := options{
		serviceName: "floword",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.endpoint == "" {
		o.endpoint = tracesEndpoint()
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(o.endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(o.serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	Tracer = provider.Tracer(instrumentName)

	return func() error {
		return provider.Shutdown(context.Background())
	}, nil
}

// tracesEndpoint resolves the exporter endpoint: the traces-specific
// environment variable wins over the generic one, then the default.
func tracesEndpoint() string {
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"); ep != "" {
		return ep
	}
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		return ep
	}
	return defaultEndpoint
}
