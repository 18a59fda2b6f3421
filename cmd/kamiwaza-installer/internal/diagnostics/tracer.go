// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer creates spans for phases and commands.
type Tracer interface {
	// StartSpan starts a span and returns a finish function. Passing a
	// non-nil error to finish marks the span failed.
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))

	// TraceID returns the trace id of the span in ctx, or "".
	TraceID(ctx context.Context) string

	// Shutdown flushes pending spans.
	Shutdown(ctx context.Context) error
}

// NoOpTracer produces no spans.
type NoOpTracer struct{}

// NewNoOpTracer creates a NoOpTracer.
func NewNoOpTracer() NoOpTracer { return NoOpTracer{} }

func (NoOpTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (NoOpTracer) TraceID(context.Context) string { return "" }
func (NoOpTracer) Shutdown(context.Context) error { return nil }

// FileTracer exports spans as JSON to a file.
//
// # Description
//
// Spans are batched in memory by the SDK and written on Shutdown, so a run
// that crashes before Shutdown loses its trace but never blocks on I/O.
type FileTracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	file     *os.File
	once     sync.Once
}

// FileTracerConfig configures NewFileTracer.
type FileTracerConfig struct {
	// Path is the trace file, typically <logDir>/trace.jsonl.
	Path string

	// ServiceName is recorded as service.name. Default: "kamiwaza-installer"
	ServiceName string

	// ServiceVersion is recorded as service.version.
	ServiceVersion string

	// RunID is recorded on the resource as "installer.run_id".
	RunID string
}

// NewFileTracer opens Path and installs a tracer provider exporting to it.
func NewFileTracer(ctx context.Context, cfg FileTracerConfig) (*FileTracer, error) {
	if cfg.Path == "" {
		return nil, errors.New("trace path is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "kamiwaza-installer"
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			attribute.String("installer.run_id", cfg.RunID),
		),
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	return &FileTracer{
		tracer:   provider.Tracer(cfg.ServiceName),
		provider: provider,
		file:     f,
	}, nil
}

// StartSpan starts an internal span.
func (t *FileTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		otelAttrs = append(otelAttrs, attribute.String(k, v))
	}

	ctx, span := t.tracer.Start(ctx, name,
		trace.WithAttributes(otelAttrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// TraceID returns the trace id of the span in ctx.
func (t *FileTracer) TraceID(ctx context.Context) string {
	traceID := trace.SpanFromContext(ctx).SpanContext().TraceID()
	if !traceID.IsValid() {
		return ""
	}
	return traceID.String()
}

// Shutdown flushes spans and closes the file. Safe to call more than once.
func (t *FileTracer) Shutdown(ctx context.Context) error {
	var err error
	t.once.Do(func() {
		err = t.provider.Shutdown(ctx)
		if cerr := t.file.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

var (
	_ Tracer = NoOpTracer{}
	_ Tracer = (*FileTracer)(nil)
)
