// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry is the OpenTelemetry-backed implementation of
// pkg/observability's provider-agnostic tracer abstraction (§5.x's
// observability hooks): every status transition the dispatcher applies
// gets a span event,
// and the dispatcher's submit path and the reconciler's sweep cycle each
// get a root span so a single run's trace can be followed end to end.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/tracklane/engine/pkg/observability"
)

// Settings configures NewProvider. Exporter selects the span exporter;
// "stdout" is the only one wired today (§5.x names it the default dev
// exporter). Enabled false yields a provider that samples nothing, so
// the dispatcher/reconciler call sites pay only the cost of a no-op
// span regardless of build tags or config plumbing.
type Settings struct {
	ServiceName string
	Exporter    string
	Enabled     bool
}

// NewProvider builds an observability.TracerProvider backed by the
// OpenTelemetry SDK per Settings.
func NewProvider(settings Settings) (observability.TracerProvider, error) {
	res := resource.NewSchemaless(attribute.String("service.name", settings.ServiceName))

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if settings.Enabled {
		exp, err := newExporter(settings.Exporter)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sdktrace.AlwaysSample()))
	} else {
		opts = append(opts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	return &provider{tp: tp}, nil
}

// NewDevProvider is the stdout-exporter convenience constructor SPEC_FULL
// names directly: always enabled, always stdouttrace, for local runs and
// smoke tests where a collector isn't available.
func NewDevProvider(serviceName string) (observability.TracerProvider, error) {
	return NewProvider(Settings{ServiceName: serviceName, Exporter: "stdout", Enabled: true})
}

func newExporter(kind string) (sdktrace.SpanExporter, error) {
	switch kind {
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("telemetry: unsupported exporter %q", kind)
	}
}

type provider struct {
	tp *sdktrace.TracerProvider
}

func (p *provider) Tracer(name string) observability.Tracer {
	return &tracer{t: p.tp.Tracer(name)}
}

func (p *provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

func (p *provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}

type tracer struct {
	t oteltrace.Tracer
}

func (tr *tracer) Start(ctx context.Context, name string, opts ...observability.SpanOption) (context.Context, observability.SpanHandle) {
	cfg := observability.SpanConfig{}
	for _, o := range opts {
		o.ApplySpanOption(&cfg)
	}

	startOpts := []oteltrace.SpanStartOption{oteltrace.WithSpanKind(mapSpanKind(cfg.SpanKind))}
	if len(cfg.Attributes) > 0 {
		startOpts = append(startOpts, oteltrace.WithAttributes(toAttributes(cfg.Attributes)...))
	}
	if cfg.Timestamp != nil {
		startOpts = append(startOpts, oteltrace.WithTimestamp(time.Unix(0, *cfg.Timestamp)))
	}

	ctx, span := tr.t.Start(ctx, name, startOpts...)
	handle := &spanHandle{span: span}
	ctx = observability.ContextWithSpan(ctx, handle)
	return ctx, handle
}

type spanHandle struct {
	span oteltrace.Span
}

func (s *spanHandle) End(opts ...observability.SpanEndOption) {
	cfg := observability.SpanEndConfig{}
	for _, o := range opts {
		o.ApplySpanEndOption(&cfg)
	}
	if cfg.Timestamp != nil {
		s.span.End(oteltrace.WithTimestamp(time.Unix(0, *cfg.Timestamp)))
		return
	}
	s.span.End()
}

func (s *spanHandle) SetStatus(code observability.StatusCode, message string) {
	s.span.SetStatus(mapStatusCode(code), message)
}

func (s *spanHandle) SetAttributes(attrs map[string]any) {
	if len(attrs) == 0 {
		return
	}
	s.span.SetAttributes(toAttributes(attrs)...)
}

func (s *spanHandle) AddEvent(name string, attrs map[string]any) {
	if len(attrs) == 0 {
		s.span.AddEvent(name)
		return
	}
	s.span.AddEvent(name, oteltrace.WithAttributes(toAttributes(attrs)...))
}

func (s *spanHandle) SpanContext() observability.TraceContext {
	sc := s.span.SpanContext()
	return observability.TraceContext{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		TraceFlags: byte(sc.TraceFlags()),
		TraceState: sc.TraceState().String(),
	}
}

func (s *spanHandle) RecordError(err error) {
	s.span.RecordError(err)
}

func mapSpanKind(kind observability.SpanKind) oteltrace.SpanKind {
	switch kind {
	case observability.SpanKindClient:
		return oteltrace.SpanKindClient
	case observability.SpanKindServer:
		return oteltrace.SpanKindServer
	case observability.SpanKindProducer:
		return oteltrace.SpanKindProducer
	case observability.SpanKindConsumer:
		return oteltrace.SpanKindConsumer
	default:
		return oteltrace.SpanKindInternal
	}
}

func mapStatusCode(code observability.StatusCode) codes.Code {
	switch code {
	case observability.StatusCodeOK:
		return codes.Ok
	case observability.StatusCodeError:
		return codes.Error
	default:
		return codes.Unset
	}
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return out
}
