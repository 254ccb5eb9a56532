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

package observability

import "context"

// NewNoopProvider returns a TracerProvider whose spans do nothing. It is
// the default for components that accept an optional TracerProvider, so
// tracing is strictly additive and never required for correctness.
func NewNoopProvider() TracerProvider {
	return noopProvider{}
}

type noopProvider struct{}

func (noopProvider) Tracer(name string) Tracer {
	return noopTracer{}
}

func (noopProvider) Shutdown(ctx context.Context) error {
	return nil
}

func (noopProvider) ForceFlush(ctx context.Context) error {
	return nil
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanHandle) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(opts ...SpanEndOption)                  {}
func (noopSpan) SetStatus(code StatusCode, message string)  {}
func (noopSpan) SetAttributes(attrs map[string]any)         {}
func (noopSpan) AddEvent(name string, attrs map[string]any) {}
func (noopSpan) RecordError(err error)                      {}

func (noopSpan) SpanContext() TraceContext {
	return TraceContext{}
}

type spanContextKey struct{}

// ContextWithSpan returns a copy of ctx carrying span as the active span,
// retrievable downstream via SpanFromContext without threading a handle
// through every call signature.
func ContextWithSpan(ctx context.Context, span SpanHandle) context.Context {
	return context.WithValue(ctx, spanContextKey{}, span)
}

// SpanFromContext returns the span stored in ctx by a prior
// ContextWithSpan call, or a no-op span if none is present. Callers can
// unconditionally call methods on the result.
func SpanFromContext(ctx context.Context) SpanHandle {
	if span, ok := ctx.Value(spanContextKey{}).(SpanHandle); ok {
		return span
	}
	return noopSpan{}
}
