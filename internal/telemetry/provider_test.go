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

package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklane/engine/pkg/observability"
)

func TestNewProvider_DisabledYieldsValidNoSampleProvider(t *testing.T) {
	p, err := NewProvider(Settings{ServiceName: "test", Enabled: false})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	tr := p.Tracer("unit")
	ctx, span := tr.Start(context.Background(), "op")
	assert.NotNil(t, span)
	span.End()
	assert.NoError(t, p.ForceFlush(ctx))
}

func TestNewDevProvider_EnabledStdoutExporter(t *testing.T) {
	p, err := NewDevProvider("test-service")
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	tr := p.Tracer("unit")
	ctx, span := tr.Start(context.Background(), "root-op", observability.WithSpanKind(observability.SpanKindServer), observability.WithAttributes(map[string]any{
		"k": "v",
	}))

	child := observability.SpanFromContext(ctx)
	assert.NotNil(t, child)

	span.SetAttributes(map[string]any{"extra": 1})
	span.AddEvent("did-a-thing", map[string]any{"count": 2})
	span.RecordError(errors.New("boom"))
	span.SetStatus(observability.StatusCodeError, "boom")

	sc := span.SpanContext()
	assert.NotEmpty(t, sc.TraceID)

	span.End()
	require.NoError(t, p.ForceFlush(context.Background()))
}

func TestNewProvider_UnsupportedExporterErrors(t *testing.T) {
	_, err := NewProvider(Settings{ServiceName: "test", Exporter: "does-not-exist", Enabled: true})
	assert.Error(t, err)
}

func TestNewProvider_DefaultsToStdoutExporter(t *testing.T) {
	p, err := NewProvider(Settings{ServiceName: "test", Enabled: true})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	tr := p.Tracer("unit")
	_, span := tr.Start(context.Background(), "op")
	span.End()
}
