// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Shutdown on a noop provider must be a no-op.
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderUnsupportedExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{
		Enabled:      true,
		ServiceName:  "pipearr",
		ExporterType: "carrier-pigeon",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter type")
}

func TestTracerReturnsNamedTracer(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	tracer := Tracer("pipearr/test")
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "noop-span")
	span.End()
}

func TestItemAttributes(t *testing.T) {
	attrs := ItemAttributes("item-1", "req-1", "searching")
	require.Len(t, attrs, 3)
	assert.Equal(t, ItemIDKey, string(attrs[0].Key))
	assert.Equal(t, "item-1", attrs[0].Value.AsString())
}
