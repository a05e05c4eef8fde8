// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithItemID(ctx, "item-1")
	ctx = ContextWithWorker(ctx, "search")

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "item-1", ItemIDFromContext(ctx))
	assert.Equal(t, "search", WorkerFromContext(ctx))
}

func TestContextMissingValues(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Empty(t, ItemIDFromContext(nil)) //nolint:staticcheck // nil ctx is part of the contract
	assert.Empty(t, WorkerFromContext(context.Background()))
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := ContextWithItemID(ContextWithRequestID(context.Background(), "req-7"), "item-7")
	enriched := WithContext(ctx, logger)
	enriched.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-7", entry["request_id"])
	assert.Equal(t, "item-7", entry["item_id"])
}

func TestWithContextNoFieldsReturnsSame(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	enriched := WithContext(context.Background(), logger)
	enriched.Info().Msg("plain")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, hasRequestID := entry["request_id"]
	assert.False(t, hasRequestID)
}
