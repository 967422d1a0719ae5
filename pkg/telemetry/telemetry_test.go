package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(false, "")
	require.NoError(t, err)

	_, span := Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitEnabledWritesSpans(t *testing.T) {
	file := filepath.Join(t.TempDir(), "trace", "spans.jsonl")
	shutdown, err := Init(true, file)
	require.NoError(t, err)

	_, span := Start(context.Background(), "workflow.Approve", attribute.String("request.type", "STANDARD"))
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "workflow.Approve")

	_, err = Init(false, "")
	require.NoError(t, err)
}
