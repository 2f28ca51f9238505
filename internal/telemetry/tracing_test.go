package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtractRoundTripsSpanContext(t *testing.T) {
	shutdown, err := InitTracerProvider(context.Background(), "test", "")
	require.NoError(t, err)
	defer shutdown(context.Background())

	ctx, span := otel.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := map[string]string{}
	Inject(ctx, headers)
	assert.Contains(t, headers, "traceparent")

	extracted := trace.SpanContextFromContext(Extract(context.Background(), headers))
	assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
	assert.True(t, extracted.IsRemote())
}
