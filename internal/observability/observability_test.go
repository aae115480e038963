package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitDefaultsToStdoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, nil)
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	tracer := otel.Tracer("busd/test")
	_, span := tracer.Start(context.Background(), "test-span")
	span.End()
}

func TestInitWithCustomServiceName(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "busd-test"}, nil)
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()
}

func TestShutdownSucceeds(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
