package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracingDisabled(t *testing.T) {
	for _, exporter := range []string{"", "none", " NONE "} {
		shutdown, err := SetupTracing(context.Background(), TraceConfig{Exporter: exporter}, nil)
		require.NoError(t, err, exporter)
		assert.NoError(t, shutdown(context.Background()))
	}
}

func TestSetupTracingRejectsUnknownExporter(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: "zipkin"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported trace exporter")
}

func TestSetupTracingOTLPRequiresEndpoint(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: ExporterOTLP}, nil)
	require.Error(t, err)
}

func TestSetupTracingStdout(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{ServiceName: "faceflow-test", Exporter: ExporterStdout}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
