package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "echo"}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupEnabled(t *testing.T) {
	cfg := Config{
		ServiceName:  "echo",
		Region:       "eu-west-1",
		OTLPEndpoint: "127.0.0.1:4318",
		SampleRatio:  1,
	}
	assert.True(t, cfg.Enabled())

	// the exporter connects lazily, so setup succeeds without a collector
	shutdown, err := Setup(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, Shutdown(shutdown, nil))
}

func TestShutdown(t *testing.T) {
	assert.NoError(t, Shutdown(nil, nil))

	failing := func(context.Context) error { return errors.New("flush failed") }
	assert.Error(t, Shutdown(failing, zap.NewNop()))
}
