package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rterrors "github.com/wehubfusion/lambdaruntime/pkg/errors"
	"github.com/wehubfusion/lambdaruntime/pkg/runtimeapi"
	"github.com/wehubfusion/lambdaruntime/pkg/transport"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "127.0.0.1:9001")
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "echo")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9001", cfg.RuntimeAPI)
	assert.Equal(t, runtimeapi.DefaultVersion, cfg.Version)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.PollBackoff.InitialInterval)
	assert.Equal(t, 5*time.Second, cfg.PollBackoff.MaxInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "lambda.outcomes", cfg.Outcomes.Subject)
	assert.Equal(t, "echo", cfg.Tracing.ServiceName)
	assert.Equal(t, "/var/task", cfg.Function.TaskRoot)
	assert.Equal(t, InitUnknown, cfg.Function.InitializationType)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "http://localhost:8080")
	t.Setenv("LAMBDA_RUNTIME_API_VERSION", "/2020-01-01/")
	t.Setenv("RUNTIME_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RUNTIME_POLL_BACKOFF_MAX", "1s")
	t.Setenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE", "512")
	t.Setenv("AWS_LAMBDA_INITIALIZATION_TYPE", "snap-start")
	t.Setenv("_HANDLER", "index.handler")
	t.Setenv("OTEL_SERVICE_NAME", "custom")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.RuntimeAPI)
	assert.Equal(t, "2020-01-01", cfg.Version)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.PollBackoff.MaxInterval)
	assert.Equal(t, 512, cfg.Function.MemorySizeMB)
	assert.Equal(t, InitSnapStart, cfg.Function.InitializationType)
	assert.Equal(t, "index.handler", cfg.Function.Handler)
	assert.Equal(t, "custom", cfg.Tracing.ServiceName)
	assert.Equal(t, "http://localhost:8080/2020-01-01/runtime/invocation/next", cfg.Endpoints().NextInvocation())
}

func TestLoadMissingRuntimeAPI(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, rterrors.ErrInvalidConfig))
}

func TestValidate(t *testing.T) {
	valid := Config{
		RuntimeAPI:  "127.0.0.1:9001",
		Retry:       transport.DefaultRetryConfig(),
		PollBackoff: BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Second},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no endpoint", func(c *Config) { c.RuntimeAPI = "" }},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"zero backoff", func(c *Config) { c.PollBackoff.InitialInterval = 0 }},
		{"inverted backoff", func(c *Config) { c.PollBackoff.MaxInterval = time.Microsecond }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), rterrors.ErrInvalidConfig)
		})
	}
}

func TestParseInitializationType(t *testing.T) {
	assert.Equal(t, InitOnDemand, ParseInitializationType("on-demand"))
	assert.Equal(t, InitProvisionedConcurrency, ParseInitializationType("provisioned-concurrency"))
	assert.Equal(t, InitUnknown, ParseInitializationType(""))
	assert.Equal(t, InitUnknown, ParseInitializationType("warm"))
}
